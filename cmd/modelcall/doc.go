// Package main hosts the modelcall CLI entrypoint and command graph.
//
// The Cobra command tree resolves configuration once, builds the chat
// completion client and prompt caller, and hands input files to the batch
// runner. Run history comes from the SQLite ledger; `check` pings the
// configured endpoint and output location before a long run.
//
// Keep this package lean: add behaviour to the internal packages first and
// surface it here through commands or flags.
package main
