// Package batchrun wires one input file to the dispatch engine.
//
// It resolves the output backend, derives stream names from the input file
// name, prepares the input for the selected mode (resume, fresh, or retry of
// the error stream), loads the checkpoint, runs the engine, and records the
// run in the ledger. Several inputs are processed one after another.
package batchrun
