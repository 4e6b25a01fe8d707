// Package testsupport holds shared helpers for package tests: temp-dir
// configs, JSON Lines fixtures, the run ledger, and a scripted caller.
package testsupport
