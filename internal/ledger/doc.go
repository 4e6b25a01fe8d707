// Package ledger keeps a SQLite history of dispatch runs.
//
// Each invocation records one row when it starts and updates it when it
// finishes, so `modelcall history` can show what ran against which streams and
// how it ended. The ledger is bookkeeping only: resume decisions come from the
// output streams, never from this database.
//
// Schema changes bump schemaVersion in schema.go; users delete the database
// to adopt the new schema.
package ledger
