// Package dispatch runs a resumable batch of work items against a remote
// caller under a global concurrency cap.
//
// # Flow
//
// BuildQueue fingerprints the input and drops items already present in prior
// output. Engine.Run then keeps up to ConcurrencyLimit calls in flight, each in
// its own goroutine reporting back over a channel. A single control goroutine
// owns the queue, the in-flight count, and the sink buffers, so none of them
// need locks.
//
// # Retry
//
// Every finished attempt is classified (Classify) and judged (Policy.Decide).
// Transient failures are re-queued at the front with exponential backoff;
// validation failures are re-queued immediately with a hint naming the
// violated constraint. Both share one attempt counter bounded by MaxRetries
// (ValidationMaxRetries may override the bound for validation failures).
//
// # Output
//
// Terminal items become records in the success or error stream. The sink
// batches them and issues one durable append per stream per flush. Each record
// carries the item's fingerprint, which is what a later run's checkpoint
// loader uses to skip completed work.
package dispatch
