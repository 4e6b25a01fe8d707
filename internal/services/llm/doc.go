// Package llm provides a single-attempt client for OpenAI-compatible chat
// completion endpoints.
//
// # Entry Points
//
// NewClient: construct a client from Config.
// Client.Complete: send a message list, receive content and optional reasoning.
// Client.HealthCheck: verify the API key and model are usable.
// DecodeLLMJSON: decode a JSON answer, tolerating code fences and prose.
//
// # Failure Classification
//
// Non-2xx responses surface as *StatusError carrying any Retry-After delay.
// Answers without content surface as *EmptyContentError. IsRetryable reports
// whether a failure is transport-level (408/429/5xx, timeouts, dropped
// connections); the dispatch engine owns the retry loop and backoff.
package llm
