// Package notifications delivers run alerts via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when notifications are disabled. Callers
// depend only on the Service interface.
package notifications
