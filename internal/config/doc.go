// Package config loads, normalizes, and validates modelcall configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, optionally seeds the environment from a dotenv
// file, and honours environment fallbacks such as MODELCALL_API_KEY and
// BASE_URL. The Config type centralizes every knob the CLI and the dispatch
// engine need so credentials, output locations, and retry policy are
// discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
