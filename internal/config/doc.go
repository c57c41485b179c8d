// Package config loads, normalizes, and validates moviequeue configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// MOVIEQUEUE_API_TOKEN and MOVIEQUEUE_REMOTE_HOST. The Config type centralizes
// every knob the dispatcher, daemon and CLI need so library directories, encoder
// settings and remote worker credentials are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// absolute paths, canonical log formats, and clear validation errors.
package config
