// Package config loads, normalizes, and validates foreman configuration.
//
// Configuration lives in TOML (default ~/.config/foreman/config.toml, falling
// back to ./foreman.toml). Load applies defaults, expands paths, pulls secrets
// from environment variables, and validates cross-field constraints so the
// rest of the engine can trust the values it receives.
package config
