// Package config loads, normalizes, and validates Facet configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// FACET_LIBRARY_ROOT. The Config type centralizes every knob the engine and
// CLI need, deriving the catalog database and scope lock locations from the
// library root so a library stays portable.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
