// Package config defines the environment definition model: service specs,
// their dependency edges, health probes, and per-database isolation and
// seeding policy. Definitions are loaded from YAML or TOML, defaulted, and
// validated here; the core packages only ever receive validated values.
package config
