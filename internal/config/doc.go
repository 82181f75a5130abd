// Package config provides centralized configuration management for the
// escrow daemon, covering storage drivers, fee policy, chain definitions,
// identity resolution, audit fan-out and observability endpoints.
package config
