// Package config provides configuration loading and validation for the duplex coaching service.
// It handles YAML-based configuration layered over reference defaults, with per-section
// validation and helpers converting second/millisecond fields to time.Duration.
package config
