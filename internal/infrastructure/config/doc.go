// Package config handles loading and validating homegate configuration.
//
// This package manages:
//   - Loading configuration from YAML files over built-in defaults
//   - Overriding with HOMEGATE_* environment variables
//   - Validation of every section, reported in one error
//
// Security Considerations:
//   - Secrets (JWT secret, broker passwords, InfluxDB token) should come from
//     the environment rather than the file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	timeout := cfg.CommandTimeout()
package config
