// Package logging provides structured logging for homegate.
//
// It wraps log/slog so every component logs the same way:
//
//   - JSON output for production, text for development
//   - service and version fields on every record
//   - level filtering (debug, info, warn, error)
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("command dispatched", "object_id", 3, "reply", "ok")
//
// Never log secrets. SSH passphrases, JWT secrets and broker passwords stay
// out of log fields.
package logging
