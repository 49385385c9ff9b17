/*
Package config loads txcore service configuration.

# Sources

Values are resolved in three layers:

  - built-in defaults (see Defaults)
  - an optional YAML file
  - environment variables prefixed with TXCORE_

Environment variable names are lower-cased after the prefix is removed, and
a double underscore separates nesting levels:

	TXCORE_SERVER__PORT=9090          -> server.port
	TXCORE_IDEMPOTENCY__BACKEND=redis -> idempotency.backend
	TXCORE_BREAKER__RESET_TIMEOUT=30s -> breaker.reset_timeout

# Usage

	cfg, err := config.Load("txcore.yaml")
	if err != nil {
	    log.Fatal(err)
	}

Load validates the result. Durations are written as Go duration strings
("24h", "300s").
*/
package config
