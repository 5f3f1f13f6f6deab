// Package config handles loading and validating authcore configuration.
//
// Configuration is read from a YAML file, then overridden by AUTHCORE_*
// environment variables, then validated as a whole. Validation reports every
// problem at once rather than stopping at the first.
//
// Security considerations:
//   - The JWT signing secret has no default and must be at least 32 characters
//   - Secrets (JWT, MQTT password, InfluxDB token) should come from the environment
//   - Token cookies are Secure by default; only relax this for local development
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.AccessTTL())
package config
