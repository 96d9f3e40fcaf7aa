// Package config loads and validates the license daemon configuration.
//
// Values are resolved in increasing order of precedence:
//
//	1. Default()
//	2. A YAML file (WSL_CONFIG_FILE, config.yaml or configs/config.yaml)
//	3. WSL_* environment variables, e.g. WSL_LICENSE_GRACE_PERIOD_HOURS=48
//
// The merged Config is validated once by Load with go-playground/validator
// plus the cross-field rules in Validate; an invalid configuration is a
// startup error, never a first-use error.
package config
