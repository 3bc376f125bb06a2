// Package config loads the CoralRush daemon configuration from YAML,
// resolves relative paths against the config file location and applies
// secret overrides from the environment.
package config
