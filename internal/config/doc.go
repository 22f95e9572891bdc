// Package config loads the relay YAML configuration.
//
// Values may reference environment variables as ${VAR}. Load parses the file,
// LoadWithDefaults fills unset fields, and LoadAndValidate also checks the
// result.
package config
