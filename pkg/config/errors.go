package config

import "fmt"

// ConfigurationError reports a provider that cannot be used because its
// configuration is missing or invalid.
type ConfigurationError struct {
	Provider string
	EnvVar   string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.EnvVar != "" {
		return fmt.Sprintf("%s: %s (set %s)", e.Provider, e.Reason, e.EnvVar)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

// MissingCredential builds the error adapters return when constructed
// without an API key.
func MissingCredential(provider, envVar string) *ConfigurationError {
	return &ConfigurationError{Provider: provider, EnvVar: envVar, Reason: "missing credential"}
}
