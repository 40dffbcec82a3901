// Package config handles configuration loading, saving, and schema definition.
package config

// Config is the top-level appbridge configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Relay  RelayConfig  `json:"relay"`
	Client ClientConfig `json:"client"`
	Redis  RedisConfig  `json:"redis"`
}

// RelayConfig holds relay server settings.
type RelayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// APIKey guards the /api/* endpoints when set.
	APIKey string `json:"apiKey,omitempty"`

	// RequestTimeoutSeconds bounds how long a routed command waits
	// for its application's response.
	RequestTimeoutSeconds int `json:"requestTimeoutSeconds"`

	// ApplicationsFile points at an optional applications.yaml
	// allowlist; empty means accept any application name.
	ApplicationsFile string `json:"applicationsFile,omitempty"`

	// Workers is the number of daemon worker processes spawned by
	// `serve start`, each on a consecutive port.
	Workers int `json:"workers,omitempty"`
}

// ClientConfig holds defaults for the send command.
type ClientConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// RedisConfig holds the optional command-history backend settings.
type RedisConfig struct {
	URL      string `json:"url,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// DefaultConfig returns the built-in defaults: relay on port 3001,
// 10-second request timeout, no Redis.
func DefaultConfig() Config {
	return Config{
		Relay: RelayConfig{
			Host:                  "0.0.0.0",
			Port:                  3001,
			RequestTimeoutSeconds: 10,
			Workers:               1,
		},
		Client: ClientConfig{
			URL:            "ws://localhost:3001/ws",
			TimeoutSeconds: 10,
		},
	}
}
