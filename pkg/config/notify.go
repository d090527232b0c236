package config

// NotifyConfig configures ntfy push notifications.
type NotifyConfig struct {
	Enabled bool
	BaseURL string
	Topic   string
}

// LoadNotifyConfig reads notification settings from the environment.
func LoadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		Enabled: getEnvBool("NTFY_ENABLED", false),
		BaseURL: getEnv("NTFY_BASE_URL", "https://ntfy.sh"),
		Topic:   getEnv("NTFY_TOPIC", ""),
	}
}

// EgressConfig is the outbound-network policy. By default every dial to a
// non-local host is refused.
type EgressConfig struct {
	// AllowEgress permits all outbound traffic (ALLOW_EGRESS=1).
	AllowEgress bool
	// AllowHFEgress permits the model-host allow-list (ALLOW_HF_EGRESS=1).
	AllowHFEgress bool
	// OfflineMode forces everything off regardless of the flags above.
	OfflineMode bool
}

// LoadEgressConfig reads egress policy flags from the environment.
func LoadEgressConfig() EgressConfig {
	return EgressConfig{
		AllowEgress:   getEnvBool("ALLOW_EGRESS", false),
		AllowHFEgress: getEnvBool("ALLOW_HF_EGRESS", false),
		OfflineMode:   getEnvBool("OFFLINE_MODE", false),
	}
}
