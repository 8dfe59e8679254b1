package api

// Config controls API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Request budget per bucket (operator, IP plus claimed operator, IP for
	// token issuance). Zero RPS disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// SameOriginEnforce guards token issuance, which is called from the
	// client's card page, against cross-site requests.
	SameOriginEnforce bool
	AllowedOrigins    []string
}

// DefaultConfig returns conservative settings.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:   1 << 20, // 1 MiB
		RateLimitRPS:   5,
		RateLimitBurst: 10,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 1
	}
	return c
}
