package api

// Config bounds request sizes and page sizes of the inbox API.
type Config struct {
	MaxBodyBytes int64
	MaxTextChars int

	DefaultMessageLimit int
	MaxMessageLimit     int

	DefaultConversationLimit int
	MaxConversationLimit     int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:             16 << 10,
		MaxTextChars:             4000,
		DefaultMessageLimit:      20,
		MaxMessageLimit:          100,
		DefaultConversationLimit: 50,
		MaxConversationLimit:     200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.MaxTextChars <= 0 {
		c.MaxTextChars = d.MaxTextChars
	}
	if c.MaxMessageLimit <= 0 {
		c.MaxMessageLimit = d.MaxMessageLimit
	}
	if c.DefaultMessageLimit <= 0 || c.DefaultMessageLimit > c.MaxMessageLimit {
		c.DefaultMessageLimit = min(d.DefaultMessageLimit, c.MaxMessageLimit)
	}
	if c.MaxConversationLimit <= 0 {
		c.MaxConversationLimit = d.MaxConversationLimit
	}
	if c.DefaultConversationLimit <= 0 || c.DefaultConversationLimit > c.MaxConversationLimit {
		c.DefaultConversationLimit = min(d.DefaultConversationLimit, c.MaxConversationLimit)
	}
	return c
}
