package domain

import "time"

// MessagePoolConfig controls when an agent pool is flushed.
type MessagePoolConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Delay       time.Duration `yaml:"delay" json:"delay"`
	MaxWait     time.Duration `yaml:"max_wait" json:"max_wait"`
	MaxMessages int           `yaml:"max_messages" json:"max_messages"`
	Separator   string        `yaml:"separator" json:"separator"`
}

// DefaultPoolConfig returns the built-in global pool settings.
func DefaultPoolConfig() MessagePoolConfig {
	return MessagePoolConfig{
		Enabled:     true,
		Delay:       10 * time.Second,
		MaxWait:     60 * time.Second,
		MaxMessages: 10,
		Separator:   "\n\n---\n\n",
	}
}

// Equal reports structural equality. A pool whose stored config is not
// Equal to a freshly resolved one has been hot-reloaded.
func (c MessagePoolConfig) Equal(o MessagePoolConfig) bool {
	return c == o
}
