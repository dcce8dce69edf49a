package budget

import (
	"fmt"

	"github.com/mohammad-safakhou/kinetiq/config"
)

// Config defines optional guardrails for a single pipeline run. Nil limits
// are unlimited.
type Config struct {
	MaxCost        *float64
	MaxTokens      *int64
	MaxTimeSeconds *int64
}

// FromSettings converts the service configuration, treating zero as unset.
func FromSettings(s config.BudgetConfig) Config {
	var c Config
	if s.MaxCost > 0 {
		v := s.MaxCost
		c.MaxCost = &v
	}
	if s.MaxTokens > 0 {
		v := s.MaxTokens
		c.MaxTokens = &v
	}
	if s.MaxTimeSeconds > 0 {
		v := s.MaxTimeSeconds
		c.MaxTimeSeconds = &v
	}
	return c
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxCost != nil && *c.MaxCost < 0 {
		return fmt.Errorf("max_cost cannot be negative")
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if c.MaxTimeSeconds != nil && *c.MaxTimeSeconds < 0 {
		return fmt.Errorf("max_time_seconds cannot be negative")
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	var clone Config
	if c.MaxCost != nil {
		v := *c.MaxCost
		clone.MaxCost = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.MaxTimeSeconds != nil {
		v := *c.MaxTimeSeconds
		clone.MaxTimeSeconds = &v
	}
	return clone
}

// IsZero reports whether the config defines no explicit limits.
func (c Config) IsZero() bool {
	if c.MaxCost != nil && *c.MaxCost != 0 {
		return false
	}
	if c.MaxTokens != nil && *c.MaxTokens != 0 {
		return false
	}
	return c.MaxTimeSeconds == nil || *c.MaxTimeSeconds == 0
}
