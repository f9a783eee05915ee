package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var ErrMisconfigured = errors.New("ratelimit: misconfigured")

// MisconfiguredError is returned when a Config breaks one of its invariants.
type MisconfiguredError struct {
	Config Config
	Reason string
}

func (e *MisconfiguredError) Error() string {
	return fmt.Sprintf(
		"ratelimit: misconfigured (interval=%s, concurrency=%d): %s",
		e.Config.MinimumInterval, e.Config.MaxConcurrentRequests, e.Reason,
	)
}

func (e *MisconfiguredError) Is(target error) bool {
	return target == ErrMisconfigured
}

type Config struct {
	// MinimumInterval is the least time between the starts of two admitted requests.
	MinimumInterval time.Duration `json:"minimum_interval"`
	// MaxConcurrentRequests is how many requests may run at the same time.
	MaxConcurrentRequests int `json:"max_concurrent_requests"`
}

var (
	// ProductionConfig stays well under what the provider tolerates.
	ProductionConfig = Config{
		MinimumInterval:       time.Millisecond * 500,
		MaxConcurrentRequests: 3,
	}
	// TestConfig is fast enough for tests against a local server.
	TestConfig = Config{
		MinimumInterval:       time.Millisecond * 10,
		MaxConcurrentRequests: 10,
	}
)

func (c Config) Validate() error {
	if c.MinimumInterval < 0 {
		return &MisconfiguredError{Config: c, Reason: "minimum interval must not be negative"}
	}
	if c.MaxConcurrentRequests < 1 {
		return &MisconfiguredError{Config: c, Reason: "at least one concurrent request must be allowed"}
	}
	return nil
}

// Preset returns the named preset, "production" or "test".
func Preset(name string) (Config, bool) {
	switch name {
	case "production", "":
		return ProductionConfig, true
	case "test":
		return TestConfig, true
	default:
		return Config{}, false
	}
}
