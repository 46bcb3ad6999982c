package collab

import (
	"fmt"
	"time"

	"github.com/medscreen/collab/policy"
	"github.com/medscreen/collab/service/coordinator"
)

// Config is a serialisable representation of the engine configuration.  It
// can be populated from JSON, YAML or environment variables; the zero value
// is useful because every nested field inherits its package default.
type Config struct {
	// Workflow is the URL of the workflow definition document, resolved
	// through the meta service.
	Workflow string `json:"workflow,omitempty" yaml:"workflow,omitempty"`

	// Policy holds the session-level coordination settings.
	Policy *policy.Config `json:"policy,omitempty" yaml:"policy,omitempty"`

	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`

	// SweepIntervalMs drives the presence sweeper cadence.
	SweepIntervalMs int `json:"sweepIntervalMs,omitempty" yaml:"sweepIntervalMs,omitempty"`
}

// CoordinatorConfig mirrors coordinator.Config in milliseconds.
type CoordinatorConfig struct {
	DefaultTTLMs int `json:"defaultTtlMs,omitempty" yaml:"defaultTtlMs,omitempty"`
	AwayAfterMs  int `json:"awayAfterMs,omitempty" yaml:"awayAfterMs,omitempty"`
	GoneAfterMs  int `json:"goneAfterMs,omitempty" yaml:"goneAfterMs,omitempty"`
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() *Config {
	base := coordinator.DefaultConfig()
	return &Config{
		Coordinator: CoordinatorConfig{
			DefaultTTLMs: int(base.DefaultTTL / time.Millisecond),
			AwayAfterMs:  int(base.AwayAfter / time.Millisecond),
			GoneAfterMs:  int(base.GoneAfter / time.Millisecond),
		},
		SweepIntervalMs: 1000,
	}
}

// Validate returns an error describing invalid settings, or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Coordinator.DefaultTTLMs < 0 || c.Coordinator.AwayAfterMs < 0 || c.Coordinator.GoneAfterMs < 0 {
		return fmt.Errorf("coordinator timings must not be negative")
	}
	if p := c.Policy; p != nil {
		switch p.Resolution {
		case "", policy.ResolutionLastCommitted, policy.ResolutionMerge, policy.ResolutionManual:
		default:
			return fmt.Errorf("unknown resolution strategy %q", p.Resolution)
		}
		switch p.AccessMode {
		case "", policy.AccessExclusive, policy.AccessCollaborative:
		default:
			return fmt.Errorf("unknown access mode %q", p.AccessMode)
		}
	}
	return nil
}

// coordinatorConfig converts the serialisable form to runtime timings.
func (c *Config) coordinatorConfig() coordinator.Config {
	ret := coordinator.DefaultConfig()
	if c == nil {
		return ret
	}
	if c.Coordinator.DefaultTTLMs > 0 {
		ret.DefaultTTL = time.Duration(c.Coordinator.DefaultTTLMs) * time.Millisecond
	}
	if c.Coordinator.AwayAfterMs > 0 {
		ret.AwayAfter = time.Duration(c.Coordinator.AwayAfterMs) * time.Millisecond
	}
	if c.Coordinator.GoneAfterMs > 0 {
		ret.GoneAfter = time.Duration(c.Coordinator.GoneAfterMs) * time.Millisecond
	}
	return ret
}
