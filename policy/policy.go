// Package policy declares the per-session coordination settings: the conflict
// resolution strategy applied by the field change queue, the step access mode
// enforced by the concurrency coordinator and the reopen behaviour of the
// approval gate.  It is deliberately decoupled from the rest of the engine so
// that using it is entirely opt-in: a nil *Policy means "defaults".
package policy

import (
	"context"
	"time"
)

// Conflict resolution strategies recognised by the field change queue.
const (
	ResolutionLastCommitted = "last-committed-wins" // chronologically latest value wins (default)
	ResolutionMerge         = "merge"               // string fields merged, scalars fall back to last-committed-wins
	ResolutionManual        = "manual"              // freeze field, surface a conflict ticket
)

// Step access modes enforced by the coordinator.
const (
	AccessExclusive     = "exclusive"     // only the lock holder may submit changes
	AccessCollaborative = "collaborative" // anyone may submit; the queue resolves conflicts (default)
)

// Policy represents the coordination settings for one session.
//
//   - Resolution selects the conflict strategy (per-field overrides live in
//     the workflow definition).
//   - AccessMode selects exclusive vs collaborative editing.
//   - ConflictWindow bounds how far apart two changes may arrive and still be
//     treated as concurrent.
//   - ReapproveOnReopen re-triggers a fresh approval cycle after a reopen of
//     an already-approved step.
//
// A nil *Policy applies all defaults and is therefore the zero-cost default.
type Policy struct {
	Resolution        string
	AccessMode        string
	ConflictWindow    time.Duration
	ReapproveOnReopen bool
}

// DefaultConflictWindow is applied when ConflictWindow is unset.
const DefaultConflictWindow = 5 * time.Second

// ResolutionOrDefault returns the effective strategy.
func (p *Policy) ResolutionOrDefault() string {
	if p == nil || p.Resolution == "" {
		return ResolutionLastCommitted
	}
	return p.Resolution
}

// AccessModeOrDefault returns the effective access mode.
func (p *Policy) AccessModeOrDefault() string {
	if p == nil || p.AccessMode == "" {
		return AccessCollaborative
	}
	return p.AccessMode
}

// Window returns the effective conflict window.
func (p *Policy) Window() time.Duration {
	if p == nil || p.ConflictWindow <= 0 {
		return DefaultConflictWindow
	}
	return p.ConflictWindow
}

// Config represents the declarative, serialisable part of a Policy.
type Config struct {
	Resolution        string `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	AccessMode        string `json:"accessMode,omitempty" yaml:"accessMode,omitempty"`
	ConflictWindowMs  int    `json:"conflictWindowMs,omitempty" yaml:"conflictWindowMs,omitempty"`
	ReapproveOnReopen bool   `json:"reapproveOnReopen,omitempty" yaml:"reapproveOnReopen,omitempty"`
}

// ToConfig converts a runtime Policy into a persistable Config.
func ToConfig(p *Policy) *Config {
	if p == nil {
		return nil
	}
	return &Config{
		Resolution:        p.Resolution,
		AccessMode:        p.AccessMode,
		ConflictWindowMs:  int(p.ConflictWindow / time.Millisecond),
		ReapproveOnReopen: p.ReapproveOnReopen,
	}
}

// FromConfig converts a stored Config back to a runtime Policy.
func FromConfig(c *Config) *Policy {
	if c == nil {
		return nil
	}
	return &Policy{
		Resolution:        c.Resolution,
		AccessMode:        c.AccessMode,
		ConflictWindow:    time.Duration(c.ConflictWindowMs) * time.Millisecond,
		ReapproveOnReopen: c.ReapproveOnReopen,
	}
}

type ctxKeyT struct{}

var ctxKey ctxKeyT

// WithPolicy embeds policy in ctx.
func WithPolicy(ctx context.Context, p *Policy) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey, p)
}

// FromContext extracts the policy, or nil when none was embedded.
func FromContext(ctx context.Context) *Policy {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxKey).(*Policy); ok {
		return v
	}
	return nil
}
