package model

import "time"

// FieldChange is a single queued edit to one field of one step.  It is
// created by any authorized editor and consumed exactly once by the conflict
// resolver.
type FieldChange struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	Step      string      `json:"step"`
	Field     string      `json:"field"`
	OldValue  interface{} `json:"oldValue,omitempty"`
	NewValue  interface{} `json:"newValue"`
	UserID    string      `json:"userId"`
	// SubmittedAt together with Seq yields a strict total order within one
	// (session, step, field) bucket even under identical timestamps.
	SubmittedAt time.Time `json:"submittedAt"`
	Seq         uint64    `json:"seq"`
	// ExpectedVersion carries an optional optimistic-concurrency token; a
	// stale value is rejected at submit time with a conflict error.
	ExpectedVersion *int `json:"expectedVersion,omitempty"`
	Processed       bool `json:"processed"`
}

// FieldRevision is one immutable entry of a field's change history.
type FieldRevision struct {
	ChangeID string      `json:"changeId"`
	Value    interface{} `json:"value"`
	UserID   string      `json:"userId"`
	At       time.Time   `json:"at"`
}

// FieldVersion tracks the current value of a field together with a strictly
// increasing version counter and its append-only history.
type FieldVersion struct {
	Name          string           `json:"name"`
	Value         interface{}      `json:"value,omitempty"`
	Version       int              `json:"version"`
	LastUpdatedBy string           `json:"lastUpdatedBy,omitempty"`
	LastUpdatedAt *time.Time       `json:"lastUpdatedAt,omitempty"`
	History       []*FieldRevision `json:"history,omitempty"`
}

// Populated reports whether the field carries a non-empty value.
func (f *FieldVersion) Populated() bool {
	if f == nil || f.Value == nil {
		return false
	}
	if s, ok := f.Value.(string); ok {
		return s != ""
	}
	return true
}

// Clone returns a deep copy; history entries are immutable and shared.
func (f *FieldVersion) Clone() *FieldVersion {
	if f == nil {
		return nil
	}
	ret := *f
	if f.LastUpdatedAt != nil {
		at := *f.LastUpdatedAt
		ret.LastUpdatedAt = &at
	}
	ret.History = append([]*FieldRevision(nil), f.History...)
	return &ret
}

// Lock is an exclusive, time-bounded editing claim on a step.  At most one
// live lock exists per (session, step) scope.
type Lock struct {
	SessionID  string        `json:"sessionId"`
	Step       string        `json:"step"`
	UserID     string        `json:"userId"`
	TTL        time.Duration `json:"ttl"`
	AcquiredAt time.Time     `json:"acquiredAt"`
	ExpiresAt  time.Time     `json:"expiresAt"`
}

// Live reports whether the lock has not yet expired at the supplied instant.
func (l *Lock) Live(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}
