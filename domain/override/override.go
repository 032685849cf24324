// Package override provides tenant feature override value types and pure
// functions. An override is a time-bounded grant (or forced deny) of one
// feature for one tenant that supersedes plan-based access while active.
package override

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// DateLayout is the wire and storage format of window bounds.
const DateLayout = "2006-01-02"

// ErrInvalidWindow is returned when a window starts after it expires.
var ErrInvalidWindow = errors.New("invalid override window")

// Status describes where an override window sits relative to an instant.
type Status string

const (
	StatusActive  Status = "active"  // Window contains the instant
	StatusFuture  Status = "future"  // Window starts after the instant
	StatusExpired Status = "expired" // Window ended before the instant
)

// Window is an inclusive range of calendar days (UTC).
// A nil Start is open towards the past, a nil Expiry is open-ended.
type Window struct {
	Start  *time.Time
	Expiry *time.Time
}

// Override represents a tenant-scoped feature grant (immutable value type).
type Override struct {
	ID         string
	TenantID   string
	FeatureKey string
	Enabled    bool // Access value asserted while the window is active
	Window     Window
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Day truncates t to the start of its UTC calendar day.
// This is a PURE function.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewWindow builds a window with both bounds truncated to calendar days.
// This is a PURE function.
func NewWindow(start, expiry *time.Time) Window {
	var w Window
	if start != nil {
		s := Day(*start)
		w.Start = &s
	}
	if expiry != nil {
		e := Day(*expiry)
		w.Expiry = &e
	}
	return w
}

// Validate returns ErrInvalidWindow when Start is after Expiry.
func (w Window) Validate() error {
	if w.Start != nil && w.Expiry != nil && Day(*w.Start).After(Day(*w.Expiry)) {
		return fmt.Errorf("%w: start %s is after expiry %s",
			ErrInvalidWindow, w.Start.Format(DateLayout), w.Expiry.Format(DateLayout))
	}
	return nil
}

// Contains reports whether the day of asOf lies inside the window.
// Both bounds are inclusive.
// This is a PURE function.
func (w Window) Contains(asOf time.Time) bool {
	d := Day(asOf)
	if w.Start != nil && d.Before(Day(*w.Start)) {
		return false
	}
	if w.Expiry != nil && d.After(Day(*w.Expiry)) {
		return false
	}
	return true
}

// Overlaps reports whether two windows share at least one day.
// This is a PURE function.
func (w Window) Overlaps(other Window) bool {
	// a.start <= b.expiry && b.start <= a.expiry, nil bounds are infinite.
	if w.Start != nil && other.Expiry != nil && Day(*w.Start).After(Day(*other.Expiry)) {
		return false
	}
	if other.Start != nil && w.Expiry != nil && Day(*other.Start).After(Day(*w.Expiry)) {
		return false
	}
	return true
}

// Status classifies the window relative to asOf.
// This is a PURE function.
func (w Window) Status(asOf time.Time) Status {
	d := Day(asOf)
	if w.Start != nil && d.Before(Day(*w.Start)) {
		return StatusFuture
	}
	if w.Expiry != nil && d.After(Day(*w.Expiry)) {
		return StatusExpired
	}
	return StatusActive
}

// String formats the window as "start..expiry" with open bounds shown as "*".
func (w Window) String() string {
	return FormatDate(w.Start, "*") + ".." + FormatDate(w.Expiry, "*")
}

// SameScope reports whether two overrides target the same tenant and feature.
// This is a PURE function.
func SameScope(a, b Override) bool {
	return a.TenantID == b.TenantID && a.FeatureKey == b.FeatureKey
}

// FindActive returns the override for the scope whose window contains asOf.
// Stored windows never overlap, so at most one can match.
// This is a PURE function.
func FindActive(overrides []Override, tenantID, featureKey string, asOf time.Time) (Override, bool) {
	for _, o := range overrides {
		if o.TenantID == tenantID && o.FeatureKey == featureKey && o.Window.Contains(asOf) {
			return o, true
		}
	}
	return Override{}, false
}

// FindConflict returns a stored override, other than the candidate itself,
// that shares the candidate's scope and overlaps its window.
// This is a PURE function.
func FindConflict(existing []Override, candidate Override) (Override, bool) {
	for _, o := range existing {
		if o.ID == candidate.ID || !SameScope(o, candidate) {
			continue
		}
		if o.Window.Overlaps(candidate.Window) {
			return o, true
		}
	}
	return Override{}, false
}

// Sort orders overrides by feature key, then start day (open start first), then ID.
func Sort(overrides []Override) {
	sort.SliceStable(overrides, func(i, j int) bool {
		a, b := overrides[i], overrides[j]
		if a.FeatureKey != b.FeatureKey {
			return a.FeatureKey < b.FeatureKey
		}
		switch {
		case a.Window.Start == nil && b.Window.Start != nil:
			return true
		case a.Window.Start != nil && b.Window.Start == nil:
			return false
		case a.Window.Start != nil && !a.Window.Start.Equal(*b.Window.Start):
			return a.Window.Start.Before(*b.Window.Start)
		}
		return a.ID < b.ID
	})
}

// ParseDate parses a YYYY-MM-DD day. An empty string yields nil.
func ParseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", s, err)
	}
	return &t, nil
}

// FormatDate formats a day, returning open when t is nil.
func FormatDate(t *time.Time, open string) string {
	if t == nil {
		return open
	}
	return t.UTC().Format(DateLayout)
}
