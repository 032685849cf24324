// Package feature provides feature flag value types and pure functions.
// A flag is a gateable capability with a global default and a per-plan
// access matrix.
package feature

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// MaxKeyLength bounds the length of a feature key.
const MaxKeyLength = 64

// ErrInvalidKey is returned by ValidateKey for malformed keys.
var ErrInvalidKey = errors.New("invalid feature key")

// Flag represents a feature the platform can gate (immutable value type).
type Flag struct {
	Key            string          // Unique, immutable identifier (e.g., "sales_module")
	Description    string          // Human text, not used in resolution
	DefaultEnabled bool            // Fallback when the plan has no PlanAccess entry
	PlanAccess     map[string]bool // Plan ID -> access, authoritative per-plan grants
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PlanValue returns the matrix entry for a plan and whether one exists.
// This is a PURE function.
func PlanValue(f Flag, planID string) (bool, bool) {
	if f.PlanAccess == nil {
		return false, false
	}
	v, ok := f.PlanAccess[planID]
	return v, ok
}

// Clone returns a copy of the flag that shares no map with the original.
// This is a PURE function.
func Clone(f Flag) Flag {
	out := f
	if f.PlanAccess != nil {
		out.PlanAccess = make(map[string]bool, len(f.PlanAccess))
		for plan, v := range f.PlanAccess {
			out.PlanAccess[plan] = v
		}
	}
	return out
}

// FindByKey finds a flag by key in a list.
// This is a PURE function.
func FindByKey(flags []Flag, key string) (Flag, bool) {
	for _, f := range flags {
		if f.Key == key {
			return f, true
		}
	}
	return Flag{}, false
}

// Plans returns the plan IDs present in the access matrix, sorted.
// This is a PURE function.
func Plans(f Flag) []string {
	plans := make([]string, 0, len(f.PlanAccess))
	for plan := range f.PlanAccess {
		plans = append(plans, plan)
	}
	sort.Strings(plans)
	return plans
}

// ValidateKey checks that a key is non-empty, at most MaxKeyLength long,
// starts with [a-z0-9] and otherwise uses only [a-z0-9_.-].
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidKey, MaxKeyLength)
	}
	for i, c := range key {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case i > 0 && (c == '_' || c == '.' || c == '-'):
		default:
			return fmt.Errorf("%w: %q has invalid character %q", ErrInvalidKey, key, c)
		}
	}
	return nil
}
