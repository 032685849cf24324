// Package entitlement provides the feature access decision type and the
// pure precedence algorithm that produces it.
// Decisions combine a feature flag's plan matrix and global default with
// an optional tenant override.
package entitlement

import (
	"github.com/artpar/featuregate/domain/feature"
	"github.com/artpar/featuregate/domain/override"
)

// Reason explains which signal produced a decision.
type Reason string

const (
	ReasonOverride       Reason = "OVERRIDE"        // Active tenant override
	ReasonPlanDefault    Reason = "PLAN_DEFAULT"    // Plan access matrix entry
	ReasonGlobalDefault  Reason = "GLOBAL_DEFAULT"  // Flag default, plan absent from matrix
	ReasonUnknownFeature Reason = "UNKNOWN_FEATURE" // No such flag, always denied
)

// Tenant is the account a check is scoped to (external, read-only).
type Tenant struct {
	ID   string
	Plan string
}

// Decision is the resolved access for one tenant and feature (computed value type).
// Decisions are never persisted.
type Decision struct {
	FeatureKey string
	Allowed    bool
	Reason     Reason
}

// Deny returns a fail-closed decision with the given reason.
// This is a PURE function.
func Deny(featureKey string, reason Reason) Decision {
	return Decision{FeatureKey: featureKey, Allowed: false, Reason: reason}
}

// Resolve applies the precedence rules:
//  1. unknown feature (flag == nil) is denied
//  2. an active override wins unconditionally
//  3. the plan's matrix entry, when present
//  4. the flag's global default
//
// The caller is responsible for passing only an override whose window
// contains the instant being resolved.
// This is a PURE function.
func Resolve(tenant Tenant, featureKey string, flag *feature.Flag, active *override.Override) Decision {
	if flag == nil {
		return Deny(featureKey, ReasonUnknownFeature)
	}

	if active != nil {
		return Decision{FeatureKey: featureKey, Allowed: active.Enabled, Reason: ReasonOverride}
	}

	if v, ok := feature.PlanValue(*flag, tenant.Plan); ok {
		return Decision{FeatureKey: featureKey, Allowed: v, Reason: ReasonPlanDefault}
	}

	return Decision{FeatureKey: featureKey, Allowed: flag.DefaultEnabled, Reason: ReasonGlobalDefault}
}

// ResolveAll resolves every flag for a tenant given the overrides active at
// the instant of interest. Overrides for other tenants are ignored.
// This is a PURE function.
func ResolveAll(tenant Tenant, flags []feature.Flag, active []override.Override) []Decision {
	byKey := make(map[string]override.Override, len(active))
	for _, o := range active {
		if o.TenantID == tenant.ID {
			byKey[o.FeatureKey] = o
		}
	}

	result := make([]Decision, 0, len(flags))
	for i := range flags {
		var ov *override.Override
		if o, ok := byKey[flags[i].Key]; ok {
			ov = &o
		}
		result = append(result, Resolve(tenant, flags[i].Key, &flags[i], ov))
	}
	return result
}

// Granted returns the keys of allowed decisions, in input order.
// This is a PURE function.
func Granted(decisions []Decision) []string {
	var keys []string
	for _, d := range decisions {
		if d.Allowed {
			keys = append(keys, d.FeatureKey)
		}
	}
	return keys
}
