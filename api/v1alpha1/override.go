package v1alpha1

import (
	"time"
)

// OverrideScope selects whether an override targets a single device or every
// device of a functional system.
type OverrideScope string

const (
	OverrideScopeDevice OverrideScope = "DEVICE"
	OverrideScopeSystem OverrideScope = "SYSTEM"
)

// OverrideCategory orders overrides by how strongly they bind. The two safety
// tiers live inside the rule engine and are not expressible as overrides.
type OverrideCategory string

const (
	OverrideCategoryEmergency   OverrideCategory = "EMERGENCY"
	OverrideCategoryMaintenance OverrideCategory = "MAINTENANCE"
	OverrideCategoryScheduled   OverrideCategory = "SCHEDULED"
	OverrideCategoryManual      OverrideCategory = "MANUAL"

	// OverrideCategoryUserIntent is never stored as an override; it is the
	// source category recorded on a desired state that came straight from
	// the user's intent.
	OverrideCategoryUserIntent OverrideCategory = "USER_INTENT"
)

// Rank returns the precedence ordinal, higher binds first.
func (c OverrideCategory) Rank() int {
	switch c {
	case OverrideCategoryEmergency:
		return 4
	case OverrideCategoryMaintenance:
		return 3
	case OverrideCategoryScheduled:
		return 2
	case OverrideCategoryManual:
		return 1
	default:
		return 0
	}
}

// OverrideCategories lists the storable categories in decreasing precedence.
var OverrideCategories = []OverrideCategory{
	OverrideCategoryEmergency,
	OverrideCategoryMaintenance,
	OverrideCategoryScheduled,
	OverrideCategoryManual,
}

// Override is a prioritized forced value superseding user intent.
// (targetId, category) uniquely identifies an override; writes carry an
// optimistic version.
type Override struct {
	TargetID  string           `json:"targetId"`
	Scope     OverrideScope    `json:"scope"`
	Category  OverrideCategory `json:"category"`
	Value     DeviceValue      `json:"value"`
	Reason    string           `json:"reason,omitempty"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	CreatedBy string           `json:"createdBy,omitempty"`
	Version   int64            `json:"version"`
}

// Expired reports whether the override is past its TTL at the given instant.
// An override exactly at its expiry time counts as expired.
func (o Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// ResolvedOverride is the single effective override for a device after
// precedence resolution.
type ResolvedOverride struct {
	Value        DeviceValue      `json:"value"`
	Category     OverrideCategory `json:"category"`
	Reason       string           `json:"reason,omitempty"`
	IsFromSystem bool             `json:"isFromSystem"`
}
