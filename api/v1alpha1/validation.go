package v1alpha1

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSensorIntent = errors.New("temperature sensors do not accept intents")
)

type Validator interface {
	Validate() []error
}

func (r UserIntent) Validate() []error {
	allErrs := []error{}
	if r.ID.ControllerID == "" || r.ID.ComponentID == "" {
		allErrs = append(allErrs, fmt.Errorf("intent device id must carry controller and component"))
	}
	switch r.Type {
	case DeviceTypeRelay, DeviceTypeFan:
		if !r.Value.CompatibleWith(r.Type) {
			allErrs = append(allErrs, fmt.Errorf("value %s is not valid for device type %s", r.Value, r.Type))
		}
	case DeviceTypeTemperatureSensor:
		allErrs = append(allErrs, ErrSensorIntent)
	default:
		allErrs = append(allErrs, fmt.Errorf("unknown device type %q", r.Type))
	}
	return allErrs
}

func (o Override) Validate() []error {
	allErrs := []error{}
	if o.TargetID == "" {
		allErrs = append(allErrs, fmt.Errorf("override target id must be set"))
	}
	switch o.Scope {
	case OverrideScopeDevice, OverrideScopeSystem:
	default:
		allErrs = append(allErrs, fmt.Errorf("unknown override scope %q", o.Scope))
	}
	if o.Category == OverrideCategoryUserIntent || o.Category.Rank() == 0 {
		allErrs = append(allErrs, fmt.Errorf("category %q cannot be stored as an override", o.Category))
	}
	if err := o.Value.Validate(); err != nil {
		allErrs = append(allErrs, err)
	}
	if o.ExpiresAt != nil && !o.CreatedAt.IsZero() && !o.ExpiresAt.After(o.CreatedAt) {
		allErrs = append(allErrs, fmt.Errorf("override expiry %s is not after creation", o.ExpiresAt.Format(time.RFC3339)))
	}
	return allErrs
}

func (s FunctionalSystem) Validate() []error {
	allErrs := []error{}
	if s.ID == "" {
		allErrs = append(allErrs, fmt.Errorf("system id must be set"))
	}
	if s.Name == "" {
		allErrs = append(allErrs, fmt.Errorf("system name must be set"))
	}
	seen := make(map[DeviceID]struct{}, len(s.DeviceIDs))
	for _, id := range s.DeviceIDs {
		if _, ok := seen[id]; ok {
			allErrs = append(allErrs, fmt.Errorf("device %s listed twice", id))
		}
		seen[id] = struct{}{}
	}
	for t, v := range s.FailSafeDefault {
		if !v.CompatibleWith(t) {
			allErrs = append(allErrs, fmt.Errorf("fail-safe default %s is not valid for device type %s", v, t))
		}
	}
	return allErrs
}
