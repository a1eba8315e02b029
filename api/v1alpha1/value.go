package v1alpha1

import (
	"fmt"
)

// MaxFanSpeed is the highest speed step the firmware accepts.
const MaxFanSpeed = 4

// ValueKind tags the variant carried by a DeviceValue.
type ValueKind string

const (
	ValueKindRelay ValueKind = "relay"
	ValueKindFan   ValueKind = "fan"
)

// DeviceValue is a tagged value: either a relay on/off state or a fan speed
// step. Consistency with the owning device's type is enforced at the
// constructors and at every deserialization point, so code downstream can
// trust the tag.
type DeviceValue struct {
	Kind  ValueKind `json:"kind"`
	Relay bool      `json:"relay,omitempty"`
	Fan   int       `json:"fan,omitempty"`
}

// RelayValue returns a relay on/off value.
func RelayValue(on bool) DeviceValue {
	return DeviceValue{Kind: ValueKindRelay, Relay: on}
}

// FanValue returns a fan speed value, validating the 0..MaxFanSpeed domain.
func FanValue(speed int) (DeviceValue, error) {
	if speed < 0 || speed > MaxFanSpeed {
		return DeviceValue{}, fmt.Errorf("fan speed %d out of range 0..%d", speed, MaxFanSpeed)
	}
	return DeviceValue{Kind: ValueKindFan, Fan: speed}, nil
}

// MustFanValue is FanValue for statically known speeds; it panics on a value
// outside the legal domain.
func MustFanValue(speed int) DeviceValue {
	v, err := FanValue(speed)
	if err != nil {
		panic(err)
	}
	return v
}

func (v DeviceValue) Equal(o DeviceValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case ValueKindRelay:
		return v.Relay == o.Relay
	case ValueKindFan:
		return v.Fan == o.Fan
	default:
		return false
	}
}

// CompatibleWith reports whether the value's kind agrees with the device type.
// Temperature sensors admit no value at all.
func (v DeviceValue) CompatibleWith(t DeviceType) bool {
	switch t {
	case DeviceTypeRelay:
		return v.Kind == ValueKindRelay
	case DeviceTypeFan:
		return v.Kind == ValueKindFan && v.Fan >= 0 && v.Fan <= MaxFanSpeed
	default:
		return false
	}
}

func (v DeviceValue) String() string {
	switch v.Kind {
	case ValueKindRelay:
		if v.Relay {
			return "relay(on)"
		}
		return "relay(off)"
	case ValueKindFan:
		return fmt.Sprintf("fan(%d)", v.Fan)
	default:
		return "unknown"
	}
}

// Validate checks internal consistency of a deserialized value.
func (v DeviceValue) Validate() error {
	switch v.Kind {
	case ValueKindRelay:
		return nil
	case ValueKindFan:
		if v.Fan < 0 || v.Fan > MaxFanSpeed {
			return fmt.Errorf("fan speed %d out of range 0..%d", v.Fan, MaxFanSpeed)
		}
		return nil
	default:
		return fmt.Errorf("unknown value kind %q", v.Kind)
	}
}
