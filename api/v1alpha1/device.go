package v1alpha1

import (
	"fmt"
	"strings"
	"time"
)

// DeviceType discriminates the kinds of components a controller exposes.
type DeviceType string

const (
	DeviceTypeRelay             DeviceType = "RELAY"
	DeviceTypeFan               DeviceType = "FAN"
	DeviceTypeTemperatureSensor DeviceType = "TEMPERATURE_SENSOR"
)

// IsOutput reports whether devices of this type accept commands.
func (t DeviceType) IsOutput() bool {
	return t == DeviceTypeRelay || t == DeviceTypeFan
}

// DeviceID addresses a single component on a controller.
type DeviceID struct {
	ControllerID string `json:"controllerId"`
	ComponentID  string `json:"componentId"`
}

func NewDeviceID(controllerID, componentID string) DeviceID {
	return DeviceID{ControllerID: controllerID, ComponentID: componentID}
}

// String renders the canonical "controller:component" form used in store keys
// and API paths.
func (d DeviceID) String() string {
	return d.ControllerID + ":" + d.ComponentID
}

func (d DeviceID) IsZero() bool {
	return d.ControllerID == "" && d.ComponentID == ""
}

// ParseDeviceID parses the canonical "controller:component" form.
func ParseDeviceID(s string) (DeviceID, error) {
	controllerID, componentID, found := strings.Cut(s, ":")
	if !found || controllerID == "" || componentID == "" {
		return DeviceID{}, fmt.Errorf("invalid device id %q: want controller:component", s)
	}
	return DeviceID{ControllerID: controllerID, ComponentID: componentID}, nil
}

// UserIntent is the value the user asked a device to take. It survives until
// replaced; it is never deleted automatically.
type UserIntent struct {
	ID          DeviceID    `json:"id"`
	Type        DeviceType  `json:"type"`
	Value       DeviceValue `json:"value"`
	RequestedAt time.Time   `json:"requestedAt"`
	RequestedBy string      `json:"requestedBy,omitempty"`
}

// DesiredDeviceState is the post-safety, post-override target value. It is
// replaced on recomputation, never accumulated.
type DesiredDeviceState struct {
	ID             DeviceID         `json:"id"`
	Type           DeviceType       `json:"type"`
	Value          DeviceValue      `json:"value"`
	Reason         string           `json:"reason,omitempty"`
	CalculatedAt   time.Time        `json:"calculatedAt"`
	SourceCategory OverrideCategory `json:"sourceCategory"`
}

// ReportedDeviceState is the last value the device itself reported. Outputs
// carry Value; temperature sensors carry Celsius, nil with IsError set when
// the last reading could not be parsed.
type ReportedDeviceState struct {
	ID         DeviceID    `json:"id"`
	Type       DeviceType  `json:"type"`
	Value      DeviceValue `json:"value,omitempty"`
	Celsius    *float64    `json:"celsius,omitempty"`
	IsError    bool        `json:"isError,omitempty"`
	ReceivedAt time.Time   `json:"receivedAt"`
	IsKnown    bool        `json:"isKnown"`
}

// DeviceTwinSnapshot is an atomic read of the three twin facets.
type DeviceTwinSnapshot struct {
	ID       DeviceID             `json:"id"`
	Intent   *UserIntent          `json:"intent,omitempty"`
	Desired  *DesiredDeviceState  `json:"desired,omitempty"`
	Reported *ReportedDeviceState `json:"reported,omitempty"`
}

// IsConverged reports whether desired and reported are both present and carry
// the same typed value.
func (s DeviceTwinSnapshot) IsConverged() bool {
	if s.Desired == nil || s.Reported == nil || !s.Reported.IsKnown {
		return false
	}
	return s.Desired.Type == s.Reported.Type && s.Desired.Value.Equal(s.Reported.Value)
}

// DeviceCommand is an outbound instruction for a device, already flattened to
// the wire representation expected by the firmware.
type DeviceCommand struct {
	Device     DeviceID   `json:"device"`
	Type       DeviceType `json:"type"`
	RoutingKey string     `json:"routingKey"`
	Payload    []byte     `json:"payload"`
}
