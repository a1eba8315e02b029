package v1alpha1

import (
	"time"
)

// EventType names the observable state transitions published on the bus and
// forwarded over the real-time channel.
type EventType string

const (
	EventDesiredStateCalculated EventType = "DesiredStateCalculated"
	EventIntentAccepted         EventType = "IntentAccepted"
	EventIntentRejected         EventType = "IntentRejected"
	EventIntentModified         EventType = "IntentModified"
	EventReportedStateChanged   EventType = "ReportedStateChanged"
	EventDeviceConverged        EventType = "DeviceConverged"
	EventDeviceDiverged         EventType = "DeviceDiverged"
	EventOverrideChanged        EventType = "OverrideChanged"
	EventOverrideExpired        EventType = "OverrideExpired"
	EventInfrastructureFailure  EventType = "InfrastructureFailure"
)

// Event is the single envelope carried on the in-process bus. Only the fields
// meaningful for the type are set.
type Event struct {
	Type      EventType    `json:"type"`
	Device    *DeviceID    `json:"device,omitempty"`
	SystemID  string       `json:"systemId,omitempty"`
	Value     *DeviceValue `json:"value,omitempty"`
	Category  string       `json:"category,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Component string       `json:"component,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Key returns the identity the real-time channel shards on: the device id
// when present, otherwise the system id, otherwise the component name.
func (e Event) Key() string {
	if e.Device != nil {
		return e.Device.String()
	}
	if e.SystemID != "" {
		return e.SystemID
	}
	return e.Component
}
