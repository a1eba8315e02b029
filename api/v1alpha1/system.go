package v1alpha1

// SystemType classifies a functional system's purpose.
type SystemType string

const (
	SystemTypeVentilation SystemType = "VENTILATION"
	SystemTypeHeating     SystemType = "HEATING"
	SystemTypeFireSafety  SystemType = "FIRE_SAFETY"
	SystemTypeGeneric     SystemType = "GENERIC"
)

// FunctionalSystem is a named group of devices sharing configuration and
// fail-safe defaults. A device belongs to at most one system.
type FunctionalSystem struct {
	ID              string                     `json:"id"`
	Type            SystemType                 `json:"type"`
	Name            string                     `json:"name"`
	DeviceIDs       []DeviceID                 `json:"deviceIds,omitempty"`
	Configuration   map[string]string          `json:"configuration,omitempty"`
	FailSafeDefault map[DeviceType]DeviceValue `json:"failSafeDefaults,omitempty"`
	Version         int64                      `json:"version"`
}

// ContainsDevice reports system membership.
func (s *FunctionalSystem) ContainsDevice(id DeviceID) bool {
	for _, d := range s.DeviceIDs {
		if d == id {
			return true
		}
	}
	return false
}
