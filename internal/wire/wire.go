package wire

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/internal/twerrors"
)

// Handlers are the firmware-side component drivers addressed in routing keys.
const (
	HandlerDigitalOutput = "digital_output"
	HandlerFan           = "fan"
	HandlerDS18B20       = "ds18b20"
	HandlerThermocouple  = "thermocouple"

	SuffixSet   = "set"
	SuffixState = "state"
)

// RoutingKey is the parsed form of ".{controllerId}.{handler}.{componentId}.{suffix}".
// The leading dot is literal.
type RoutingKey struct {
	ControllerID string
	Handler      string
	ComponentID  string
	Suffix       string
}

func (k RoutingKey) String() string {
	return fmt.Sprintf(".%s.%s.%s.%s", k.ControllerID, k.Handler, k.ComponentID, k.Suffix)
}

// DeviceID returns the addressed device.
func (k RoutingKey) DeviceID() api.DeviceID {
	return api.NewDeviceID(k.ControllerID, k.ComponentID)
}

// IsTemperature reports whether the handler is one of the sensor drivers.
func (k RoutingKey) IsTemperature() bool {
	return k.Handler == HandlerDS18B20 || k.Handler == HandlerThermocouple
}

// ParseRoutingKey parses an inbound routing key.
func ParseRoutingKey(key string) (RoutingKey, error) {
	if !strings.HasPrefix(key, ".") {
		return RoutingKey{}, fmt.Errorf("routing key %q missing leading dot: %w", key, twerrors.ErrParse)
	}
	parts := strings.Split(key[1:], ".")
	if len(parts) != 4 {
		return RoutingKey{}, fmt.Errorf("routing key %q has %d segments, want 4: %w", key, len(parts), twerrors.ErrParse)
	}
	k := RoutingKey{ControllerID: parts[0], Handler: parts[1], ComponentID: parts[2], Suffix: parts[3]}
	if k.ControllerID == "" || k.Handler == "" || k.ComponentID == "" {
		return RoutingKey{}, fmt.Errorf("routing key %q has empty segments: %w", key, twerrors.ErrParse)
	}
	switch k.Suffix {
	case SuffixSet, SuffixState:
	default:
		return RoutingKey{}, fmt.Errorf("routing key %q suffix %q: %w", key, k.Suffix, twerrors.ErrParse)
	}
	return k, nil
}

func handlerForType(t api.DeviceType) (string, error) {
	switch t {
	case api.DeviceTypeRelay:
		return HandlerDigitalOutput, nil
	case api.DeviceTypeFan:
		return HandlerFan, nil
	default:
		return "", fmt.Errorf("device type %s has no command handler", t)
	}
}

// EncodePayload flattens a tagged value to the firmware's wire form: relays
// get the JSON state envelope, fans a bare ASCII integer.
func EncodePayload(t api.DeviceType, value api.DeviceValue) ([]byte, error) {
	if !value.CompatibleWith(t) {
		return nil, fmt.Errorf("value %s for type %s: %w", value, t, twerrors.ErrValidation)
	}
	switch t {
	case api.DeviceTypeRelay:
		if value.Relay {
			return []byte(`{"state":"1"}`), nil
		}
		return []byte(`{"state":"0"}`), nil
	case api.DeviceTypeFan:
		return []byte(strconv.Itoa(value.Fan)), nil
	default:
		return nil, fmt.Errorf("device type %s has no command payload", t)
	}
}

// BuildCommand assembles the outbound command for a device.
func BuildCommand(id api.DeviceID, t api.DeviceType, value api.DeviceValue) (api.DeviceCommand, error) {
	handler, err := handlerForType(t)
	if err != nil {
		return api.DeviceCommand{}, err
	}
	payload, err := EncodePayload(t, value)
	if err != nil {
		return api.DeviceCommand{}, err
	}
	key := RoutingKey{ControllerID: id.ControllerID, Handler: handler, ComponentID: id.ComponentID, Suffix: SuffixSet}
	return api.DeviceCommand{Device: id, Type: t, RoutingKey: key.String(), Payload: payload}, nil
}

// ParseReported parses actuator feedback. Digital outputs accept 0/1/LOW/HIGH
// case-insensitively with surrounding whitespace trimmed; fans accept the
// integer steps 0..4. Anything else is a parse error and the message is
// dropped by the caller.
func ParseReported(handler string, payload []byte) (api.DeviceValue, error) {
	body := strings.TrimSpace(string(payload))
	switch handler {
	case HandlerDigitalOutput:
		switch strings.ToLower(body) {
		case "0", "low":
			return api.RelayValue(false), nil
		case "1", "high":
			return api.RelayValue(true), nil
		default:
			return api.DeviceValue{}, fmt.Errorf("digital_output state %q: %w", body, twerrors.ErrParse)
		}
	case HandlerFan:
		speed, err := strconv.Atoi(body)
		if err != nil {
			return api.DeviceValue{}, fmt.Errorf("fan state %q: %w", body, twerrors.ErrParse)
		}
		value, err := api.FanValue(speed)
		if err != nil {
			return api.DeviceValue{}, fmt.Errorf("fan state %q: %w", body, twerrors.ErrParse)
		}
		return value, nil
	default:
		return api.DeviceValue{}, fmt.Errorf("handler %q reports no actuator state: %w", handler, twerrors.ErrParse)
	}
}

// ParseTemperature parses a sensor reading. Malformed payloads yield NaN with
// the error flag set instead of failing the message.
func ParseTemperature(payload []byte) (celsius float64, isError bool) {
	body := strings.TrimSpace(string(payload))
	value, err := strconv.ParseFloat(body, 64)
	if err != nil {
		return math.NaN(), true
	}
	return value, false
}

// DeviceTypeForHandler maps an inbound handler to the twin's device type.
func DeviceTypeForHandler(handler string) (api.DeviceType, error) {
	switch handler {
	case HandlerDigitalOutput:
		return api.DeviceTypeRelay, nil
	case HandlerFan:
		return api.DeviceTypeFan, nil
	case HandlerDS18B20, HandlerThermocouple:
		return api.DeviceTypeTemperatureSensor, nil
	default:
		return "", fmt.Errorf("unknown handler %q: %w", handler, twerrors.ErrParse)
	}
}
