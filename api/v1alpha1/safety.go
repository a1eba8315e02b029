package v1alpha1

// RuleCategory orders safety rules. The two *_SAFETY tiers cannot be
// overridden and fail closed; all lower tiers fail open.
type RuleCategory string

const (
	RuleCategoryHardcodedSafety RuleCategory = "HARDCODED_SAFETY"
	RuleCategorySystemSafety    RuleCategory = "SYSTEM_SAFETY"
	RuleCategoryEmergency       RuleCategory = "EMERGENCY"
	RuleCategoryMaintenance     RuleCategory = "MAINTENANCE"
	RuleCategoryScheduled       RuleCategory = "SCHEDULED"
	RuleCategoryManual          RuleCategory = "MANUAL"
	RuleCategoryUserIntent      RuleCategory = "USER_INTENT"
)

// Rank returns the evaluation-order ordinal, higher evaluates first.
func (c RuleCategory) Rank() int {
	switch c {
	case RuleCategoryHardcodedSafety:
		return 7
	case RuleCategorySystemSafety:
		return 6
	case RuleCategoryEmergency:
		return 5
	case RuleCategoryMaintenance:
		return 4
	case RuleCategoryScheduled:
		return 3
	case RuleCategoryManual:
		return 2
	case RuleCategoryUserIntent:
		return 1
	default:
		return 0
	}
}

// IsSafety reports whether the category is one of the non-overridable tiers.
func (c RuleCategory) IsSafety() bool {
	return c == RuleCategoryHardcodedSafety || c == RuleCategorySystemSafety
}

// AmbientReading is a temperature observation offered to safety rules.
type AmbientReading struct {
	Sensor  DeviceID `json:"sensor"`
	Celsius float64  `json:"celsius"`
	IsError bool     `json:"isError,omitempty"`
}

// SafetyContext is the input to a single rule evaluation. It is built fresh
// per evaluation and never mutated by rules; value rewriting happens in the
// engine.
type SafetyContext struct {
	DeviceID            DeviceID
	DeviceType          DeviceType
	ProposedValue       DeviceValue
	SystemID            string
	RelatedDeviceStates map[DeviceID]DeviceTwinSnapshot
	Ambient             []AmbientReading
}

// ValidationOutcome tags the variant of a ValidationResult.
type ValidationOutcome string

const (
	OutcomeAccepted ValidationOutcome = "ACCEPTED"
	OutcomeRefused  ValidationOutcome = "REFUSED"
	OutcomeModified ValidationOutcome = "MODIFIED"
)

// ValidationResult is the tagged outcome of a rule evaluation. Original and
// Modified are set only for OutcomeModified.
type ValidationResult struct {
	Outcome  ValidationOutcome `json:"outcome"`
	RuleID   string            `json:"ruleId"`
	Reason   string            `json:"reason,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
	Original *DeviceValue      `json:"original,omitempty"`
	Modified *DeviceValue      `json:"modified,omitempty"`
}

func RuleAccepted(ruleID string) ValidationResult {
	return ValidationResult{Outcome: OutcomeAccepted, RuleID: ruleID}
}

func RuleRefused(ruleID, reason string, details map[string]string) ValidationResult {
	return ValidationResult{Outcome: OutcomeRefused, RuleID: ruleID, Reason: reason, Details: details}
}

func RuleModified(ruleID string, original, modified DeviceValue, reason string) ValidationResult {
	return ValidationResult{
		Outcome:  OutcomeModified,
		RuleID:   ruleID,
		Reason:   reason,
		Original: &original,
		Modified: &modified,
	}
}
