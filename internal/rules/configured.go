package rules

import (
	"fmt"
	"os"
	"regexp"

	"github.com/sirupsen/logrus"
	api "github.com/twinctl/twinctl/api/v1alpha1"
	"sigs.k8s.io/yaml"
)

// RuleDocument is the YAML document of operator-configured rules.
type RuleDocument struct {
	Rules []RuleSpec `json:"rules"`
}

// RuleSpec declares a single configured rule. The related-device relation is
// configured per rule as a regex over component ids within the device's
// functional system.
type RuleSpec struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Category         api.RuleCategory `json:"category"`
	Priority         int              `json:"priority"`
	DeviceType       api.DeviceType   `json:"deviceType,omitempty"`
	ComponentPattern string           `json:"componentPattern,omitempty"`
	RelatedPattern   string           `json:"relatedPattern,omitempty"`
	When             RuleCondition    `json:"when"`
	Then             RuleAction       `json:"then"`
}

// RuleCondition triggers the action. With no condition set the rule is
// unconditional.
type RuleCondition struct {
	// MaxAmbientCelsius triggers when any non-error ambient reading reaches
	// the threshold.
	MaxAmbientCelsius *float64 `json:"maxAmbientCelsius,omitempty"`
	// RelatedDesiredOn triggers when any related device (per relatedPattern)
	// has desired Relay(true).
	RelatedDesiredOn bool `json:"relatedDesiredOn,omitempty"`
}

// RuleAction is what happens when the condition holds: refuse the proposal or
// force a specific value.
type RuleAction struct {
	Refuse string           `json:"refuse,omitempty"`
	Force  *api.DeviceValue `json:"force,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

func (s *RuleSpec) validate() error {
	if s.ID == "" {
		return fmt.Errorf("rule id must be set")
	}
	switch s.Category {
	case api.RuleCategorySystemSafety, api.RuleCategoryEmergency, api.RuleCategoryMaintenance,
		api.RuleCategoryScheduled, api.RuleCategoryManual:
	case api.RuleCategoryHardcodedSafety:
		return fmt.Errorf("rule %s: category HARDCODED_SAFETY is reserved for built-in rules", s.ID)
	default:
		return fmt.Errorf("rule %s: unknown category %q", s.ID, s.Category)
	}
	if (s.Then.Refuse == "") == (s.Then.Force == nil) {
		return fmt.Errorf("rule %s: exactly one of then.refuse and then.force must be set", s.ID)
	}
	if s.Then.Force != nil {
		if err := s.Then.Force.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", s.ID, err)
		}
	}
	if s.When.RelatedDesiredOn && s.RelatedPattern == "" {
		return fmt.Errorf("rule %s: relatedDesiredOn requires relatedPattern", s.ID)
	}
	return nil
}

type configuredRule struct {
	spec      RuleSpec
	component *regexp.Regexp
	related   *regexp.Regexp
}

func newConfiguredRule(spec RuleSpec) (*configuredRule, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	rule := &configuredRule{spec: spec}
	var err error
	if spec.ComponentPattern != "" {
		if rule.component, err = regexp.Compile(spec.ComponentPattern); err != nil {
			return nil, fmt.Errorf("rule %s: componentPattern: %w", spec.ID, err)
		}
	}
	if spec.RelatedPattern != "" {
		if rule.related, err = regexp.Compile(spec.RelatedPattern); err != nil {
			return nil, fmt.Errorf("rule %s: relatedPattern: %w", spec.ID, err)
		}
	}
	return rule, nil
}

func (r *configuredRule) ID() string                 { return r.spec.ID }
func (r *configuredRule) Name() string               { return r.spec.Name }
func (r *configuredRule) Category() api.RuleCategory { return r.spec.Category }
func (r *configuredRule) Priority() int              { return r.spec.Priority }

func (r *configuredRule) AppliesTo(ctx *api.SafetyContext) bool {
	if r.spec.DeviceType != "" && ctx.DeviceType != r.spec.DeviceType {
		return false
	}
	if r.component != nil && !r.component.MatchString(ctx.DeviceID.ComponentID) {
		return false
	}
	return true
}

func (r *configuredRule) Evaluate(ctx *api.SafetyContext) api.ValidationResult {
	if !r.triggered(ctx) {
		return api.RuleAccepted(r.ID())
	}
	if r.spec.Then.Refuse != "" {
		return api.RuleRefused(r.ID(), r.spec.Then.Refuse, nil)
	}
	if ctx.ProposedValue.Equal(*r.spec.Then.Force) {
		return api.RuleAccepted(r.ID())
	}
	reason := r.spec.Then.Reason
	if reason == "" {
		reason = r.spec.Name
	}
	return api.RuleModified(r.ID(), ctx.ProposedValue, *r.spec.Then.Force, reason)
}

func (r *configuredRule) SuggestCorrection(ctx *api.SafetyContext) *api.DeviceValue {
	if r.spec.Then.Force != nil && r.triggered(ctx) {
		return r.spec.Then.Force
	}
	return nil
}

func (r *configuredRule) triggered(ctx *api.SafetyContext) bool {
	conditioned := false
	if r.spec.When.MaxAmbientCelsius != nil {
		conditioned = true
		for _, reading := range ctx.Ambient {
			if reading.IsError {
				continue
			}
			if reading.Celsius >= *r.spec.When.MaxAmbientCelsius {
				return true
			}
		}
	}
	if r.spec.When.RelatedDesiredOn {
		conditioned = true
		for id, snapshot := range ctx.RelatedDeviceStates {
			if !r.related.MatchString(id.ComponentID) {
				continue
			}
			if snapshot.Desired != nil && snapshot.Desired.Value.Equal(api.RelayValue(true)) {
				return true
			}
		}
	}
	// a rule without conditions is unconditional
	return !conditioned
}

// LoadDocument parses and compiles a configured-rule document.
func LoadDocument(contents []byte) ([]Rule, error) {
	var doc RuleDocument
	if err := yaml.Unmarshal(contents, &doc); err != nil {
		return nil, fmt.Errorf("decoding rule document: %w", err)
	}
	rules := make([]Rule, 0, len(doc.Rules))
	for _, spec := range doc.Rules {
		rule, err := newConfiguredRule(spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// BuildRegistry assembles the startup registry: hardcoded rules always, the
// configured document when it loads. A broken or missing document degrades to
// hardcoded safety rules only, it never fails startup.
func BuildRegistry(log logrus.FieldLogger, rulesFile string) *Registry {
	registry := NewRegistry()
	if err := registry.Add(Hardcoded()...); err != nil {
		// hardcoded rules are compiled in; a duplicate id is a programming error
		panic(err)
	}

	if rulesFile == "" {
		return registry
	}
	contents, err := os.ReadFile(rulesFile)
	if err != nil {
		log.WithError(err).Errorf("failed reading rule document %s, continuing with hardcoded safety rules only", rulesFile)
		return registry
	}
	configured, err := LoadDocument(contents)
	if err != nil {
		log.WithError(err).Errorf("failed loading rule document %s, continuing with hardcoded safety rules only", rulesFile)
		return registry
	}
	if err := registry.Add(configured...); err != nil {
		log.WithError(err).Error("failed registering configured rules, continuing with hardcoded safety rules only")
		return registry
	}
	log.Infof("registered %d configured rules from %s", len(configured), rulesFile)
	return registry
}
