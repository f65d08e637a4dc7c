// Package ruleengine provides the core logic for feature flag evaluation.
// Given a flag definition, an environment and a context, it decides whether
// the flag is enabled, which strategy matched and which variant applies, and
// it records every check it performed as an ordered trace.
//
// The engine is a pure function of its inputs: it performs no I/O, holds no
// locks and never mutates the flag, segment or context it receives.
package ruleengine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlagType classifies the intent of a flag. It has no effect on evaluation.
type FlagType string

const (
	FlagTypeRelease      FlagType = "release"
	FlagTypeExperiment   FlagType = "experiment"
	FlagTypeOperational  FlagType = "operational"
	FlagTypeKillSwitch   FlagType = "killSwitch"
	FlagTypePermission   FlagType = "permission"
	FlagTypeRemoteConfig FlagType = "remoteConfig"
)

// Valid reports whether t is one of the known flag types.
func (t FlagType) Valid() bool {
	switch t {
	case FlagTypeRelease, FlagTypeExperiment, FlagTypeOperational,
		FlagTypeKillSwitch, FlagTypePermission, FlagTypeRemoteConfig:
		return true
	}
	return false
}

// VariantType declares the kind of value a flag's variants carry.
type VariantType string

const (
	VariantTypeNone   VariantType = "none"
	VariantTypeString VariantType = "string"
	VariantTypeJSON   VariantType = "json"
	VariantTypeNumber VariantType = "number"
)

// PayloadType is the encoding of a variant payload value.
type PayloadType string

const (
	PayloadTypeString PayloadType = "string"
	PayloadTypeJSON   PayloadType = "json"
	PayloadTypeCSV    PayloadType = "csv"
	PayloadTypeNumber PayloadType = "number"
)

// StickinessDefault selects the built-in key chain
// (userId, sessionId, requestId, random).
const StickinessDefault = "default"

// Well-known context fields.
const (
	FieldUserID      = "userId"
	FieldSessionID   = "sessionId"
	FieldRequestID   = "requestId"
	FieldEnvironment = "environment"
)

// Flag is a named capability switch with optional attached configuration.
// Name is the natural key: unique and immutable.
type Flag struct {
	Name        string      `json:"flagName"`
	Type        FlagType    `json:"flagType"`
	DisplayName string      `json:"displayName,omitempty"`
	Description string      `json:"description,omitempty"`
	VariantType VariantType `json:"variantType,omitempty"`

	// Enabled is the global master switch.
	Enabled bool `json:"enabled"`

	// Archived flags always evaluate to disabled.
	Archived bool `json:"archived,omitempty"`

	// Strategies are evaluated in stored order; the first match wins.
	Strategies []Strategy `json:"strategies,omitempty"`

	// Variants are the flag-level (global) variants.
	Variants []Variant `json:"variants,omitempty"`

	// Environments holds per-environment overrides keyed by environment name.
	Environments map[string]*EnvironmentConfig `json:"environments,omitempty"`
}

// hasVariants reports whether variant resolution applies. Flags that were
// never compiled have an empty variant type and are treated as none.
func (f *Flag) hasVariants() bool {
	return f.VariantType != "" && f.VariantType != VariantTypeNone
}

// EnvironmentConfig overrides parts of a Flag for a single environment.
type EnvironmentConfig struct {
	Environment string `json:"environment"`

	// Enabled overrides the flag's global switch when set.
	Enabled *bool `json:"enabled,omitempty"`

	// Strategies replaces the global strategies when non-nil.
	// A non-nil empty slice means "no strategies in this environment",
	// which is different from nil ("inherit global strategies").
	Strategies []Strategy `json:"strategies"`

	// Payload is the environment baseline value, used when neither the
	// matched strategy nor the flag supplies a variant.
	Payload *Payload `json:"payload,omitempty"`
}

// Strategy is one rule that can independently enable a flag.
type Strategy struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Title string `json:"title,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`

	// Segments are segment ids, all of which must pass.
	Segments []string `json:"segments,omitempty"`

	// Constraints must all pass.
	Constraints []Constraint `json:"constraints,omitempty"`

	// Rollout is a percentage in [0, 100]; nil means 100.
	Rollout *int `json:"rollout,omitempty"`

	// Stickiness names the context field that feeds the rollout hash.
	Stickiness string `json:"stickiness,omitempty"`

	// GroupID salts the rollout hash; defaults to the flag name.
	GroupID string `json:"groupId,omitempty"`

	// Variants override the flag-level variants when present.
	Variants []Variant `json:"variants,omitempty"`

	// Parameters carries settings of legacy strategy types. The compiler
	// folds them into the typed fields above.
	Parameters map[string]string `json:"parameters,omitempty"`
}

// IsEnabled reports whether the strategy participates in evaluation.
func (s *Strategy) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// RolloutPercentage returns the rollout clamped to [0, 100].
func (s *Strategy) RolloutPercentage() int {
	if s.Rollout == nil {
		return 100
	}
	switch r := *s.Rollout; {
	case r < 0:
		return 0
	case r > 100:
		return 100
	default:
		return r
	}
}

// Label returns the name used for the strategy in traces.
func (s *Strategy) Label() string {
	if s.Title != "" {
		return s.Title
	}
	return s.Name
}

// Constraint is a single field/operator/value comparison.
type Constraint struct {
	ContextName     string   `json:"contextName"`
	Operator        Operator `json:"operator"`
	Values          []string `json:"values,omitempty"`
	Value           string   `json:"value,omitempty"`
	Inverted        bool     `json:"inverted,omitempty"`
	CaseInsensitive bool     `json:"caseInsensitive,omitempty"`
}

// String renders the constraint for trace messages.
func (c Constraint) String() string {
	var b strings.Builder
	b.WriteString(c.ContextName)
	b.WriteByte(' ')
	if c.Inverted {
		b.WriteString("NOT ")
	}
	b.WriteString(string(c.Operator))
	if c.CaseInsensitive {
		b.WriteString(" (case-insensitive)")
	}
	b.WriteByte(' ')
	if len(c.Values) > 0 {
		b.WriteString("[" + strings.Join(c.Values, ", ") + "]")
	} else {
		b.WriteString(strconv.Quote(c.Value))
	}
	return b.String()
}

// Segment is a reusable, named bundle of constraints.
type Segment struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Constraints []Constraint `json:"constraints"`
}

// Payload is the value a variant resolves to.
type Payload struct {
	Type  PayloadType `json:"type"`
	Value string      `json:"value"`
}

// Variant is one of several weighted payload options.
type Variant struct {
	Name       string   `json:"name"`
	Weight     int      `json:"weight"`
	WeightLock bool     `json:"weightLock,omitempty"`
	Stickiness string   `json:"stickiness,omitempty"`
	Payload    *Payload `json:"payload,omitempty"`

	// weightInvalid is set when the stored weight was not an integer.
	weightInvalid bool
}

// UnmarshalJSON decodes a variant while tolerating malformed weights.
// A weight that is not an integer (or integral numeric string) does not
// fail decoding; it marks the variant so Compile can demote the flag.
func (v *Variant) UnmarshalJSON(data []byte) error {
	type variantAlias Variant
	aux := struct {
		*variantAlias
		Weight json.RawMessage `json:"weight"`
	}{variantAlias: (*variantAlias)(v)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	v.Weight, v.weightInvalid = 0, false
	if len(aux.Weight) == 0 || string(aux.Weight) == "null" {
		return nil
	}

	weight, err := parseWeight(aux.Weight)
	if err != nil {
		v.weightInvalid = true
		return nil
	}
	v.Weight = weight
	return nil
}

func parseWeight(raw json.RawMessage) (int, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, err
	}
	switch w := value.(type) {
	case float64:
		if w != float64(int(w)) {
			return 0, fmt.Errorf("weight %v is not an integer", w)
		}
		return int(w), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(w))
	default:
		return 0, fmt.Errorf("weight of type %T is not numeric", value)
	}
}

// Context is the per-request evaluation context: a flat mapping from field
// name to value (string, number, bool, or a list for multi-value fields).
type Context map[string]any

// lookup returns the value of field, resolving the implicit environment
// dimension when the caller did not set it.
func (c Context) lookup(field, environment string) (any, bool) {
	if v, ok := c[field]; ok && v != nil {
		return v, true
	}
	if field == FieldEnvironment && environment != "" {
		return environment, true
	}
	return nil, false
}
