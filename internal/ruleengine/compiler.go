package ruleengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxConstraintValues limits the number of values in a single constraint.
	// Lists this large (user id allowlists, mostly) belong in a segment keyed
	// by an attribute, not in a flag that is evaluated on every request.
	MaxConstraintValues = 10_000
)

// Legacy strategy types whose settings live in Strategy.Parameters.
const (
	StrategyDefault                 = "default"
	StrategyUserWithID              = "userWithId"
	StrategyGradualRolloutUserID    = "gradualRolloutUserId"
	StrategyGradualRolloutSessionID = "gradualRolloutSessionId"
	StrategyGradualRolloutRandom    = "gradualRolloutRandom"
	StrategyFlexibleRollout         = "flexibleRollout"
)

// StickinessRandom forces a fresh random key on every call.
const StickinessRandom = "random"

var (
	// ErrNilFlag is returned when a nil flag is handed to the engine.
	ErrNilFlag = errors.New("ruleengine: nil flag")

	// ErrNilSnapshot is returned when evaluation is attempted without a snapshot.
	ErrNilSnapshot = errors.New("ruleengine: nil snapshot")

	// ErrFlagNotFound is returned when a snapshot has no flag with the given name.
	ErrFlagNotFound = errors.New("ruleengine: flag not found")
)

// Compile normalizes a flag after it has been decoded from storage and
// before it is evaluated. It folds legacy strategy parameters into typed
// fields, fills defaults and demotes flags with malformed variant weights to
// variantType none.
//
// Problems that evaluation can survive are returned as warnings; only
// structurally invalid flags produce an error.
func Compile(flag *Flag) ([]string, error) {
	if flag == nil {
		return nil, ErrNilFlag
	}
	if strings.TrimSpace(flag.Name) == "" {
		return nil, errors.New("flag name is required")
	}

	if flag.Type == "" {
		flag.Type = FlagTypeRelease
	}
	if !flag.Type.Valid() {
		return nil, fmt.Errorf("flag %s: unknown flag type %q", flag.Name, flag.Type)
	}

	if flag.VariantType == "" {
		flag.VariantType = VariantTypeNone
		if len(flag.Variants) > 0 {
			flag.VariantType = VariantTypeString
		}
	}

	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	if err := compileStrategies(flag.Strategies, "", warn); err != nil {
		return warnings, fmt.Errorf("flag %s: %w", flag.Name, err)
	}

	for env, cfg := range flag.Environments {
		if cfg == nil {
			delete(flag.Environments, env)
			continue
		}
		if cfg.Environment == "" {
			cfg.Environment = env
		}
		if err := compileStrategies(cfg.Strategies, env, warn); err != nil {
			return warnings, fmt.Errorf("flag %s: %w", flag.Name, err)
		}
	}

	if bad := invalidWeights(flag); bad != "" {
		warn("%s; variants disabled", bad)
		flag.VariantType = VariantTypeNone
	}

	checkWeightTotal("flag", flag.Variants, warn)
	for i := range flag.Strategies {
		checkWeightTotal(fmt.Sprintf("strategy %d", i+1), flag.Strategies[i].Variants, warn)
	}

	return warnings, nil
}

func compileStrategies(strategies []Strategy, env string, warn func(string, ...any)) error {
	scope := "strategy"
	if env != "" {
		scope = fmt.Sprintf("environment %s strategy", env)
	}

	for i := range strategies {
		s := &strategies[i]
		if s.Name == "" {
			s.Name = StrategyDefault
		}

		if err := foldParameters(s); err != nil {
			warn("%s %d: %v", scope, i+1, err)
		}

		if s.Rollout != nil && (*s.Rollout < 0 || *s.Rollout > 100) {
			warn("%s %d: rollout %d out of range, clamped", scope, i+1, *s.Rollout)
		}

		for j, c := range s.Constraints {
			if len(c.Values) > MaxConstraintValues {
				return fmt.Errorf("%s %d constraint %d exceeds maximum size: %d > %d (use a segment instead)",
					scope, i+1, j+1, len(c.Values), MaxConstraintValues)
			}
			if !c.Operator.Known() {
				warn("%s %d constraint %d: unknown operator %q never matches", scope, i+1, j+1, c.Operator)
			}
		}
	}
	return nil
}

// foldParameters maps the parameters of legacy strategy types onto the
// typed fields. Typed fields that are already set win.
func foldParameters(s *Strategy) error {
	p := s.Parameters

	switch s.Name {
	case StrategyUserWithID:
		ids := splitList(p["userIds"])
		if len(ids) == 0 {
			return nil
		}
		// Folded once; Compile may run again on the same flag.
		delete(s.Parameters, "userIds")
		s.Constraints = append(s.Constraints, Constraint{
			ContextName: FieldUserID,
			Operator:    OpIn,
			Values:      ids,
		})
		return nil

	case StrategyGradualRolloutUserID:
		s.Stickiness = orDefault(s.Stickiness, FieldUserID)
		return foldRollout(s, p["percentage"], p["groupId"])

	case StrategyGradualRolloutSessionID:
		s.Stickiness = orDefault(s.Stickiness, FieldSessionID)
		return foldRollout(s, p["percentage"], p["groupId"])

	case StrategyGradualRolloutRandom:
		s.Stickiness = orDefault(s.Stickiness, StickinessRandom)
		return foldRollout(s, p["percentage"], p["groupId"])

	case StrategyFlexibleRollout:
		s.Stickiness = orDefault(s.Stickiness, p["stickiness"])
		return foldRollout(s, p["rollout"], p["groupId"])
	}
	return nil
}

func foldRollout(s *Strategy, percentage, group string) error {
	if s.GroupID == "" {
		s.GroupID = group
	}
	if s.Rollout != nil || strings.TrimSpace(percentage) == "" {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(percentage))
	if err != nil {
		return fmt.Errorf("invalid rollout parameter %q", percentage)
	}
	s.Rollout = &v
	return nil
}

// invalidWeights describes the first malformed variant weight, or returns ""
// when all weights are usable.
func invalidWeights(flag *Flag) string {
	check := func(scope string, variants []Variant) string {
		for _, v := range variants {
			if v.weightInvalid {
				return fmt.Sprintf("%s variant %q has a non-numeric weight", scope, v.Name)
			}
			if v.Weight < 0 {
				return fmt.Sprintf("%s variant %q has a negative weight %d", scope, v.Name, v.Weight)
			}
			if v.Weight > TotalWeightScale {
				return fmt.Sprintf("%s variant %q has a weight %d above %d", scope, v.Name, v.Weight, TotalWeightScale)
			}
		}
		return ""
	}

	if msg := check("flag", flag.Variants); msg != "" {
		return msg
	}
	for i := range flag.Strategies {
		if msg := check(fmt.Sprintf("strategy %d", i+1), flag.Strategies[i].Variants); msg != "" {
			return msg
		}
	}
	for env, cfg := range flag.Environments {
		for i := range cfg.Strategies {
			if msg := check(fmt.Sprintf("environment %s strategy %d", env, i+1), cfg.Strategies[i].Variants); msg != "" {
				return msg
			}
		}
	}
	return ""
}

// checkWeightTotal warns about weight lists that do not add up to
// TotalWeightScale. Selection still works on them; it normalizes to the sum.
func checkWeightTotal(scope string, variants []Variant, warn func(string, ...any)) {
	if len(variants) == 0 {
		return
	}
	if total := totalWeight(variants); total != TotalWeightScale {
		warn("%s variant weights sum to %d, not %d", scope, total, TotalWeightScale)
	}
}

// DecodeFlag parses a stored flag and compiles it.
func DecodeFlag(data []byte) (*Flag, []string, error) {
	var flag Flag
	if err := json.Unmarshal(data, &flag); err != nil {
		return nil, nil, fmt.Errorf("invalid flag document: %w", err)
	}
	warnings, err := Compile(&flag)
	if err != nil {
		return nil, warnings, err
	}
	return &flag, warnings, nil
}

// DecodeSegment parses a stored segment.
func DecodeSegment(data []byte) (*Segment, error) {
	var seg Segment
	if err := json.Unmarshal(data, &seg); err != nil {
		return nil, fmt.Errorf("invalid segment document: %w", err)
	}
	if seg.ID == "" {
		return nil, errors.New("segment id is required")
	}
	for i, c := range seg.Constraints {
		if len(c.Values) > MaxConstraintValues {
			return nil, fmt.Errorf("segment %s constraint %d exceeds maximum size: %d > %d",
				seg.ID, i+1, len(c.Values), MaxConstraintValues)
		}
	}
	return &seg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
