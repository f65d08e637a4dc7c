package ruleengine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// Strategy evaluator messages.
const (
	MsgStrategyDisabled = "Strategy is disabled - skipped"
	MsgSkipped          = "Skipped: an earlier check failed"
)

// EvaluationInput aggregates everything a strategy needs besides the
// strategy itself.
type EvaluationInput struct {
	// FlagKey is the flag name. It salts the rollout and variant hashes.
	FlagKey string

	// Environment fills the implicit "environment" context field.
	Environment string

	// Context holds the attributes of the subject being evaluated.
	Context Context

	// SkipVariants disables variant selection, e.g. for flags whose
	// variant type is none.
	SkipVariants bool
}

// StrategyOutcome is the result of evaluating one strategy.
type StrategyOutcome struct {
	Passed   bool
	Disabled bool
	Message  string
	Checks   []Check

	// Variant is set when the strategy passed and defines variants.
	Variant *Variant

	MatchedSegments  []string
	FailedSegment    string
	FailedConstraint *Constraint

	randomized bool
}

// EvaluateStrategy runs one strategy against the input. Checks run in
// authored order (segments, constraints, rollout) and stop at the first
// failure; everything after it is recorded as skipped, never executed.
func EvaluateStrategy(s *Strategy, input EvaluationInput, segments map[string]*Segment) StrategyOutcome {
	if !s.IsEnabled() {
		return StrategyOutcome{
			Disabled: true,
			Message:  MsgStrategyDisabled,
			Checks: []Check{{
				Type:    CheckTypeStrategy,
				Name:    s.Label(),
				Status:  CheckSkipped,
				Message: MsgStrategyDisabled,
			}},
		}
	}

	var out StrategyOutcome
	failed := false

	// 1. Segments
	for _, ref := range s.Segments {
		if failed {
			out.Checks = append(out.Checks, Check{
				Type:    CheckTypeSegment,
				Name:    ref,
				Status:  CheckSkipped,
				Message: MsgSkipped,
			})
			continue
		}

		seg := evaluateSegment(ref, input.Context, segments, input.Environment)
		out.Checks = append(out.Checks, seg.Check)
		if !seg.Passed {
			failed = true
			out.FailedSegment = seg.Check.Name
			out.FailedConstraint = seg.FailedConstraint
			out.Message = seg.Check.Message
			continue
		}
		if seg.Found {
			out.MatchedSegments = append(out.MatchedSegments, seg.Check.Name)
		}
	}

	// 2. Constraints
	if failed {
		for _, c := range s.Constraints {
			out.Checks = append(out.Checks, skippedConstraint(c))
		}
	} else if len(s.Constraints) > 0 {
		checks, failedAt := runConstraints(s.Constraints, input.Context, input.Environment)
		out.Checks = append(out.Checks, checks...)
		if failedAt >= 0 {
			failed = true
			c := s.Constraints[failedAt]
			out.FailedConstraint = &c
			out.Message = fmt.Sprintf("Constraint %d failed: %s", failedAt+1, checks[failedAt].Message)
		}
	}

	// 3. Rollout
	if failed {
		out.Checks = append(out.Checks, Check{
			Type:    CheckTypeRollout,
			Name:    "rollout",
			Status:  CheckSkipped,
			Message: MsgSkipped,
		})
		return out
	}

	rollout := evaluateRollout(s, input)
	out.Checks = append(out.Checks, rollout.check)
	out.randomized = rollout.randomized
	if !rollout.check.Passed {
		out.Message = rollout.check.Message
		return out
	}

	out.Passed = true
	out.Message = fmt.Sprintf("Strategy %q matched", s.Label())

	// 4. Variant selection
	if input.SkipVariants || len(s.Variants) == 0 {
		return out
	}

	field := variantStickiness(s.Variants, s.Stickiness)
	key, randomized := resolveStickiness(field, input)
	out.randomized = out.randomized || randomized

	// Variants hash on the flag name even when the rollout uses a group id,
	// so strategy and flag-level variants bucket a subject the same way.
	if v, ok := SelectVariant(s.Variants, rolloutSeed(input.FlagKey, key)); ok {
		out.Variant = &v
		out.Checks = append(out.Checks, Check{
			Type:    CheckTypeVariant,
			Name:    v.Name,
			Status:  CheckPassed,
			Passed:  true,
			Message: fmt.Sprintf("Selected variant %q (weight %d of %d)", v.Name, v.Weight, totalWeight(s.Variants)),
		})
	} else {
		out.Checks = append(out.Checks, Check{
			Type:    CheckTypeVariant,
			Status:  CheckFailed,
			Message: "Strategy variants have zero total weight - no variant selected",
		})
	}

	return out
}

type rolloutResult struct {
	check      Check
	randomized bool
}

// evaluateRollout checks stickiness-bucketed inclusion. A 100% rollout
// passes without hashing; a 0% rollout never passes.
func evaluateRollout(s *Strategy, input EvaluationInput) rolloutResult {
	pct := s.RolloutPercentage()
	if pct == 100 {
		return rolloutResult{check: Check{
			Type:    CheckTypeRollout,
			Name:    "rollout",
			Status:  CheckPassed,
			Passed:  true,
			Message: "Rollout is 100% - all subjects included",
		}}
	}

	key, randomized := resolveStickiness(s.Stickiness, input)
	value := Percentage(rolloutSeed(groupID(s, input), key))
	passed := value < float64(pct)

	check := Check{
		Type:         CheckTypeRollout,
		Name:         "rollout",
		Passed:       passed,
		ContextValue: value,
		Message:      fmt.Sprintf("Stickiness value hashed to %.2f, rollout is %d%%", value, pct),
	}
	if passed {
		check.Status = CheckPassed
	} else {
		check.Status = CheckFailed
	}
	return rolloutResult{check: check, randomized: randomized}
}

func groupID(s *Strategy, input EvaluationInput) string {
	if s.GroupID != "" {
		return s.GroupID
	}
	return input.FlagKey
}

// resolveStickiness returns the key feeding the hash. A named field is used
// when present; otherwise (or for "default") the chain userId, sessionId,
// requestId applies, and a random key is the last resort. "random" always
// yields a fresh key.
func resolveStickiness(field string, input EvaluationInput) (string, bool) {
	if field == StickinessRandom {
		return uuid.NewString(), true
	}
	if field != "" && field != StickinessDefault {
		if key, ok := stickinessValue(input, field); ok {
			return key, false
		}
	}

	for _, f := range []string{FieldUserID, FieldSessionID, FieldRequestID} {
		if key, ok := stickinessValue(input, f); ok {
			return key, false
		}
	}

	return uuid.NewString(), true
}

func stickinessValue(input EvaluationInput, field string) (string, bool) {
	raw, ok := input.Context.lookup(field, input.Environment)
	if !ok {
		return "", false
	}
	key, err := cast.ToStringE(raw)
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}
