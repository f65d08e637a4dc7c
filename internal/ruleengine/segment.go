package ruleengine

import "fmt"

// Segment resolver messages. Tests and SDK harnesses match on them.
const (
	MsgSegmentNotFound      = "Segment not found - skipped"
	MsgSegmentNoConstraints = "Segment has no constraints - passed"
)

// SegmentOutcome is the result of resolving one segment reference.
type SegmentOutcome struct {
	Passed bool
	Found  bool
	Check  Check

	// FailedConstraint is the first constraint that failed, if any.
	FailedConstraint *Constraint
}

// EvaluateSegment resolves ref against segments and evaluates its
// constraints against ctx.
//
// An unknown reference passes: a deleted segment is skipped rather than
// failing every strategy that still points at it. This is fail-open and it
// weakens permission-type flags whose segment is deleted underneath them;
// the behavior is kept for compatibility with existing SDKs.
func EvaluateSegment(ref string, ctx Context, segments map[string]*Segment) SegmentOutcome {
	return evaluateSegment(ref, ctx, segments, "")
}

func evaluateSegment(ref string, ctx Context, segments map[string]*Segment, environment string) SegmentOutcome {
	seg, ok := segments[ref]
	if !ok || seg == nil {
		return SegmentOutcome{
			Passed: true,
			Check: Check{
				Type:    CheckTypeSegment,
				Name:    ref,
				Status:  CheckSkipped,
				Passed:  true,
				Message: MsgSegmentNotFound,
			},
		}
	}

	name := seg.Name
	if name == "" {
		name = seg.ID
	}

	if len(seg.Constraints) == 0 {
		return SegmentOutcome{
			Passed: true,
			Found:  true,
			Check: Check{
				Type:    CheckTypeSegment,
				Name:    name,
				Status:  CheckPassed,
				Passed:  true,
				Message: MsgSegmentNoConstraints,
			},
		}
	}

	checks, failedAt := runConstraints(seg.Constraints, ctx, environment)
	out := SegmentOutcome{
		Passed: failedAt < 0,
		Found:  true,
		Check: Check{
			Type:   CheckTypeSegment,
			Name:   name,
			Checks: checks,
		},
	}

	if out.Passed {
		out.Check.Status, out.Check.Passed = CheckPassed, true
		out.Check.Message = fmt.Sprintf("Segment %q matched (%d constraints)", name, len(seg.Constraints))
		return out
	}

	failed := seg.Constraints[failedAt]
	out.FailedConstraint = &failed
	out.Check.Status = CheckFailed
	out.Check.Message = fmt.Sprintf("Segment %q failed on constraint %d: %s", name, failedAt+1, failed.String())
	return out
}

// runConstraints evaluates constraints in order and stops at the first
// failure; the remaining constraints are recorded as skipped. It returns the
// index of the failed constraint, or -1 if all passed.
func runConstraints(constraints []Constraint, ctx Context, environment string) ([]Check, int) {
	checks := make([]Check, 0, len(constraints))
	failedAt := -1

	for i := range constraints {
		c := constraints[i]
		if failedAt >= 0 {
			checks = append(checks, skippedConstraint(c))
			continue
		}

		outcome := matchConstraint(c, ctx, environment)
		check := Check{
			Type:         CheckTypeConstraint,
			Name:         c.ContextName,
			Passed:       outcome.Passed,
			Message:      outcome.Message,
			ContextValue: outcome.ContextValue,
			Constraint:   &c,
		}
		if outcome.Passed {
			check.Status = CheckPassed
		} else {
			check.Status = CheckFailed
			failedAt = i
		}
		checks = append(checks, check)
	}

	return checks, failedAt
}

func skippedConstraint(c Constraint) Check {
	return Check{
		Type:       CheckTypeConstraint,
		Name:       c.ContextName,
		Status:     CheckSkipped,
		Message:    MsgSkipped,
		Constraint: &c,
	}
}
