package ruleengine

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"golang.org/x/mod/semver"
)

// Operator is the comparison a Constraint performs.
type Operator string

const (
	OpEquals     Operator = "EQUALS"
	OpNotEquals  Operator = "NOT_EQUALS"
	OpIn         Operator = "IN"
	OpNotIn      Operator = "NOT_IN"
	OpNumEq      Operator = "NUM_EQ"
	OpNumGt      Operator = "NUM_GT"
	OpNumGte     Operator = "NUM_GTE"
	OpNumLt      Operator = "NUM_LT"
	OpNumLte     Operator = "NUM_LTE"
	OpDateBefore Operator = "DATE_BEFORE"
	OpDateAfter  Operator = "DATE_AFTER"
	OpSemverEq   Operator = "SEMVER_EQ"
	OpSemverGt   Operator = "SEMVER_GT"
	OpSemverLt   Operator = "SEMVER_LT"
	OpContains   Operator = "STR_CONTAINS"
	OpStartsWith Operator = "STR_STARTS_WITH"
	OpEndsWith   Operator = "STR_ENDS_WITH"
)

// caseInsensitiveSuffix marks the case-insensitive spelling of a string or
// equality operator, e.g. STR_CONTAINS_CI.
const caseInsensitiveSuffix = "_CI"

// normalize splits a _CI operator into its base operator and a
// case-insensitivity flag.
func (o Operator) normalize() (Operator, bool) {
	base, ok := strings.CutSuffix(string(o), caseInsensitiveSuffix)
	if !ok {
		return o, false
	}
	switch Operator(base) {
	case OpEquals, OpNotEquals, OpIn, OpNotIn, OpContains, OpStartsWith, OpEndsWith:
		return Operator(base), true
	}
	return o, false
}

// Known reports whether o (or its base operator) is supported.
func (o Operator) Known() bool {
	base, _ := o.normalize()
	switch base {
	case OpEquals, OpNotEquals, OpIn, OpNotIn,
		OpNumEq, OpNumGt, OpNumGte, OpNumLt, OpNumLte,
		OpDateBefore, OpDateAfter,
		OpSemverEq, OpSemverGt, OpSemverLt,
		OpContains, OpStartsWith, OpEndsWith:
		return true
	}
	return false
}

// MatchOutcome is the result of matching one constraint.
type MatchOutcome struct {
	Passed       bool
	ContextValue any
	Message      string
}

// comparison is the result of a base comparison before inversion.
// valid=false means the comparison could not be made (missing field, type
// mismatch, unparsable operand) and always fails, regardless of inversion.
type comparison struct {
	matched bool
	valid   bool
	reason  string
}

func invalid(format string, args ...any) comparison {
	return comparison{reason: fmt.Sprintf(format, args...)}
}

func compared(matched bool) comparison {
	return comparison{matched: matched, valid: true}
}

// MatchConstraint evaluates c against ctx. It never panics and never
// returns an error: every malformed input is a failed match.
func MatchConstraint(c Constraint, ctx Context) MatchOutcome {
	return matchConstraint(c, ctx, "")
}

func matchConstraint(c Constraint, ctx Context, environment string) MatchOutcome {
	raw, ok := ctx.lookup(c.ContextName, environment)
	if !ok {
		return MatchOutcome{
			Passed:  false,
			Message: fmt.Sprintf("Context field %q is missing", c.ContextName),
		}
	}

	res := compare(c, raw)
	if !res.valid {
		return MatchOutcome{
			Passed:       false,
			ContextValue: raw,
			Message:      res.reason,
		}
	}

	passed := res.matched
	if c.Inverted {
		passed = !passed
	}

	verdict := "matched"
	if !passed {
		verdict = "did not match"
	}
	return MatchOutcome{
		Passed:       passed,
		ContextValue: raw,
		Message:      fmt.Sprintf("%s: %v %s", c.String(), raw, verdict),
	}
}

// compare dispatches on the operator kind.
func compare(c Constraint, raw any) comparison {
	op, ci := c.Operator.normalize()
	ci = ci || c.CaseInsensitive

	switch op {
	case OpEquals, OpIn:
		return matchAny(raw, c.allValues(), ci, equals)
	case OpNotEquals, OpNotIn:
		res := matchAny(raw, c.allValues(), ci, equals)
		res.matched = !res.matched
		return res
	case OpContains:
		return matchAny(raw, c.allValues(), ci, strings.Contains)
	case OpStartsWith:
		return matchAny(raw, c.allValues(), ci, strings.HasPrefix)
	case OpEndsWith:
		return matchAny(raw, c.allValues(), ci, strings.HasSuffix)
	case OpNumEq, OpNumGt, OpNumGte, OpNumLt, OpNumLte:
		return compareNumbers(op, raw, c.scalar())
	case OpDateBefore, OpDateAfter:
		return compareDates(op, raw, c.scalar())
	case OpSemverEq, OpSemverGt, OpSemverLt:
		return compareSemver(op, raw, c.scalar())
	default:
		return invalid("Unknown operator %q", c.Operator)
	}
}

// allValues returns the value set, including the scalar Value if present.
func (c Constraint) allValues() []string {
	if c.Value == "" {
		return c.Values
	}
	if len(c.Values) == 0 {
		return []string{c.Value}
	}
	out := make([]string, 0, len(c.Values)+1)
	out = append(out, c.Values...)
	return append(out, c.Value)
}

// scalar returns the single operand of a comparison operator.
func (c Constraint) scalar() string {
	if c.Value != "" {
		return c.Value
	}
	if len(c.Values) > 0 {
		return c.Values[0]
	}
	return ""
}

func equals(a, b string) bool {
	return a == b
}

// matchAny passes when any context element satisfies pred against any
// constraint value.
func matchAny(raw any, values []string, caseInsensitive bool, pred func(s, v string) bool) comparison {
	elems, err := contextStrings(raw)
	if err != nil {
		return invalid("Context value %v cannot be compared as text: %v", raw, err)
	}
	for _, e := range elems {
		if caseInsensitive {
			e = strings.ToLower(e)
		}
		for _, v := range values {
			if caseInsensitive {
				v = strings.ToLower(v)
			}
			if pred(e, v) {
				return compared(true)
			}
		}
	}
	return compared(false)
}

// contextStrings flattens a context value into its string elements.
func contextStrings(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, err := cast.ToStringE(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
}

func compareNumbers(op Operator, raw any, operand string) comparison {
	if isList(raw) {
		return invalid("Context value %v is a list, numeric operators need a single value", raw)
	}
	left, err := toNumber(raw)
	if err != nil {
		return invalid("Context value %v is not a number", raw)
	}
	right, err := toNumber(operand)
	if err != nil {
		return invalid("Constraint value %q is not a number", operand)
	}

	switch op {
	case OpNumEq:
		return compared(left == right)
	case OpNumGt:
		return compared(left > right)
	case OpNumGte:
		return compared(left >= right)
	case OpNumLt:
		return compared(left < right)
	default:
		return compared(left <= right)
	}
}

func compareDates(op Operator, raw any, operand string) comparison {
	if isList(raw) {
		return invalid("Context value %v is a list, date operators need a single value", raw)
	}
	left, err := toTime(raw)
	if err != nil {
		return invalid("Context value %v is not a date", raw)
	}
	right, err := toTime(operand)
	if err != nil {
		return invalid("Constraint value %q is not a date", operand)
	}

	if op == OpDateBefore {
		return compared(left.Before(right))
	}
	return compared(left.After(right))
}

// toNumber rejects booleans and blank strings, which cast would coerce
// to 0 or 1.
func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case bool:
		return 0, fmt.Errorf("boolean is not a number")
	case string:
		if strings.TrimSpace(n) == "" {
			return 0, fmt.Errorf("empty number")
		}
		return cast.ToFloat64E(strings.TrimSpace(n))
	default:
		return cast.ToFloat64E(n)
	}
}

// toTime parses dates without accepting bare numbers, which cast would
// otherwise read as Unix timestamps.
func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return time.Time{}, fmt.Errorf("empty date")
		}
		return cast.ToTimeE(t)
	default:
		return time.Time{}, fmt.Errorf("unsupported date type %T", v)
	}
}

func compareSemver(op Operator, raw any, operand string) comparison {
	s, ok := raw.(string)
	if !ok {
		return invalid("Context value %v is not a version string", raw)
	}
	left, right := canonicalSemver(s), canonicalSemver(operand)
	if !semver.IsValid(left) {
		return invalid("Context value %q is not a valid semver", s)
	}
	if !semver.IsValid(right) {
		return invalid("Constraint value %q is not a valid semver", operand)
	}

	cmp := semver.Compare(left, right)
	switch op {
	case OpSemverEq:
		return compared(cmp == 0)
	case OpSemverGt:
		return compared(cmp > 0)
	default:
		return compared(cmp < 0)
	}
}

// canonicalSemver adds the "v" prefix golang.org/x/mod/semver requires.
func canonicalSemver(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "v") {
		return s
	}
	return "v" + s
}

func isList(raw any) bool {
	switch raw.(type) {
	case []string, []any:
		return true
	}
	return false
}
