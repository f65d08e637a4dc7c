package ruleengine

// Reason is the machine-readable code explaining a decision. The value set
// is a compatibility surface shared with SDK test harnesses.
type Reason string

const (
	ReasonFlagArchived          Reason = "FLAG_ARCHIVED"
	ReasonFlagDisabled          Reason = "FLAG_DISABLED"
	ReasonNoStrategies          Reason = "NO_STRATEGIES"
	ReasonStrategyMatched       Reason = "STRATEGY_MATCHED"
	ReasonAllStrategiesDisabled Reason = "ALL_STRATEGIES_DISABLED"
	ReasonNoMatchingStrategy    Reason = "NO_MATCHING_STRATEGY"

	// ReasonFlagNotFound and ReasonError are only produced by batch
	// evaluation, where one flag must never abort its siblings.
	ReasonFlagNotFound Reason = "FLAG_NOT_FOUND"
	ReasonError        Reason = "ERROR"
)

// StepName identifies a state of the flag evaluation state machine.
type StepName string

const (
	StepFlagStatus         StepName = "FLAG_STATUS"
	StepEnvironmentCheck   StepName = "ENVIRONMENT_CHECK"
	StepStrategyCount      StepName = "STRATEGY_COUNT"
	StepStrategyEvaluation StepName = "STRATEGY_EVALUATION"
)

// CheckType identifies what a Check evaluated.
type CheckType string

const (
	CheckTypeStrategy   CheckType = "strategy"
	CheckTypeSegment    CheckType = "segment"
	CheckTypeConstraint CheckType = "constraint"
	CheckTypeRollout    CheckType = "rollout"
	CheckTypeVariant    CheckType = "variant"
)

// CheckStatus is the outcome of a single check.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
	CheckSkipped CheckStatus = "skipped"
)

// ValueSource records which tier supplied the final variant value.
type ValueSource string

const (
	ValueSourceStrategy    ValueSource = "strategy"
	ValueSourceFlag        ValueSource = "flag"
	ValueSourceEnvironment ValueSource = "environment"
)

// Check is one recorded check inside a step. Skipped checks were not
// executed: an earlier check in the same strategy failed, or the segment
// they reference no longer exists. Only the latter carries Passed=true.
type Check struct {
	Type         CheckType   `json:"type"`
	Name         string      `json:"name,omitempty"`
	Status       CheckStatus `json:"status"`
	Passed       bool        `json:"passed"`
	Message      string      `json:"message"`
	ContextValue any         `json:"contextValue,omitempty"`
	Constraint   *Constraint `json:"constraint,omitempty"`
	Checks       []Check     `json:"checks,omitempty"`
}

// Step is one entry of the evaluation trace.
type Step struct {
	Step          StepName `json:"step"`
	Passed        bool     `json:"passed"`
	Message       string   `json:"message"`
	StrategyIndex *int     `json:"strategyIndex,omitempty"`
	StrategyName  string   `json:"strategyName,omitempty"`
	Checks        []Check  `json:"checks,omitempty"`
}

// ReasonDetails carries the specifics behind Reason. StrategyName and
// StrategyIndex name the matched strategy, or for NO_MATCHING_STRATEGY the
// last strategy that failed.
type ReasonDetails struct {
	Environment      string      `json:"environment,omitempty"`
	StrategyName     string      `json:"strategyName,omitempty"`
	StrategyIndex    *int        `json:"strategyIndex,omitempty"`
	MatchedSegments  []string    `json:"matchedSegments,omitempty"`
	FailedSegment    string      `json:"failedSegment,omitempty"`
	FailedConstraint *Constraint `json:"failedConstraint,omitempty"`
	Message          string      `json:"message,omitempty"`
}

// VariantResult is the variant a flag resolved to.
type VariantResult struct {
	Name        string      `json:"name"`
	Value       string      `json:"value,omitempty"`
	ValueType   string      `json:"valueType,omitempty"`
	ValueSource ValueSource `json:"valueSource"`
	Payload     *Payload    `json:"payload,omitempty"`
}

// Result is the decision for one (flag, environment, context) triple.
type Result struct {
	FlagName        string         `json:"flagName"`
	Environment     string         `json:"environment"`
	Enabled         bool           `json:"enabled"`
	Reason          Reason         `json:"reason"`
	ReasonDetails   ReasonDetails  `json:"reasonDetails"`
	Variant         *VariantResult `json:"variant,omitempty"`
	EvaluationSteps []Step         `json:"evaluationSteps"`

	// randomized is set when a random stickiness key took part in the
	// decision, so the same input may yield a different result next time.
	randomized bool
}

// Cacheable reports whether the result is a deterministic function of its
// inputs and may be memoized.
func (r *Result) Cacheable() bool {
	return !r.randomized
}

func intPtr(v int) *int {
	return &v
}
