package ruleengine

import (
	"fmt"
	"log/slog"
	"runtime"
)

// BaselineVariantName names the variant produced from an environment
// baseline payload.
const BaselineVariantName = "baseline"

// Engine is the orchestrator for feature flag evaluation.
// It is stateless apart from its configuration and safe for concurrent use.
type Engine struct {
	logger           *slog.Logger // Dedicated logger instance (DI)
	batchConcurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchConcurrency bounds the number of flags EvaluateBatch evaluates in
// parallel. Values below 1 are ignored.
func WithBatchConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchConcurrency = n
		}
	}
}

// New creates a new Engine.
// It requires a logger instance to ensure observability without relying on global state.
// If logger is nil, it defaults to slog.Default().
func New(logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		logger:           logger,
		batchConcurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// evaluation accumulates the trace of one flag evaluation.
type evaluation struct {
	flag   *Flag
	result *Result
}

func (ev *evaluation) step(s Step) {
	ev.result.EvaluationSteps = append(ev.result.EvaluationSteps, s)
}

func (ev *evaluation) finish(enabled bool, reason Reason, message string) *Result {
	ev.result.Enabled = enabled
	ev.result.Reason = reason
	ev.result.ReasonDetails.Message = message
	return ev.result
}

// Evaluate decides whether flag is enabled in environment for ctx.
//
// The steps run in a fixed order (flag status, environment check, strategy
// count, then one step per strategy) and each is recorded in the result
// trace. Bad data inside the flag never produces an error; it shows up as
// failed or skipped checks. The only error is a nil flag.
func (e *Engine) Evaluate(flag *Flag, environment string, ctx Context, segments map[string]*Segment) (*Result, error) {
	if flag == nil {
		return nil, ErrNilFlag
	}

	ev := &evaluation{
		flag: flag,
		result: &Result{
			FlagName:        flag.Name,
			Environment:     environment,
			ReasonDetails:   ReasonDetails{Environment: environment},
			EvaluationSteps: make([]Step, 0, 4+len(flag.Strategies)),
		},
	}

	// 1. Flag status
	if flag.Archived {
		msg := "Flag is archived"
		ev.step(Step{Step: StepFlagStatus, Passed: false, Message: msg})
		return ev.finish(false, ReasonFlagArchived, msg), nil
	}
	if !flag.Enabled {
		msg := "Flag is disabled globally"
		ev.step(Step{Step: StepFlagStatus, Passed: false, Message: msg})
		return ev.finish(false, ReasonFlagDisabled, msg), nil
	}
	ev.step(Step{Step: StepFlagStatus, Passed: true, Message: "Flag is enabled"})

	// 2. Environment check
	envCfg := flag.Environments[environment]
	strategies := flag.Strategies

	switch {
	case envCfg == nil:
		ev.step(Step{
			Step:    StepEnvironmentCheck,
			Passed:  true,
			Message: fmt.Sprintf("No override for environment %q - using global configuration", environment),
		})
	case envCfg.Enabled != nil && !*envCfg.Enabled:
		msg := fmt.Sprintf("Flag is disabled in environment %q", environment)
		ev.step(Step{Step: StepEnvironmentCheck, Passed: false, Message: msg})
		return ev.finish(false, ReasonFlagDisabled, msg), nil
	case envCfg.Strategies != nil:
		strategies = envCfg.Strategies
		ev.step(Step{
			Step:    StepEnvironmentCheck,
			Passed:  true,
			Message: fmt.Sprintf("Environment %q overrides strategies (%d)", environment, len(strategies)),
		})
	default:
		ev.step(Step{
			Step:    StepEnvironmentCheck,
			Passed:  true,
			Message: fmt.Sprintf("Environment %q inherits global strategies", environment),
		})
	}

	input := EvaluationInput{
		FlagKey:      flag.Name,
		Environment:  environment,
		Context:      ctx,
		SkipVariants: !flag.hasVariants(),
	}

	// 3. Strategy count
	if len(strategies) == 0 {
		msg := "No strategies - enabled by default"
		ev.step(Step{Step: StepStrategyCount, Passed: true, Message: msg})
		e.resolveVariant(ev, envCfg, nil, input)
		return ev.finish(true, ReasonNoStrategies, msg), nil
	}
	ev.step(Step{
		Step:    StepStrategyCount,
		Passed:  true,
		Message: fmt.Sprintf("%d strategies to evaluate", len(strategies)),
	})

	// 4. Strategy evaluation, first match wins
	disabled := 0
	for i := range strategies {
		s := &strategies[i]
		out := EvaluateStrategy(s, input, segments)

		ev.step(Step{
			Step:          StepStrategyEvaluation,
			Passed:        out.Passed,
			Message:       out.Message,
			StrategyIndex: intPtr(i),
			StrategyName:  s.Label(),
			Checks:        out.Checks,
		})

		if out.Disabled {
			disabled++
			continue
		}
		ev.result.randomized = ev.result.randomized || out.randomized

		if !out.Passed {
			// The last failing strategy explains a NO_MATCHING_STRATEGY outcome.
			ev.result.ReasonDetails = ReasonDetails{
				Environment:      environment,
				StrategyName:     s.Label(),
				StrategyIndex:    intPtr(i),
				FailedSegment:    out.FailedSegment,
				FailedConstraint: out.FailedConstraint,
			}
			continue
		}

		ev.result.ReasonDetails = ReasonDetails{
			Environment:     environment,
			StrategyName:    s.Label(),
			StrategyIndex:   intPtr(i),
			MatchedSegments: out.MatchedSegments,
		}
		e.resolveVariant(ev, envCfg, out.Variant, input)
		return ev.finish(true, ReasonStrategyMatched, out.Message), nil
	}

	// 5. No winner
	if disabled == len(strategies) {
		return ev.finish(false, ReasonAllStrategiesDisabled, "All strategies are disabled"), nil
	}
	return ev.finish(false, ReasonNoMatchingStrategy, "No strategy matched the context"), nil
}

// resolveVariant applies the variant precedence: the matched strategy's
// variant, then the flag-level variants, then the environment baseline.
func (e *Engine) resolveVariant(ev *evaluation, envCfg *EnvironmentConfig, strategyVariant *Variant, input EvaluationInput) {
	flag := ev.flag
	if !flag.hasVariants() {
		return
	}

	if strategyVariant != nil {
		ev.result.Variant = toVariantResult(*strategyVariant, ValueSourceStrategy, flag.VariantType)
		return
	}

	if len(flag.Variants) > 0 {
		key, randomized := resolveStickiness(variantStickiness(flag.Variants, StickinessDefault), input)
		if v, ok := SelectVariant(flag.Variants, rolloutSeed(flag.Name, key)); ok {
			ev.result.randomized = ev.result.randomized || randomized
			ev.result.Variant = toVariantResult(v, ValueSourceFlag, flag.VariantType)
			return
		}
		e.logger.Debug("flag variants have zero total weight",
			"flag", flag.Name,
			"environment", input.Environment,
		)
	}

	if envCfg != nil && envCfg.Payload != nil {
		p := *envCfg.Payload
		valueType := string(p.Type)
		if valueType == "" {
			valueType = string(flag.VariantType)
		}
		ev.result.Variant = &VariantResult{
			Name:        BaselineVariantName,
			Value:       p.Value,
			ValueType:   valueType,
			ValueSource: ValueSourceEnvironment,
			Payload:     &p,
		}
	}
}

// EvaluateSnapshot looks up flagName in snap and evaluates it.
func (e *Engine) EvaluateSnapshot(snap *Snapshot, flagName, environment string, ctx Context) (*Result, error) {
	if snap == nil {
		return nil, ErrNilSnapshot
	}
	flag, ok := snap.Flag(flagName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlagNotFound, flagName)
	}
	return e.Evaluate(flag, environment, ctx, snap.SegmentIndex())
}
