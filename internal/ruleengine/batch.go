package ruleengine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// BatchRequest names one (flag, environment) cell of a batch.
type BatchRequest struct {
	FlagName    string
	Environment string
}

// BatchResult is the outcome of one BatchRequest. Result is always set, even
// when Err is not nil, so callers can render a reason for every cell.
type BatchResult struct {
	FlagName    string
	Environment string
	Result      *Result
	Err         error
}

// EvaluateBatch evaluates every request against snap and the same context.
// Results keep the order of requests. A failing flag (unknown name, internal
// error, panic) is contained in its own cell and never affects the others.
func (e *Engine) EvaluateBatch(ctx context.Context, snap *Snapshot, requests []BatchRequest, evalCtx Context) ([]BatchResult, error) {
	if snap == nil {
		return nil, ErrNilSnapshot
	}

	results := make([]BatchResult, len(requests))
	segments := snap.SegmentIndex()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchConcurrency)

	for i, req := range requests {
		g.Go(func() error {
			results[i] = e.evaluateCell(gctx, snap, segments, req, evalCtx)
			return nil
		})
	}

	// Cells never return errors; Wait only synchronizes.
	_ = g.Wait()

	return results, ctx.Err()
}

func (e *Engine) evaluateCell(ctx context.Context, snap *Snapshot, segments map[string]*Segment, req BatchRequest, evalCtx Context) (out BatchResult) {
	out = BatchResult{FlagName: req.FlagName, Environment: req.Environment}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("flag evaluation panicked",
				"flag", req.FlagName,
				"environment", req.Environment,
				"panic", r,
			)
			out.Err = fmt.Errorf("evaluating %s: panic: %v", req.FlagName, r)
			out.Result = errorResult(req, ReasonError, out.Err)
		}
	}()

	if err := ctx.Err(); err != nil {
		out.Err = err
		out.Result = errorResult(req, ReasonError, err)
		return out
	}

	flag, ok := snap.Flag(req.FlagName)
	if !ok {
		out.Err = fmt.Errorf("%w: %s", ErrFlagNotFound, req.FlagName)
		out.Result = errorResult(req, ReasonFlagNotFound, out.Err)
		return out
	}

	res, err := e.Evaluate(flag, req.Environment, evalCtx, segments)
	if err != nil {
		e.logger.Error("flag evaluation failed",
			"error", err,
			"flag", req.FlagName,
			"environment", req.Environment,
		)
		out.Err = err
		out.Result = errorResult(req, ReasonError, err)
		return out
	}

	out.Result = res
	return out
}

func errorResult(req BatchRequest, reason Reason, err error) *Result {
	msg := err.Error()
	if errors.Is(err, ErrFlagNotFound) {
		msg = fmt.Sprintf("Flag %q does not exist", req.FlagName)
	}
	return &Result{
		FlagName:    req.FlagName,
		Environment: req.Environment,
		Enabled:     false,
		Reason:      reason,
		ReasonDetails: ReasonDetails{
			Environment: req.Environment,
			Message:     msg,
		},
		EvaluationSteps: []Step{},
	}
}
