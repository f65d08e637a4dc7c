package evalapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"github.com/rafaeljc/verdict/internal/cache"
	"github.com/rafaeljc/verdict/internal/logger"
	"github.com/rafaeljc/verdict/internal/observability"
	"github.com/rafaeljc/verdict/internal/ruleengine"
)

// SnapshotVersionHeader reports the snapshot an evaluation used.
const SnapshotVersionHeader = "X-Snapshot-Version"

// handleEvaluate processes the POST /api/v1/evaluate request.
//
// Flow: decode -> validate -> L1 (result cache) -> engine -> response.
func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	// 1. Decode & validate
	var req EvaluateRequest
	if !a.decode(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		renderError(w, r, http.StatusBadRequest, errResp)
		return
	}

	// 2. Pin one snapshot for the whole request
	snap, ok := a.currentSnapshot(w, r)
	if !ok {
		return
	}

	// 3. Evaluate, memoized when possible
	res, err := a.evaluate(log, snap, req.FlagName, req.Environment, req.Context)
	if errors.Is(err, ruleengine.ErrFlagNotFound) {
		renderError(w, r, http.StatusNotFound, &ErrorResponse{
			Code:    ErrCodeFlagNotFound,
			Message: "Flag not found: " + req.FlagName,
		})
		return
	}
	if err != nil {
		log.Error("flag evaluation failed", slog.String("flag", req.FlagName), slog.String("error", err.Error()))
		renderError(w, r, http.StatusInternalServerError, &ErrorResponse{
			Code:    ErrCodeInternal,
			Message: "Failed to evaluate flag",
		})
		return
	}

	log.Debug("flag evaluated",
		slog.String("flag", req.FlagName),
		slog.String("environment", req.Environment),
		slog.String("reason", string(res.Reason)),
	)

	w.Header().Set(SnapshotVersionHeader, strconv.FormatInt(snap.Version, 10))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, res)
}

// evaluate runs one evaluation through the result cache.
func (a *API) evaluate(log *slog.Logger, snap *ruleengine.Snapshot, flag, env string, ctx ruleengine.Context) (*ruleengine.Result, error) {
	key, cacheable := a.resultKey(log, snap.Version, flag, env, ctx)
	if cacheable {
		if res, ok := a.results.Get(key); ok {
			observability.EvaluationsTotal.WithLabelValues(string(res.Reason)).Inc()
			return res, nil
		}
	}

	res, err := a.engine.EvaluateSnapshot(snap, flag, env, ctx)
	if err != nil {
		return nil, err
	}
	observability.EvaluationsTotal.WithLabelValues(string(res.Reason)).Inc()

	if cacheable {
		a.results.Set(key, res)
	}
	return res, nil
}

// resultKey reports false when memoization is disabled or the context
// cannot be keyed.
func (a *API) resultKey(log *slog.Logger, version int64, flag, env string, ctx ruleengine.Context) (string, bool) {
	if a.results == nil {
		return "", false
	}
	key, err := cache.ResultKey(version, flag, env, ctx)
	if err != nil {
		log.Debug("context cannot be memoized", slog.String("error", err.Error()))
		return "", false
	}
	return key, true
}

// handleEvaluateBatch processes the POST /api/v1/evaluate/batch request.
// It evaluates every requested flag in every requested environment against
// one context and one snapshot. A failing cell never fails the request.
func (a *API) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req BatchEvaluateRequest
	if !a.decode(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		renderError(w, r, http.StatusBadRequest, errResp)
		return
	}

	snap, ok := a.currentSnapshot(w, r)
	if !ok {
		return
	}

	flagNames := req.FlagNames
	if len(flagNames) == 0 {
		flagNames = snap.FlagNames()
	}

	cells := len(flagNames) * len(req.Environments)
	if cells > a.opts.MaxBatchCells {
		renderError(w, r, http.StatusBadRequest, &ErrorResponse{
			Code:    ErrCodeBatchTooLarge,
			Message: "Batch exceeds the maximum number of evaluations",
			Details: []ErrorDetail{{
				Field: "flagNames",
				Issue: strconv.Itoa(cells) + " evaluations requested, limit is " + strconv.Itoa(a.opts.MaxBatchCells),
			}},
		})
		return
	}
	observability.BatchCells.Observe(float64(cells))

	// 1. Serve what the result cache already knows
	results := make([]BatchCell, 0, cells)
	keys := make([]string, 0, cells)
	var (
		pending    []ruleengine.BatchRequest
		pendingIdx []int
	)
	for _, flag := range flagNames {
		for _, env := range req.Environments {
			key, cacheable := a.resultKey(log, snap.Version, flag, env, req.Context)
			if cacheable {
				if res, ok := a.results.Get(key); ok {
					keys = append(keys, key)
					results = append(results, BatchCell{FlagName: flag, Environment: env, Result: res})
					continue
				}
			}
			keys = append(keys, key)
			pendingIdx = append(pendingIdx, len(results))
			pending = append(pending, ruleengine.BatchRequest{FlagName: flag, Environment: env})
			results = append(results, BatchCell{FlagName: flag, Environment: env})
		}
	}

	// 2. Evaluate the rest in parallel
	if len(pending) > 0 {
		evaluated, err := a.engine.EvaluateBatch(r.Context(), snap, pending, req.Context)
		if err != nil && evaluated == nil {
			log.Error("batch evaluation failed", slog.String("error", err.Error()))
			renderError(w, r, http.StatusInternalServerError, &ErrorResponse{
				Code:    ErrCodeInternal,
				Message: "Failed to evaluate batch",
			})
			return
		}
		for i, cell := range evaluated {
			idx := pendingIdx[i]
			results[idx].Result = cell.Result
			if cell.Err != nil {
				results[idx].Error = cell.Err.Error()
				continue
			}
			if keys[idx] != "" {
				a.results.Set(keys[idx], cell.Result)
			}
		}
	}

	for _, cell := range results {
		observability.EvaluationsTotal.WithLabelValues(string(cell.Result.Reason)).Inc()
	}

	log.Debug("batch evaluated",
		slog.Int("flags", len(flagNames)),
		slog.Int("environments", len(req.Environments)),
		slog.Int("evaluated", len(pending)),
	)

	w.Header().Set(SnapshotVersionHeader, strconv.FormatInt(snap.Version, 10))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, BatchEvaluateResponse{
		SnapshotVersion: snap.Version,
		Results:         results,
	})
}

// handleGetSnapshot processes the GET /api/v1/snapshot request.
func (a *API) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.currentSnapshot(w, r)
	if !ok {
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, SnapshotResponse{
		Version:   snap.Version,
		Checksum:  snap.Checksum,
		CreatedAt: snap.CreatedAt,
		Flags:     snap.Flags,
		Segments:  snap.Segments,
	})
}

// handleRedistribute processes the POST /api/v1/variants/redistribute
// request, an authoring helper that rebalances unlocked variant weights.
func (a *API) handleRedistribute(w http.ResponseWriter, r *http.Request) {
	var req RedistributeRequest
	if !a.decode(w, r, &req) {
		return
	}
	if errResp := req.Validate(); errResp != nil {
		renderError(w, r, http.StatusBadRequest, errResp)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, RedistributeResponse{Variants: ruleengine.Redistribute(req.Variants)})
}

// currentSnapshot loads the snapshot or answers 503 while none is loaded.
func (a *API) currentSnapshot(w http.ResponseWriter, r *http.Request) (*ruleengine.Snapshot, bool) {
	snap := a.snapshots.Load()
	if snap == nil {
		renderError(w, r, http.StatusServiceUnavailable, &ErrorResponse{
			Code:    ErrCodeNotReady,
			Message: "No rule snapshot loaded yet",
		})
		return nil, false
	}
	return snap, true
}

// decode reads a size-limited JSON body into dst, answering 400 or 413 on
// failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes)
	err := render.DecodeJSON(r.Body, dst)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		renderError(w, r, http.StatusRequestEntityTooLarge, &ErrorResponse{
			Code:    ErrCodePayloadTooLarge,
			Message: "Request body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
		})
		return false
	}

	logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))
	renderError(w, r, http.StatusBadRequest, &ErrorResponse{
		Code:    ErrCodeInvalidJSON,
		Message: "Invalid JSON payload: " + err.Error(),
	})
	return false
}

func renderError(w http.ResponseWriter, r *http.Request, status int, resp *ErrorResponse) {
	render.Status(r, status)
	render.JSON(w, r, resp)
}
