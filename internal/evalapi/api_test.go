package evalapi_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/verdict/internal/cache"
	"github.com/rafaeljc/verdict/internal/evalapi"
	"github.com/rafaeljc/verdict/internal/ruleengine"
	"github.com/rafaeljc/verdict/internal/snapshot"
	"github.com/rafaeljc/verdict/internal/testsupport"
)

func testSnapshot(t *testing.T) *ruleengine.Snapshot {
	t.Helper()

	flags := []*ruleengine.Flag{
		{Name: "dark-mode", Enabled: true},
		{Name: "legacy-export", Enabled: false},
		{
			Name:    "beta-search",
			Enabled: true,
			Strategies: []ruleengine.Strategy{{
				Name:     "default",
				Segments: []string{"beta"},
			}},
		},
	}
	for _, f := range flags {
		_, err := ruleengine.Compile(f)
		require.NoError(t, err)
	}
	segments := []*ruleengine.Segment{{
		ID:   "beta",
		Name: "Beta testers",
		Constraints: []ruleengine.Constraint{{
			ContextName: "beta",
			Operator:    ruleengine.OpEquals,
			Value:       "true",
		}},
	}}

	snap := ruleengine.NewSnapshot(42, flags, segments)
	snap.Checksum = "c0ffee"
	return snap
}

type testEnv struct {
	api     *evalapi.API
	holder  *snapshot.Holder
	results *cache.ResultCache
}

func newTestEnv(t *testing.T, loaded bool, opts evalapi.Options) *testEnv {
	t.Helper()

	results, err := cache.NewResultCache(1000, time.Minute)
	require.NoError(t, err)
	t.Cleanup(results.Close)

	holder := snapshot.NewHolder(func(*ruleengine.Snapshot) { results.Purge() })
	if loaded {
		require.True(t, holder.Store(testSnapshot(t)))
	}

	logger := slog.New(slog.DiscardHandler)
	api := evalapi.NewAPI(logger, ruleengine.New(logger), holder, results, opts)
	return &testEnv{api: api, holder: holder, results: results}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.api.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, evalapi.Options{})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
		wantReason ruleengine.Reason
		wantOn     bool
	}{
		{
			name:       "enabled flag without strategies",
			body:       `{"flagName":"dark-mode","environment":"production","context":{"userId":"u1"}}`,
			wantStatus: http.StatusOK,
			wantReason: ruleengine.ReasonNoStrategies,
			wantOn:     true,
		},
		{
			name:       "names are trimmed",
			body:       `{"flagName":"  dark-mode  "}`,
			wantStatus: http.StatusOK,
			wantReason: ruleengine.ReasonNoStrategies,
			wantOn:     true,
		},
		{
			name:       "disabled flag",
			body:       `{"flagName":"legacy-export","environment":"production"}`,
			wantStatus: http.StatusOK,
			wantReason: ruleengine.ReasonFlagDisabled,
		},
		{
			name:       "segment match",
			body:       `{"flagName":"beta-search","environment":"production","context":{"beta":"true"}}`,
			wantStatus: http.StatusOK,
			wantReason: ruleengine.ReasonStrategyMatched,
			wantOn:     true,
		},
		{
			name:       "segment miss",
			body:       `{"flagName":"beta-search","environment":"production","context":{"beta":"false"}}`,
			wantStatus: http.StatusOK,
			wantReason: ruleengine.ReasonNoMatchingStrategy,
		},
		{
			name:       "unknown flag",
			body:       `{"flagName":"nope"}`,
			wantStatus: http.StatusNotFound,
			wantCode:   evalapi.ErrCodeFlagNotFound,
		},
		{
			name:       "missing flag name",
			body:       `{"environment":"production"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   evalapi.ErrCodeInvalidInput,
		},
		{
			name:       "environment too long",
			body:       `{"flagName":"dark-mode","environment":"` + strings.Repeat("e", 256) + `"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   evalapi.ErrCodeInvalidInput,
		},
		{
			name:       "malformed json",
			body:       `{"flagName":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   evalapi.ErrCodeInvalidJSON,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := env.do(t, http.MethodPost, "/api/v1/evaluate", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

			if tt.wantCode != "" {
				errResp := decodeBody[evalapi.ErrorResponse](t, rec)
				assert.Equal(t, tt.wantCode, errResp.Code)
				return
			}

			assert.Equal(t, "42", rec.Header().Get(evalapi.SnapshotVersionHeader))
			res := decodeBody[ruleengine.Result](t, rec)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, tt.wantOn, res.Enabled)
			assert.NotEmpty(t, res.EvaluationSteps, "trace is always rendered")
		})
	}
}

func TestEvaluate_ValidationDetails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, evalapi.Options{})
	rec := env.do(t, http.MethodPost, "/api/v1/evaluate", `{"flagName":"   "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	errResp := decodeBody[evalapi.ErrorResponse](t, rec)
	require.Len(t, errResp.Details, 1)
	assert.Equal(t, "flagName", errResp.Details[0].Field)
	assert.Equal(t, "is required", errResp.Details[0].Issue)
}

func TestEvaluate_PayloadTooLarge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, evalapi.Options{MaxBodyBytes: 64})
	body := `{"flagName":"dark-mode","context":{"blob":"` + strings.Repeat("x", 256) + `"}}`

	rec := env.do(t, http.MethodPost, "/api/v1/evaluate", body)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, evalapi.ErrCodePayloadTooLarge, decodeBody[evalapi.ErrorResponse](t, rec).Code)
}

func TestSnapshotNotLoaded(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false, evalapi.Options{})

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPost, "/api/v1/evaluate", `{"flagName":"dark-mode"}`},
		{http.MethodPost, "/api/v1/evaluate/batch", `{"environments":["production"]}`},
		{http.MethodGet, "/api/v1/snapshot", ""},
	} {
		rec := env.do(t, tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, tc.path)
		assert.Equal(t, evalapi.ErrCodeNotReady, decodeBody[evalapi.ErrorResponse](t, rec).Code, tc.path)
	}

	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "liveness does not depend on the snapshot")
}

func TestEvaluateBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, evalapi.Options{MaxBatchCells: 6})

	t.Run("grid in flag-major order with per-cell failures", func(t *testing.T) {
		t.Parallel()

		rec := env.do(t, http.MethodPost, "/api/v1/evaluate/batch",
			`{"flagNames":["dark-mode","missing","dark-mode"],"environments":["dev"," prod ",""],"context":{"userId":"u1"}}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decodeBody[evalapi.BatchEvaluateResponse](t, rec)
		assert.Equal(t, int64(42), resp.SnapshotVersion)
		require.Len(t, resp.Results, 4, "duplicates and blanks are dropped")

		want := [][2]string{{"dark-mode", "dev"}, {"dark-mode", "prod"}, {"missing", "dev"}, {"missing", "prod"}}
		for i, cell := range resp.Results {
			assert.Equal(t, want[i][0], cell.FlagName)
			assert.Equal(t, want[i][1], cell.Environment)
			require.NotNil(t, cell.Result, "every cell renders a reason")
		}
		assert.True(t, resp.Results[0].Result.Enabled)
		assert.Empty(t, resp.Results[0].Error)
		assert.Equal(t, ruleengine.ReasonFlagNotFound, resp.Results[2].Result.Reason)
		assert.Contains(t, resp.Results[2].Error, "flag not found")
	})

	t.Run("empty flag list evaluates the whole snapshot", func(t *testing.T) {
		t.Parallel()

		rec := env.do(t, http.MethodPost, "/api/v1/evaluate/batch", `{"environments":["production"]}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decodeBody[evalapi.BatchEvaluateResponse](t, rec)
		names := make([]string, 0, len(resp.Results))
		for _, cell := range resp.Results {
			names = append(names, cell.FlagName)
		}
		assert.Equal(t, []string{"beta-search", "dark-mode", "legacy-export"}, names)
	})

	t.Run("too many cells", func(t *testing.T) {
		t.Parallel()

		rec := env.do(t, http.MethodPost, "/api/v1/evaluate/batch",
			`{"flagNames":["a","b","c","d"],"environments":["dev","prod"]}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, evalapi.ErrCodeBatchTooLarge, decodeBody[evalapi.ErrorResponse](t, rec).Code)
	})

	t.Run("environments are required", func(t *testing.T) {
		t.Parallel()

		rec := env.do(t, http.MethodPost, "/api/v1/evaluate/batch", `{"flagNames":["dark-mode"]}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		errResp := decodeBody[evalapi.ErrorResponse](t, rec)
		assert.Equal(t, evalapi.ErrCodeInvalidInput, errResp.Code)
		require.Len(t, errResp.Details, 1)
		assert.Equal(t, "environments", errResp.Details[0].Field)
	})
}

func TestGetSnapshot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, evalapi.Options{})
	rec := env.do(t, http.MethodGet, "/api/v1/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[evalapi.SnapshotResponse](t, rec)
	assert.Equal(t, int64(42), resp.Version)
	assert.Equal(t, "c0ffee", resp.Checksum)
	assert.Len(t, resp.Flags, 3)
	assert.Contains(t, resp.Segments, "beta")
}

func TestRedistribute(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false, evalapi.Options{})

	t.Run("locked weights stand", func(t *testing.T) {
		t.Parallel()

		rec := env.do(t, http.MethodPost, "/api/v1/variants/redistribute",
			`{"variants":[{"name":"a","weight":0},{"name":"b","weight":40,"weightLock":true},{"name":"c","weight":0}]}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decodeBody[evalapi.RedistributeResponse](t, rec)
		require.Len(t, resp.Variants, 3)
		assert.Equal(t, 30, resp.Variants[0].Weight)
		assert.Equal(t, 40, resp.Variants[1].Weight)
		assert.Equal(t, 30, resp.Variants[2].Weight)
	})

	t.Run("remainder goes to the first unlocked variants", func(t *testing.T) {
		t.Parallel()

		rec := env.do(t, http.MethodPost, "/api/v1/variants/redistribute",
			`{"variants":[{"name":"a"},{"name":"b"},{"name":"c"}]}`)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeBody[evalapi.RedistributeResponse](t, rec)
		assert.Equal(t, 34, resp.Variants[0].Weight)
		assert.Equal(t, 33, resp.Variants[1].Weight)
		assert.Equal(t, 33, resp.Variants[2].Weight)
	})

	t.Run("duplicate names are rejected", func(t *testing.T) {
		t.Parallel()

		rec := env.do(t, http.MethodPost, "/api/v1/variants/redistribute",
			`{"variants":[{"name":"a"},{"name":"a"}]}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		errResp := decodeBody[evalapi.ErrorResponse](t, rec)
		assert.Equal(t, "variants[1].name", errResp.Details[0].Field)
	})

	t.Run("weights out of range are rejected", func(t *testing.T) {
		t.Parallel()

		rec := env.do(t, http.MethodPost, "/api/v1/variants/redistribute",
			`{"variants":[{"name":"a","weight":101,"weightLock":true}]}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, evalapi.Options{})
	rec := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[evalapi.HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, int64(42), resp.SnapshotVersion)
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, evalapi.Options{})

	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Len(t, rec.Header().Get(evalapi.RequestIDHeader), 36, "generated ids are UUIDs")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(evalapi.RequestIDHeader, "trace-123")
	rec = httptest.NewRecorder()
	env.api.ServeHTTP(rec, req)
	assert.Equal(t, "trace-123", rec.Header().Get(evalapi.RequestIDHeader))
}

// Metric assertions read global counters, so these tests do not run in parallel.

func TestResultCache_ServesRepeatedEvaluations(t *testing.T) {
	env := newTestEnv(t, true, evalapi.Options{})
	body := `{"flagName":"beta-search","environment":"production","context":{"beta":"true","userId":"u-cache"}}`

	first := env.do(t, http.MethodPost, "/api/v1/evaluate", body)
	require.Equal(t, http.StatusOK, first.Code)

	var second *httptest.ResponseRecorder
	testsupport.AssertMetricDelta(t, "verdict_engine_result_cache_hits_total", nil, 1, func() {
		second = env.do(t, http.MethodPost, "/api/v1/evaluate", body)
	})
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	// A newer snapshot empties the cache.
	require.True(t, env.holder.Store(ruleengine.NewSnapshot(43, nil, nil)))
	assert.Zero(t, env.results.Len())
}

func TestMetricsMiddleware(t *testing.T) {
	env := newTestEnv(t, true, evalapi.Options{})
	labels := map[string]string{"method": "POST", "route": "/api/v1/evaluate", "code": "404"}

	testsupport.AssertMetricDelta(t, "verdict_api_http_requests_total", labels, 1, func() {
		rec := env.do(t, http.MethodPost, "/api/v1/evaluate", `{"flagName":"nope"}`)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	testsupport.AssertMetricDelta(t, "verdict_engine_evaluations_total", map[string]string{"reason": "FLAG_DISABLED"}, 1, func() {
		env.do(t, http.MethodPost, "/api/v1/evaluate", `{"flagName":"legacy-export","environment":"metrics"}`)
	})
}

func TestNewAPI_Panics(t *testing.T) {
	t.Parallel()

	holder := snapshot.NewHolder(nil)
	assert.Panics(t, func() { evalapi.NewAPI(nil, nil, holder, nil, evalapi.Options{}) })
	assert.Panics(t, func() { evalapi.NewAPI(nil, ruleengine.New(nil), nil, nil, evalapi.Options{}) })
}
