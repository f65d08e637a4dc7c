package ruleengine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// explosive panics when the engine renders it as a stickiness key.
type explosive struct{}

func (explosive) String() string { panic("boom") }

func TestEngine_EvaluateBatch(t *testing.T) {
	t.Parallel()

	snap := NewSnapshot(3, []*Flag{
		{Name: "on", Enabled: true},
		{Name: "off", Enabled: false},
		{Name: "rollout", Enabled: true, Strategies: []Strategy{{Name: "flexibleRollout", Rollout: intPtr(50)}}},
	}, nil)

	requests := []BatchRequest{
		{FlagName: "on", Environment: "dev"},
		{FlagName: "missing", Environment: "dev"},
		{FlagName: "rollout", Environment: "dev"},
		{FlagName: "off", Environment: "prod"},
		{FlagName: "on", Environment: "prod"},
	}

	var logBuffer bytes.Buffer
	engine := New(slog.New(slog.NewTextHandler(&logBuffer, nil)), WithBatchConcurrency(2))

	got, err := engine.EvaluateBatch(context.Background(), snap, requests, Context{"userId": explosive{}})
	require.NoError(t, err)
	require.Len(t, got, len(requests))

	for i, req := range requests {
		assert.Equal(t, req.FlagName, got[i].FlagName, "order preserved")
		assert.Equal(t, req.Environment, got[i].Environment)
		require.NotNil(t, got[i].Result, "every cell renders a reason")
	}

	assert.Equal(t, ReasonNoStrategies, got[0].Result.Reason)
	assert.NoError(t, got[0].Err)

	assert.Equal(t, ReasonFlagNotFound, got[1].Result.Reason)
	assert.ErrorIs(t, got[1].Err, ErrFlagNotFound)

	assert.Equal(t, ReasonError, got[2].Result.Reason, "panic contained to its cell")
	assert.ErrorContains(t, got[2].Err, "panic")
	assert.Contains(t, logBuffer.String(), "flag evaluation panicked")

	assert.Equal(t, ReasonFlagDisabled, got[3].Result.Reason)
	assert.Equal(t, ReasonNoStrategies, got[4].Result.Reason)
}

func TestEngine_EvaluateBatch_NilSnapshot(t *testing.T) {
	t.Parallel()

	_, err := New(nil).EvaluateBatch(context.Background(), nil, nil, Context{})
	assert.ErrorIs(t, err, ErrNilSnapshot)
}

func TestEngine_EvaluateBatch_Cancelled(t *testing.T) {
	t.Parallel()

	snap := NewSnapshot(1, []*Flag{{Name: "on", Enabled: true}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := New(nil).EvaluateBatch(ctx, snap, []BatchRequest{{FlagName: "on"}}, Context{})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, got, 1)
	assert.Equal(t, ReasonError, got[0].Result.Reason)
}

func TestEngine_EvaluateBatch_MatchesSingleEvaluation(t *testing.T) {
	t.Parallel()

	flags := make([]*Flag, 0, 50)
	requests := make([]BatchRequest, 0, 50)
	for i := range 50 {
		name := fmt.Sprintf("flag-%d", i)
		flags = append(flags, &Flag{
			Name:       name,
			Enabled:    true,
			Strategies: []Strategy{{Name: "flexibleRollout", Rollout: intPtr(i * 2)}},
		})
		requests = append(requests, BatchRequest{FlagName: name, Environment: "production"})
	}
	snap := NewSnapshot(1, flags, nil)
	engine := New(nil, WithBatchConcurrency(8))
	evalCtx := Context{"userId": "user-42"}

	got, err := engine.EvaluateBatch(context.Background(), snap, requests, evalCtx)
	require.NoError(t, err)

	for i, cell := range got {
		single, err := engine.EvaluateSnapshot(snap, requests[i].FlagName, "production", evalCtx)
		require.NoError(t, err)
		assert.Equal(t, single.Enabled, cell.Result.Enabled, cell.FlagName)
		assert.Equal(t, single.Reason, cell.Result.Reason, cell.FlagName)
	}
}
