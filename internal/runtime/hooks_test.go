package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
)

func TestChainHooks_Merge(t *testing.T) {
	var order []string
	first := ChainHooks{
		OnChainStart: func(ChainContext) { order = append(order, "first-start") },
		OnChainDone:  func(ChainContext, Response) { order = append(order, "first-done") },
	}
	second := ChainHooks{
		OnChainStart: func(ChainContext) { order = append(order, "second-start") },
		OnChainError: func(ChainContext, Response, error) { order = append(order, "second-error") },
	}

	merged := first.Merge(second)
	merged.start(ChainContext{})
	merged.finish(ChainContext{}, Response{}, nil)
	merged.finish(ChainContext{}, Response{}, errBoom)

	assert.Equal(t, []string{"first-start", "second-start", "first-done", "second-error"}, order)
}

func TestChainHooks_NilHooksAreSkipped(t *testing.T) {
	var hooks ChainHooks
	assert.NotPanics(t, func() {
		hooks.start(ChainContext{})
		hooks.finish(ChainContext{}, Response{}, nil)
		hooks.finish(ChainContext{}, Response{}, errBoom)
	})
	assert.Nil(t, ChainHooks{}.Merge(ChainHooks{}).OnChainDone)
}

func TestLoggingHooks(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	hooks := LoggingHooks(loggingpkg.NewZapServiceLogger(zap.New(core)))
	ctx := ChainContext{BatchID: "batch", ChainID: "a", Operations: []string{"query"}, Duration: 5 * time.Millisecond}

	hooks.start(ctx)
	hooks.finish(ctx, Response{ID: "a", Statistics: Statistics{Steps: 1}}, nil)
	hooks.finish(ctx, Response{ID: "a"}, errBoom)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "Chain started", entries[0].Message)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "a", entries[0].ContextMap()["chain_id"])
	assert.Equal(t, "Chain completed", entries[1].Message)
	assert.Equal(t, int64(1), entries[1].ContextMap()["steps"])
	assert.Equal(t, "Chain failed", entries[2].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "boom", entries[2].ContextMap()["error"])
}

func TestMetricsHooks(t *testing.T) {
	var started, done, failed int
	hooks := MetricsHooks(
		func(ChainContext) { started++ },
		func(ChainContext) { done++ },
		func(ChainContext) { failed++ },
	)

	hooks.start(ChainContext{})
	hooks.finish(ChainContext{}, Response{}, nil)
	hooks.finish(ChainContext{}, Response{}, errBoom)

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, failed)

	assert.NotPanics(t, func() {
		partial := MetricsHooks(nil, nil, nil)
		partial.start(ChainContext{})
		partial.finish(ChainContext{}, Response{}, errBoom)
	})
}

func TestAlertingHooks(t *testing.T) {
	var alerted []string
	hooks := AlertingHooks(func(ctx ChainContext, err error) {
		alerted = append(alerted, ctx.ChainID+": "+err.Error())
	})

	hooks.finish(ChainContext{ChainID: "ok"}, Response{}, nil)
	hooks.finish(ChainContext{ChainID: "bad"}, Response{}, errBoom)

	assert.Equal(t, []string{"bad: boom"}, alerted)
	assert.Nil(t, AlertingHooks(nil).OnChainError)
}
