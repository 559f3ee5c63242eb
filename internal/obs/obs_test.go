package obs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gruntwork-io/wasmloom/internal/obs"
)

func TestInitDisabledReturnsNoopShutdown(t *testing.T) {
	t.Parallel()

	shutdown, err := obs.Init(context.Background(), obs.Options{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitEnabledBuildsStdoutExporter(t *testing.T) {
	shutdown, err := obs.Init(context.Background(), obs.Options{Enabled: true, AppName: "wasmloomd-test"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	t.Cleanup(func() { _ = shutdown(context.Background()) })
}

func TestTraceRunsCallbackAndPropagatesResult(t *testing.T) {
	t.Parallel()

	var ran bool
	err := obs.Trace(context.Background(), "test-span", map[string]interface{}{"count": 3}, func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestTraceRecordsAndReturnsCallbackError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	err := obs.Trace(context.Background(), "test-span-err", nil, func(ctx context.Context) error {
		return boom
	})

	require.ErrorIs(t, err, boom)
}

func TestTraceIDFromContextEmptyWithoutActiveSpan(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", obs.TraceIDFromContext(context.Background()))
}

func TestRecordCycleCompletedAndNodeFaultDoNotPanicWithoutInit(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		obs.RecordCycleCompleted(context.Background(), "plan-a")
		obs.RecordNodeFault(context.Background(), "plan-a", "trap")
	})
}
