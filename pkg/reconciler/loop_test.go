package reconciler

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/flowsync/pkg/cluster"
	"github.com/cuemby/flowsync/pkg/metrics"
	"github.com/cuemby/flowsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsAndTriggers(t *testing.T) {
	m := cluster.NewMemory()
	var loads atomic.Int32
	source := func() (*types.DesiredNode, error) {
		loads.Add(1)
		return pipeline(true), nil
	}

	loop := NewLoop(NewReconciler(m), source, testPolicy(types.DeletionAuthoritative), 0)
	loop.Start()
	defer loop.Stop()

	require.Eventually(t, func() bool { return loop.Last() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, loop.Last().Converged())
	assert.Equal(t, 4, m.Len())

	first := loop.Last().RunID
	loop.Trigger()
	require.Eventually(t, func() bool { return loop.Last().RunID != first }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, loop.Last().Applied)
	assert.Equal(t, int32(2), loads.Load())
	assert.Eventually(t, func() bool {
		last := metrics.LastRun()
		return last != nil && last.ID == loop.Last().RunID && last.Result == metrics.RunResultConverged
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "ready", metrics.GetReadiness().Status)
}

func TestLoopSourceError(t *testing.T) {
	m := cluster.NewMemory()
	source := func() (*types.DesiredNode, error) {
		return nil, errors.New("manifest: yaml: line 3: did not find expected key")
	}

	loop := NewLoop(NewReconciler(m), source, testPolicy(types.DeletionAuthoritative), 0)
	loop.Start()
	require.Eventually(t, func() bool {
		return strings.HasPrefix(metrics.GetHealth().Components[metrics.ComponentDeclarations], "unhealthy")
	}, 2*time.Second, 10*time.Millisecond)
	loop.Stop()

	assert.Nil(t, loop.Last())
	assert.Empty(t, m.Calls())
	assert.Equal(t, "not_ready", metrics.GetReadiness().Status)
}

func TestLoopStopIdempotent(t *testing.T) {
	loop := NewLoop(NewReconciler(cluster.NewMemory()), func() (*types.DesiredNode, error) {
		return types.Target(""), nil
	}, testPolicy(types.DeletionOverlay), time.Hour)
	loop.Stop()
	loop.Start()
	loop.Stop()
}
