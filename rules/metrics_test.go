package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineMetrics_NilIsNoop(t *testing.T) {
	m, err := newEngineMetrics(nil, "acme")
	require.NoError(t, err)
	assert.Nil(t, m)

	assert.NotPanics(t, func() {
		m.recordHit()
		m.recordMiss()
		m.recordEviction()
		m.recordRefresh(nil)
		m.updateSize(3)
		m.observeEvaluation(time.Millisecond, nil)
		m.observeBatch(time.Millisecond, 2)
	})
}

// TestEngineMetrics_ReRegistration verifies a second engine for the same
// project reuses the registered collectors.
func TestEngineMetrics_ReRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := newEngineMetrics(reg, "acme")
	require.NoError(t, err)
	second, err := newEngineMetrics(reg, "acme")
	require.NoError(t, err)

	first.recordHit()
	second.recordHit()
	assert.Equal(t, 2.0, testutil.ToFloat64(first.hits))

	other, err := newEngineMetrics(reg, "globex")
	require.NoError(t, err)
	other.recordHit()
	assert.Equal(t, 2.0, testutil.ToFloat64(first.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(other.hits))
}

func TestEngineMetrics_Recording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := newEngineMetrics(reg, "acme")
	require.NoError(t, err)

	m.recordRefresh(nil)
	m.recordRefresh(errors.New("down"))
	m.recordRefresh(errors.New("down"))
	m.updateSize(7)
	m.observeEvaluation(time.Millisecond, nil)
	m.observeEvaluation(time.Millisecond, ErrEvaluationTimeout)
	m.observeEvaluation(time.Millisecond, errors.New("bad"))
	m.observeBatch(time.Millisecond, 5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.refreshErrors))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.size))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.batchInputs))
	assert.Equal(t, 3, testutil.CollectAndCount(m.evaluations))
}

// TestCacheManager_Metrics verifies cache operations drive the collectors.
func TestCacheManager_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := newEngineMetrics(reg, "acme")
	require.NoError(t, err)

	src := newMemSource(ruleDoc("a", "1"), ruleDoc("b", "1"))
	c := newTestCache(t, src, CacheConfig{MaxSize: 1})
	c.metrics = m

	_, err = c.EnsureFresh(context.Background(), "a")
	require.NoError(t, err)
	_, err = c.EnsureFresh(context.Background(), "a")
	require.NoError(t, err)
	_, err = c.EnsureFresh(context.Background(), "b")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.hits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.misses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.size))
}
