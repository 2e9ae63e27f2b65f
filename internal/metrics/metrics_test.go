package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskDurationObservesPerType(t *testing.T) {
	TaskDuration.WithLabelValues("update").Observe(1.5)
	TaskDuration.WithLabelValues("restart").Observe(0.5)

	require.Equal(t, 2, testutil.CollectAndCount(TaskDuration, "ac_task_duration_seconds"))
}

func TestCounterLabels(t *testing.T) {
	before := testutil.ToFloat64(TasksFailed.WithLabelValues("update", "transport"))
	TasksFailed.WithLabelValues("update", "transport").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(TasksFailed.WithLabelValues("update", "transport")))

	PlaybookRuns.WithLabelValues("local").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(PlaybookRuns.WithLabelValues("local")), 1.0)
}
