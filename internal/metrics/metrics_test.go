package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(MergeJobs.WithLabelValues("ok"))
	MergeJobs.WithLabelValues("ok").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(MergeJobs.WithLabelValues("ok")))

	QueueDepth.WithLabelValues("pending").Set(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(QueueDepth.WithLabelValues("pending")))
}
