package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTask(t *testing.T) {
	before := testutil.ToFloat64(tasksTotal.WithLabelValues("DISK_SPACE", OutcomeCompleted))
	RecordTask("DISK_SPACE", OutcomeCompleted)
	RecordTask("DISK_SPACE", OutcomeCompleted)
	assert.Equal(t, before+2, testutil.ToFloat64(tasksTotal.WithLabelValues("DISK_SPACE", OutcomeCompleted)))
}

func TestGauges(t *testing.T) {
	SetInFlight(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(inFlight))

	SetWaiting("vm-1", 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(waiting.WithLabelValues("vm-1")))
}

func TestObserveExecution(t *testing.T) {
	ObserveExecution("OVERALL_STATUS", 2*time.Second)
	assert.Equal(t, 1, testutil.CollectAndCount(executionDuration))
}
