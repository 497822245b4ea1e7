package healthq

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/vmhealth/internal/metrics"
	"github.com/msageha/vmhealth/internal/model"
)

// Notification resource/action and payload keys understood by observers.
const (
	NotifyResource = "vms"
	NotifyAction   = "update"

	KeyQueueUpdated  = "healthQueueUpdated"
	KeyCheckStarted  = "healthCheckStarted"
	KeyCheckDone     = "healthCheckCompleted"
	KeyCheckFailed   = "healthCheckFailed"
	KeyStatusChanged = "healthCheckStatusChanged"
)

// Emitter forwards lifecycle events to the notifier. Errors and panics from
// the notifier are logged and dropped.
type Emitter struct {
	notifier Notifier
	logger   *zap.SugaredLogger
}

func NewEmitter(n Notifier, logger *zap.SugaredLogger) *Emitter {
	return &Emitter{notifier: n, logger: logger}
}

func (e *Emitter) emit(machineID, key string, body map[string]any) {
	if e.notifier == nil {
		return
	}
	payload := map[string]any{
		"id":        machineID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		key:         body,
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.IncNotifyErrors()
			e.logger.Warnw("notify_panic", "machine", machineID, "event", key, "panic", fmt.Sprint(r))
		}
	}()
	if err := e.notifier.Dispatch(NotifyResource, NotifyAction, payload); err != nil {
		metrics.IncNotifyErrors()
		e.logger.Warnw("notify_failed", "machine", machineID, "event", key, "error", err)
	}
}

func (e *Emitter) Queued(t *model.HealthCheckTask, queueSize int) {
	e.emit(t.MachineID, KeyQueueUpdated, map[string]any{
		"action":    "queued",
		"taskId":    t.ID,
		"checkType": string(t.CheckType),
		"priority":  string(t.Priority),
		"queueSize": queueSize,
	})
}

func (e *Emitter) Purged(machineID string, removed int) {
	e.emit(machineID, KeyQueueUpdated, map[string]any{
		"action":  "purged",
		"removed": removed,
	})
}

func (e *Emitter) Started(t *model.HealthCheckTask) {
	e.emit(t.MachineID, KeyCheckStarted, map[string]any{
		"taskId":    t.ID,
		"checkType": string(t.CheckType),
		"attempt":   t.Attempts + 1,
	})
}

func (e *Emitter) Completed(t *model.HealthCheckTask) {
	e.emit(t.MachineID, KeyCheckDone, map[string]any{
		"taskId":          t.ID,
		"checkType":       string(t.CheckType),
		"executionTimeMs": t.ExecutionTimeMs,
	})
}

func (e *Emitter) Failed(t *model.HealthCheckTask, d RetryDecision) {
	body := map[string]any{
		"taskId":    t.ID,
		"checkType": string(t.CheckType),
		"attempts":  d.Attempts,
		"error":     t.Error,
		"willRetry": !d.Terminal,
	}
	if !d.Terminal {
		body["retryInMs"] = d.Delay.Milliseconds()
	}
	e.emit(t.MachineID, KeyCheckFailed, body)
}

func (e *Emitter) StatusChanged(s *model.HealthSnapshot, previous model.OverallStatus) {
	e.emit(s.MachineID, KeyStatusChanged, map[string]any{
		"snapshotId":      s.ID,
		"previousStatus":  string(previous),
		"overallStatus":   string(s.OverallStatus),
		"checksCompleted": s.ChecksCompleted,
		"checksFailed":    s.ChecksFailed,
		"expectedChecks":  s.ExpectedChecks,
	})
}
