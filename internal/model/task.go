package model

import "time"

const DefaultMaxAttempts = 20

type HealthCheckTask struct {
	ID              string         `json:"id"`
	MachineID       string         `json:"machine_id"`
	CheckType       CheckType      `json:"check_type"`
	Priority        Priority       `json:"priority"`
	Status          Status         `json:"status"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	ScheduledFor    time.Time      `json:"scheduled_for"`
	Payload         map[string]any `json:"payload,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	CreatedAt       time.Time      `json:"created_at"`
	ExecutedAt      *time.Time     `json:"executed_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Ready reports whether the task may be claimed at now.
func (t *HealthCheckTask) Ready(now time.Time) bool {
	return IsWaiting(t.Status) && !t.ScheduledFor.After(now)
}

// Less orders tasks for dispatch: priority, then schedule time, then
// creation time and id as tie breakers.
func (t *HealthCheckTask) Less(o *HealthCheckTask) bool {
	if pr, po := t.Priority.Rank(), o.Priority.Rank(); pr != po {
		return pr < po
	}
	if !t.ScheduledFor.Equal(o.ScheduledFor) {
		return t.ScheduledFor.Before(o.ScheduledFor)
	}
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.Before(o.CreatedAt)
	}
	return t.ID < o.ID
}

// TaskFilter selects tasks for range queries. Zero values mean "any".
type TaskFilter struct {
	MachineID      string
	CheckType      CheckType
	Statuses       []Status
	ScheduledAfter time.Time
	ScheduledUntil time.Time
	CreatedAfter   time.Time
	CreatedUntil   time.Time
	Limit          int
}

// EnqueueResult is returned by the enqueue API. Suppressed is set when an
// existing task id is returned instead of creating new work.
type EnqueueResult struct {
	TaskID     string `json:"task_id"`
	Suppressed bool   `json:"suppressed"`
	Reason     string `json:"reason,omitempty"`
}
