package model

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending        Status = "PENDING"
	StatusRunning        Status = "RUNNING"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
)

type OverallStatus string

const (
	OverallPending  OverallStatus = "PENDING"
	OverallHealthy  OverallStatus = "HEALTHY"
	OverallWarning  OverallStatus = "WARNING"
	OverallCritical OverallStatus = "CRITICAL"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
}

// WaitingStatuses are the statuses a task can be claimed from.
var WaitingStatuses = []Status{StatusPending, StatusRetryScheduled}

// ActiveStatuses are the non-terminal statuses guarded by the
// one-task-per-(machine, check type) rule.
var ActiveStatuses = []Status{StatusPending, StatusRetryScheduled, StatusRunning}

// Task transitions: pending → running → terminal | retry_scheduled → running ...
// running → retry_scheduled is also used by stale-running recovery.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning: true,
	},
	StatusRetryScheduled: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusCompleted:      true,
		StatusFailed:         true,
		StatusRetryScheduled: true,
	},
}

// ParseStatus accepts a task status case-insensitively, with '-' or '_'.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	switch st {
	case StatusPending, StatusRunning, StatusRetryScheduled, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown task status %q", ErrValidation, s)
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// IsWaiting reports whether a task in status s is eligible for claiming.
func IsWaiting(s Status) bool {
	return s == StatusPending || s == StatusRetryScheduled
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

// ComputeOverallStatus derives a snapshot's overall status from its counters.
// The snapshot stays PENDING until every expected check has settled.
func ComputeOverallStatus(completed, failed, expected int) OverallStatus {
	if expected <= 0 || completed+failed < expected {
		return OverallPending
	}
	switch {
	case failed == 0:
		return OverallHealthy
	case failed < completed:
		return OverallWarning
	default:
		return OverallCritical
	}
}
