package model

import (
	"errors"
	"testing"
)

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusRetryScheduled, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestValidateTaskTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRetryScheduled, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusRetryScheduled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRetryScheduled, StatusFailed, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRetryScheduled, false},
		{Status("bogus"), StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTaskTransition(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestComputeOverallStatus(t *testing.T) {
	tests := []struct {
		name                        string
		completed, failed, expected int
		want                        OverallStatus
	}{
		{"nothing settled", 0, 0, 6, OverallPending},
		{"partially settled", 5, 0, 6, OverallPending},
		{"all healthy", 6, 0, 6, OverallHealthy},
		{"one failure", 5, 1, 6, OverallWarning},
		{"failures equal completions", 3, 3, 6, OverallCritical},
		{"mostly failed", 2, 4, 6, OverallCritical},
		{"over-settled", 7, 0, 6, OverallHealthy},
		{"unknown expected", 3, 0, 0, OverallPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeOverallStatus(tt.completed, tt.failed, tt.expected); got != tt.want {
				t.Errorf("ComputeOverallStatus(%d, %d, %d) = %s, want %s",
					tt.completed, tt.failed, tt.expected, got, tt.want)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]Status{
		"pending":         StatusPending,
		"RETRY-SCHEDULED": StatusRetryScheduled,
		" completed ":     StatusCompleted,
	} {
		got, err := ParseStatus(in)
		if err != nil || got != want {
			t.Errorf("ParseStatus(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseStatus("cancelled"); !errors.Is(err, ErrValidation) {
		t.Errorf("ParseStatus(cancelled) error = %v, want ErrValidation", err)
	}
}
