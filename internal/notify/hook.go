// Package notify runs an operator-supplied command on health-check lifecycle
// events, e.g. to page someone when checks keep failing.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/msageha/vmhealth/internal/events"
	"github.com/msageha/vmhealth/internal/metrics"
	"github.com/msageha/vmhealth/internal/model"
)

const defaultTimeout = 10 * time.Second

// Hook runs a shell command once per subscribed event. The event is written
// to the command's stdin as JSON and summarized in VMHEALTH_* variables.
type Hook struct {
	command string
	types   []events.EventType
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// payload is the JSON document written to the hook's stdin.
type payload struct {
	Type      events.EventType `json:"type"`
	MachineID string           `json:"machine_id"`
	Timestamp time.Time        `json:"timestamp"`
	Data      map[string]any   `json:"data"`
}

// NewHook builds a hook from cfg. It returns nil, nil when no command is
// configured.
func NewHook(cfg model.NotifyConfig, logger *zap.SugaredLogger) (*Hook, error) {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := &Hook{command: command, timeout: defaultTimeout, logger: logger}
	if cfg.TimeoutSec > 0 {
		h.timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	for _, name := range cfg.Events {
		t, err := events.ParseEventType(name)
		if err != nil {
			return nil, fmt.Errorf("notify.events: %w", err)
		}
		h.types = append(h.types, t)
	}
	if len(h.types) == 0 {
		h.types = []events.EventType{events.EventCheckFailed, events.EventStatusChanged}
	}
	return h, nil
}

// Attach subscribes the hook to its event types and returns a function that
// detaches it.
func (h *Hook) Attach(bus *events.Bus) func() {
	detach := make([]func(), 0, len(h.types))
	for _, t := range h.types {
		detach = append(detach, bus.Subscribe(t, func(e events.Event) {
			_ = h.Run(context.Background(), e)
		}))
	}
	return func() {
		for _, fn := range detach {
			fn()
		}
	}
}

// Run executes the command for e and waits for it, bounded by the hook's
// timeout.
func (h *Hook) Run(ctx context.Context, e events.Event) error {
	input, err := json.Marshal(payload{Type: e.Type, MachineID: e.MachineID, Timestamp: e.Timestamp, Data: e.Data})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", h.command)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(), h.env(e)...)
	// Children of sh may hold the output pipe past the kill.
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		metrics.RecordHookRun("error")
		h.logger.Warnw("notify_hook_failed",
			"event", e.Type, "machine", e.MachineID,
			"error", err, "output", strings.TrimSpace(string(out)))
		return fmt.Errorf("notify hook: %w", err)
	}
	metrics.RecordHookRun("ok")
	h.logger.Debugw("notify_hook_ran", "event", e.Type, "machine", e.MachineID)
	return nil
}

func (h *Hook) env(e events.Event) []string {
	env := []string{
		"VMHEALTH_EVENT=" + string(e.Type),
		"VMHEALTH_MACHINE=" + e.MachineID,
	}
	body := e.Body()
	if id, ok := body["taskId"].(string); ok {
		env = append(env, "VMHEALTH_TASK_ID="+id)
	}
	if ct, ok := body["checkType"].(string); ok {
		env = append(env, "VMHEALTH_CHECK_TYPE="+ct)
	}
	if st, ok := body["overallStatus"].(string); ok {
		env = append(env, "VMHEALTH_OVERALL_STATUS="+st)
	}
	return env
}
