package healthq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/vmhealth/internal/model"
)

// nearTimeoutRatio is the share of the budget after which a successful
// result is still logged as slow.
const nearTimeoutRatio = 0.8

// ExecResult is a successful check execution.
type ExecResult struct {
	Data     map[string]any
	Duration time.Duration
}

// CheckExecutor runs one task against the agent channel.
type CheckExecutor struct {
	agent   AgentChannel
	timeout func(model.CheckType) time.Duration
	logger  *zap.SugaredLogger
	clock   func() time.Time
}

func NewCheckExecutor(agent AgentChannel, timeout func(model.CheckType) time.Duration, logger *zap.SugaredLogger, clock func() time.Time) *CheckExecutor {
	if clock == nil {
		clock = time.Now
	}
	return &CheckExecutor{agent: agent, timeout: timeout, logger: logger, clock: clock}
}

// Execute sends the check's action with the task payload as parameters and
// waits at most the check type's timeout. Failures are *model.TransportError.
func (e *CheckExecutor) Execute(ctx context.Context, t *model.HealthCheckTask) (ExecResult, error) {
	spec, ok := t.CheckType.Spec()
	if !ok {
		return ExecResult{}, model.NewTransportError(model.TransportOther,
			fmt.Errorf("%w: %s", model.ErrUnknownCheckType, t.CheckType))
	}
	budget := e.timeout(t.CheckType)

	if !e.agent.IsConnected(t.MachineID) {
		return ExecResult{}, model.NewTransportError(model.TransportConnection,
			fmt.Errorf("agent for machine %s is not connected", t.MachineID))
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := e.clock()
	resp, err := e.agent.Send(ctx, t.MachineID, model.AgentCommand{Action: spec.Action, Params: t.Payload}, budget)
	elapsed := e.clock().Sub(start)

	if err != nil {
		return ExecResult{Duration: elapsed}, classifyTransportError(ctx, err)
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = resp.Stderr
		}
		if msg == "" {
			msg = "agent reported failure"
		}
		return ExecResult{Duration: elapsed}, model.NewTransportError(model.TransportOther,
			fmt.Errorf("%s on %s: %s", spec.Action, t.MachineID, msg))
	}

	if budget > 0 && float64(elapsed) >= nearTimeoutRatio*float64(budget) {
		e.logger.Warnw("check_near_timeout",
			"task", t.ID, "machine", t.MachineID, "check", t.CheckType,
			"elapsed_ms", elapsed.Milliseconds(), "timeout_ms", budget.Milliseconds())
	}

	data := resp.Data
	if data == nil && resp.Stdout != "" {
		data = map[string]any{"stdout": resp.Stdout}
	}
	return ExecResult{Data: data, Duration: elapsed}, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	var te *model.TransportError
	if errors.As(err, &te) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return model.NewTransportError(model.TransportTimeout, err)
	case model.IsConnectionError(err):
		return model.NewTransportError(model.TransportConnection, err)
	default:
		return model.NewTransportError(model.TransportOther, err)
	}
}
