package healthq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/vmhealth/internal/metrics"
	"github.com/msageha/vmhealth/internal/model"
)

// Reconcile synchronizes machineID's index entries with the store. It is
// the only point where the cache and the store are brought together.
func (m *Manager) Reconcile(ctx context.Context, machineID string) error {
	waiting, err := m.store.LoadWaiting(ctx, machineID)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", machineID, err)
	}
	added, dropped := m.index.Reconcile(machineID, waiting)
	if added > 0 || dropped > 0 {
		m.logger.Debugw("index_reconciled", "machine", machineID, "added", added, "dropped", dropped)
	}
	metrics.SetWaiting(machineID, m.index.Len(machineID))
	return nil
}

// LoadAll prepares the index after process start: RUNNING tasks whose
// executor has been gone longer than the stale threshold are rescheduled,
// then every machine with outstanding work is reconciled.
func (m *Manager) LoadAll(ctx context.Context) error {
	now := m.clock()
	if stale := m.cfg.Get().Scheduler.StaleRunningAfterMin; stale > 0 {
		n, err := m.store.RecoverStaleRunning(ctx, now.Add(-time.Duration(stale)*time.Minute), now)
		if err != nil {
			return err
		}
		if n > 0 {
			m.logger.Warnw("stale_running_recovered", "tasks", n, "older_than_min", stale)
		}
	}

	machines, err := m.store.MachinesWithOutstanding(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.LoadConcurrency)
	for _, id := range machines {
		g.Go(func() error {
			return m.Reconcile(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.logger.Infow("queue_loaded", "machines", len(machines))
	return nil
}

// ProcessQueue reconciles machineID's index, reserves admission headroom,
// claims up to that many ready tasks and dispatches them. It returns the
// number of tasks dispatched without waiting for them; execution failures are
// handled by the retry policy and never returned here.
//
// Safe to call concurrently, including for the same machine.
func (m *Manager) ProcessQueue(ctx context.Context, machineID string) (int, error) {
	if err := m.Reconcile(ctx, machineID); err != nil {
		return 0, err
	}
	if m.index.Len(machineID) == 0 {
		return 0, nil
	}

	r := m.admission.Reserve(machineID)
	if r == nil {
		m.logger.Debugw("admission_saturated", "machine", machineID)
		return 0, nil
	}
	claimed, err := m.store.ClaimReady(ctx, machineID, m.clock(), r.Slots, r.HeavySlots)
	if err != nil {
		m.admission.Cancel(r)
		return 0, err
	}
	m.admission.Commit(r, claimed)
	metrics.SetInFlight(m.admission.TotalInFlight())

	for _, t := range claimed {
		m.index.Remove(machineID, t.ID)
		metrics.RecordTask(string(t.CheckType), metrics.OutcomeClaimed)
		m.logger.Infow("task_claimed", "task", t.ID, "machine", machineID, "check", t.CheckType,
			"priority", t.Priority, "attempt", t.Attempts+1)
		m.emitter.Started(t)

		m.wg.Add(1)
		go m.dispatch(t)
	}
	if len(claimed) > 0 {
		metrics.SetWaiting(machineID, m.index.Len(machineID))
	}
	return len(claimed), nil
}

// Wait blocks until every dispatched task has settled.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown waits for dispatched tasks until ctx is done, then cancels the
// remaining executions and waits for their settlement.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancelRun()
		return nil
	case <-ctx.Done():
		m.logger.Warnw("shutdown_cancelling_checks", "in_flight", m.admission.TotalInFlight())
		m.cancelRun()
		<-done
		return ctx.Err()
	}
}

func (m *Manager) dispatch(t *model.HealthCheckTask) {
	defer m.wg.Done()
	defer func() {
		m.admission.Release(t.MachineID, t.ID)
		metrics.SetInFlight(m.admission.TotalInFlight())
	}()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorw("dispatch_panic", "task", t.ID, "machine", t.MachineID, "panic", fmt.Sprint(r))
		}
	}()

	res, execErr := m.executor.Execute(m.runCtx, t)

	// Settlement must land even when the run context is cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DispatchTimeout)
	defer cancel()
	m.settle(ctx, t, res, execErr)
}

func (m *Manager) settle(ctx context.Context, t *model.HealthCheckTask, res ExecResult, execErr error) {
	now := m.clock()
	t.ExecutionTimeMs = res.Duration.Milliseconds()
	metrics.ObserveExecution(string(t.CheckType), res.Duration)

	if execErr == nil {
		t.Status = model.StatusCompleted
		t.Result = res.Data
		t.Error = ""
		t.CompletedAt = &now
		if err := m.store.UpdateTask(ctx, t, model.StatusRunning); err != nil {
			m.logger.Errorw("task_complete_persist_failed", "task", t.ID, "machine", t.MachineID, "error", err)
			return
		}
		metrics.RecordTask(string(t.CheckType), metrics.OutcomeCompleted)
		m.logger.Infow("task_completed", "task", t.ID, "machine", t.MachineID, "check", t.CheckType,
			"execution_ms", t.ExecutionTimeMs)
		m.emitter.Completed(t)
		if err := m.aggregator.Record(ctx, t, res.Data, false); err != nil {
			m.logger.Errorw("snapshot_update_failed", "task", t.ID, "machine", t.MachineID, "error", err)
		}
		return
	}

	if errors.Is(execErr, context.Canceled) && m.runCtx.Err() != nil {
		m.requeueInterrupted(ctx, t, now, execErr)
		return
	}

	d := m.retry.Decide(t, execErr)
	t.Attempts = d.Attempts
	t.Error = execErr.Error()
	if d.Terminal {
		t.Status = model.StatusFailed
		t.CompletedAt = &now
	} else {
		t.Status = model.StatusRetryScheduled
		t.ScheduledFor = now.Add(d.Delay)
	}
	if err := model.ValidateTaskTransition(model.StatusRunning, t.Status); err != nil {
		m.logger.Errorw("task_transition_invalid", "task", t.ID, "error", err)
		return
	}
	if err := m.store.UpdateTask(ctx, t, model.StatusRunning); err != nil {
		m.logger.Errorw("task_failure_persist_failed", "task", t.ID, "machine", t.MachineID, "error", err)
		return
	}

	if d.Terminal {
		metrics.RecordTask(string(t.CheckType), metrics.OutcomeFailed)
		m.logger.Errorw("task_failed", "task", t.ID, "machine", t.MachineID, "check", t.CheckType,
			"attempts", d.Attempts, "kind", model.TransportKindOf(execErr), "error", execErr)
	} else {
		m.index.Insert(t)
		metrics.RecordTask(string(t.CheckType), metrics.OutcomeRetried)
		m.logger.Warnw("task_retry_scheduled", "task", t.ID, "machine", t.MachineID, "check", t.CheckType,
			"attempts", d.Attempts, "retry_in", d.Delay, "connection", d.Connection,
			"kind", model.TransportKindOf(execErr), "error", execErr)
	}
	m.emitter.Failed(t, d)

	if d.Terminal {
		if err := m.aggregator.Record(ctx, t, nil, true); err != nil {
			m.logger.Errorw("snapshot_update_failed", "task", t.ID, "machine", t.MachineID, "error", err)
		}
	}
}

// requeueInterrupted puts a check cut short by Shutdown back in the queue
// without charging an attempt.
func (m *Manager) requeueInterrupted(ctx context.Context, t *model.HealthCheckTask, now time.Time, execErr error) {
	t.Status = model.StatusRetryScheduled
	t.ScheduledFor = now
	t.Error = execErr.Error()
	if err := m.store.UpdateTask(ctx, t, model.StatusRunning); err != nil {
		m.logger.Errorw("task_requeue_persist_failed", "task", t.ID, "machine", t.MachineID, "error", err)
		return
	}
	m.index.Insert(t)
	m.logger.Infow("task_interrupted", "task", t.ID, "machine", t.MachineID, "check", t.CheckType,
		"attempts", t.Attempts)
}
