package healthq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/msageha/vmhealth/internal/config"
	"github.com/msageha/vmhealth/internal/lock"
	"github.com/msageha/vmhealth/internal/metrics"
	"github.com/msageha/vmhealth/internal/model"
	"github.com/msageha/vmhealth/internal/store"
)

// Suppression reasons reported in EnqueueResult.Reason.
const (
	ReasonActiveTask      = "active_task"
	ReasonRecentlyChecked = "completed_within_scan_interval"
)

// Manager owns the health-check queue: the enqueue API, the scheduler entry
// point and the collaborators they share.
type Manager struct {
	store      *store.Store
	inventory  Inventory
	cfg        *config.Provider
	index      *Index
	admission  *Admission
	executor   *CheckExecutor
	retry      RetryPolicy
	aggregator *Aggregator
	emitter    *Emitter
	locks      *lock.MutexMap
	logger     *zap.SugaredLogger
	clock      func() time.Time
	opts       Options

	// runCtx bounds dispatched executions; cancelled by Shutdown.
	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

func New(deps Deps, opts Options) (*Manager, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("healthq: store is required")
	case deps.Inventory == nil:
		return nil, errors.New("healthq: inventory is required")
	case deps.Agent == nil:
		return nil, errors.New("healthq: agent channel is required")
	case deps.Config == nil:
		return nil, errors.New("healthq: config provider is required")
	}
	opts = opts.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	m := &Manager{
		store:     deps.Store,
		inventory: deps.Inventory,
		cfg:       deps.Config,
		index:     NewIndex(),
		retry:     DefaultRetryPolicy(),
		locks:     lock.NewMutexMap(),
		logger:    logger.Named("healthq"),
		clock:     opts.Clock,
		opts:      opts,
	}
	m.admission = NewAdmission(func() Limits { return limitsFrom(m.cfg.Get().Scheduler) })
	m.emitter = NewEmitter(deps.Notifier, m.logger.Named("emitter"))
	m.executor = NewCheckExecutor(deps.Agent, m.cfg.Timeout, m.logger.Named("executor"), m.clock)
	m.aggregator = NewAggregator(deps.Store, deps.Generator,
		func() int { return len(m.cfg.EnabledChecks()) },
		m.emitter, m.logger.Named("aggregator"), m.clock)
	m.runCtx, m.cancelRun = context.WithCancel(context.Background())
	return m, nil
}

// SetRetryPolicy replaces the retry policy. For tests and tuning.
func (m *Manager) SetRetryPolicy(p RetryPolicy) {
	m.retry = p
}

func (m *Manager) resolveRunning(ctx context.Context, machineID string) (model.Machine, error) {
	machine, err := m.inventory.GetMachine(ctx, machineID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Machine{}, fmt.Errorf("machine %s: %w", machineID, model.ErrNotFound)
		}
		return model.Machine{}, fmt.Errorf("resolve machine %s: %w", machineID, err)
	}
	if !machine.Running() {
		return model.Machine{}, fmt.Errorf("machine %s is %s: %w", machineID, machine.Status, model.ErrNotRunning)
	}
	return machine, nil
}

// QueueHealthCheck enqueues one check for a running machine. When a
// non-terminal task of the same check type exists, or (for OVERALL_STATUS) a
// completed one within the machine's scan interval, that task's id is
// returned with Suppressed set and nothing is created.
func (m *Manager) QueueHealthCheck(ctx context.Context, machineID string, checkType model.CheckType, priority model.Priority, payload map[string]any) (model.EnqueueResult, error) {
	if !checkType.Valid() {
		return model.EnqueueResult{}, fmt.Errorf("%w: %q", model.ErrUnknownCheckType, checkType)
	}
	if priority == "" {
		priority = model.PriorityMedium
	}
	if !priority.Valid() {
		return model.EnqueueResult{}, fmt.Errorf("%w: unknown priority %q", model.ErrValidation, priority)
	}

	machine, err := m.resolveRunning(ctx, machineID)
	if err != nil {
		return model.EnqueueResult{}, err
	}

	m.locks.Lock(machineID)
	defer m.locks.Unlock(machineID)
	return m.enqueueLocked(ctx, machine, checkType, priority, payload)
}

// QueueHealthChecks enqueues every enabled check type for a running machine.
// Today's snapshot is created (or reused) first and records the check types
// that will settle into it as its expected checks. Results are returned in
// enqueue order; when some enqueues fail the remaining ones are still
// attempted and the errors are combined.
func (m *Manager) QueueHealthChecks(ctx context.Context, machineID string, priority model.Priority) ([]model.EnqueueResult, error) {
	if priority == "" {
		priority = model.PriorityMedium
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", model.ErrValidation, priority)
	}
	machine, err := m.resolveRunning(ctx, machineID)
	if err != nil {
		return nil, err
	}
	types := m.cfg.EnabledChecks()

	m.locks.Lock(machineID)
	defer m.locks.Unlock(machineID)

	now := m.clock()
	scheduled, err := m.scheduledForDay(ctx, machine, types, now)
	if err != nil {
		return nil, err
	}
	snap, err := m.store.EnsureSnapshot(ctx, machineID, model.SnapshotDate(now), len(scheduled), scheduled, now)
	if err != nil {
		return nil, fmt.Errorf("establish snapshot: %w", err)
	}

	var (
		results []model.EnqueueResult
		errs    *multierror.Error
	)
	for _, c := range types {
		res, err := m.enqueueLocked(ctx, machine, c, priority, nil)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", c, err))
			continue
		}
		results = append(results, res)
	}

	if err := m.store.MergeMetadata(ctx, snap.ID, map[string]any{"last_scan_requested_at": now.UTC().Format(time.RFC3339)}, now); err != nil {
		m.logger.Warnw("snapshot_metadata_failed", "snapshot", snap.ID, "error", err)
	}
	m.logger.Infow("health_scan_queued", "machine", machineID, "snapshot", snap.ID,
		"expected", snap.ExpectedChecks, "queued", len(results))
	return results, errs.ErrorOrNil()
}

// scheduledForDay returns the subset of types that will settle into the
// snapshot of now's day. An OVERALL_STATUS that is suppressed by a
// completion from an earlier day never reaches this day's snapshot.
func (m *Manager) scheduledForDay(ctx context.Context, machine model.Machine, types []model.CheckType, now time.Time) ([]model.CheckType, error) {
	day := model.SnapshotDate(now)
	out := make([]model.CheckType, 0, len(types))
	for _, c := range types {
		if c == model.CheckOverallStatus {
			active, err := m.store.FindActiveTask(ctx, machine.ID, c)
			if err != nil {
				return nil, err
			}
			if active == nil {
				recent, err := m.store.FindCompletedSince(ctx, machine.ID, c, now.Add(-m.cfg.ScanInterval(machine)))
				if err != nil {
					return nil, err
				}
				if recent != nil && recent.CompletedAt != nil && model.SnapshotDate(*recent.CompletedAt) != day {
					continue
				}
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *Manager) enqueueLocked(ctx context.Context, machine model.Machine, checkType model.CheckType, priority model.Priority, payload map[string]any) (model.EnqueueResult, error) {
	now := m.clock()

	active, err := m.store.FindActiveTask(ctx, machine.ID, checkType)
	if err != nil {
		return model.EnqueueResult{}, err
	}
	if active != nil {
		return m.suppressed(active, ReasonActiveTask), nil
	}

	if checkType == model.CheckOverallStatus {
		interval := m.cfg.ScanInterval(machine)
		recent, err := m.store.FindCompletedSince(ctx, machine.ID, checkType, now.Add(-interval))
		if err != nil {
			return model.EnqueueResult{}, err
		}
		if recent != nil {
			return m.suppressed(recent, ReasonRecentlyChecked), nil
		}
	}

	outstanding, err := m.store.CountOutstanding(ctx, machine.ID)
	if err != nil {
		return model.EnqueueResult{}, err
	}
	if limit := m.cfg.Get().Scheduler.MaxQueueSize; limit > 0 && outstanding >= limit {
		metrics.RecordTask(string(checkType), metrics.OutcomeRejected)
		m.logger.Warnw("queue_full", "machine", machine.ID, "check", checkType, "outstanding", outstanding, "limit", limit)
		return model.EnqueueResult{}, fmt.Errorf("machine %s has %d outstanding tasks: %w", machine.ID, outstanding, model.ErrQueueFull)
	}

	id, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return model.EnqueueResult{}, err
	}
	task := &model.HealthCheckTask{
		ID:           id,
		MachineID:    machine.ID,
		CheckType:    checkType,
		Priority:     priority,
		Status:       model.StatusPending,
		MaxAttempts:  m.cfg.MaxAttempts(),
		ScheduledFor: now,
		Payload:      payload,
		CreatedAt:    now,
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		if errors.Is(err, store.ErrActiveTaskExists) {
			// Lost a race with another process.
			winner, findErr := m.store.FindActiveTask(ctx, machine.ID, checkType)
			if findErr == nil && winner != nil {
				return m.suppressed(winner, ReasonActiveTask), nil
			}
		}
		return model.EnqueueResult{}, fmt.Errorf("persist task: %w", err)
	}

	m.index.Insert(task)
	size := m.index.Len(machine.ID)
	metrics.RecordTask(string(checkType), metrics.OutcomeEnqueued)
	metrics.SetWaiting(machine.ID, size)
	m.logger.Infow("task_enqueued", "task", task.ID, "machine", machine.ID, "check", checkType, "priority", priority)
	m.emitter.Queued(task, size)
	return model.EnqueueResult{TaskID: task.ID}, nil
}

func (m *Manager) suppressed(t *model.HealthCheckTask, reason string) model.EnqueueResult {
	metrics.RecordTask(string(t.CheckType), metrics.OutcomeSuppressed)
	m.logger.Debugw("enqueue_suppressed", "task", t.ID, "machine", t.MachineID, "check", t.CheckType,
		"status", t.Status, "reason", reason)
	return model.EnqueueResult{TaskID: t.ID, Suppressed: true, Reason: reason}
}

// ScanDue reports whether no task has been created for machine within its
// scan interval.
func (m *Manager) ScanDue(ctx context.Context, machine model.Machine) (bool, error) {
	since := m.clock().Add(-m.cfg.ScanInterval(machine))
	recent, err := m.store.ListTasks(ctx, model.TaskFilter{MachineID: machine.ID, CreatedAfter: since, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(recent) == 0, nil
}

// PurgeUnstarted deletes the machine's never-started tasks, typically after
// the machine stopped. Claimed and retrying tasks are left alone.
func (m *Manager) PurgeUnstarted(ctx context.Context, machineID string) (int, error) {
	m.locks.Lock(machineID)
	defer m.locks.Unlock(machineID)

	n, err := m.store.DeleteUnstarted(ctx, machineID)
	if err != nil {
		return 0, err
	}
	if err := m.Reconcile(ctx, machineID); err != nil {
		return int(n), err
	}
	if n > 0 {
		m.logger.Infow("tasks_purged", "machine", machineID, "removed", n)
		m.emitter.Purged(machineID, int(n))
	}
	return int(n), nil
}

// Stats summarizes the index and the in-flight set. It does not touch the
// store.
func (m *Manager) Stats() model.QueueStats {
	perMachine, byCheck, total := m.index.Counts()
	for id, fl := range m.admission.InFlightByMachine() {
		s := perMachine[id]
		s.InFlight = fl.InFlight
		s.HeavyInFlight = fl.HeavyInFlight
		perMachine[id] = s
	}
	return model.QueueStats{
		Machines:       perMachine,
		TotalWaiting:   total,
		TotalInFlight:  m.admission.TotalInFlight(),
		WaitingByCheck: byCheck,
	}
}

func (m *Manager) Tasks(ctx context.Context, f model.TaskFilter) ([]*model.HealthCheckTask, error) {
	return m.store.ListTasks(ctx, f)
}

// Snapshot returns the machine's snapshot for day (YYYY-MM-DD); an empty day
// means today.
func (m *Manager) Snapshot(ctx context.Context, machineID, day string) (*model.HealthSnapshot, error) {
	if day == "" {
		day = model.SnapshotDate(m.clock())
	}
	return m.store.GetSnapshot(ctx, machineID, day)
}

func (m *Manager) Recommendations(ctx context.Context, snapshotID string) ([]model.Recommendation, error) {
	return m.store.ListRecommendations(ctx, snapshotID)
}
