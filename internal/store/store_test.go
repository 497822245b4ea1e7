package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/vmhealth/internal/model"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "vmhealth.db")
	s, err := Open(context.Background(), path, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func newTask(t *testing.T, machineID string, c model.CheckType, p model.Priority, scheduledFor time.Time) *model.HealthCheckTask {
	t.Helper()
	id, err := model.GenerateID(model.IDTypeTask)
	require.NoError(t, err)
	return &model.HealthCheckTask{
		ID:           id,
		MachineID:    machineID,
		CheckType:    c,
		Priority:     p,
		Status:       model.StatusPending,
		MaxAttempts:  model.DefaultMaxAttempts,
		ScheduledFor: scheduledFor,
		CreatedAt:    scheduledFor,
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	_, path := openTestStore(t)

	again, err := Open(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer again.Close()
	require.NoError(t, NewMigrator(again.DB()).Up(context.Background()))
}

func TestCreateTask_GetTask(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	task := newTask(t, "vm-1", model.CheckDiskSpace, model.PriorityHigh, now)
	task.Payload = map[string]any{"drive": "C:"}
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckDiskSpace, got.CheckType)
	assert.Equal(t, model.PriorityHigh, got.Priority)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, "C:", got.Payload["drive"])
	assert.True(t, got.ScheduledFor.Equal(now))
	assert.Nil(t, got.ExecutedAt)

	_, err = s.GetTask(ctx, "hct_0000000000_deadbeef")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCreateTask_OneActivePerCheckType(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := newTask(t, "vm-1", model.CheckDiskSpace, model.PriorityMedium, now)
	require.NoError(t, s.CreateTask(ctx, first))

	dup := newTask(t, "vm-1", model.CheckDiskSpace, model.PriorityMedium, now)
	assert.ErrorIs(t, s.CreateTask(ctx, dup), ErrActiveTaskExists)

	other := newTask(t, "vm-2", model.CheckDiskSpace, model.PriorityMedium, now)
	require.NoError(t, s.CreateTask(ctx, other))

	active, err := s.FindActiveTask(ctx, "vm-1", model.CheckDiskSpace)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first.ID, active.ID)

	// Once the first task is terminal a new one may be created.
	claimed, err := s.ClaimReady(ctx, "vm-1", now, 1, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	done := claimed[0]
	done.Status = model.StatusCompleted
	completedAt := now
	done.CompletedAt = &completedAt
	require.NoError(t, s.UpdateTask(ctx, done, model.StatusRunning))

	require.NoError(t, s.CreateTask(ctx, dup))
}

func TestClaimReady_OrderLimitAndSchedule(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	low := newTask(t, "vm-1", model.CheckApplicationInventory, model.PriorityLow, now.Add(-3*time.Minute))
	urgent := newTask(t, "vm-1", model.CheckDiskSpace, model.PriorityUrgent, now.Add(-time.Minute))
	medium := newTask(t, "vm-1", model.CheckWindowsUpdates, model.PriorityMedium, now.Add(-2*time.Minute))
	future := newTask(t, "vm-1", model.CheckWindowsDefender, model.PriorityUrgent, now.Add(time.Hour))
	otherMachine := newTask(t, "vm-2", model.CheckDiskSpace, model.PriorityUrgent, now.Add(-time.Hour))
	for _, task := range []*model.HealthCheckTask{low, urgent, medium, future, otherMachine} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

	claimed, err := s.ClaimReady(ctx, "vm-1", now, 2, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, urgent.ID, claimed[0].ID)
	assert.Equal(t, medium.ID, claimed[1].ID)
	for _, c := range claimed {
		assert.Equal(t, model.StatusRunning, c.Status)
		assert.NotNil(t, c.ExecutedAt)
	}

	claimed, err = s.ClaimReady(ctx, "vm-1", now, 5, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, low.ID, claimed[0].ID)

	got, err := s.GetTask(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestClaimReady_HeavyBudget(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	overall := newTask(t, "vm-1", model.CheckOverallStatus, model.PriorityUrgent, now.Add(-3*time.Minute))
	resOpt := newTask(t, "vm-1", model.CheckResourceOptimization, model.PriorityUrgent, now.Add(-2*time.Minute))
	disk := newTask(t, "vm-1", model.CheckDiskSpace, model.PriorityLow, now.Add(-time.Minute))
	for _, task := range []*model.HealthCheckTask{overall, resOpt, disk} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

	claimed, err := s.ClaimReady(ctx, "vm-1", now, 2, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, overall.ID, claimed[0].ID)
	assert.Equal(t, disk.ID, claimed[1].ID, "second heavy task must be skipped")

	claimed, err = s.ClaimReady(ctx, "vm-1", now, 2, 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimReady_ConcurrentClaimersSingleWinner(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	task := newTask(t, "vm-1", model.CheckDiskSpace, model.PriorityMedium, now.Add(-time.Second))
	require.NoError(t, s.CreateTask(ctx, task))

	// A second handle on the same file stands in for another process.
	other, err := Open(ctx, path, 5*time.Second)
	require.NoError(t, err)
	defer other.Close()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for _, st := range []*Store{s, other, s, other} {
		wg.Add(1)
		go func(st *Store) {
			defer wg.Done()
			claimed, err := st.ClaimReady(ctx, "vm-1", now, 1, 1)
			assert.NoError(t, err)
			mu.Lock()
			winners += len(claimed)
			mu.Unlock()
		}(st)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
}

func TestUpdateTask_StaleStatus(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	task := newTask(t, "vm-1", model.CheckDiskSpace, model.PriorityMedium, now)
	require.NoError(t, s.CreateTask(ctx, task))

	task.Status = model.StatusCompleted
	err := s.UpdateTask(ctx, task, model.StatusRunning)
	assert.ErrorIs(t, err, ErrStaleTask)
}

func TestDeleteUnstarted(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	pending := newTask(t, "vm-1", model.CheckDiskSpace, model.PriorityMedium, now)
	retrying := newTask(t, "vm-1", model.CheckWindowsUpdates, model.PriorityMedium, now)
	retrying.Status = model.StatusRetryScheduled
	retrying.Attempts = 2
	running := newTask(t, "vm-1", model.CheckWindowsDefender, model.PriorityMedium, now.Add(-time.Minute))
	for _, task := range []*model.HealthCheckTask{pending, retrying, running} {
		require.NoError(t, s.CreateTask(ctx, task))
	}
	_, err := s.ClaimReady(ctx, "vm-1", now, 1, 0)
	require.NoError(t, err)

	n, err := s.DeleteUnstarted(ctx, "vm-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	left, err := s.ListTasks(ctx, model.TaskFilter{MachineID: "vm-1"})
	require.NoError(t, err)
	assert.Len(t, left, 2)
	for _, task := range left {
		assert.NotEqual(t, model.StatusPending, task.Status)
	}
}

func TestListTasks_Filter(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	early := newTask(t, "vm-1", model.CheckDiskSpace, model.PriorityMedium, now.Add(-2*time.Hour))
	late := newTask(t, "vm-1", model.CheckWindowsUpdates, model.PriorityMedium, now)
	elsewhere := newTask(t, "vm-2", model.CheckDiskSpace, model.PriorityMedium, now)
	for _, task := range []*model.HealthCheckTask{early, late, elsewhere} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

	got, err := s.ListTasks(ctx, model.TaskFilter{MachineID: "vm-1", ScheduledAfter: now.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, late.ID, got[0].ID)

	got, err = s.ListTasks(ctx, model.TaskFilter{Statuses: []model.Status{model.StatusPending}, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListTasks(ctx, model.TaskFilter{CheckType: model.CheckDiskSpace})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	machines, err := s.MachinesWithOutstanding(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"vm-1", "vm-2"}, machines)

	n, err := s.CountOutstanding(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRecoverStaleRunning(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	claimedAt := time.Now().Add(-time.Hour)

	task := newTask(t, "vm-1", model.CheckDiskSpace, model.PriorityMedium, claimedAt)
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.ClaimReady(ctx, "vm-1", claimedAt, 1, 1)
	require.NoError(t, err)

	now := time.Now()
	n, err := s.RecoverStaleRunning(ctx, now.Add(-15*time.Minute), now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetryScheduled, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestScheduledCheckTypesForDay(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	for _, c := range []model.CheckType{model.CheckDiskSpace, model.CheckWindowsUpdates} {
		require.NoError(t, s.CreateTask(ctx, newTask(t, "vm-1", c, model.PriorityMedium, day)))
	}
	require.NoError(t, s.CreateTask(ctx, newTask(t, "vm-1", model.CheckWindowsDefender, model.PriorityMedium, day.AddDate(0, 0, -1))))

	n, err := s.ScheduledCheckTypesForDay(ctx, "vm-1", model.SnapshotDate(day))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.ScheduledCheckTypesForDay(ctx, "vm-1", "yesterday")
	assert.Error(t, err)
}

func TestEnsureSnapshot(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	day := model.SnapshotDate(now)

	snap, err := s.EnsureSnapshot(ctx, "vm-1", day, 0, nil, now)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.ExpectedChecks)
	assert.Equal(t, model.OverallPending, snap.OverallStatus)

	again, err := s.EnsureSnapshot(ctx, "vm-1", day, len(model.StandardCheckTypes), model.StandardCheckTypes, now)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, again.ID)
	assert.Equal(t, 6, again.ExpectedChecks)
	assert.Equal(t, model.StandardCheckTypes, again.ScheduledCheckTypes)

	// An expected count, once recorded, is not replaced.
	third, err := s.EnsureSnapshot(ctx, "vm-1", day, 2, []model.CheckType{model.CheckDiskSpace}, now)
	require.NoError(t, err)
	assert.Equal(t, 6, third.ExpectedChecks)

	updated, err := s.SetExpectedChecks(ctx, snap.ID, 3, now)
	require.NoError(t, err)
	assert.False(t, updated)

	_, err = s.GetSnapshot(ctx, "vm-1", "1999-01-01")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestApplyOutcome_StatusAndCompletion(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	snap, err := s.EnsureSnapshot(ctx, "vm-1", model.SnapshotDate(now), 6, model.StandardCheckTypes, now)
	require.NoError(t, err)

	completions := 0
	for i, c := range model.StandardCheckTypes {
		res, err := s.ApplyOutcome(ctx, snap.ID, CheckOutcome{
			CheckType: c,
			Failed:    c == model.CheckWindowsDefender,
			Data:      map[string]any{"seq": i},
			At:        now,
		})
		require.NoError(t, err)
		if res.JustCompleted {
			completions++
		}
		if i < 5 {
			assert.Equal(t, model.OverallPending, res.Snapshot.OverallStatus)
		}
	}
	assert.Equal(t, 1, completions)

	got, err := s.GetSnapshotByID(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ChecksCompleted)
	assert.Equal(t, 1, got.ChecksFailed)
	assert.Equal(t, model.OverallWarning, got.OverallStatus)
	assert.EqualValues(t, 1, got.DiskSpaceInfo["seq"])

	checks, ok := got.Metadata["checks"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, checks, string(model.CheckOverallStatus))

	// A later settlement does not report completion again.
	res, err := s.ApplyOutcome(ctx, snap.ID, CheckOutcome{CheckType: model.CheckPendingReboot, At: now})
	require.NoError(t, err)
	assert.False(t, res.JustCompleted)
}

func TestApplyOutcome_MergesIntoExistingField(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	snap, err := s.EnsureSnapshot(ctx, "vm-1", model.SnapshotDate(now), 0, nil, now)
	require.NoError(t, err)
	require.NoError(t, s.MergeMetadata(ctx, snap.ID, map[string]any{"scan": "manual"}, now))

	_, err = s.ApplyOutcome(ctx, snap.ID, CheckOutcome{CheckType: model.CheckDiskSpace, Data: map[string]any{"c": 10, "d": 20}, At: now})
	require.NoError(t, err)
	_, err = s.ApplyOutcome(ctx, snap.ID, CheckOutcome{CheckType: model.CheckDiskSpace, Data: map[string]any{"d": 30}, At: now})
	require.NoError(t, err)
	_, err = s.ApplyOutcome(ctx, snap.ID, CheckOutcome{CheckType: model.CheckSystemInfo, Data: map[string]any{"os": "win"}, At: now})
	require.NoError(t, err)

	got, err := s.GetSnapshotByID(ctx, snap.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, got.DiskSpaceInfo["c"])
	assert.EqualValues(t, 30, got.DiskSpaceInfo["d"])
	assert.Equal(t, "manual", got.Metadata["scan"])
	assert.Equal(t, 3, got.ChecksCompleted)
	assert.Equal(t, model.OverallPending, got.OverallStatus, "no expected count yet")
}

func TestSaveRecommendations_Once(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	snap, err := s.EnsureSnapshot(ctx, "vm-1", model.SnapshotDate(now), 1, nil, now)
	require.NoError(t, err)

	recs := []model.Recommendation{
		{MachineID: "vm-1", Type: "disk", Severity: "warning", Text: "free disk space"},
		{MachineID: "vm-1", Type: "updates", Severity: "info", Text: "install updates"},
	}
	saved, err := s.SaveRecommendations(ctx, snap.ID, recs, now)
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = s.SaveRecommendations(ctx, snap.ID, recs, now)
	require.NoError(t, err)
	assert.False(t, saved)

	n, err := s.CountRecommendations(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.GetSnapshotByID(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RecommendationCount)
	assert.NotNil(t, got.RecommendationsGeneratedAt)

	list, err := s.ListRecommendations(ctx, snap.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, snap.ID, list[0].SnapshotID)
}
