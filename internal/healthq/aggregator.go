package healthq

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/vmhealth/internal/metrics"
	"github.com/msageha/vmhealth/internal/model"
	"github.com/msageha/vmhealth/internal/store"
)

// Fallback sources for a snapshot's expected-check count, in order of
// preference after the value stored on the snapshot itself.
const (
	expectedFromDayTasks = "day_tasks"
	expectedFromConfig   = "config"
)

// Aggregator rolls settled tasks up into the machine's snapshot for the day
// and triggers recommendation generation once the snapshot is complete.
type Aggregator struct {
	store          *store.Store
	generator      RecommendationGenerator
	staticExpected func() int
	emitter        *Emitter
	logger         *zap.SugaredLogger
	clock          func() time.Time
}

func NewAggregator(st *store.Store, gen RecommendationGenerator, staticExpected func() int, emitter *Emitter, logger *zap.SugaredLogger, clock func() time.Time) *Aggregator {
	return &Aggregator{
		store:          st,
		generator:      gen,
		staticExpected: staticExpected,
		emitter:        emitter,
		logger:         logger,
		clock:          clock,
	}
}

// Record applies a settled task to today's snapshot. data is merged into the
// check type's field; failed selects the failure counter.
func (a *Aggregator) Record(ctx context.Context, t *model.HealthCheckTask, data map[string]any, failed bool) error {
	now := a.clock()
	day := model.SnapshotDate(now)

	snap, err := a.store.EnsureSnapshot(ctx, t.MachineID, day, 0, nil, now)
	if err != nil {
		return fmt.Errorf("ensure snapshot: %w", err)
	}
	if snap.ExpectedChecks <= 0 {
		if err := a.backfillExpected(ctx, snap, now); err != nil {
			return err
		}
	}

	if failed && data == nil {
		data = map[string]any{"status": string(model.StatusFailed), "error": t.Error}
	}
	res, err := a.store.ApplyOutcome(ctx, snap.ID, store.CheckOutcome{
		CheckType: t.CheckType,
		Failed:    failed,
		Data:      data,
		At:        now,
	})
	if err != nil {
		return fmt.Errorf("apply outcome: %w", err)
	}

	updated := res.Snapshot
	a.logger.Debugw("snapshot_updated",
		"snapshot", updated.ID, "machine", updated.MachineID, "check", t.CheckType,
		"completed", updated.ChecksCompleted, "failed", updated.ChecksFailed,
		"expected", updated.ExpectedChecks, "status", updated.OverallStatus)

	if updated.OverallStatus != res.PreviousStatus {
		a.logger.Infow("snapshot_status_changed",
			"snapshot", updated.ID, "machine", updated.MachineID,
			"from", res.PreviousStatus, "to", updated.OverallStatus)
		a.emitter.StatusChanged(updated, res.PreviousStatus)
	}

	if res.JustCompleted && updated.RecommendationsGeneratedAt == nil {
		a.generateRecommendations(ctx, updated)
	}
	return nil
}

// backfillExpected resolves the expected-check count of a snapshot that was
// created without one and stores it on the snapshot.
func (a *Aggregator) backfillExpected(ctx context.Context, snap *model.HealthSnapshot, now time.Time) error {
	expected, source := 0, expectedFromDayTasks
	n, err := a.store.ScheduledCheckTypesForDay(ctx, snap.MachineID, snap.SnapshotDate)
	if err != nil {
		a.logger.Warnw("expected_checks_day_query_failed", "snapshot", snap.ID, "error", err)
	} else {
		expected = n
	}
	if expected <= 0 {
		expected, source = a.staticExpected(), expectedFromConfig
	}
	if expected <= 0 {
		return nil
	}

	updated, err := a.store.SetExpectedChecks(ctx, snap.ID, expected, now)
	if err != nil {
		return fmt.Errorf("backfill expected checks: %w", err)
	}
	if updated {
		a.logger.Infow("expected_checks_backfilled", "snapshot", snap.ID, "machine", snap.MachineID,
			"expected", expected, "source", source)
	}
	return nil
}

func (a *Aggregator) generateRecommendations(ctx context.Context, snap *model.HealthSnapshot) {
	if a.generator == nil {
		return
	}
	existing, err := a.store.CountRecommendations(ctx, snap.ID)
	if err != nil {
		a.logger.Warnw("recommendations_check_failed", "snapshot", snap.ID, "error", err)
		return
	}
	if existing > 0 {
		return
	}

	recs, err := a.generator.GenerateRecommendations(ctx, snap.MachineID, snap.ID)
	if err != nil {
		metrics.IncRecommendationErrors()
		a.logger.Errorw("recommendations_failed", "snapshot", snap.ID, "machine", snap.MachineID, "error", err)
		return
	}
	for i := range recs {
		recs[i].MachineID = snap.MachineID
		recs[i].SnapshotID = snap.ID
	}
	saved, err := a.store.SaveRecommendations(ctx, snap.ID, recs, a.clock())
	if err != nil {
		metrics.IncRecommendationErrors()
		a.logger.Errorw("recommendations_save_failed", "snapshot", snap.ID, "error", err)
		return
	}
	if saved {
		a.logger.Infow("recommendations_generated", "snapshot", snap.ID, "machine", snap.MachineID, "count", len(recs))
	}
}
