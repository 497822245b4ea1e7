package daemon

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/vmhealth/internal/model"
)

// TickResult summarizes one cadence pass.
type TickResult struct {
	Scanned int
	Claimed int
	Purged  int
}

// Tick runs one cadence pass: queue full scans for running machines whose
// scan is due, purge never-started work of machines that are no longer
// running, then process every running machine's queue.
func (d *Daemon) Tick(ctx context.Context) TickResult {
	var res TickResult
	machines, err := d.inventory.ListMachines(ctx, false)
	if err != nil {
		d.logger.Errorw("tick_inventory_failed", "error", err)
		return res
	}

	var running []model.Machine
	known := make(map[string]model.Machine, len(machines))
	for _, m := range machines {
		known[m.ID] = m
		if m.Running() {
			running = append(running, m)
		}
	}

	res.Scanned = d.queueDueScans(ctx, running)
	res.Purged = d.purgeInactive(ctx, known)
	res.Claimed = d.processAll(ctx, running)

	if res.Scanned > 0 || res.Claimed > 0 || res.Purged > 0 {
		d.logger.Infow("tick", "running", len(running), "scanned", res.Scanned, "claimed", res.Claimed, "purged", res.Purged)
	} else {
		d.logger.Debugw("tick", "running", len(running))
	}
	return res
}

func (d *Daemon) queueDueScans(ctx context.Context, running []model.Machine) int {
	scanned := 0
	for _, m := range running {
		if ctx.Err() != nil {
			break
		}
		due, err := d.manager.ScanDue(ctx, m)
		if err != nil {
			d.logger.Warnw("scan_due_check_failed", "machine", m.ID, "error", err)
			continue
		}
		if !due {
			continue
		}
		results, err := d.manager.QueueHealthChecks(ctx, m.ID, model.PriorityMedium)
		if err != nil {
			d.logger.Warnw("scheduled_scan_failed", "machine", m.ID, "queued", len(results), "error", err)
		}
		if len(results) > 0 {
			scanned++
		}
	}
	return scanned
}

// purgeInactive drops unstarted tasks of machines that stopped or left the
// inventory.
func (d *Daemon) purgeInactive(ctx context.Context, known map[string]model.Machine) int {
	ids, err := d.store.MachinesWithOutstanding(ctx)
	if err != nil {
		d.logger.Warnw("outstanding_query_failed", "error", err)
		return 0
	}
	purged := 0
	for _, id := range ids {
		if m, ok := known[id]; ok && m.Running() {
			continue
		}
		n, err := d.manager.PurgeUnstarted(ctx, id)
		if err != nil {
			d.logger.Warnw("purge_failed", "machine", id, "error", err)
			continue
		}
		purged += n
	}
	return purged
}

func (d *Daemon) processAll(ctx context.Context, running []model.Machine) int {
	limit := d.cfg.Get().Scheduler.ProcessConcurrency
	if limit <= 0 {
		limit = 1
	}
	claimed := make([]int, len(running))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, m := range running {
		g.Go(func() error {
			n, err := d.manager.ProcessQueue(gctx, m.ID)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Warnw("process_queue_failed", "machine", m.ID, "error", err)
			}
			claimed[i] = n
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range claimed {
		total += n
	}
	return total
}
