package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/msageha/vmhealth/internal/model"
	"github.com/msageha/vmhealth/internal/store"
	"github.com/msageha/vmhealth/internal/uds"
)

const defaultTaskListLimit = 100

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, d.handlePing)
	d.server.Handle(uds.CmdEnqueue, d.handleEnqueue)
	d.server.Handle(uds.CmdEnqueueAll, d.handleEnqueueAll)
	d.server.Handle(uds.CmdProcess, d.handleProcess)
	d.server.Handle(uds.CmdStats, d.handleStats)
	d.server.Handle(uds.CmdTasks, d.handleTasks)
	d.server.Handle(uds.CmdSnapshot, d.handleSnapshot)
	d.server.Handle(uds.CmdPurge, d.handlePurge)
	d.server.Handle(uds.CmdShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Infow("shutdown_requested", "via", "uds")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// decode unmarshals params into v and requires a machine id.
func decode(req *uds.Request, v any, machineID func() string) *uds.Response {
	if err := req.DecodeParams(v); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if strings.TrimSpace(machineID()) == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "machine_id is required")
	}
	return nil
}

func (d *Daemon) handlePing(context.Context, *uds.Request) *uds.Response {
	return uds.SuccessResponse(map[string]any{
		"status":           "ok",
		"pid":              os.Getpid(),
		"agents_connected": len(d.hub.Connected()),
	})
}

func (d *Daemon) handleEnqueue(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.EnqueueParams
	if resp := decode(req, &p, func() string { return p.MachineID }); resp != nil {
		return resp
	}
	checkType, err := model.ParseCheckType(p.CheckType)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	priority, err := model.ParsePriority(p.Priority)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	res, err := d.manager.QueueHealthCheck(ctx, p.MachineID, checkType, priority, p.Payload)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	return uds.SuccessResponse(res)
}

func (d *Daemon) handleEnqueueAll(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.MachineParams
	if resp := decode(req, &p, func() string { return p.MachineID }); resp != nil {
		return resp
	}
	priority, err := model.ParsePriority(p.Priority)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	results, err := d.manager.QueueHealthChecks(ctx, p.MachineID, priority)
	if err != nil && len(results) == 0 {
		return uds.ErrorFrom(err)
	}
	out := uds.EnqueueAllResult{Results: results}
	if err != nil {
		// Partial success: report what was queued along with the failures.
		out.Errors = []string{err.Error()}
	}
	return uds.SuccessResponse(out)
}

func (d *Daemon) handleProcess(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.MachineParams
	if resp := decode(req, &p, func() string { return p.MachineID }); resp != nil {
		return resp
	}
	if _, err := d.inventory.GetMachine(ctx, p.MachineID); err != nil {
		return uds.ErrorFrom(err)
	}
	n, err := d.manager.ProcessQueue(ctx, p.MachineID)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	return uds.SuccessResponse(uds.ProcessResult{Claimed: n})
}

func (d *Daemon) handleStats(context.Context, *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.manager.Stats())
}

func (d *Daemon) handleTasks(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.TasksParams
	if resp := decode(req, &p, func() string { return p.MachineID }); resp != nil {
		return resp
	}
	filter := model.TaskFilter{MachineID: p.MachineID, Limit: p.Limit}
	if filter.Limit <= 0 {
		filter.Limit = defaultTaskListLimit
	}
	for _, s := range p.Statuses {
		st, err := model.ParseStatus(s)
		if err != nil {
			return uds.ErrorFrom(err)
		}
		filter.Statuses = append(filter.Statuses, st)
	}

	tasks, err := d.manager.Tasks(ctx, filter)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	if tasks == nil {
		tasks = []*model.HealthCheckTask{}
	}
	return uds.SuccessResponse(tasks)
}

func (d *Daemon) handleSnapshot(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.SnapshotParams
	if resp := decode(req, &p, func() string { return p.MachineID }); resp != nil {
		return resp
	}

	snap, err := d.manager.Snapshot(ctx, p.MachineID, p.Date)
	if errors.Is(err, store.ErrSnapshotNotFound) {
		day := p.Date
		if day == "" {
			day = "today"
		}
		return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("no snapshot for %s on %s", p.MachineID, day))
	}
	if err != nil {
		return uds.ErrorFrom(err)
	}
	recs, err := d.manager.Recommendations(ctx, snap.ID)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	return uds.SuccessResponse(uds.SnapshotResult{Snapshot: snap, Recommendations: recs})
}

func (d *Daemon) handlePurge(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.MachineParams
	if resp := decode(req, &p, func() string { return p.MachineID }); resp != nil {
		return resp
	}
	n, err := d.manager.PurgeUnstarted(ctx, p.MachineID)
	if err != nil {
		return uds.ErrorFrom(err)
	}
	return uds.SuccessResponse(uds.PurgeResult{Deleted: int64(n)})
}
