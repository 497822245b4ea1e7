// Package inventory serves the machine fleet from a YAML file that is
// reloaded when it changes on disk.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/vmhealth/internal/model"
	"github.com/msageha/vmhealth/internal/yaml"
)

var validStatuses = map[model.MachineStatus]bool{
	model.MachineRunning: true,
	model.MachineStopped: true,
	model.MachinePaused:  true,
}

type document struct {
	yaml.Header `yaml:",inline"`
	Machines    []model.Machine `yaml:"machines"`
}

// File is a fleet inventory backed by machines.yaml. Safe for concurrent
// use.
type File struct {
	path   string
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	machines map[string]model.Machine
	// writeMu serializes SetStatus read-modify-write cycles.
	writeMu sync.Mutex
}

// Open loads path. A missing file yields an empty inventory and is created
// with just the header. A file that does not parse is quarantined and its
// backup restored when possible.
func Open(path string, logger *zap.SugaredLogger) (*File, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	f := &File{path: path, logger: logger, machines: make(map[string]model.Machine)}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := f.write(nil); err != nil {
			return nil, err
		}
		logger.Infow("inventory_created", "path", path)
		return f, nil
	}

	if err := f.Reload(); err != nil {
		quarantined, restored, rerr := yaml.Recover(filepath.Dir(path), path)
		if rerr != nil {
			return nil, fmt.Errorf("load inventory: %w (recovery failed: %v)", err, rerr)
		}
		logger.Errorw("inventory_quarantined", "path", path, "quarantined", quarantined, "restored", restored, "error", err)
		if !restored {
			if err := f.write(nil); err != nil {
				return nil, err
			}
			return f, nil
		}
		if err := f.Reload(); err != nil {
			return nil, fmt.Errorf("load restored inventory: %w", err)
		}
	}
	return f, nil
}

func (f *File) Path() string {
	return f.path
}

func parse(content []byte) (map[string]model.Machine, error) {
	if err := yaml.ValidateHeader(content, yaml.FileTypeMachines); err != nil {
		return nil, err
	}
	var doc document
	if err := yamlv3.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse machines: %w", err)
	}

	var errs *multierror.Error
	out := make(map[string]model.Machine, len(doc.Machines))
	for i, m := range doc.Machines {
		switch {
		case m.ID == "":
			errs = multierror.Append(errs, fmt.Errorf("machines[%d]: id is required", i))
			continue
		case !validStatuses[m.Status]:
			errs = multierror.Append(errs, fmt.Errorf("machine %s: invalid status %q", m.ID, m.Status))
		case m.ScanIntervalMin < 0:
			errs = multierror.Append(errs, fmt.Errorf("machine %s: scan_interval_min must be >= 0", m.ID))
		}
		if _, dup := out[m.ID]; dup {
			errs = multierror.Append(errs, fmt.Errorf("machine %s: duplicate id", m.ID))
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		out[m.ID] = m
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// Reload re-reads the file. On error the previous machine set stays in
// effect.
func (f *File) Reload() error {
	content, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read inventory: %w", err)
	}
	machines, err := parse(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.machines = machines
	f.mu.Unlock()
	return nil
}

func (f *File) GetMachine(_ context.Context, id string) (model.Machine, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.machines[id]
	if !ok {
		return model.Machine{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return m, nil
}

// ListMachines returns machines ordered by id.
func (f *File) ListMachines(_ context.Context, runningOnly bool) ([]model.Machine, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]model.Machine, 0, len(f.machines))
	for _, m := range f.machines {
		if runningOnly && !m.Running() {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetStatus records a lifecycle change reported by the fleet manager and
// persists it to the file.
func (f *File) SetStatus(ctx context.Context, id string, status model.MachineStatus) error {
	if !validStatuses[status] {
		return fmt.Errorf("invalid machine status %q", status)
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.GetMachine(ctx, id); err != nil {
		return err
	}
	all, _ := f.ListMachines(ctx, false)
	for i := range all {
		if all[i].ID == id {
			all[i].Status = status
		}
	}
	if err := f.write(all); err != nil {
		return err
	}

	f.mu.Lock()
	m := f.machines[id]
	m.Status = status
	f.machines[id] = m
	f.mu.Unlock()
	f.logger.Infow("machine_status_set", "machine", id, "status", status)
	return nil
}

func (f *File) write(machines []model.Machine) error {
	if machines == nil {
		machines = []model.Machine{}
	}
	body := struct {
		Machines []model.Machine `yaml:"machines"`
	}{machines}
	if err := yaml.WriteDocument(f.path, yaml.FileTypeMachines, body); err != nil {
		return fmt.Errorf("write inventory: %w", err)
	}
	return nil
}

// Watch reloads the file whenever it changes until ctx is done. Invalid
// edits are logged and ignored.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return err
	}
	target := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := f.Reload(); err != nil {
				f.logger.Warnw("inventory_reload_rejected", "path", f.path, "error", err)
				continue
			}
			f.mu.RLock()
			n := len(f.machines)
			f.mu.RUnlock()
			f.logger.Infow("inventory_reloaded", "path", f.path, "machines", n)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Errorw("inventory_watch_error", "error", err)
		}
	}
}
