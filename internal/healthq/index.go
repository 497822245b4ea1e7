package healthq

import (
	"sort"
	"sync"

	"github.com/msageha/vmhealth/internal/model"
)

// Index is the process-local, write-through cache of waiting tasks per
// machine, kept in dispatch order. The store stays authoritative; Reconcile
// is the only point where the two are synchronized.
type Index struct {
	mu        sync.RWMutex
	byMachine map[string][]*model.HealthCheckTask
}

func NewIndex() *Index {
	return &Index{byMachine: make(map[string][]*model.HealthCheckTask)}
}

// Insert adds t to its machine's queue, replacing an entry with the same id.
func (ix *Index) Insert(t *model.HealthCheckTask) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.insertLocked(clone(t))
}

func (ix *Index) insertLocked(t *model.HealthCheckTask) {
	q := ix.byMachine[t.MachineID]
	for i, existing := range q {
		if existing.ID == t.ID {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	pos := sort.Search(len(q), func(i int) bool { return t.Less(q[i]) })
	q = append(q, nil)
	copy(q[pos+1:], q[pos:])
	q[pos] = t
	ix.byMachine[t.MachineID] = q
}

// Remove drops taskID from machineID's queue. It reports whether it was present.
func (ix *Index) Remove(machineID, taskID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	q := ix.byMachine[machineID]
	for i, t := range q {
		if t.ID == taskID {
			ix.setLocked(machineID, append(q[:i], q[i+1:]...))
			return true
		}
	}
	return false
}

func (ix *Index) setLocked(machineID string, q []*model.HealthCheckTask) {
	if len(q) == 0 {
		delete(ix.byMachine, machineID)
		return
	}
	ix.byMachine[machineID] = q
}

// Reconcile replaces machineID's queue with the store's view of its waiting
// tasks. Tasks unknown to the index are merged in; entries the store no
// longer reports as waiting (claimed, settled or purged, possibly by another
// process) are dropped. Known entries are refreshed from the store copy.
func (ix *Index) Reconcile(machineID string, waiting []*model.HealthCheckTask) (added, dropped int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	known := make(map[string]bool, len(ix.byMachine[machineID]))
	for _, t := range ix.byMachine[machineID] {
		known[t.ID] = true
	}

	q := make([]*model.HealthCheckTask, 0, len(waiting))
	seen := make(map[string]bool, len(waiting))
	for _, t := range waiting {
		if t.MachineID != machineID || !model.IsWaiting(t.Status) || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		if !known[t.ID] {
			added++
		}
		q = append(q, clone(t))
	}
	for id := range known {
		if !seen[id] {
			dropped++
		}
	}

	sort.SliceStable(q, func(i, j int) bool { return q[i].Less(q[j]) })
	ix.setLocked(machineID, q)
	return added, dropped
}

func (ix *Index) Len(machineID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byMachine[machineID])
}

// Tasks returns copies of machineID's waiting tasks in dispatch order.
func (ix *Index) Tasks(machineID string) []*model.HealthCheckTask {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	q := ix.byMachine[machineID]
	out := make([]*model.HealthCheckTask, len(q))
	for i, t := range q {
		out[i] = clone(t)
	}
	return out
}

// Machines lists machines with at least one waiting task.
func (ix *Index) Machines() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.byMachine))
	for id := range ix.byMachine {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Counts summarizes the index for Stats.
func (ix *Index) Counts() (perMachine map[string]model.MachineQueueStats, byCheck map[model.CheckType]int, total int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	perMachine = make(map[string]model.MachineQueueStats, len(ix.byMachine))
	byCheck = make(map[model.CheckType]int)
	for id, q := range ix.byMachine {
		var s model.MachineQueueStats
		for _, t := range q {
			s.Waiting++
			if t.Status == model.StatusRetryScheduled {
				s.RetryScheduled++
			} else {
				s.Pending++
			}
			byCheck[t.CheckType]++
		}
		perMachine[id] = s
		total += len(q)
	}
	return perMachine, byCheck, total
}

func clone(t *model.HealthCheckTask) *model.HealthCheckTask {
	c := *t
	return &c
}
