package healthq

import (
	"sync"

	"github.com/msageha/vmhealth/internal/model"
)

// Limits are the three admission ceilings.
type Limits struct {
	Global          int
	PerMachine      int
	HeavyPerMachine int
}

func limitsFrom(cfg model.SchedulerConfig) Limits {
	return Limits{
		Global:          cfg.MaxConcurrentGlobal,
		PerMachine:      cfg.MaxConcurrentPerMachine,
		HeavyPerMachine: cfg.MaxHeavyPerMachine,
	}
}

// inFlightKey identifies a claimed task. Machine ids are compared whole, never
// by prefix.
type inFlightKey struct {
	MachineID string
	TaskID    string
}

type machineLoad struct {
	active        int
	heavy         int
	reserved      int
	reservedHeavy int
}

func (l *machineLoad) idle() bool {
	return l.active == 0 && l.heavy == 0 && l.reserved == 0 && l.reservedHeavy == 0
}

// Reservation holds admission slots between Reserve and Commit/Cancel.
type Reservation struct {
	MachineID string
	// Slots is the number of tasks that may be claimed.
	Slots int
	// HeavySlots is how many of them may be heavy check types.
	HeavySlots int
	done       bool
}

// Admission tracks in-flight tasks of this process and hands out claim
// capacity under the global, per-machine and heavy per-machine ceilings.
// Capacity is reserved before the claim transaction and converted into
// in-flight entries afterwards, so concurrent ProcessQueue calls for the same
// machine never over-claim.
type Admission struct {
	mu             sync.Mutex
	limits         func() Limits
	active         map[inFlightKey]model.CheckType
	machines       map[string]*machineLoad
	activeGlobal   int
	reservedGlobal int
}

func NewAdmission(limits func() Limits) *Admission {
	return &Admission{
		limits:   limits,
		active:   make(map[inFlightKey]model.CheckType),
		machines: make(map[string]*machineLoad),
	}
}

func (a *Admission) load(machineID string) *machineLoad {
	l, ok := a.machines[machineID]
	if !ok {
		l = &machineLoad{}
		a.machines[machineID] = l
	}
	return l
}

func (a *Admission) headroomLocked(machineID string, lim Limits) (slots, heavy int) {
	l := a.machines[machineID]
	if l == nil {
		l = &machineLoad{}
	}
	slots = lim.PerMachine - l.active - l.reserved
	if g := lim.Global - a.activeGlobal - a.reservedGlobal; g < slots {
		slots = g
	}
	heavy = lim.HeavyPerMachine - l.heavy - l.reservedHeavy
	if slots <= 0 || heavy <= 0 {
		return 0, 0
	}
	if heavy > slots {
		heavy = slots
	}
	return slots, heavy
}

// Headroom reports how many tasks, and how many heavy tasks, machineID could
// claim now. It reserves nothing.
func (a *Admission) Headroom(machineID string) (slots, heavy int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.headroomLocked(machineID, a.limits())
}

// Reserve takes all current headroom of machineID. It returns nil when any
// ceiling is saturated.
func (a *Admission) Reserve(machineID string) *Reservation {
	a.mu.Lock()
	defer a.mu.Unlock()

	slots, heavy := a.headroomLocked(machineID, a.limits())
	if slots <= 0 {
		return nil
	}
	l := a.load(machineID)
	l.reserved += slots
	l.reservedHeavy += heavy
	a.reservedGlobal += slots
	return &Reservation{MachineID: machineID, Slots: slots, HeavySlots: heavy}
}

// Commit turns the reservation into in-flight entries for claimed and frees
// the slots that were not used.
func (a *Admission) Commit(r *Reservation, claimed []*model.HealthCheckTask) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r == nil || r.done {
		return
	}
	r.done = true
	a.unreserveLocked(r)

	l := a.load(r.MachineID)
	for _, t := range claimed {
		key := inFlightKey{MachineID: t.MachineID, TaskID: t.ID}
		if _, dup := a.active[key]; dup {
			continue
		}
		a.active[key] = t.CheckType
		l.active++
		a.activeGlobal++
		if t.CheckType.IsHeavy() {
			l.heavy++
		}
	}
	if l.idle() {
		delete(a.machines, r.MachineID)
	}
}

// Cancel returns an unused reservation.
func (a *Admission) Cancel(r *Reservation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r == nil || r.done {
		return
	}
	r.done = true
	a.unreserveLocked(r)
	if l := a.machines[r.MachineID]; l != nil && l.idle() {
		delete(a.machines, r.MachineID)
	}
}

func (a *Admission) unreserveLocked(r *Reservation) {
	l := a.load(r.MachineID)
	l.reserved -= r.Slots
	l.reservedHeavy -= r.HeavySlots
	a.reservedGlobal -= r.Slots
}

// Release removes a settled task from the in-flight set.
func (a *Admission) Release(machineID, taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := inFlightKey{MachineID: machineID, TaskID: taskID}
	checkType, ok := a.active[key]
	if !ok {
		return
	}
	delete(a.active, key)
	a.activeGlobal--
	l := a.load(machineID)
	l.active--
	if checkType.IsHeavy() {
		l.heavy--
	}
	if l.idle() {
		delete(a.machines, machineID)
	}
}

// InFlight returns machineID's claimed task count and how many are heavy.
func (a *Admission) InFlight(machineID string) (total, heavy int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l := a.machines[machineID]; l != nil {
		return l.active, l.heavy
	}
	return 0, 0
}

func (a *Admission) TotalInFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeGlobal
}

// InFlightByMachine returns the claimed task counts of every busy machine,
// with only the in-flight fields set.
func (a *Admission) InFlightByMachine() map[string]model.MachineQueueStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]model.MachineQueueStats, len(a.machines))
	for id, l := range a.machines {
		if l.active > 0 {
			out[id] = model.MachineQueueStats{InFlight: l.active, HeavyInFlight: l.heavy}
		}
	}
	return out
}
