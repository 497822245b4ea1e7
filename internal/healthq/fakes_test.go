package healthq

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/msageha/vmhealth/internal/config"
	"github.com/msageha/vmhealth/internal/model"
	"github.com/msageha/vmhealth/internal/store"
)

type fakeInventory struct {
	mu       sync.Mutex
	machines map[string]model.Machine
}

func newFakeInventory(machines ...model.Machine) *fakeInventory {
	inv := &fakeInventory{machines: make(map[string]model.Machine)}
	for _, m := range machines {
		inv.machines[m.ID] = m
	}
	return inv
}

func (f *fakeInventory) GetMachine(_ context.Context, id string) (model.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[id]
	if !ok {
		return model.Machine{}, model.ErrNotFound
	}
	return m, nil
}

func (f *fakeInventory) ListMachines(_ context.Context, runningOnly bool) ([]model.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Machine
	for _, m := range f.machines {
		if !runningOnly || m.Running() {
			out = append(out, m)
		}
	}
	return out, nil
}

type agentReply func(cmd model.AgentCommand) (model.AgentResponse, error)

type fakeAgent struct {
	mu           sync.Mutex
	disconnected map[string]bool
	replies      map[string]agentReply // by action
	block        chan struct{}
	calls        map[string]int
	inFlight     map[string]int
	maxInFlight  map[string]int
	heavyNow     map[string]int
	maxHeavy     map[string]int
	totalNow     int
	maxTotal     int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		disconnected: make(map[string]bool),
		replies:      make(map[string]agentReply),
		calls:        make(map[string]int),
		inFlight:     make(map[string]int),
		maxInFlight:  make(map[string]int),
		heavyNow:     make(map[string]int),
		maxHeavy:     make(map[string]int),
	}
}

func (f *fakeAgent) reply(c model.CheckType, r agentReply) {
	spec, _ := c.Spec()
	f.mu.Lock()
	f.replies[spec.Action] = r
	f.mu.Unlock()
}

func (f *fakeAgent) IsConnected(machineID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.disconnected[machineID]
}

func heavyAction(action string) bool {
	for _, c := range model.AllCheckTypes() {
		if spec, _ := c.Spec(); spec.Action == action {
			return spec.Heavy
		}
	}
	return false
}

func (f *fakeAgent) Send(ctx context.Context, machineID string, cmd model.AgentCommand, _ time.Duration) (model.AgentResponse, error) {
	heavy := heavyAction(cmd.Action)
	f.mu.Lock()
	f.calls[cmd.Action]++
	f.inFlight[machineID]++
	f.totalNow++
	if heavy {
		f.heavyNow[machineID]++
	}
	if f.inFlight[machineID] > f.maxInFlight[machineID] {
		f.maxInFlight[machineID] = f.inFlight[machineID]
	}
	if f.heavyNow[machineID] > f.maxHeavy[machineID] {
		f.maxHeavy[machineID] = f.heavyNow[machineID]
	}
	if f.totalNow > f.maxTotal {
		f.maxTotal = f.totalNow
	}
	block := f.block
	r := f.replies[cmd.Action]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight[machineID]--
		f.totalNow--
		if heavy {
			f.heavyNow[machineID]--
		}
		f.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return model.AgentResponse{}, ctx.Err()
		}
	}
	if r != nil {
		return r(cmd)
	}
	return model.AgentResponse{Success: true, Data: map[string]any{"action": cmd.Action}}, nil
}

func (f *fakeAgent) callCount(c model.CheckType) int {
	spec, _ := c.Spec()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[spec.Action]
}

type fakeNotifier struct {
	mu       sync.Mutex
	payloads []map[string]any
	err      error
	panicMsg string
}

func (f *fakeNotifier) Dispatch(resource, action string, payload map[string]any) error {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if resource != NotifyResource || action != NotifyAction {
		return errors.New("unexpected resource/action")
	}
	f.payloads = append(f.payloads, payload)
	return f.err
}

// events returns the bodies published under key.
func (f *fakeNotifier) events(key string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, p := range f.payloads {
		if body, ok := p[key].(map[string]any); ok {
			out = append(out, body)
		}
	}
	return out
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeGenerator) GenerateRecommendations(_ context.Context, machineID, _ string) ([]model.Recommendation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []model.Recommendation{
		{MachineID: machineID, Type: "defender", Severity: "warning", Text: "Defender check failed"},
	}, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	mgr       *Manager
	store     *store.Store
	inventory *fakeInventory
	agent     *fakeAgent
	notifier  *fakeNotifier
	generator *fakeGenerator
	clock     *fakeClock
}

func running(id string) model.Machine {
	return model.Machine{ID: id, Name: id, Status: model.MachineRunning}
}

func newFixture(t *testing.T, mutate func(*model.Config), machines ...model.Machine) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "vmhealth.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	if len(machines) == 0 {
		machines = []model.Machine{running("M1")}
	}

	f := &fixture{
		store:     st,
		inventory: newFakeInventory(machines...),
		agent:     newFakeAgent(),
		notifier:  &fakeNotifier{},
		generator: &fakeGenerator{},
		clock:     &fakeClock{now: time.Date(2026, 5, 11, 9, 0, 0, 0, time.UTC)},
	}
	f.mgr, err = New(Deps{
		Store:     st,
		Inventory: f.inventory,
		Agent:     f.agent,
		Notifier:  f.notifier,
		Generator: f.generator,
		Config:    config.NewProvider(cfg, nil),
		Logger:    zap.NewNop().Sugar(),
	}, Options{Clock: f.clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.mgr.Shutdown(ctx)
	})
	return f
}

// drain processes machineID until nothing more is claimed.
func (f *fixture) drain(t *testing.T, machineID string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		n, err := f.mgr.ProcessQueue(context.Background(), machineID)
		require.NoError(t, err)
		f.mgr.Wait()
		if n == 0 {
			return
		}
	}
	t.Fatalf("queue of %s did not drain", machineID)
}
