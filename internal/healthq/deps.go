// Package healthq is the health-check task queue and scheduler. It accepts
// check requests, persists them, admits and claims ready tasks under
// concurrency ceilings, executes them over the agent channel, retries
// failures with backoff and rolls outcomes up into daily snapshots.
package healthq

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/vmhealth/internal/config"
	"github.com/msageha/vmhealth/internal/model"
	"github.com/msageha/vmhealth/internal/store"
)

// Inventory resolves machines. GetMachine returns model.ErrNotFound for
// unknown ids.
type Inventory interface {
	GetMachine(ctx context.Context, id string) (model.Machine, error)
	ListMachines(ctx context.Context, runningOnly bool) ([]model.Machine, error)
}

// AgentChannel executes commands on a machine's guest agent.
type AgentChannel interface {
	Send(ctx context.Context, machineID string, cmd model.AgentCommand, timeout time.Duration) (model.AgentResponse, error)
	IsConnected(machineID string) bool
}

// Notifier receives lifecycle events. Delivery is best effort.
type Notifier interface {
	Dispatch(resource, action string, payload map[string]any) error
}

type RecommendationGenerator interface {
	GenerateRecommendations(ctx context.Context, machineID, snapshotID string) ([]model.Recommendation, error)
}

// Deps are the collaborators of a Manager. Notifier and Generator may be nil.
type Deps struct {
	Store     *store.Store
	Inventory Inventory
	Agent     AgentChannel
	Notifier  Notifier
	Generator RecommendationGenerator
	Config    *config.Provider
	Logger    *zap.SugaredLogger
}

// Options tune a Manager. Zero values take the defaults.
type Options struct {
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
	// DispatchTimeout bounds the store writes that follow an execution, so
	// a settlement still lands when the caller's context is gone.
	DispatchTimeout time.Duration
	// LoadConcurrency bounds LoadAll's per-machine reconciliation.
	LoadConcurrency int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 30 * time.Second
	}
	if o.LoadConcurrency <= 0 {
		o.LoadConcurrency = 8
	}
	return o
}
