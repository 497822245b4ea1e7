package model

import "time"

type MachineStatus string

const (
	MachineRunning MachineStatus = "running"
	MachineStopped MachineStatus = "stopped"
	MachinePaused  MachineStatus = "paused"
)

type Machine struct {
	ID     string        `json:"id" yaml:"id"`
	Name   string        `json:"name" yaml:"name"`
	Status MachineStatus `json:"status" yaml:"status"`
	// ScanIntervalMin overrides the global scan interval when non-zero.
	ScanIntervalMin int `json:"scan_interval_min,omitempty" yaml:"scan_interval_min,omitempty"`
}

func (m Machine) Running() bool {
	return m.Status == MachineRunning
}

func (m Machine) ScanInterval() time.Duration {
	return time.Duration(m.ScanIntervalMin) * time.Minute
}

// AgentCommand is the request sent over the agent channel.
type AgentCommand struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// AgentResponse is the agent's reply to an AgentCommand.
type AgentResponse struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Stdout  string         `json:"stdout,omitempty"`
	Stderr  string         `json:"stderr,omitempty"`
	Error   string         `json:"error,omitempty"`
}
