package model

import (
	"fmt"
	"strings"
	"time"
)

type CheckType string

const (
	CheckOverallStatus        CheckType = "OVERALL_STATUS"
	CheckDiskSpace            CheckType = "DISK_SPACE"
	CheckResourceOptimization CheckType = "RESOURCE_OPTIMIZATION"
	CheckWindowsUpdates       CheckType = "WINDOWS_UPDATES"
	CheckWindowsDefender      CheckType = "WINDOWS_DEFENDER"
	CheckApplicationInventory CheckType = "APPLICATION_INVENTORY"

	// Extension types. Not part of the standard set but accepted by the
	// enqueue API and the executor.
	CheckSystemInfo          CheckType = "SYSTEM_INFO"
	CheckNetworkConnectivity CheckType = "NETWORK_CONNECTIVITY"
	CheckPendingReboot       CheckType = "PENDING_REBOOT"
)

// CheckSpec describes how a check type is executed on the agent.
type CheckSpec struct {
	Action  string
	Timeout time.Duration
	Heavy   bool
}

var checkSpecs = map[CheckType]CheckSpec{
	CheckOverallStatus:        {Action: "GetOverallStatus", Timeout: 300 * time.Second, Heavy: true},
	CheckDiskSpace:            {Action: "CheckDiskSpace", Timeout: 60 * time.Second},
	CheckResourceOptimization: {Action: "CheckResourceOptimization", Timeout: 120 * time.Second, Heavy: true},
	CheckWindowsUpdates:       {Action: "CheckWindowsUpdates", Timeout: 300 * time.Second},
	CheckWindowsDefender:      {Action: "CheckWindowsDefender", Timeout: 300 * time.Second},
	CheckApplicationInventory: {Action: "GetApplicationInventory", Timeout: 180 * time.Second},
	CheckSystemInfo:           {Action: "GetSystemInfo", Timeout: 60 * time.Second},
	CheckNetworkConnectivity:  {Action: "CheckNetworkConnectivity", Timeout: 60 * time.Second},
	CheckPendingReboot:        {Action: "CheckPendingReboot", Timeout: 60 * time.Second},
}

// StandardCheckTypes is the default set scheduled by a full health scan, in
// enqueue order.
var StandardCheckTypes = []CheckType{
	CheckOverallStatus,
	CheckDiskSpace,
	CheckResourceOptimization,
	CheckWindowsUpdates,
	CheckWindowsDefender,
	CheckApplicationInventory,
}

// Spec returns the execution spec for c. ok is false for unknown types.
func (c CheckType) Spec() (CheckSpec, bool) {
	s, ok := checkSpecs[c]
	return s, ok
}

func (c CheckType) Valid() bool {
	_, ok := checkSpecs[c]
	return ok
}

func (c CheckType) IsHeavy() bool {
	return checkSpecs[c].Heavy
}

// ParseCheckType accepts the canonical name case-insensitively, with either
// '-' or '_' as separator.
func ParseCheckType(s string) (CheckType, error) {
	norm := CheckType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if !norm.Valid() {
		return "", fmt.Errorf("unknown check type %q", s)
	}
	return norm, nil
}

// AllCheckTypes returns every known check type, standard set first.
func AllCheckTypes() []CheckType {
	out := append([]CheckType(nil), StandardCheckTypes...)
	return append(out, CheckSystemInfo, CheckNetworkConnectivity, CheckPendingReboot)
}

type Priority string

const (
	PriorityUrgent Priority = "URGENT"
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

var priorityRanks = map[Priority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityMedium: 2,
	PriorityLow:    3,
}

// Rank orders priorities for dispatch; lower ranks run first.
func (p Priority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return priorityRanks[PriorityMedium]
}

func (p Priority) Valid() bool {
	_, ok := priorityRanks[p]
	return ok
}

func PriorityFromRank(rank int) Priority {
	for p, r := range priorityRanks {
		if r == rank {
			return p
		}
	}
	return PriorityMedium
}

func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}
