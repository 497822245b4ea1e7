package model

// QueueStats is a cheap view of the scheduler's state, built from the
// in-memory index and the in-flight tracker.
type QueueStats struct {
	Machines       map[string]MachineQueueStats `json:"machines"`
	TotalWaiting   int                          `json:"total_waiting"`
	TotalInFlight  int                          `json:"total_in_flight"`
	WaitingByCheck map[CheckType]int            `json:"waiting_by_check"`
}

type MachineQueueStats struct {
	Waiting        int `json:"waiting"`
	Pending        int `json:"pending"`
	RetryScheduled int `json:"retry_scheduled"`
	InFlight       int `json:"in_flight"`
	HeavyInFlight  int `json:"heavy_in_flight"`
}
