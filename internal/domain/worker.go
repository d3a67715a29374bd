package domain

import "time"

type WorkerState string

const (
	WorkerDisconnected WorkerState = "disconnected"
	WorkerIdle         WorkerState = "idle"
	WorkerBusy         WorkerState = "busy"
)

// WorkerStatus is a point-in-time view of the worker channel.
type WorkerStatus struct {
	State         WorkerState `json:"state"`
	SessionID     string      `json:"sessionId,omitempty"`
	CurrentKey    SearchKey   `json:"currentKey,omitempty"`
	CurrentJobID  string      `json:"currentJobId,omitempty"`
	ConnectedAt   *time.Time  `json:"connectedAt,omitempty"`
	BusySince     *time.Time  `json:"busySince,omitempty"`
	JobsCompleted int64       `json:"jobsCompleted"`
}

func (s WorkerStatus) Connected() bool {
	return s.State == WorkerIdle || s.State == WorkerBusy
}

// Job is a unit of work handed to the worker.
type Job struct {
	ID  string    `json:"jobId"`
	Key SearchKey `json:"query"`
}
