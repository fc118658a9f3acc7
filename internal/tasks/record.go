package tasks

import (
	"fmt"
	"sort"
	"time"

	"github.com/orbanhq/orban-agent/internal/protocol"
)

// State is the lifecycle state of one task.
type State int

const (
	StateAssigned State = iota
	StateAccepted
	StateExecuting
	StateCompleted
	StateFailed
	StateRejected
)

var stateNames = map[State]string{
	StateAssigned:  "assigned",
	StateAccepted:  "accepted",
	StateExecuting: "executing",
	StateCompleted: "completed",
	StateFailed:    "failed",
	StateRejected:  "rejected",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateRejected
}

// Record is a copy of a task's state. Values handed out by the tracker are
// never modified afterwards.
type Record struct {
	TaskID       string
	JobID        string
	State        State
	Requirements protocol.TaskRequirements
	Payload      protocol.TaskPayload
	AssignedAt   time.Time
	StartedAt    time.Time
	Deadline     time.Time
	Progress     float64
	Stage        string
	Result       *protocol.TaskResult
	Error        *protocol.TaskError
}

// Synced converts the record to its STATE_SYNC form.
func (r Record) Synced() protocol.SyncedTask {
	st := protocol.SyncedTask{
		TaskID:   r.TaskID,
		JobID:    r.JobID,
		State:    r.State.String(),
		Progress: r.Progress,
	}
	if !r.StartedAt.IsZero() {
		st.StartedAt = r.StartedAt.UnixMilli()
	}
	if r.Error != nil {
		st.Reason = r.Error.Code
	}
	return st
}

// Snapshot is an immutable view of the tracker.
type Snapshot struct {
	Tasks     []Record
	Completed int64
	Failed    int64
	Taken     time.Time
}

// Active returns the records that are not terminal.
func (s Snapshot) Active() []Record {
	var out []Record
	for _, r := range s.Tasks {
		if !r.State.Terminal() {
			out = append(out, r)
		}
	}
	return out
}

// ExecutingIDs lists the tasks currently running in the engine.
func (s Snapshot) ExecutingIDs() []string {
	var ids []string
	for _, r := range s.Tasks {
		if r.State == StateExecuting {
			ids = append(ids, r.TaskID)
		}
	}
	return ids
}

// Get returns the record for taskID.
func (s Snapshot) Get(taskID string) (Record, bool) {
	for _, r := range s.Tasks {
		if r.TaskID == taskID {
			return r, true
		}
	}
	return Record{}, false
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].AssignedAt.Equal(recs[j].AssignedAt) {
			return recs[i].TaskID < recs[j].TaskID
		}
		return recs[i].AssignedAt.Before(recs[j].AssignedAt)
	})
}
