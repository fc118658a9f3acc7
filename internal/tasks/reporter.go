package tasks

import (
	"math"

	"github.com/orbanhq/orban-agent/internal/protocol"
)

type eventKind int

const (
	eventProgress eventKind = iota
	eventDone
)

type event struct {
	taskID   string
	exec     *execution
	kind     eventKind
	progress float64
	stage    string
	metrics  *protocol.TaskMetrics
	result   protocol.TaskResult
	err      error
}

// Reporter is handed to Engine.Execute for one task. It is the only way
// the engine talks back to the tracker.
type Reporter struct {
	taskID string
	exec   *execution
	events chan<- event
	done   <-chan struct{}
	sink   func(fraction float64, stage string, metrics *protocol.TaskMetrics)
}

// NewReporter returns a reporter that passes progress to fn instead of a
// tracker, for running an Engine on its own.
func NewReporter(taskID string, fn func(fraction float64, stage string, metrics *protocol.TaskMetrics)) *Reporter {
	return &Reporter{taskID: taskID, sink: fn}
}

// TaskID returns the task this reporter belongs to.
func (r *Reporter) TaskID() string {
	return r.taskID
}

// Progress reports a completion fraction in [0, 1]. It never blocks; when
// the tracker is saturated the update is dropped and false is returned.
// Updates below the last reported value are ignored by the tracker, and
// non-finite fractions are dropped here.
func (r *Reporter) Progress(fraction float64, stage string, metrics *protocol.TaskMetrics) bool {
	if math.IsNaN(fraction) || math.IsInf(fraction, 0) {
		return false
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	if r.sink != nil {
		r.sink(fraction, stage, metrics)
		return true
	}
	select {
	case r.events <- event{taskID: r.taskID, exec: r.exec, kind: eventProgress, progress: fraction, stage: stage, metrics: metrics}:
		return true
	default:
		return false
	}
}

func (r *Reporter) finish(result protocol.TaskResult, err error) {
	select {
	case r.events <- event{taskID: r.taskID, exec: r.exec, kind: eventDone, result: result, err: err}:
	case <-r.done:
	}
}
