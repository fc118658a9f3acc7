// Package tasks tracks the lifecycle of every task assigned to this agent.
//
// All records are owned by the goroutine running Tracker.Run. Public
// methods post closures to it; readers use immutable snapshots.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/orbanhq/orban-agent/internal/config"
	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/orbanhq/orban-agent/pkg/console"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

var (
	// ErrUnknownTask is returned for operations on a task that is not tracked.
	ErrUnknownTask = errors.New("unknown task")
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("task tracker stopped")
	// ErrAtCapacity is the rejection sent when MaxConcurrent tasks are live.
	ErrAtCapacity = &Error{Code: protocol.ReasonAtCapacity, Message: "maximum concurrent tasks reached"}
)

// Sender queues outbound messages on the platform connection.
type Sender interface {
	Send(msgType protocol.MessageType, payload interface{}) error
}

// Spooler keeps terminal reports that could not be queued.
type Spooler interface {
	Spool(msgType protocol.MessageType, payload interface{}) error
}

// Options configures a Tracker.
type Options struct {
	AgentID          string
	MaxConcurrent    int
	GraceFactor      float64
	MinTimeout       time.Duration
	ProgressInterval time.Duration
	RecentTTL        time.Duration
	RecentSize       int
	EventBuffer      int
	Now              func() time.Time
}

// OptionsFromConfig copies the task settings out of cfg.
func OptionsFromConfig(cfg *config.Config, agentID string) Options {
	return Options{
		AgentID:          agentID,
		MaxConcurrent:    cfg.Tasks.MaxConcurrent,
		GraceFactor:      cfg.Tasks.GraceFactor,
		MinTimeout:       cfg.Tasks.MinTimeout.Std(),
		ProgressInterval: cfg.Tasks.ProgressInterval.Std(),
	}
}

func (o *Options) setDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 1
	}
	if o.GraceFactor <= 0 {
		o.GraceFactor = 1.5
	}
	if o.MinTimeout <= 0 {
		o.MinTimeout = time.Minute
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 5 * time.Second
	}
	if o.RecentTTL <= 0 {
		o.RecentTTL = 10 * time.Minute
	}
	if o.RecentSize <= 0 {
		o.RecentSize = 1024
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type execution struct {
	cancel  context.CancelFunc
	timer   *time.Timer
	timeout time.Duration
}

func (e *execution) stop() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.cancel()
}

type record struct {
	Record
	exec    *execution
	limiter *rate.Limiter
	metrics *protocol.TaskMetrics
	pending bool
}

// Tracker is the task state machine.
type Tracker struct {
	opts   Options
	engine Engine
	sender Sender
	spool  Spooler

	ops    chan func()
	events chan event
	done   chan struct{}

	// owned by the Run goroutine
	runCtx    context.Context
	records   map[string]*record
	recent    *expirable.LRU[string, struct{}]
	closing   bool
	completed int64
	failed    int64

	snap atomic.Pointer[Snapshot]
}

// NewTracker creates a tracker. spool may be nil.
func NewTracker(opts Options, engine Engine, sender Sender, spool Spooler) *Tracker {
	opts.setDefaults()
	t := &Tracker{
		opts:    opts,
		engine:  engine,
		sender:  sender,
		spool:   spool,
		ops:     make(chan func(), 64),
		events:  make(chan event, opts.EventBuffer),
		done:    make(chan struct{}),
		runCtx:  context.Background(),
		records: make(map[string]*record),
		recent:  expirable.NewLRU[string, struct{}](opts.RecentSize, nil, opts.RecentTTL),
	}
	t.snap.Store(&Snapshot{Taken: opts.Now()})
	return t
}

// Run owns the task records until ctx is cancelled. Executions still
// running at that point are cancelled without a report; call Shutdown
// first for a graceful stop.
func (t *Tracker) Run(ctx context.Context) error {
	t.runCtx = ctx
	ticker := time.NewTicker(t.opts.ProgressInterval)
	defer ticker.Stop()
	defer close(t.done)

	for {
		select {
		case fn := <-t.ops:
			fn()
			t.publish()
		case ev := <-t.events:
			t.handleEvent(ev)
			t.publish()
		case <-ticker.C:
			t.flushProgress()
		case <-ctx.Done():
			for _, rec := range t.records {
				if rec.exec != nil {
					rec.exec.stop()
				}
			}
			return nil
		}
	}
}

// Snapshot returns the latest published view.
func (t *Tracker) Snapshot() Snapshot {
	return *t.snap.Load()
}

// HandleAssign processes an inbound TASK_ASSIGN. It returns once the
// assignment is queued for the owner goroutine.
func (t *Tracker) HandleAssign(ctx context.Context, assign protocol.TaskAssign) error {
	return t.post(ctx, func() { t.assign(assign) })
}

// Cancel fails a live task with the given reason.
func (t *Tracker) Cancel(ctx context.Context, taskID, reason, message string) error {
	var err error
	callErr := t.call(ctx, func() {
		rec, ok := t.records[taskID]
		if !ok || rec.State.Terminal() {
			err = fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
			return
		}
		t.fail(rec, &protocol.TaskError{Code: reason, Message: message})
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Shutdown fails every live task with reason shutdown and rejects any
// further assignment. The failure reports are queued before it returns.
func (t *Tracker) Shutdown(ctx context.Context) error {
	return t.call(ctx, func() {
		t.closing = true
		n := 0
		for _, rec := range t.sortedRecords() {
			if rec.State.Terminal() {
				continue
			}
			t.fail(rec, &protocol.TaskError{Code: protocol.ReasonShutdown, Message: "agent shutting down"})
			n++
		}
		if n > 0 {
			console.Warning("Stopped %d running task(s) for shutdown", n)
		}
	})
}

// Resync builds the STATE_SYNC task lists: every non-terminal record plus
// terminal records whose report could not be delivered. Those terminal
// records are purged once listed.
func (t *Tracker) Resync(ctx context.Context) (protocol.StateSync, error) {
	sync := protocol.StateSync{ActiveTasks: []protocol.SyncedTask{}}
	err := t.call(ctx, func() {
		for _, rec := range t.sortedRecords() {
			if rec.State.Terminal() {
				sync.FinishedTasks = append(sync.FinishedTasks, rec.Synced())
				t.purge(rec)
				continue
			}
			sync.ActiveTasks = append(sync.ActiveTasks, rec.Synced())
		}
	})
	return sync, err
}

func (t *Tracker) post(ctx context.Context, fn func()) error {
	select {
	case <-t.done:
		return ErrStopped
	default:
	}
	select {
	case t.ops <- fn:
		return nil
	case <-t.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) call(ctx context.Context, fn func()) error {
	reply := make(chan struct{})
	if err := t.post(ctx, func() { fn(); close(reply) }); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-t.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) assign(a protocol.TaskAssign) {
	if a.TaskID == "" {
		debug.Warning("Dropping TASK_ASSIGN without task_id")
		return
	}
	if rec, ok := t.records[a.TaskID]; ok {
		debug.Info("Ignoring re-delivered assignment for task %s (state %s)", a.TaskID, rec.State)
		return
	}
	if t.recent.Contains(a.TaskID) {
		debug.Info("Ignoring re-delivered assignment for finished task %s", a.TaskID)
		return
	}
	if t.closing {
		t.reject(a.TaskID, &Error{Code: protocol.ReasonShutdown, Message: "agent shutting down"})
		return
	}
	if t.liveCount() >= t.opts.MaxConcurrent {
		t.reject(a.TaskID, ErrAtCapacity)
		return
	}

	rec := &record{Record: Record{
		TaskID:       a.TaskID,
		JobID:        a.JobID,
		State:        StateAssigned,
		Requirements: a.Requirements,
		Payload:      a.Payload,
		AssignedAt:   t.opts.Now(),
	}}
	t.records[a.TaskID] = rec
	console.Info("Task received: %s (job %s)", a.TaskID, a.JobID)

	ctx := t.runCtx
	go func() {
		err := t.engine.Assess(ctx, a)
		_ = t.post(context.Background(), func() { t.decide(rec, a, err) })
	}()
}

func (t *Tracker) reject(taskID string, err *Error) {
	console.Warning("Task %s rejected: %s", taskID, err.Message)
	msg := protocol.TaskReject{TaskID: taskID, Reason: err.Code, Details: err.Message}
	if sendErr := t.sender.Send(protocol.TypeTaskReject, msg); sendErr != nil {
		debug.Warning("Failed to send TASK_REJECT for %s: %v", taskID, sendErr)
	}
}

func (t *Tracker) decide(rec *record, a protocol.TaskAssign, assessErr error) {
	if t.records[a.TaskID] != rec || rec.State != StateAssigned {
		return
	}
	if assessErr != nil {
		te := toTaskError(assessErr)
		rec.State = StateRejected
		rec.Error = te
		console.Warning("Task %s rejected: %s", a.TaskID, te.Message)
		t.finish(rec, protocol.TypeTaskReject, protocol.TaskReject{TaskID: a.TaskID, Reason: te.Code, Details: te.Message})
		return
	}

	now := t.opts.Now()
	rec.State = StateAccepted
	accept := protocol.TaskAccept{TaskID: a.TaskID, AgentID: t.opts.AgentID}
	if est := a.EstimatedDuration(); est > 0 {
		accept.EstimatedCompletion = now.Add(est).UnixMilli()
	}
	if err := t.sender.Send(protocol.TypeTaskAccept, accept); err != nil {
		debug.Warning("Failed to send TASK_ACCEPT for %s: %v", a.TaskID, err)
	}
	t.start(rec, a)
}

// timeout is estimated_duration * GraceFactor, or MinTimeout without an estimate.
func (t *Tracker) timeout(a protocol.TaskAssign) time.Duration {
	est := a.EstimatedDuration()
	if est <= 0 {
		return t.opts.MinTimeout
	}
	return time.Duration(float64(est) * t.opts.GraceFactor)
}

func (t *Tracker) start(rec *record, a protocol.TaskAssign) {
	timeout := t.timeout(a)
	now := t.opts.Now()
	ctx, cancel := context.WithCancel(t.runCtx)
	ex := &execution{cancel: cancel, timeout: timeout}

	rec.exec = ex
	rec.State = StateExecuting
	rec.StartedAt = now
	rec.Deadline = now.Add(timeout)
	rec.limiter = rate.NewLimiter(rate.Every(t.opts.ProgressInterval), 1)

	ex.timer = time.AfterFunc(timeout, func() {
		_ = t.post(context.Background(), func() { t.expire(rec, ex) })
	})

	rep := &Reporter{taskID: a.TaskID, exec: ex, events: t.events, done: t.done}
	debug.Info("Starting task %s, timeout %v", a.TaskID, timeout)
	go func() {
		result, err := t.engine.Execute(ctx, a, rep)
		rep.finish(result, err)
	}()
}

func (t *Tracker) handleEvent(ev event) {
	rec, ok := t.records[ev.taskID]
	if !ok || rec.exec != ev.exec || rec.State != StateExecuting {
		debug.Debug("Ignoring late event for task %s", ev.taskID)
		return
	}

	switch ev.kind {
	case eventProgress:
		if !(ev.progress >= rec.Progress) {
			debug.Debug("Ignoring regressing progress %.3f < %.3f for task %s", ev.progress, rec.Progress, rec.TaskID)
			return
		}
		rec.Progress = ev.progress
		if ev.stage != "" {
			rec.Stage = ev.stage
		}
		if ev.metrics != nil {
			rec.metrics = ev.metrics
		}
		rec.pending = true
		if rec.limiter.Allow() {
			t.reportProgress(rec)
		}

	case eventDone:
		if ev.err != nil {
			t.fail(rec, toTaskError(ev.err))
			return
		}
		rec.exec.stop()
		elapsed := t.opts.Now().Sub(rec.StartedAt)
		result := ev.result
		if result.ExecutionTimeSec == 0 {
			result.ExecutionTimeSec = elapsed.Seconds()
		}
		rec.State = StateCompleted
		rec.Progress = 1
		rec.Result = &result
		t.completed++
		console.Success("Task %s completed in %s", rec.TaskID, console.FormatDuration(elapsed))
		t.finish(rec, protocol.TypeTaskComplete, protocol.TaskComplete{TaskID: rec.TaskID, Result: result, Metrics: rec.metrics})
	}
}

func (t *Tracker) expire(rec *record, ex *execution) {
	if t.records[rec.TaskID] != rec || rec.exec != ex || rec.State != StateExecuting {
		return
	}
	t.fail(rec, &protocol.TaskError{
		Code:    protocol.ReasonTimeout,
		Message: fmt.Sprintf("task exceeded its %v time limit", ex.timeout),
	})
}

func (t *Tracker) fail(rec *record, te *protocol.TaskError) {
	if rec.exec != nil {
		rec.exec.stop()
	}
	rec.State = StateFailed
	rec.Error = te
	t.failed++
	console.Error("Task %s failed: %s: %s", rec.TaskID, te.Code, te.Message)
	t.finish(rec, protocol.TypeTaskFailed, protocol.TaskFailed{TaskID: rec.TaskID, Error: *te})
}

// finish sends a terminal report. A record whose report cannot be queued
// is kept so the next STATE_SYNC lists it.
func (t *Tracker) finish(rec *record, msgType protocol.MessageType, payload interface{}) {
	rec.pending = false
	err := t.sender.Send(msgType, payload)
	if err == nil {
		t.purge(rec)
		return
	}
	debug.Warning("Holding %s for task %s until resync: %v", msgType, rec.TaskID, err)
	if t.spool != nil {
		if err := t.spool.Spool(msgType, payload); err != nil {
			debug.Error("Failed to buffer %s for task %s: %v", msgType, rec.TaskID, err)
		}
	}
}

func (t *Tracker) purge(rec *record) {
	delete(t.records, rec.TaskID)
	if rec.State != StateRejected {
		t.recent.Add(rec.TaskID, struct{}{})
	}
}

func (t *Tracker) flushProgress() {
	for _, rec := range t.records {
		if rec.State == StateExecuting && rec.pending && rec.limiter.Allow() {
			t.reportProgress(rec)
		}
	}
}

func (t *Tracker) reportProgress(rec *record) {
	msg := protocol.TaskProgress{
		TaskID:    rec.TaskID,
		Progress:  rec.Progress,
		Stage:     rec.Stage,
		Metrics:   rec.metrics,
		Timestamp: t.opts.Now().UnixMilli(),
	}
	if err := t.sender.Send(protocol.TypeTaskProgress, msg); err != nil {
		debug.Debug("Deferring progress for task %s: %v", rec.TaskID, err)
		return
	}
	rec.pending = false
}

func (t *Tracker) liveCount() int {
	n := 0
	for _, rec := range t.records {
		if !rec.State.Terminal() {
			n++
		}
	}
	return n
}

func (t *Tracker) sortedRecords() []*record {
	recs := make([]*record, 0, len(t.records))
	copies := make([]Record, 0, len(t.records))
	byID := make(map[string]*record, len(t.records))
	for id, rec := range t.records {
		copies = append(copies, rec.Record)
		byID[id] = rec
	}
	sortRecords(copies)
	for _, c := range copies {
		recs = append(recs, byID[c.TaskID])
	}
	return recs
}

func (t *Tracker) publish() {
	snap := &Snapshot{
		Tasks:     make([]Record, 0, len(t.records)),
		Completed: t.completed,
		Failed:    t.failed,
		Taken:     t.opts.Now(),
	}
	for _, rec := range t.records {
		r := rec.Record
		if r.Result != nil {
			res := *r.Result
			r.Result = &res
		}
		if r.Error != nil {
			te := *r.Error
			r.Error = &te
		}
		snap.Tasks = append(snap.Tasks, r)
	}
	sortRecords(snap.Tasks)
	t.snap.Store(snap)
}
