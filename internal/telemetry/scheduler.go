/*
 * Package telemetry sends periodic HEARTBEAT and METRICS_BATCH messages.
 *
 * Samples are taken on their own ticker and folded into a Batch; the
 * batch is flushed on the metrics ticker or as soon as it holds
 * MaxSamples samples. Nothing is queued while the connection is not
 * ready: heartbeats are skipped and an unsendable batch is dropped.
 */
package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/orbanhq/orban-agent/internal/config"
	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/orbanhq/orban-agent/internal/tasks"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

// Connection is the part of the connection manager telemetry needs.
type Connection interface {
	Ready() bool
	Send(msgType protocol.MessageType, payload interface{}) error
}

// Sampler reads host telemetry.
type Sampler interface {
	Sample(ctx context.Context) (protocol.MetricsSample, error)
	GPUStatus(ctx context.Context) ([]protocol.GPUStatus, error)
}

// TaskSource exposes the tracker's published view.
type TaskSource interface {
	Snapshot() tasks.Snapshot
}

// Options configures a Scheduler.
type Options struct {
	AgentID           string
	HeartbeatInterval time.Duration
	MetricsInterval   time.Duration
	SampleInterval    time.Duration
	MaxSamples        int
	Now               func() time.Time
}

// OptionsFromConfig copies the telemetry settings out of cfg.
func OptionsFromConfig(cfg *config.Config, agentID string) Options {
	return Options{
		AgentID:           agentID,
		HeartbeatInterval: cfg.Telemetry.HeartbeatInterval.Std(),
		MetricsInterval:   cfg.Telemetry.MetricsInterval.Std(),
		SampleInterval:    cfg.Telemetry.SampleInterval.Std(),
		MaxSamples:        cfg.Telemetry.MaxSamples,
	}
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = 5 * time.Minute
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = 30 * time.Second
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = 60
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Scheduler drives the telemetry tickers.
type Scheduler struct {
	opts    Options
	conn    Connection
	sampler Sampler
	tasks   TaskSource
	started time.Time

	// owned by Run
	batch         *Batch
	lastCompleted int64
	lastFailed    int64

	lastHeartbeat atomic.Int64
}

// New creates a scheduler. tasks may be nil, in which case the agent
// always reports idle.
func New(opts Options, conn Connection, sampler Sampler, tasks TaskSource) *Scheduler {
	opts.setDefaults()
	return &Scheduler{
		opts:    opts,
		conn:    conn,
		sampler: sampler,
		tasks:   tasks,
		started: opts.Now(),
		batch:   NewBatch(opts.SampleInterval),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	sample := time.NewTicker(s.opts.SampleInterval)
	defer sample.Stop()
	flush := time.NewTicker(s.opts.MetricsInterval)
	defer flush.Stop()

	debug.Info("Telemetry started: heartbeat=%v metrics=%v sample=%v",
		s.opts.HeartbeatInterval, s.opts.MetricsInterval, s.opts.SampleInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			s.Heartbeat(ctx)
		case <-sample.C:
			s.collect(ctx)
		case <-flush.C:
			s.flush()
		}
	}
}

// LastHeartbeat is the time of the last heartbeat queued, or zero.
func (s *Scheduler) LastHeartbeat() time.Time {
	ms := s.lastHeartbeat.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Heartbeat queues one HEARTBEAT. It reports whether the message was
// queued; it is skipped when the connection is not ready.
func (s *Scheduler) Heartbeat(ctx context.Context) bool {
	if !s.conn.Ready() {
		debug.Debug("Skipping heartbeat: connection not ready")
		return false
	}

	now := s.opts.Now()
	hb := protocol.Heartbeat{
		AgentID:   s.opts.AgentID,
		Status:    protocol.StatusIdle,
		GPUStatus: []protocol.GPUStatus{},
		UptimeSec: int64(now.Sub(s.started).Seconds()),
		Timestamp: now.UnixMilli(),
	}
	if s.tasks != nil {
		if ids := s.tasks.Snapshot().ExecutingIDs(); len(ids) > 0 {
			hb.Status = protocol.StatusWorking
			hb.CurrentTaskIDs = ids
		}
	}
	if gpus, err := s.sampler.GPUStatus(ctx); err != nil {
		debug.Warning("Heartbeat without GPU status: %v", err)
		hb.Status = protocol.StatusError
	} else if gpus != nil {
		hb.GPUStatus = gpus
	}

	if err := s.conn.Send(protocol.TypeHeartbeat, hb); err != nil {
		debug.Warning("Failed to queue heartbeat: %v", err)
		return false
	}
	s.lastHeartbeat.Store(now.UnixMilli())
	debug.Debug("Heartbeat queued: status=%s tasks=%d", hb.Status, len(hb.CurrentTaskIDs))
	return true
}

func (s *Scheduler) collect(ctx context.Context) {
	sample, err := s.sampler.Sample(ctx)
	if err != nil {
		debug.Error("Failed to collect metrics sample: %v", err)
		return
	}
	s.batch.Add(sample)
	if s.batch.Len() >= s.opts.MaxSamples {
		debug.Debug("Metrics batch full (%d samples), flushing early", s.batch.Len())
		s.flush()
	}
}

// flush sends and resets the batch. Task counters are deltas since the
// previous flush, whether or not that flush was delivered.
func (s *Scheduler) flush() bool {
	if s.batch.Len() == 0 {
		return false
	}
	var completed, failed int
	if s.tasks != nil {
		snap := s.tasks.Snapshot()
		completed = int(snap.Completed - s.lastCompleted)
		failed = int(snap.Failed - s.lastFailed)
		s.lastCompleted, s.lastFailed = snap.Completed, snap.Failed
	}
	batch := s.batch.Flush(s.opts.AgentID, completed, failed)

	if !s.conn.Ready() {
		debug.Info("Dropping metrics batch of %d samples: connection not ready", batch.Aggregates.Samples)
		return false
	}
	if err := s.conn.Send(protocol.TypeMetricsBatch, batch); err != nil {
		debug.Warning("Dropping metrics batch: %v", err)
		return false
	}
	debug.Debug("Metrics batch queued: %d samples", batch.Aggregates.Samples)
	return true
}
