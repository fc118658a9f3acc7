/*
 * Package session composes the agent: one Connection Manager, the Task
 * Session Tracker, telemetry, the proof-of-work handler, the earnings
 * ledger and housekeeping.
 *
 * The Controller is the manager's Handler. Inbound messages are routed by
 * tag; every outbound message from any component goes through Send, which
 * only succeeds while the connection is Ready.
 *
 * Shutdown order:
 *   1. the tracker fails executing tasks with reason shutdown and queues
 *      the reports
 *   2. the connection drains its queue and closes
 *   3. telemetry, ledger and cleanup stop
 */
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orbanhq/orban-agent/internal/agent"
	"github.com/orbanhq/orban-agent/internal/auth"
	"github.com/orbanhq/orban-agent/internal/buffer"
	"github.com/orbanhq/orban-agent/internal/cleanup"
	"github.com/orbanhq/orban-agent/internal/config"
	"github.com/orbanhq/orban-agent/internal/executor"
	"github.com/orbanhq/orban-agent/internal/hardware"
	"github.com/orbanhq/orban-agent/internal/ledger"
	"github.com/orbanhq/orban-agent/internal/pow"
	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/orbanhq/orban-agent/internal/tasks"
	"github.com/orbanhq/orban-agent/internal/telemetry"
	"github.com/orbanhq/orban-agent/internal/version"
	"github.com/orbanhq/orban-agent/pkg/console"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

const shutdownTimeout = 10 * time.Second

// Hardware is what the controller needs from the host.
type Hardware interface {
	HardwareInfo(ctx context.Context) (protocol.HardwareInfo, error)
	Capabilities() protocol.Capabilities
	Sample(ctx context.Context) (protocol.MetricsSample, error)
	GPUStatus(ctx context.Context) ([]protocol.GPUStatus, error)
	Resources(ctx context.Context) tasks.Resources
	DeviceSignature() protocol.DeviceSignature
	Close() error
}

// Deps overrides the components New would otherwise build from the
// configuration. Every field is optional.
type Deps struct {
	Identity *auth.Identity
	Dialer   agent.Dialer
	Hardware Hardware
	Engine   tasks.Engine
	Solver   pow.Solver
	Ledger   ledger.Ledger
	Buffer   *buffer.MessageBuffer
}

// Snapshot is the externally visible state of a running agent.
type Snapshot struct {
	AgentID       string
	Connection    agent.StateSnapshot
	Tasks         tasks.Snapshot
	LastHeartbeat time.Time
	Buffered      int
}

// Controller owns every component for one agent process. Run may be
// called once.
type Controller struct {
	cfg     *config.Config
	agentID string

	manager   *agent.Manager
	tracker   *tasks.Tracker
	telemetry *telemetry.Scheduler
	pow       *pow.Handler
	ledger    ledger.Ledger
	forwarder *ledger.Forwarder
	buffer    *buffer.MessageBuffer
	cleanup   *cleanup.Service
	hardware  Hardware

	// runCtx outlives a single dispatch; set by Run before the manager
	// starts.
	runCtx context.Context
}

// New builds a controller from cfg.
func New(cfg *config.Config, deps Deps) (*Controller, error) {
	id := deps.Identity
	if id == nil {
		loaded, created, err := auth.LoadOrCreate(cfg.KeyPath, cfg.AgentID)
		if err != nil {
			return nil, err
		}
		if created {
			console.Info("Generated new agent key at %s", cfg.KeyPath)
		}
		id = loaded
	}
	authenticator, err := auth.NewAuthenticator(id)
	if err != nil {
		return nil, err
	}

	c := &Controller{cfg: cfg, agentID: authenticator.AgentID(), runCtx: context.Background()}

	c.hardware = deps.Hardware
	if c.hardware == nil {
		c.hardware = hardware.NewProvider(hardware.OptionsFromConfig(cfg))
	}

	c.buffer = deps.Buffer
	if c.buffer == nil {
		if c.buffer, err = buffer.NewMessageBuffer(cfg.DataDir); err != nil {
			return nil, err
		}
	}

	c.ledger = deps.Ledger
	if c.ledger == nil {
		if c.ledger, err = ledger.NewSQLiteLedger(cfg.LedgerPath()); err != nil {
			return nil, err
		}
	}
	c.forwarder = ledger.NewForwarder(c.ledger, 64)

	engine := deps.Engine
	if engine == nil {
		engine = executor.New(executor.OptionsFromConfig(cfg), c.hardware.Resources)
	}
	var active cleanup.ActiveDirs
	if e, ok := engine.(interface{ ActiveWorkDirs() []string }); ok {
		active = e.ActiveWorkDirs
	}
	c.cleanup = cleanup.NewService(cleanup.OptionsFromConfig(cfg), active)

	c.tracker = tasks.NewTracker(tasks.OptionsFromConfig(cfg, c.agentID), engine, c, c.buffer)
	c.telemetry = telemetry.New(telemetry.OptionsFromConfig(cfg, c.agentID), c, c.hardware, c.tracker)

	solver := deps.Solver
	if solver == nil {
		solver = pow.NewCPUSolver(cfg.PoW.Workers, cfg.PoW.MaxComputeTime.Std())
	}
	c.pow = pow.NewHandler(solver, c, c.hardware.DeviceSignature)

	dialer := deps.Dialer
	if dialer == nil {
		if dialer, err = newDialer(cfg); err != nil {
			return nil, err
		}
	}
	c.manager = agent.New(dialer, authenticator, c.register, c, agent.OptionsFromConfig(cfg))
	c.manager.OnTransition(announce)

	return c, nil
}

func newDialer(cfg *config.Config) (agent.Dialer, error) {
	url, err := cfg.WebSocketURL()
	if err != nil {
		return nil, err
	}
	var tlsConfig *tls.Config
	if cfg.Secure() {
		if tlsConfig, err = agent.NewTLSConfig(cfg.Network.CAFile, cfg.Network.InsecureSkipVerify); err != nil {
			return nil, err
		}
	}
	return agent.NewWSDialer(url, tlsConfig, cfg.Network.HandshakeTimeout.Std(), 4096), nil
}

// announce prints connection changes for the operator.
func announce(s agent.StateSnapshot) {
	switch s.State {
	case agent.StateReady:
		console.Success("Connected to platform")
	case agent.StateReconnecting:
		console.Warning("Connection lost, reconnecting in %s (attempt %d)", console.FormatDuration(s.Delay), s.Attempt)
	case agent.StateDisconnected:
		if s.Err != nil {
			console.Error("Disconnected: %v", s.Err)
		}
	}
}

// AgentID is the id this agent authenticates as.
func (c *Controller) AgentID() string {
	return c.agentID
}

// Run starts every component and blocks until ctx is cancelled or the
// connection fails fatally. Cancellation returns nil.
func (c *Controller) Run(ctx context.Context) error {
	defer c.close()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	connCtx, stopConn := context.WithCancel(gctx)
	defer stopConn()
	c.runCtx = gctx

	console.Status("Agent %s (version %s) starting", c.agentID, version.GetVersion())

	g.Go(func() error { return c.tracker.Run(gctx) })
	g.Go(func() error { return c.forwarder.Run(gctx) })
	g.Go(func() error { return c.telemetry.Run(gctx) })
	g.Go(func() error { return c.cleanup.Run(gctx) })
	g.Go(func() error { return c.manager.Run(connCtx) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		}
		c.shutdown()
		stopConn()
		cancel()
		return nil
	})

	err := g.Wait()
	c.pow.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Controller) shutdown() {
	debug.Info("Shutting down agent")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.tracker.Shutdown(ctx); err != nil && !errors.Is(err, tasks.ErrStopped) {
		debug.Warning("Task shutdown incomplete: %v", err)
	}
}

func (c *Controller) close() {
	if err := c.ledger.Close(); err != nil {
		debug.Warning("Failed to close ledger: %v", err)
	}
	if err := c.hardware.Close(); err != nil {
		debug.Warning("Failed to close hardware provider: %v", err)
	}
}

// Ready reports whether the connection accepts messages.
func (c *Controller) Ready() bool {
	return c.manager.Ready()
}

// Send queues a message on the platform connection.
func (c *Controller) Send(msgType protocol.MessageType, payload interface{}) error {
	return c.manager.Send(msgType, payload)
}

// State is the connection state.
func (c *Controller) State() agent.StateSnapshot {
	return c.manager.State()
}

// Tasks is the tracker's latest view.
func (c *Controller) Tasks() tasks.Snapshot {
	return c.tracker.Snapshot()
}

// Snapshot collects the state of every component.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		AgentID:       c.agentID,
		Connection:    c.manager.State(),
		Tasks:         c.tracker.Snapshot(),
		LastHeartbeat: c.telemetry.LastHeartbeat(),
		Buffered:      c.buffer.Count(),
	}
}

// register builds AGENT_REGISTER for a new session.
func (c *Controller) register(ctx context.Context) (protocol.AgentRegister, error) {
	hw, err := c.hardware.HardwareInfo(ctx)
	if err != nil {
		return protocol.AgentRegister{}, fmt.Errorf("failed to collect hardware info: %w", err)
	}
	return protocol.AgentRegister{
		AgentID:      c.agentID,
		Version:      version.GetVersion(),
		Hardware:     hw,
		Capabilities: c.hardware.Capabilities(),
		Location: protocol.Location{
			Country:  c.cfg.Location.Country,
			Region:   c.cfg.Location.Region,
			Timezone: c.cfg.Location.Timezone,
		},
	}, nil
}

// OnReady queues STATE_SYNC after a reconnect, then any buffered task
// reports.
func (c *Controller) OnReady(ctx context.Context, resync bool, enqueue agent.Enqueue) error {
	if resync {
		sync, err := c.tracker.Resync(ctx)
		if err != nil {
			return fmt.Errorf("failed to build state sync: %w", err)
		}
		sync.AgentID = c.agentID
		if hb := c.telemetry.LastHeartbeat(); !hb.IsZero() {
			sync.LastHeartbeat = hb.UnixMilli()
		}
		if err := enqueue(protocol.TypeStateSync, sync); err != nil {
			return err
		}
		debug.Info("Queued state sync with %d active and %d finished task(s)", len(sync.ActiveTasks), len(sync.FinishedTasks))
	}

	n, err := c.buffer.Replay(func(env protocol.Envelope) error {
		return enqueue(env.Type, env.Payload)
	})
	if n > 0 {
		debug.Info("Replayed %d buffered message(s)", n)
	}
	if err != nil {
		debug.Warning("Buffered replay stopped early, %d message(s) kept: %v", c.buffer.Count(), err)
	}
	return nil
}

// OnLinkDown keeps terminal task reports the connection failed to write.
func (c *Controller) OnLinkDown(undelivered []protocol.Envelope) {
	if len(undelivered) == 0 {
		return
	}
	if kept := c.buffer.AddUndelivered(undelivered); kept > 0 {
		debug.Info("Buffered %d undelivered task report(s)", kept)
	}
}

// HandleMessage routes an inbound message by tag.
func (c *Controller) HandleMessage(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeTaskAssign:
		var assign protocol.TaskAssign
		if err := env.DecodePayload(&assign); err != nil {
			return err
		}
		if assign.TaskID == "" {
			return fmt.Errorf("%w: task assignment without task_id", protocol.ErrMalformed)
		}
		console.Info("Received task %s", assign.TaskID)
		return c.tracker.HandleAssign(ctx, assign)

	case protocol.TypePowChallenge:
		var challenge protocol.PowChallenge
		if err := env.DecodePayload(&challenge); err != nil {
			return err
		}
		c.pow.Handle(c.runCtx, challenge)
		return nil

	case protocol.TypeEarningsRecord, protocol.TypePayoutNotification:
		return c.forwarder.Submit(ctx, env)

	case protocol.TypeError:
		var advisory protocol.Error
		if err := env.DecodePayload(&advisory); err != nil {
			return err
		}
		return c.handleAdvisory(ctx, advisory)

	case protocol.TypeRegisterAck:
		debug.Debug("Ignoring REGISTER_ACK outside handshake")
		return nil

	default:
		debug.Warning("Dropping unexpected %s message %s", env.Type, env.MessageID)
		return nil
	}
}

// handleAdvisory logs a platform ERROR. A non-recoverable error naming a
// live task cancels it.
func (c *Controller) handleAdvisory(ctx context.Context, e protocol.Error) error {
	if e.Recoverable || e.TaskID == "" {
		debug.Warning("Platform error %s: %s", e.Code, e.Message)
		return nil
	}
	debug.Error("Platform error %s for task %s: %s", e.Code, e.TaskID, e.Message)
	err := c.tracker.Cancel(ctx, e.TaskID, protocol.ReasonPlatformCancelled, e.Message)
	if errors.Is(err, tasks.ErrUnknownTask) {
		debug.Debug("Platform error references unknown task %s", e.TaskID)
		return nil
	}
	return err
}
