package pow

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

// Sender queues outbound messages.
type Sender interface {
	Send(msgType protocol.MessageType, payload interface{}) error
}

// Handler turns POW_CHALLENGE into POW_RESPONSE or an ERROR.
type Handler struct {
	solver    Solver
	sender    Sender
	signature func() protocol.DeviceSignature

	wg sync.WaitGroup
}

// NewHandler creates a handler. signature identifies the device that did
// the work.
func NewHandler(solver Solver, sender Sender, signature func() protocol.DeviceSignature) *Handler {
	return &Handler{solver: solver, sender: sender, signature: signature}
}

// Handle starts solving in the background and returns immediately. The
// response is sent even when the deadline has passed.
func (h *Handler) Handle(ctx context.Context, challenge protocol.PowChallenge) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.solve(ctx, challenge)
	}()
}

// Wait blocks until every running challenge has been answered.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) solve(ctx context.Context, challenge protocol.PowChallenge) {
	debug.Info("Solving PoW challenge %s (difficulty %d)", challenge.ChallengeID, challenge.Difficulty)
	sol, err := h.solver.Solve(ctx, challenge)
	if err != nil {
		debug.Warning("PoW challenge %s failed: %v", challenge.ChallengeID, err)
		detail, _ := json.Marshal(map[string]string{"challenge_id": challenge.ChallengeID})
		if sendErr := h.sender.Send(protocol.TypeError, protocol.Error{
			Code:        protocol.ErrorCodePowFailed,
			Message:     err.Error(),
			Context:     detail,
			Recoverable: true,
		}); sendErr != nil {
			debug.Warning("Failed to report PoW failure: %v", sendErr)
		}
		return
	}

	if dl := challenge.DeadlineTime(); challenge.Deadline > 0 && time.Now().After(dl) {
		debug.Warning("PoW challenge %s solved after its deadline", challenge.ChallengeID)
	}

	resp := protocol.PowResponse{
		ChallengeID:       challenge.ChallengeID,
		Response:          hex.EncodeToString(sol.Hash[:]),
		SolutionNonce:     sol.Nonce,
		ComputationTimeMs: sol.Elapsed.Milliseconds(),
	}
	if h.signature != nil {
		resp.DeviceSignature = h.signature()
	}
	if err := h.sender.Send(protocol.TypePowResponse, resp); err != nil {
		debug.Warning("Failed to send PoW response %s: %v", challenge.ChallengeID, err)
	}
}
