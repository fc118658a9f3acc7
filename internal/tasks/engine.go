package tasks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/orbanhq/orban-agent/internal/protocol"
)

// Engine is the execution engine boundary. Assess decides whether a task
// can run here; a non-nil error rejects it. Execute runs an accepted task
// until it finishes or ctx is cancelled.
type Engine interface {
	Assess(ctx context.Context, assign protocol.TaskAssign) error
	Execute(ctx context.Context, assign protocol.TaskAssign, r *Reporter) (protocol.TaskResult, error)
}

// Error is a task-level failure or rejection carrying a reason code.
type Error struct {
	Code    string
	Message string
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// toTaskError maps any engine error onto the wire form. Errors that are not
// an *Error are reported as execution_error.
func toTaskError(err error) *protocol.TaskError {
	var te *Error
	if errors.As(err, &te) {
		return &protocol.TaskError{Code: te.Code, Message: te.Message, Details: te.Details}
	}
	return &protocol.TaskError{Code: protocol.ReasonExecutionError, Message: err.Error()}
}

// Resources describes what this host can offer a task right now.
type Resources struct {
	FreeVRAMGB        float64
	ComputeCapability string
	Frameworks        []string
	FP16              bool
}

// CheckRequirements returns an *Error with insufficient_vram or
// capability_mismatch when res cannot satisfy req.
func CheckRequirements(req protocol.TaskRequirements, res Resources) error {
	if req.MinVRAMGB > res.FreeVRAMGB {
		return &Error{
			Code:    protocol.ReasonInsufficientVRAM,
			Message: fmt.Sprintf("requires %.1f GB VRAM, %.1f GB free", req.MinVRAMGB, res.FreeVRAMGB),
		}
	}
	if req.MinComputeCapability != "" && compareCapability(res.ComputeCapability, req.MinComputeCapability) < 0 {
		return &Error{
			Code:    protocol.ReasonCapabilityMismatch,
			Message: fmt.Sprintf("requires compute capability %s, have %q", req.MinComputeCapability, res.ComputeCapability),
		}
	}
	if req.Framework != "" && !containsFold(res.Frameworks, req.Framework) {
		return &Error{
			Code:    protocol.ReasonCapabilityMismatch,
			Message: fmt.Sprintf("framework %s not supported", req.Framework),
		}
	}
	if req.FP16 && !res.FP16 {
		return &Error{Code: protocol.ReasonCapabilityMismatch, Message: "fp16 not supported"}
	}
	return nil
}

// compareCapability compares "major.minor" strings. An empty or unparsable
// value sorts lowest.
func compareCapability(a, b string) int {
	am, an, aok := parseCapability(a)
	bm, bn, bok := parseCapability(b)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	case am != bm:
		return am - bm
	default:
		return an - bn
	}
}

func parseCapability(s string) (int, int, bool) {
	major, minor, _ := strings.Cut(strings.TrimSpace(s), ".")
	ma, err := strconv.Atoi(major)
	if err != nil {
		return 0, 0, false
	}
	if minor == "" {
		return ma, 0, true
	}
	mi, err := strconv.Atoi(minor)
	if err != nil {
		return 0, 0, false
	}
	return ma, mi, true
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
