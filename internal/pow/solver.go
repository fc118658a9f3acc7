// Package pow answers proof-of-work challenges from the platform.
package pow

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

// MaxDifficulty is the largest number of leading zero bits accepted.
const MaxDifficulty = 64

var (
	// ErrTimeout is returned when no nonce was found within the compute budget.
	ErrTimeout = errors.New("proof-of-work timed out")
	// ErrDifficulty is returned for challenges that cannot be solved.
	ErrDifficulty = errors.New("unsupported difficulty")
)

// Solution is a nonce satisfying a challenge and the hash it produces.
type Solution struct {
	Nonce   uint64
	Hash    [sha256.Size]byte
	Elapsed time.Duration
}

// Solver searches for a proof-of-work solution.
type Solver interface {
	Solve(ctx context.Context, challenge protocol.PowChallenge) (Solution, error)
}

// CPUSolver searches nonces on all cores.
type CPUSolver struct {
	Workers        int
	MaxComputeTime time.Duration
}

// NewCPUSolver returns a solver with workers goroutines; zero means one
// per CPU.
func NewCPUSolver(workers int, maxComputeTime time.Duration) *CPUSolver {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if maxComputeTime <= 0 {
		maxComputeTime = 30 * time.Second
	}
	return &CPUSolver{Workers: workers, MaxComputeTime: maxComputeTime}
}

// Seed returns the bytes a challenge's nonce_seed stands for: the decoded
// value when it is hex, the raw string otherwise.
func Seed(nonceSeed string) []byte {
	if b, err := hex.DecodeString(nonceSeed); err == nil && len(b) > 0 {
		return b
	}
	return []byte(nonceSeed)
}

// Hash computes SHA-256(seed || little-endian nonce).
func Hash(seed []byte, nonce uint64) [sha256.Size]byte {
	buf := make([]byte, len(seed)+8)
	copy(buf, seed)
	binary.LittleEndian.PutUint64(buf[len(seed):], nonce)
	return sha256.Sum256(buf)
}

// LeadingZeroBits counts the zero bits at the start of h.
func LeadingZeroBits(h []byte) uint32 {
	var n uint32
	for _, b := range h {
		if b == 0 {
			n += 8
			continue
		}
		n += uint32(bits.LeadingZeros8(b))
		break
	}
	return n
}

// Verify reports whether nonce solves the challenge.
func Verify(challenge protocol.PowChallenge, nonce uint64) bool {
	h := Hash(Seed(challenge.NonceSeed), nonce)
	return LeadingZeroBits(h[:]) >= challenge.Difficulty
}

// Solve splits the nonce space across workers by stride. The search stops
// at the first solution, ctx cancellation or MaxComputeTime.
func (s *CPUSolver) Solve(ctx context.Context, challenge protocol.PowChallenge) (Solution, error) {
	if challenge.Difficulty > MaxDifficulty {
		return Solution{}, fmt.Errorf("%w: %d", ErrDifficulty, challenge.Difficulty)
	}
	start := time.Now()
	seed := Seed(challenge.NonceSeed)

	ctx, cancel := context.WithTimeout(ctx, s.MaxComputeTime)
	defer cancel()

	var (
		found atomic.Bool
		sol   Solution
	)
	g, gctx := errgroup.WithContext(ctx)
	workers := uint64(s.Workers)
	for w := uint64(0); w < workers; w++ {
		w := w
		g.Go(func() error {
			for nonce := w; ; nonce += workers {
				// check for cancellation every 4096 hashes
				if nonce/workers%4096 == 0 {
					select {
					case <-gctx.Done():
						return nil
					default:
					}
					if found.Load() {
						return nil
					}
				}
				h := Hash(seed, nonce)
				if LeadingZeroBits(h[:]) >= challenge.Difficulty {
					if found.CompareAndSwap(false, true) {
						sol = Solution{Nonce: nonce, Hash: h}
						cancel()
					}
					return nil
				}
				if nonce > ^uint64(0)-workers {
					return nil
				}
			}
		})
	}
	_ = g.Wait()

	if !found.Load() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Solution{}, fmt.Errorf("%w after %v", ErrTimeout, s.MaxComputeTime)
		}
		if ctx.Err() != nil {
			return Solution{}, ctx.Err()
		}
		return Solution{}, ErrTimeout
	}
	sol.Elapsed = time.Since(start)
	debug.Info("PoW solution found: nonce=%d difficulty=%d time=%v", sol.Nonce, challenge.Difficulty, sol.Elapsed)
	return sol, nil
}
