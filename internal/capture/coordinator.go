// Package capture coordinates asynchronous stack captures: it interrupts
// one target thread at a time and rendezvouses with the interrupt handler
// over a single shared slot.
package capture

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/getsentry/astack/internal/vm"
)

var (
	// ErrUnavailable means the thread has no identity record: it never
	// started under the agent or has already ended.
	ErrUnavailable = errors.New("thread unavailable for capture")

	// ErrTimeout means the interrupt handler did not signal completion
	// within the spin bound.
	ErrTimeout = errors.New("stack capture did not complete")
)

const (
	// DefaultSpinLimit bounds the completion wait. The wait is a spin on
	// purpose: the signaling side runs inside an interrupt handler where
	// condition variables, channels and timers are all off-limits.
	DefaultSpinLimit = 100 * 1000 * 1000

	// DefaultMaxDepth is the deepest stack the capture slot can hold.
	DefaultMaxDepth = 128

	// Yield the processor every so often while spinning so the handler
	// goroutine can run under a cooperative scheduler.
	spinYieldInterval = 1024
)

// Stats are the coordinator's lifetime counters.
type Stats struct {
	Captures    uint64 `json:"captures"`
	Timeouts    uint64 `json:"timeouts"`
	Unavailable uint64 `json:"unavailable"`
}

// Coordinator serializes every capture in the process behind one lock. The
// capture slot and completion flag are process-wide singletons, so only one
// capture may be in flight anywhere: the interrupt handler cannot choose
// between buffers without taking a lock, which it must never do.
type Coordinator struct {
	reg    *Registry
	intr   vm.Interrupter
	walker vm.StackWalker

	spinLimit int

	// mu serializes captures and excludes record destruction while a
	// capture might dereference the record.
	mu sync.Mutex

	// The capture slot. ctx and frames are written by the requester under
	// mu, then read by the interrupt handler; nframes is written by the
	// handler. The done flag is the only synchronization between the two
	// sides: cleared by the requester before the interrupt is sent, set
	// by the handler after the slot is filled.
	ctx     vm.ExecContext
	frames  []vm.Frame
	nframes int
	done    atomic.Bool

	captures    atomic.Uint64
	timeouts    atomic.Uint64
	unavailable atomic.Uint64
}

// NewCoordinator installs the process-wide interrupt handler and returns
// the coordinator. spinLimit or maxDepth values of zero or less select the
// defaults.
func NewCoordinator(reg *Registry, intr vm.Interrupter, walker vm.StackWalker, spinLimit, maxDepth int) (*Coordinator, error) {
	if spinLimit <= 0 {
		spinLimit = DefaultSpinLimit
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	c := &Coordinator{
		reg:       reg,
		intr:      intr,
		walker:    walker,
		spinLimit: spinLimit,
		frames:    make([]vm.Frame, maxDepth),
	}
	if err := intr.InstallHandler(c.handleInterrupt); err != nil {
		return nil, err
	}
	return c, nil
}

// handleInterrupt runs on the interrupted thread at an arbitrary point in
// its execution, possibly while it holds arbitrary locks. It may touch the
// capture slot and the done flag and nothing else: no allocation, no
// locking, no blocking.
func (c *Coordinator) handleInterrupt(ic vm.InterruptContext) {
	n, err := c.walker.Walk(c.ctx, ic, c.frames)
	if err != nil {
		n = 0
	}
	c.nframes = n
	c.done.Store(true)
}

// CaptureThread interrupts the thread behind h and returns a copy of its
// captured stack. It returns ErrUnavailable when the thread has no record
// (no interrupt is attempted) and ErrTimeout when the handler does not
// complete within the spin bound. Captures are strictly one at a time,
// process-wide.
func (c *Coordinator) CaptureThread(h vm.Handle) ([]vm.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.reg.lookup(h)
	if !ok {
		c.unavailable.Add(1)
		return nil, ErrUnavailable
	}

	c.ctx = rec.Ctx
	c.done.Store(false)

	// Best effort: the thread may be mid-teardown, in which case delivery
	// fails or lands nowhere and the spin below times out.
	_ = c.intr.Interrupt(rec.OSThread)

	completed := false
	for i := 0; i < c.spinLimit; i++ {
		if c.done.Load() {
			completed = true
			break
		}
		if i%spinYieldInterval == 0 {
			runtime.Gosched()
		}
	}
	if !completed {
		// The handler may still finish later; the slot is only re-armed
		// under mu, so a late write can never corrupt a newer capture's
		// consumed result.
		c.timeouts.Add(1)
		return nil, ErrTimeout
	}

	out := make([]vm.Frame, c.nframes)
	copy(out, c.frames[:c.nframes])
	c.captures.Add(1)
	return out, nil
}

// OnThreadEnd destroys the thread's identity record. It takes the capture
// lock so teardown can never race a capture addressing the same thread.
func (c *Coordinator) OnThreadEnd(h vm.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reg.detach(h)
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Captures:    c.captures.Load(),
		Timeouts:    c.timeouts.Load(),
		Unavailable: c.unavailable.Load(),
	}
}
