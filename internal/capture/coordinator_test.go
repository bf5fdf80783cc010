package capture

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getsentry/astack/internal/simvm"
	"github.com/getsentry/astack/internal/testutil"
	"github.com/getsentry/astack/internal/vm"
)

// countingInterrupter wraps the simulated runtime so tests can assert how
// many interrupts were actually delivered.
type countingInterrupter struct {
	vm.Interrupter
	interrupts atomic.Int64
}

func (c *countingInterrupter) Interrupt(id vm.OSThreadID) error {
	c.interrupts.Add(1)
	return c.Interrupter.Interrupt(id)
}

// harness wires a registry and coordinator to a simulated runtime and
// plays the part of the agent's event callbacks.
type harness struct {
	rt   *simvm.Runtime
	intr *countingInterrupter
	coor *Coordinator
	reg  *Registry
}

func newHarness(t *testing.T, spinLimit int) *harness {
	t.Helper()
	rt := simvm.New()
	intr := &countingInterrupter{Interrupter: rt}
	reg := NewRegistry(rt)
	coor, err := NewCoordinator(reg, intr, rt, spinLimit, 16)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{rt: rt, intr: intr, coor: coor, reg: reg}
}

// sink plays the agent's event callbacks: attach on start, detach under
// the capture lock on end.
func (h *harness) sink() vm.EventSink {
	return harnessSink{h}
}

type harnessSink struct{ h *harness }

func (s harnessSink) OnVMInit() {}
func (s harnessSink) OnThreadStart(t vm.Handle, id vm.OSThreadID, ctx vm.ExecContext) {
	s.h.reg.Attach(t, id, ctx)
}
func (s harnessSink) OnThreadEnd(t vm.Handle)   { s.h.coor.OnThreadEnd(t) }
func (s harnessSink) OnClassLoad(vm.ClassID)    {}
func (s harnessSink) OnClassPrepare(vm.ClassID) {}

func markerFrames(rt *simvm.Runtime, class, method string, loc int64) []vm.Frame {
	cls := rt.AddClass(class, "Marker.java")
	m := cls.AddMethod(method, []vm.LineEntry{{Start: 0, Line: 1}})
	return []vm.Frame{{Location: loc, Method: m}}
}

func TestCaptureRoundTripIdentity(t *testing.T) {
	h := newHarness(t, 1000000)
	h.rt.Bind(h.sink())

	// Two threads with distinct marker frames; each capture must return
	// exactly the marker of the thread it asked for.
	first := h.rt.StartThread(simvm.ThreadConfig{
		Name:  "first",
		State: vm.StateAlive | vm.StateRunnable,
		Stack: markerFrames(h.rt, "Lmarkers/First;", "one", 11),
	})
	second := h.rt.StartThread(simvm.ThreadConfig{
		Name:  "second",
		State: vm.StateAlive | vm.StateRunnable,
		Stack: markerFrames(h.rt, "Lmarkers/Second;", "two", 22),
	})

	for i := 0; i < 5; i++ {
		got, err := h.coor.CaptureThread(first)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Location != 11 {
			t.Fatalf("capture of first returned foreign frames: %+v", got)
		}

		got, err = h.coor.CaptureThread(second)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Location != 22 {
			t.Fatalf("capture of second returned foreign frames: %+v", got)
		}
	}
}

func TestCaptureCopiesOutOfSlot(t *testing.T) {
	h := newHarness(t, 1000000)
	h.rt.Bind(h.sink())

	thr := h.rt.StartThread(simvm.ThreadConfig{
		Name:  "target",
		State: vm.StateAlive | vm.StateRunnable,
		Stack: markerFrames(h.rt, "Lmarkers/Keep;", "keep", 7),
	})

	first, err := h.coor.CaptureThread(thr)
	if err != nil {
		t.Fatal(err)
	}

	// A later capture of a different stack must not mutate the result
	// already handed out.
	thr.SetStack(markerFrames(h.rt, "Lmarkers/Other;", "other", 99))
	if _, err := h.coor.CaptureThread(thr); err != nil {
		t.Fatal(err)
	}

	if diff := testutil.Diff(int64(7), first[0].Location); diff != "" {
		t.Fatalf("earlier capture result was overwritten (-want +got):\n%s", diff)
	}
}

func TestCaptureUnregisteredThreadIsUnavailable(t *testing.T) {
	h := newHarness(t, 1000000)
	h.rt.Bind(h.sink())

	// Visible to enumeration but never went through a start notification.
	thr := h.rt.AddThread(simvm.ThreadConfig{
		Name:  "untracked",
		State: vm.StateAlive | vm.StateRunnable,
	})

	_, err := h.coor.CaptureThread(thr)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable but got %v", err)
	}
	if n := h.intr.interrupts.Load(); n != 0 {
		t.Fatalf("no interrupt should be attempted for an unregistered thread, saw %d", n)
	}
}

func TestCaptureEndedThreadIsUnavailable(t *testing.T) {
	h := newHarness(t, 1000000)
	h.rt.Bind(h.sink())

	thr := h.rt.StartThread(simvm.ThreadConfig{
		Name:  "shortlived",
		State: vm.StateAlive | vm.StateRunnable,
		Stack: markerFrames(h.rt, "Lmarkers/Short;", "gone", 3),
	})
	if _, err := h.coor.CaptureThread(thr); err != nil {
		t.Fatal(err)
	}

	h.rt.EndThread(thr)

	_, err := h.coor.CaptureThread(thr)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after thread end but got %v", err)
	}
}

func TestCaptureTimesOutOnDroppedInterrupt(t *testing.T) {
	h := newHarness(t, 10000)
	h.rt.Bind(h.sink())

	thr := h.rt.StartThread(simvm.ThreadConfig{
		Name:  "unresponsive",
		State: vm.StateAlive | vm.StateRunnable,
		Stack: markerFrames(h.rt, "Lmarkers/Dead;", "never", 1),
	})
	thr.DropInterrupts = true

	_, err := h.coor.CaptureThread(thr)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout but got %v", err)
	}

	stats := h.coor.Stats()
	if stats.Timeouts != 1 {
		t.Fatalf("expected 1 recorded timeout but got %d", stats.Timeouts)
	}
}

func TestCaptureRecoversAfterTimeout(t *testing.T) {
	h := newHarness(t, 10000)
	h.rt.Bind(h.sink())

	slow := h.rt.StartThread(simvm.ThreadConfig{
		Name:  "slow",
		State: vm.StateAlive | vm.StateRunnable,
		Stack: markerFrames(h.rt, "Lmarkers/Slow;", "slow", 5),
	})
	slow.DropInterrupts = true

	fine := h.rt.StartThread(simvm.ThreadConfig{
		Name:  "fine",
		State: vm.StateAlive | vm.StateRunnable,
		Stack: markerFrames(h.rt, "Lmarkers/Fine;", "fine", 6),
	})

	if _, err := h.coor.CaptureThread(slow); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout but got %v", err)
	}

	got, err := h.coor.CaptureThread(fine)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Location != 6 {
		t.Fatalf("capture after a timeout returned foreign frames: %+v", got)
	}
}

func TestCaptureWithDelayedHandlerStillCompletes(t *testing.T) {
	h := newHarness(t, DefaultSpinLimit)
	h.rt.Bind(h.sink())

	thr := h.rt.StartThread(simvm.ThreadConfig{
		Name:  "laggy",
		State: vm.StateAlive | vm.StateRunnable,
		Stack: markerFrames(h.rt, "Lmarkers/Laggy;", "lag", 8),
	})
	thr.HandlerDelay = 10 * time.Millisecond

	got, err := h.coor.CaptureThread(thr)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Location != 8 {
		t.Fatalf("unexpected frames: %+v", got)
	}
}

func TestStatsCounters(t *testing.T) {
	h := newHarness(t, 10000)
	h.rt.Bind(h.sink())

	tracked := h.rt.StartThread(simvm.ThreadConfig{
		Name:  "tracked",
		State: vm.StateAlive | vm.StateRunnable,
		Stack: markerFrames(h.rt, "Lmarkers/Tracked;", "ok", 2),
	})
	untracked := h.rt.AddThread(simvm.ThreadConfig{Name: "untracked", State: vm.StateAlive})

	if _, err := h.coor.CaptureThread(tracked); err != nil {
		t.Fatal(err)
	}
	if _, err := h.coor.CaptureThread(untracked); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable but got %v", err)
	}

	want := Stats{Captures: 1, Unavailable: 1}
	if diff := testutil.Diff(want, h.coor.Stats()); diff != "" {
		t.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}
}
