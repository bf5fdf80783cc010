// Package agent assembles the thread-dump agent: identity registry, capture
// coordinator, dump server and the runtime event callbacks that keep them
// current.
package agent

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/astack/internal/capture"
	"github.com/getsentry/astack/internal/dump"
	"github.com/getsentry/astack/internal/server"
	"github.com/getsentry/astack/internal/symbol"
	"github.com/getsentry/astack/internal/vm"
)

// Runtime bundles the host-runtime capabilities the agent consumes.
type Runtime struct {
	Introspector vm.Introspector
	Interrupter  vm.Interrupter
	StackWalker  vm.StackWalker
}

// Agent is the assembled system. It implements vm.EventSink; the host
// runtime must deliver thread and class lifecycle events to it for threads
// to be capturable and methods resolvable.
type Agent struct {
	cfg Config
	rt  Runtime

	registry    *capture.Registry
	coordinator *capture.Coordinator
	dumper      *dump.Dumper
	server      *server.Server
	status      *server.StatusServer
}

var _ vm.EventSink = (*Agent)(nil)

// New wires the agent and binds its listeners. Any failure here is a
// startup failure: an agent that cannot capture or cannot serve must not
// pretend to run.
func New(cfg Config, rt Runtime) (*Agent, error) {
	a := &Agent{cfg: cfg, rt: rt}

	a.registry = capture.NewRegistry(rt.Introspector)

	var err error
	a.coordinator, err = capture.NewCoordinator(a.registry, rt.Interrupter, rt.StackWalker, cfg.SpinLimit, cfg.MaxFrames)
	if err != nil {
		return nil, fmt.Errorf("installing capture handler: %w", err)
	}

	a.dumper = dump.NewDumper(rt.Introspector, a.coordinator, symbol.NewResolver(rt.Introspector))

	a.server, err = server.New(cfg.Port, a.dumper)
	if err != nil {
		return nil, err
	}

	if cfg.StatusPort > 0 {
		a.status, err = server.NewStatusServer(cfg.StatusPort, a.server.Dumps, a.coordinator.Stats)
		if err != nil {
			// Release the dump listener bound above; the caller only
			// gets the error back, never the half-built agent.
			_ = a.server.Close()
			return nil, fmt.Errorf("setting up status endpoint: %w", err)
		}
	}
	return a, nil
}

// Serve runs the dump server (and status endpoint, when configured) until
// Close. It blocks.
func (a *Agent) Serve() error {
	if a.status != nil {
		go func() {
			if err := a.status.Serve(); err != nil {
				log.Error().Err(err).Msg("status endpoint failed")
			}
		}()
	}
	return a.server.Serve()
}

func (a *Agent) Close() error {
	if a.status != nil {
		_ = a.status.Close()
	}
	return a.server.Close()
}

// Dumper exposes the orchestrator for embedding hosts that want to write a
// dump to their own sink.
func (a *Agent) Dumper() *dump.Dumper {
	return a.dumper
}

// OnVMInit warms method references for every class already loaded, so the
// stack walker can resolve frames captured in them.
func (a *Agent) OnVMInit() {
	classes, err := a.rt.Introspector.LoadedClasses()
	if err != nil {
		log.Error().Err(err).Msg("could not enumerate loaded classes")
		return
	}
	for _, c := range classes {
		a.warmMethods(c)
	}
}

// OnThreadStart runs on the starting thread itself, before the thread is
// addressable by a capture, so no locking is needed.
func (a *Agent) OnThreadStart(h vm.Handle, id vm.OSThreadID, ctx vm.ExecContext) {
	a.registry.Attach(h, id, ctx)
}

// OnThreadEnd tears the thread's record down under the capture lock, so a
// capture in flight can never address a thread mid-teardown.
func (a *Agent) OnThreadEnd(h vm.Handle) {
	a.coordinator.OnThreadEnd(h)
}

// OnClassLoad exists because the stack walker requires class-load events to
// be enabled; there is nothing to do per event.
func (a *Agent) OnClassLoad(vm.ClassID) {}

func (a *Agent) OnClassPrepare(c vm.ClassID) {
	a.warmMethods(c)
}

// warmMethods resolves and discards a class's method references. Resolving
// them once is what makes them usable from the interrupt handler later.
func (a *Agent) warmMethods(c vm.ClassID) {
	if _, err := a.rt.Introspector.ClassMethods(c); err != nil {
		log.Warn().Err(err).Msg("could not resolve class methods")
	}
}
