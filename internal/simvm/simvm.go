// Package simvm is an in-process managed runtime standing in for the real
// host: it owns simulated threads with fixed stacks, delivers out-of-band
// interrupts asynchronously and serves class and method metadata from
// in-memory tables. The reference binary and the end-to-end tests run the
// agent against it.
package simvm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/astack/internal/vm"
)

var errUnknownHandle = errors.New("simvm: unknown handle")

type (
	// Class is a simulated class. An empty SourceFile means the class was
	// compiled without one.
	Class struct {
		Signature  string
		SourceFile string

		rt      *Runtime
		methods []*Method
	}

	// Method is a simulated method. Broken makes every metadata call for
	// it fail, to exercise symbol degradation.
	Method struct {
		Name   string
		Lines  []vm.LineEntry
		Broken bool

		class *Class
	}

	// Thread is a simulated managed thread and doubles as its own logical
	// handle.
	Thread struct {
		rt *Runtime
		os vm.OSThreadID

		// Fault injection for capture tests.
		DropInterrupts bool
		HandlerDelay   time.Duration

		name     string
		daemon   bool
		priority int
		state    vm.ThreadState
		stack    []vm.Frame
		tag      any
		live     bool
	}

	// ThreadConfig describes a thread to create.
	ThreadConfig struct {
		Name     string
		Daemon   bool
		Priority int
		State    vm.ThreadState
		Stack    []vm.Frame
	}

	execContext struct{ t *Thread }

	interruptContext struct{ t *Thread }

	Runtime struct {
		mu       sync.Mutex
		sink     vm.EventSink
		handler  func(vm.InterruptContext)
		threads  []*Thread
		byOS     map[vm.OSThreadID]*Thread
		classes  []*Class
		nextOSID vm.OSThreadID
	}
)

func New() *Runtime {
	return &Runtime{byOS: make(map[vm.OSThreadID]*Thread)}
}

// Bind registers the agent as the runtime's event sink and fires the
// init event.
func (r *Runtime) Bind(sink vm.EventSink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
	sink.OnVMInit()
}

// AddClass registers a class and fires load/prepare events at the sink, if
// one is bound.
func (r *Runtime) AddClass(signature, sourceFile string) *Class {
	c := &Class{Signature: signature, SourceFile: sourceFile, rt: r}
	r.mu.Lock()
	r.classes = append(r.classes, c)
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink.OnClassLoad(c)
		sink.OnClassPrepare(c)
	}
	return c
}

func (c *Class) AddMethod(name string, lines []vm.LineEntry) *Method {
	m := &Method{Name: name, Lines: lines, class: c}
	c.rt.mu.Lock()
	c.methods = append(c.methods, m)
	c.rt.mu.Unlock()
	return m
}

// AddThread creates a live thread visible to enumeration without firing a
// start notification: the thread exists but carries no identity record.
func (r *Runtime) AddThread(cfg ThreadConfig) *Thread {
	r.mu.Lock()
	r.nextOSID++
	t := &Thread{
		rt:       r,
		os:       r.nextOSID,
		name:     cfg.Name,
		daemon:   cfg.Daemon,
		priority: cfg.Priority,
		state:    cfg.State,
		stack:    cfg.Stack,
		live:     true,
	}
	r.threads = append(r.threads, t)
	r.byOS[t.os] = t
	r.mu.Unlock()
	return t
}

// StartThread creates a thread and delivers its start notification the way
// the real runtime would: on the new thread, before it is addressable.
func (r *Runtime) StartThread(cfg ThreadConfig) *Thread {
	t := r.AddThread(cfg)
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink.OnThreadStart(t, t.os, execContext{t: t})
	}
	return t
}

// EndThread removes the thread from enumeration and delivers its end
// notification.
func (r *Runtime) EndThread(t *Thread) {
	r.mu.Lock()
	t.live = false
	t.state = vm.StateTerminated
	for i, other := range r.threads {
		if other == t {
			r.threads = append(r.threads[:i], r.threads[i+1:]...)
			break
		}
	}
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink.OnThreadEnd(t)
	}
}

// SetState replaces the thread's raw state word.
func (t *Thread) SetState(s vm.ThreadState) {
	t.rt.mu.Lock()
	t.state = s
	t.rt.mu.Unlock()
}

// SetStack replaces the thread's current stack, innermost frame first.
func (t *Thread) SetStack(stack []vm.Frame) {
	t.rt.mu.Lock()
	t.stack = stack
	t.rt.mu.Unlock()
}

func (r *Runtime) thread(h vm.Handle) (*Thread, error) {
	t, ok := h.(*Thread)
	if !ok || t.rt != r {
		return nil, errUnknownHandle
	}
	return t, nil
}

// Introspector.

func (r *Runtime) AllThreads() ([]vm.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]vm.Handle, 0, len(r.threads))
	for _, t := range r.threads {
		out = append(out, t)
	}
	return out, nil
}

func (r *Runtime) ThreadInfo(h vm.Handle) (vm.ThreadInfo, error) {
	t, err := r.thread(h)
	if err != nil {
		return vm.ThreadInfo{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return vm.ThreadInfo{Name: t.name, Daemon: t.daemon, Priority: t.priority}, nil
}

func (r *Runtime) ThreadState(h vm.Handle) (vm.ThreadState, error) {
	t, err := r.thread(h)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return t.state, nil
}

func (r *Runtime) SetTag(h vm.Handle, tag any) error {
	t, err := r.thread(h)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.tag = tag
	return nil
}

func (r *Runtime) Tag(h vm.Handle) (any, error) {
	t, err := r.thread(h)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return t.tag, nil
}

func (r *Runtime) method(id vm.MethodID) (*Method, error) {
	m, ok := id.(*Method)
	if !ok {
		return nil, fmt.Errorf("simvm: unknown method reference %v", id)
	}
	if m.Broken {
		return nil, fmt.Errorf("simvm: metadata unavailable for %q", m.Name)
	}
	return m, nil
}

func (r *Runtime) MethodName(id vm.MethodID) (string, error) {
	m, err := r.method(id)
	if err != nil {
		return "", err
	}
	return m.Name, nil
}

func (r *Runtime) MethodClass(id vm.MethodID) (vm.ClassID, error) {
	m, err := r.method(id)
	if err != nil {
		return nil, err
	}
	return m.class, nil
}

func (r *Runtime) ClassSignature(id vm.ClassID) (string, error) {
	c, ok := id.(*Class)
	if !ok {
		return "", fmt.Errorf("simvm: unknown class reference %v", id)
	}
	return c.Signature, nil
}

func (r *Runtime) SourceFile(id vm.ClassID) (string, error) {
	c, ok := id.(*Class)
	if !ok {
		return "", fmt.Errorf("simvm: unknown class reference %v", id)
	}
	if c.SourceFile == "" {
		return "", errors.New("simvm: class has no source file")
	}
	return c.SourceFile, nil
}

func (r *Runtime) LineNumberTable(id vm.MethodID) ([]vm.LineEntry, error) {
	m, err := r.method(id)
	if err != nil {
		return nil, err
	}
	if len(m.Lines) == 0 {
		return nil, errors.New("simvm: method has no line number table")
	}
	return m.Lines, nil
}

func (r *Runtime) ClassMethods(id vm.ClassID) ([]vm.MethodID, error) {
	c, ok := id.(*Class)
	if !ok {
		return nil, fmt.Errorf("simvm: unknown class reference %v", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]vm.MethodID, 0, len(c.methods))
	for _, m := range c.methods {
		out = append(out, m)
	}
	return out, nil
}

func (r *Runtime) LoadedClasses() ([]vm.ClassID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]vm.ClassID, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, c)
	}
	return out, nil
}

// Interrupter.

func (r *Runtime) InstallHandler(handler func(vm.InterruptContext)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handler != nil {
		return errors.New("simvm: interrupt handler already installed")
	}
	r.handler = handler
	return nil
}

// Interrupt delivers asynchronously, the way a signal would: the handler
// runs on another goroutine some time after Interrupt returns. Interrupts
// to dead or interrupt-dropping threads are absorbed silently.
func (r *Runtime) Interrupt(id vm.OSThreadID) error {
	r.mu.Lock()
	t := r.byOS[id]
	handler := r.handler
	r.mu.Unlock()
	if handler == nil {
		return errors.New("simvm: no interrupt handler installed")
	}
	if t == nil || !t.live || t.DropInterrupts {
		return nil
	}
	go func() {
		if t.HandlerDelay > 0 {
			time.Sleep(t.HandlerDelay)
		}
		handler(interruptContext{t: t})
	}()
	return nil
}

// StackWalker.

// Walk copies the interrupted thread's stack into frames. The execution
// context must belong to the same thread the interrupt landed on.
func (r *Runtime) Walk(ctx vm.ExecContext, ic vm.InterruptContext, frames []vm.Frame) (int, error) {
	ec, ok := ctx.(execContext)
	if !ok {
		return 0, errors.New("simvm: bad execution context")
	}
	c, ok := ic.(interruptContext)
	if !ok || c.t != ec.t {
		return 0, errors.New("simvm: execution context does not match interrupted thread")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := copy(frames, c.t.stack)
	return n, nil
}
