// Package vm declares the surface of the managed runtime the agent runs
// inside. The runtime owns thread identity, method and class metadata,
// event delivery and the asynchronous stack walker; the agent only ever
// talks to it through these interfaces.
package vm

type (
	// Handle is the runtime's opaque identity for a managed thread. The
	// agent never inspects it; it only passes it back to the runtime.
	Handle any

	// OSThreadID addresses the operating-system thread backing a managed
	// thread, for out-of-band interrupt delivery.
	OSThreadID uint64

	// ExecContext is an opaque per-thread token captured at thread start.
	// It is the only piece of thread state the stack walker accepts from
	// inside the interrupt handler.
	ExecContext any

	// InterruptContext is the interrupted thread's register/stack context,
	// handed to the installed handler by the runtime.
	InterruptContext any

	// MethodID and ClassID are opaque metadata references.
	MethodID any
	ClassID  any

	// Frame is one raw captured frame: a bytecode location and the method
	// executing there. A negative location means the method has no
	// executable location (native code).
	Frame struct {
		Location int64
		Method   MethodID
	}

	// LineEntry maps a starting bytecode location to a source line.
	// Tables are ordered by strictly increasing Start.
	LineEntry struct {
		Start int64
		Line  int
	}

	ThreadInfo struct {
		Name     string
		Daemon   bool
		Priority int
	}

	// ThreadState is the runtime's raw thread state word.
	ThreadState uint32
)

const (
	StateAlive                 ThreadState = 0x0001
	StateTerminated            ThreadState = 0x0002
	StateRunnable              ThreadState = 0x0004
	StateWaitingIndefinitely   ThreadState = 0x0010
	StateWaitingWithTimeout    ThreadState = 0x0020
	StateSleeping              ThreadState = 0x0040
	StateInObjectWait          ThreadState = 0x0100
	StateParked                ThreadState = 0x0200
	StateBlockedOnMonitorEnter ThreadState = 0x0400
)

// Introspector is the runtime's read side: thread enumeration, per-thread
// metadata, the tag side-table and symbol information.
type Introspector interface {
	// AllThreads returns a point-in-time snapshot of live thread handles.
	AllThreads() ([]Handle, error)
	ThreadInfo(h Handle) (ThreadInfo, error)
	ThreadState(h Handle) (ThreadState, error)

	// SetTag attaches an arbitrary value to a thread handle; Tag reads it
	// back. A nil tag means no value is attached.
	SetTag(h Handle, tag any) error
	Tag(h Handle) (any, error)

	MethodName(m MethodID) (string, error)
	MethodClass(m MethodID) (ClassID, error)
	ClassSignature(c ClassID) (string, error)
	SourceFile(c ClassID) (string, error)
	LineNumberTable(m MethodID) ([]LineEntry, error)

	// ClassMethods resolves all method references of a class. Calling it
	// is what makes those methods resolvable from the stack walker later.
	ClassMethods(c ClassID) ([]MethodID, error)
	LoadedClasses() ([]ClassID, error)
}

// Interrupter delivers out-of-band interrupts. InstallHandler is called
// once for the process lifetime; the handler then runs whenever Interrupt
// forces a target thread out of its normal flow. The handler executes in a
// restricted context: it must not allocate, block or take locks.
type Interrupter interface {
	InstallHandler(handler func(InterruptContext)) error

	// Interrupt directs the thread identified by id into the installed
	// handler. Delivery is asynchronous and best-effort: a thread that
	// has already exited may absorb the interrupt silently.
	Interrupt(id OSThreadID) error
}

// StackWalker fills frames with the interrupted thread's call stack, up to
// len(frames) entries, and returns the number filled. It is safe to call
// only from within the installed interrupt handler.
type StackWalker interface {
	Walk(ctx ExecContext, ic InterruptContext, frames []Frame) (int, error)
}

// EventSink is implemented by the agent and invoked by the runtime on
// lifecycle events. OnThreadStart runs on the starting thread itself,
// before that thread is visible to AllThreads callers.
type EventSink interface {
	OnVMInit()
	OnThreadStart(h Handle, id OSThreadID, ctx ExecContext)
	OnThreadEnd(h Handle)
	OnClassLoad(c ClassID)
	OnClassPrepare(c ClassID)
}
