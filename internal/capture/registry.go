package capture

import (
	"github.com/rs/zerolog/log"

	"github.com/getsentry/astack/internal/vm"
)

// Record ties a managed thread to what is needed to capture its stack: the
// OS thread to interrupt and the execution context token the stack walker
// accepts from inside the interrupt handler. Records are attached to the
// thread handle through the runtime's tag side-table and exist exactly
// between the thread's start and end notifications.
type Record struct {
	OSThread vm.OSThreadID
	Ctx      vm.ExecContext
}

// Registry maintains the Record attached to each live thread. It owns no
// lock of its own: attachment is lock-free because it happens on the
// starting thread before anyone can address it, and detachment is called by
// the Coordinator under the capture lock so a record is never freed while a
// capture dereferences it.
type Registry struct {
	insp vm.Introspector
}

func NewRegistry(insp vm.Introspector) *Registry {
	return &Registry{insp: insp}
}

// Attach records the calling thread's identity. A thread whose tag cannot
// be set is simply unreachable for capture; that is logged, not fatal.
func (r *Registry) Attach(h vm.Handle, id vm.OSThreadID, ctx vm.ExecContext) {
	rec := &Record{OSThread: id, Ctx: ctx}
	if err := r.insp.SetTag(h, rec); err != nil {
		log.Warn().Err(err).Msg("could not tag thread, it will be missing from dumps")
	}
}

// detach removes the thread's record. Caller holds the capture lock.
func (r *Registry) detach(h vm.Handle) {
	tag, err := r.insp.Tag(h)
	if err != nil || tag == nil {
		return
	}
	if err := r.insp.SetTag(h, nil); err != nil {
		log.Warn().Err(err).Msg("could not clear thread tag")
	}
}

// lookup returns the thread's record, if any. Caller holds the capture lock.
func (r *Registry) lookup(h vm.Handle) (*Record, bool) {
	tag, err := r.insp.Tag(h)
	if err != nil || tag == nil {
		return nil, false
	}
	rec, ok := tag.(*Record)
	return rec, ok
}
