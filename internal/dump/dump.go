// Package dump renders a full thread dump: every live thread's header,
// state label and captured stack, in enumeration order.
package dump

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/astack/internal/capture"
	"github.com/getsentry/astack/internal/symbol"
	"github.com/getsentry/astack/internal/vm"
)

type Dumper struct {
	insp vm.Introspector
	coor *capture.Coordinator
	res  *symbol.Resolver
}

func NewDumper(insp vm.Introspector, coor *capture.Coordinator, res *symbol.Resolver) *Dumper {
	return &Dumper{insp: insp, coor: coor, res: res}
}

// WriteAll writes one text block per thread live at enumeration time.
// Threads that end mid-dump degrade to a skipped or truncated block; only a
// failure to enumerate or to write aborts the dump.
func (d *Dumper) WriteAll(w io.Writer) error {
	threads, err := d.insp.AllThreads()
	if err != nil {
		return fmt.Errorf("enumerating threads: %w", err)
	}

	for _, h := range threads {
		if err := d.writeThread(w, h); err != nil {
			return err
		}
	}
	return nil
}

// writeThread writes a single thread's block followed by a blank line. The
// returned error is a sink write failure only; capture and metadata
// problems degrade the block instead.
func (d *Dumper) writeThread(w io.Writer, h vm.Handle) error {
	info, err := d.insp.ThreadInfo(h)
	if err != nil {
		log.Warn().Err(err).Msg("skipping thread without readable info")
		return nil
	}
	state, err := d.insp.ThreadState(h)
	if err != nil {
		log.Warn().Err(err).Str("thread", info.Name).Msg("skipping thread without readable state")
		return nil
	}

	daemon := ""
	if info.Daemon {
		daemon = " daemon"
	}
	if _, err := fmt.Fprintf(w, "\"%s\"%s prio=%d\n  java.lang.Thread.Stage: %s\n",
		info.Name, daemon, info.Priority, StateLabel(state)); err != nil {
		return err
	}

	frames, err := d.coor.CaptureThread(h)
	switch {
	case errors.Is(err, capture.ErrUnavailable):
		// No record: never started under the agent or already ended.
	case errors.Is(err, capture.ErrTimeout):
		log.Warn().Str("thread", info.Name).Msg("stack capture did not complete")
	case err != nil:
		log.Warn().Err(err).Str("thread", info.Name).Msg("stack capture failed")
	default:
		for _, raw := range frames {
			if _, err := fmt.Fprintln(w, d.res.Frame(raw).Render()); err != nil {
				return err
			}
		}
	}

	_, err = fmt.Fprintln(w)
	return err
}
