// Package server exposes thread dumps over the wire. The dump protocol is
// deliberately bare: connect over TCP, read UTF-8 text until EOF. Anything
// the client sends is ignored.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/astack/internal/dump"
)

// drainTimeout bounds how long a served connection waits for the client's
// EOF after the dump is written.
const drainTimeout = 5 * time.Second

// Server accepts dump connections sequentially: one connection is served to
// completion before the next is accepted. Dumps are never pipelined.
type Server struct {
	ln     net.Listener
	dumper *dump.Dumper
	dumps  atomic.Uint64
}

// New binds the dual-stack TCP listener. A port that cannot be bound is a
// startup failure.
func New(port int, dumper *dump.Dumper) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding dump listener: %w", err)
	}
	return &Server{ln: ln, dumper: dumper}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve runs the accept loop until the listener is closed. A failed dump
// ends that connection only; the loop keeps accepting.
func (s *Server) Serve() error {
	log.Info().Stringer("addr", s.ln.Addr()).Msg("dump listener started")
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	s.dumps.Add(1)
	dumpID := strings.Replace(uuid.New().String(), "-", "", -1)
	logger := log.With().
		Str("dump_id", dumpID).
		Stringer("remote", conn.RemoteAddr()).
		Logger()
	logger.Info().Msg("serving thread dump")

	w := bufio.NewWriter(conn)
	if err := s.dumper.WriteAll(w); err != nil {
		// The client is most likely gone; nothing to tell it.
		sentry.CaptureException(err)
		logger.Warn().Err(err).Msg("thread dump ended early")
		return
	}
	if err := w.Flush(); err != nil {
		logger.Warn().Err(err).Msg("could not flush thread dump")
		return
	}

	// The protocol never reads the client's bytes, but closing with them
	// still queued in the receive buffer turns the close into a reset and
	// the client may never see the tail of the dump. Half-close our side,
	// then drain until the client's EOF or the drain deadline.
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(drainTimeout))
	_, _ = io.Copy(io.Discard, conn)
}

// Dumps returns the number of connections served so far.
func (s *Server) Dumps() uint64 {
	return s.dumps.Load()
}

// Close stops the accept loop.
func (s *Server) Close() error {
	return s.ln.Close()
}
