package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/goccy/go-json"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/astack/internal/capture"
)

// StatusServer is the optional HTTP side-channel reporting agent health and
// capture counters. It never touches the capture slot and may run
// concurrently with dumps.
type StatusServer struct {
	ln      net.Listener
	server  *http.Server
	dumps   func() uint64
	stats   func() capture.Stats
	started time.Time
}

type statusResponse struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Dumps         uint64  `json:"dumps"`
	capture.Stats
}

func NewStatusServer(port int, dumps func() uint64, stats func() capture.Stats) (*StatusServer, error) {
	s := &StatusServer{
		dumps:   dumps,
		stats:   stats,
		started: time.Now(),
	}

	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, err
	}

	router := httprouter.New()
	router.Handler(http.MethodGet, "/health", compress(http.HandlerFunc(s.getHealth)))
	router.Handler(http.MethodGet, "/status", compress(http.HandlerFunc(s.getStatus)))

	// Bind here rather than in Serve: a status port that cannot be bound
	// is a startup failure, not something to discover later.
	s.ln, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding status listener: %w", err)
	}

	s.server = &http.Server{Handler: router}
	return s, nil
}

// Serve blocks until the status server is shut down.
func (s *StatusServer) Serve() error {
	log.Info().Stringer("addr", s.ln.Addr()).Msg("status endpoint started")
	err := s.server.Serve(s.ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *StatusServer) Close() error {
	err := s.server.Close()
	if cerr := s.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
		err = cerr
	}
	return err
}

func (s *StatusServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *StatusServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	b, err := json.Marshal(statusResponse{
		UptimeSeconds: time.Since(s.started).Seconds(),
		Dumps:         s.dumps(),
		Stats:         s.stats(),
	})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}
