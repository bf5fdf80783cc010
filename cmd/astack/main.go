package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/astack/internal/agent"
	"github.com/getsentry/astack/internal/logutil"
	"github.com/getsentry/astack/internal/simvm"
)

var release string

func main() {
	logutil.ConfigureLogger()

	cfg, err := agent.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("error loading configuration")
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
			Release:     release,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("can't initialize sentry")
		}
		defer sentry.Flush(5 * time.Second)
	}

	rt := simvm.New()
	a, err := agent.New(cfg, agent.Runtime{
		Introspector: rt,
		Interrupter:  rt,
		StackWalker:  rt,
	})
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up the agent")
	}

	rt.Bind(a)
	startWorkload(rt)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		if err := a.Close(); err != nil {
			log.Err(err).Msg("error shutting down agent")
		}
	}()

	if err := a.Serve(); err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("agent failed")
	}
}
