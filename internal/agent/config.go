package agent

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the agent's whole configuration surface. Only the dump port is
// required; everything else has a working default or is off until set.
type Config struct {
	// Port is the dump listener port. The agent refuses to start without
	// one; a silently unreachable diagnostics endpoint is worse than a
	// loud failure.
	Port int `env:"ASTACK_PORT" env-required:"true"`

	// StatusPort enables the HTTP status endpoint when non-zero.
	StatusPort int `env:"ASTACK_STATUS_PORT" env-default:"0"`

	// SpinLimit bounds the completion wait per capture, in iterations. It
	// is an iteration count rather than a duration: the waiting side may
	// not use timers while the interrupt handler runs.
	SpinLimit int `env:"ASTACK_SPIN_LIMIT" env-default:"100000000"`

	// MaxFrames caps the captured stack depth.
	MaxFrames int `env:"ASTACK_MAX_FRAMES" env-default:"128"`

	SentryDSN   string `env:"ASTACK_SENTRY_DSN" env-default:""`
	Environment string `env:"ASTACK_ENVIRONMENT" env-default:"development"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var c Config
	if err := cleanenv.ReadEnv(&c); err != nil {
		return Config{}, fmt.Errorf("reading agent configuration: %w", err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return Config{}, fmt.Errorf("invalid dump port %d", c.Port)
	}
	return c, nil
}
