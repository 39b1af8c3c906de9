package session

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/seantiz/simproxy/internal/launch"
)

// Defaults for session configuration.
const (
	DefaultLaunchTimeout       = 30 * time.Second
	DefaultCallTimeout         = 60 * time.Second
	DefaultMaxHandshakeRetries = 5
	DefaultHandshakeTimeout    = 5 * time.Second
	DefaultGracePeriod         = 5 * time.Second
	DefaultInitialBackoff      = 100 * time.Millisecond
	DefaultMaxBackoff          = 2 * time.Second
)

const (
	envHost                = "SIMPROXY_HOST"
	envPort                = "SIMPROXY_PORT"
	envLaunchTimeout       = "SIMPROXY_LAUNCH_TIMEOUT"
	envCallTimeout         = "SIMPROXY_CALL_TIMEOUT"
	envMaxHandshakeRetries = "SIMPROXY_MAX_HANDSHAKE_RETRIES"
	envHandshakeTimeout    = "SIMPROXY_HANDSHAKE_TIMEOUT"
	envGracePeriod         = "SIMPROXY_GRACE_PERIOD"
	envInitialBackoff      = "SIMPROXY_INITIAL_BACKOFF"
	envMaxBackoff          = "SIMPROXY_MAX_BACKOFF"
)

// Config holds the construction parameters of a session.
type Config struct {
	// Host is the machine the worker runs on. Empty means this machine.
	Host string

	// Port is the port the worker binds; 0 lets it pick an ephemeral one.
	Port int

	// LaunchTimeout bounds the wait for the worker's address report.
	LaunchTimeout time.Duration

	// CallTimeout bounds the wait for one call's response. 0 waits for the
	// caller's context only.
	CallTimeout time.Duration

	// MaxHandshakeRetries is the number of handshake attempts per launch.
	MaxHandshakeRetries int

	// HandshakeTimeout bounds each handshake attempt.
	HandshakeTimeout time.Duration

	// GracePeriod is how long a stopped worker gets to exit on its own.
	GracePeriod time.Duration

	// InitialBackoff is the delay after the first failed handshake attempt;
	// it doubles per attempt up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns a config for a local worker with default timeouts.
func DefaultConfig() Config {
	return Config{
		LaunchTimeout:       DefaultLaunchTimeout,
		CallTimeout:         DefaultCallTimeout,
		MaxHandshakeRetries: DefaultMaxHandshakeRetries,
		HandshakeTimeout:    DefaultHandshakeTimeout,
		GracePeriod:         DefaultGracePeriod,
		InitialBackoff:      DefaultInitialBackoff,
		MaxBackoff:          DefaultMaxBackoff,
	}
}

// LoadConfig reads SIMPROXY_* session variables over the defaults. Invalid
// values are reported rather than ignored.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	cfg.Host = os.Getenv(envHost)
	if v := os.Getenv(envPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return Config{}, fmt.Errorf("%s: invalid port %q", envPort, v)
		}
		cfg.Port = port
	}
	if v := os.Getenv(envMaxHandshakeRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("%s: want a positive integer, got %q", envMaxHandshakeRetries, v)
		}
		cfg.MaxHandshakeRetries = n
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{envLaunchTimeout, &cfg.LaunchTimeout},
		{envCallTimeout, &cfg.CallTimeout},
		{envHandshakeTimeout, &cfg.HandshakeTimeout},
		{envGracePeriod, &cfg.GracePeriod},
		{envInitialBackoff, &cfg.InitialBackoff},
		{envMaxBackoff, &cfg.MaxBackoff},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 {
			return Config{}, fmt.Errorf("%s: invalid duration %q", d.env, v)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// withDefaults fills zero fields that have no meaningful zero value.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = def.LaunchTimeout
	}
	if c.MaxHandshakeRetries <= 0 {
		c.MaxHandshakeRetries = def.MaxHandshakeRetries
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// LauncherConfig returns the launcher settings derived from c.
func (c Config) LauncherConfig() launch.Config {
	c = c.withDefaults()
	return launch.Config{
		Port:          c.Port,
		LaunchTimeout: c.LaunchTimeout,
		GracePeriod:   c.GracePeriod,
	}
}
