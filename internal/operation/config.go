package operation

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRetention is the age after which finished top-level work is swept
	DefaultRetention = 30 * time.Second

	// DefaultCleanupAge is used by the on-demand cleanup entry point
	DefaultCleanupAge = 60 * time.Second
)

// Config contains configuration options for a Store
type Config struct {
	// Retention is how long terminal operations are kept before the
	// opportunistic sweep triggered by top-level starts removes them.
	// Default: 30s
	Retention time.Duration

	// CleanupAge is the threshold used by CleanupStale.
	// Default: 60s
	CleanupAge time.Duration

	// Verbose logs no-op lifecycle calls against unknown ids
	Verbose bool

	// Now returns the current time (overridable in tests)
	Now func() time.Time

	// NewID generates operation ids
	NewID func() string

	// Observers receive lifecycle events
	Observers []Observer
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Retention:  DefaultRetention,
		CleanupAge: DefaultCleanupAge,
		Now:        time.Now,
		NewID:      func() string { return "op_" + uuid.New().String() },
	}
}

// Option is a functional option for configuring a Store
type Option func(*Config)

// WithRetention sets the sweep threshold for finished top-level work
func WithRetention(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.Retention = d
	}
}

// WithCleanupAge sets the threshold used by CleanupStale
func WithCleanupAge(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.CleanupAge = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(cfg *Config) {
		cfg.Now = now
	}
}

// WithIDGenerator overrides operation id generation
func WithIDGenerator(gen func() string) Option {
	return func(cfg *Config) {
		cfg.NewID = gen
	}
}

// WithObserver registers a lifecycle observer
func WithObserver(o Observer) Option {
	return func(cfg *Config) {
		cfg.Observers = append(cfg.Observers, o)
	}
}

// WithVerbose enables logging of no-op calls
func WithVerbose(enabled bool) Option {
	return func(cfg *Config) {
		cfg.Verbose = enabled
	}
}
