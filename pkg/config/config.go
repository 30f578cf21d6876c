// Package config defines the configuration surface of spec.md §6: the
// knobs a zero-copy connection and a publisher/subscriber pair are
// built with. It follows the teacher's pkg/config idiom of a typed,
// validated object rather than untyped maps, but adds the fluent
// With* builder style used throughout the retrieved example pack (e.g.
// buildbarn/bb-storage's option builders) since spec.md's builder is
// explicitly part of the core (unlike the service-level configuration
// loader, which is out of scope).
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/ini.v1"
)

// DeliveryStrategy controls what a Publisher does when a subscriber's
// submission queue cannot accept a sample (spec.md §6).
type DeliveryStrategy int

const (
	// DiscardSample drops the sample for that one subscriber and moves
	// on (try_send semantics).
	DiscardSample DeliveryStrategy = iota
	// Block busy-waits (blocking_send semantics) until room is available.
	Block
)

func (s DeliveryStrategy) String() string {
	if s == Block {
		return "Block"
	}
	return "DiscardSample"
}

// DegradationAction controls how a Publisher reacts when try_send
// reports ConnectionCorrupted on a subscriber connection (spec.md §4.6).
type DegradationAction int

const (
	DegradationIgnore DegradationAction = iota
	DegradationWarn
	DegradationFail
)

// Config is the immutable configuration mirror stored in a connection's
// management block (spec.md §3) plus the fabric-level knobs (history,
// loans) that live one layer up in pkg/pubsub.
type Config struct {
	BufferSize                       int
	MaxBorrowedSamples               int
	EnableSafeOverflow               bool
	NumberOfSamplesPerSegment        int
	MaxSupportedSharedMemorySegments int
	Timeout                          time.Duration
	CreationTimeout                  time.Duration
	UnableToDeliverStrategy          DeliveryStrategy
	CorruptionDegradation            DegradationAction
	HistorySize                      int
	MaxLoanedSamples                 int
	RootPath                         string
}

// Default returns the baseline configuration before any With* calls,
// matching the teacher's pattern of a zero-value-safe struct plus a
// constructor (cf. config.NewNodeConfigurator).
func Default() *Config {
	return &Config{
		BufferSize:                       16,
		MaxBorrowedSamples:               2,
		EnableSafeOverflow:               false,
		NumberOfSamplesPerSegment:        16,
		MaxSupportedSharedMemorySegments: 1,
		Timeout:                          0,
		CreationTimeout:                  time.Second,
		UnableToDeliverStrategy:          DiscardSample,
		CorruptionDegradation:            DegradationWarn,
		HistorySize:                      0,
		MaxLoanedSamples:                 2,
	}
}

func (c *Config) WithBufferSize(n int) *Config                  { c.BufferSize = n; return c }
func (c *Config) WithMaxBorrowedSamples(n int) *Config           { c.MaxBorrowedSamples = n; return c }
func (c *Config) WithSafeOverflow(enabled bool) *Config          { c.EnableSafeOverflow = enabled; return c }
func (c *Config) WithNumberOfSamplesPerSegment(n int) *Config    { c.NumberOfSamplesPerSegment = n; return c }
func (c *Config) WithNumberOfSegments(n int) *Config             { c.MaxSupportedSharedMemorySegments = n; return c }
func (c *Config) WithTimeout(d time.Duration) *Config            { c.Timeout = d; return c }
func (c *Config) WithCreationTimeout(d time.Duration) *Config    { c.CreationTimeout = d; return c }
func (c *Config) WithUnableToDeliverStrategy(s DeliveryStrategy) *Config {
	c.UnableToDeliverStrategy = s
	return c
}
func (c *Config) WithHistorySize(n int) *Config       { c.HistorySize = n; return c }
func (c *Config) WithMaxLoanedSamples(n int) *Config  { c.MaxLoanedSamples = n; return c }
func (c *Config) WithRootPath(path string) *Config    { c.RootPath = path; return c }

// Validate rounds zero countable limits up to one, logging a warning
// for each (spec.md §6: "Zero values for countable limits are rejected
// by the builder and rounded up to one with a warning"). It never
// returns an error: the clamping itself is the validation.
func (c *Config) Validate(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	clamp := func(name string, v *int) {
		if *v < 1 {
			logger.Warn("configuration value rounded up to 1", "field", name, "was", *v)
			*v = 1
		}
	}
	clamp("BufferSize", &c.BufferSize)
	clamp("MaxBorrowedSamples", &c.MaxBorrowedSamples)
	clamp("NumberOfSamplesPerSegment", &c.NumberOfSamplesPerSegment)
	clamp("MaxSupportedSharedMemorySegments", &c.MaxSupportedSharedMemorySegments)
	clamp("MaxLoanedSamples", &c.MaxLoanedSamples)
	if c.HistorySize < 0 {
		logger.Warn("configuration value rounded up to 0", "field", "HistorySize", "was", c.HistorySize)
		c.HistorySize = 0
	}
}

// LoadDefaults overlays INI-sourced defaults from path onto c, reading
// a single "[connection]" section (spec.md §6's builder knobs). It is
// meant to run before any explicit With* call, which must always win
// over a file default, so callers should invoke it first:
//
//	cfg := config.Default()
//	if err := cfg.LoadDefaults("shmipc.ini"); err != nil { ... }
//	cfg.WithBufferSize(64) // explicit override still wins
func (c *Config) LoadDefaults(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("config: loading %s: %w", path, err)
	}
	section := f.Section("connection")

	if key := section.Key("buffer_size"); key.String() != "" {
		c.BufferSize, err = key.Int()
		if err != nil {
			return fmt.Errorf("config: buffer_size: %w", err)
		}
	}
	if key := section.Key("max_borrowed_samples"); key.String() != "" {
		c.MaxBorrowedSamples, err = key.Int()
		if err != nil {
			return fmt.Errorf("config: max_borrowed_samples: %w", err)
		}
	}
	if key := section.Key("enable_safe_overflow"); key.String() != "" {
		c.EnableSafeOverflow, err = key.Bool()
		if err != nil {
			return fmt.Errorf("config: enable_safe_overflow: %w", err)
		}
	}
	if key := section.Key("number_of_samples_per_segment"); key.String() != "" {
		c.NumberOfSamplesPerSegment, err = key.Int()
		if err != nil {
			return fmt.Errorf("config: number_of_samples_per_segment: %w", err)
		}
	}
	if key := section.Key("history_size"); key.String() != "" {
		c.HistorySize, err = key.Int()
		if err != nil {
			return fmt.Errorf("config: history_size: %w", err)
		}
	}
	if key := section.Key("max_loaned_samples"); key.String() != "" {
		c.MaxLoanedSamples, err = key.Int()
		if err != nil {
			return fmt.Errorf("config: max_loaned_samples: %w", err)
		}
	}
	if key := section.Key("timeout_ms"); key.String() != "" {
		ms, err := key.Int64()
		if err != nil {
			return fmt.Errorf("config: timeout_ms: %w", err)
		}
		c.Timeout = time.Duration(ms) * time.Millisecond
	}
	if key := section.Key("creation_timeout_ms"); key.String() != "" {
		ms, err := key.Int64()
		if err != nil {
			return fmt.Errorf("config: creation_timeout_ms: %w", err)
		}
		c.CreationTimeout = time.Duration(ms) * time.Millisecond
	}
	if key := section.Key("root_path"); key.String() != "" {
		c.RootPath = key.String()
	}
	return nil
}

// CompletionChannelCapacity is derived, never configured directly
// (spec.md §3): buffer_size + max_borrowed_samples + 1, guaranteeing
// release can never fail on a well-formed connection.
func (c *Config) CompletionChannelCapacity() int {
	return c.BufferSize + c.MaxBorrowedSamples + 1
}
