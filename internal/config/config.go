// Package config resolves the environment-driven configuration keys listed
// in the specification's external interfaces section. There is no file
// format owned here; CLI flag parsing and file-based config are explicitly
// out of scope for this package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pbnjay/memory"
)

// Circuit holds the circuit breaker tunables.
type Circuit struct {
	Window      int
	MinSamples  int
	FailureRate float64
	Cooldown    time.Duration
}

// Config is the flat, validated configuration consumed by pkg/engine.
type Config struct {
	TotalSystemMB           uint64
	MemoryLimitPercent      float64
	ReservedSystemMB        uint64
	RequestTimeout          time.Duration
	IdleTimeout             time.Duration
	EvictionCheckInterval   time.Duration
	Circuit                 Circuit
	MemoryReadTimeout       time.Duration
	SearchTopK              int
	MemoryContextTokenBudget int
	CandidateLimit          int
}

// Default returns the baseline configuration with the defaults named in
// the spec (idle_secs=300, N=20, M=10, F=0.5, cooldown=30s, top_k=10,
// token budget=2000).
func Default() Config {
	return Config{
		TotalSystemMB:         totalSystemMB(),
		MemoryLimitPercent:    0.7,
		ReservedSystemMB:      1024,
		RequestTimeout:        30 * time.Second,
		IdleTimeout:           300 * time.Second,
		EvictionCheckInterval: 60 * time.Second,
		Circuit: Circuit{
			Window:      20,
			MinSamples:  10,
			FailureRate: 0.5,
			Cooldown:    30 * time.Second,
		},
		MemoryReadTimeout:        2 * time.Second,
		SearchTopK:               10,
		MemoryContextTokenBudget: 2000,
		CandidateLimit:           20,
	}
}

// totalSystemMB probes the host's total physical memory; a probe
// failure (returns 0 on platforms memory.TotalMemory can't read) is not
// fatal here — Validate rejects a zero total explicitly so the operator
// sees a clear error rather than a silently zero-budget governor.
func totalSystemMB() uint64 {
	return memory.TotalMemory() / (1024 * 1024)
}

// FromEnv overlays recognized environment variables onto the defaults and
// validates the result.
func FromEnv() (Config, error) {
	cfg := Default()

	if v, ok := os.LookupEnv("INFERNOD_TOTAL_SYSTEM_MB"); ok {
		u, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: INFERNOD_TOTAL_SYSTEM_MB: %w", err)
		}
		cfg.TotalSystemMB = u
	}
	if v, ok := os.LookupEnv("INFERNOD_MEMORY_LIMIT_PERCENT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: INFERNOD_MEMORY_LIMIT_PERCENT: %w", err)
		}
		cfg.MemoryLimitPercent = f
	}
	if v, ok := os.LookupEnv("INFERNOD_RESERVED_SYSTEM_MB"); ok {
		u, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: INFERNOD_RESERVED_SYSTEM_MB: %w", err)
		}
		cfg.ReservedSystemMB = u
	}
	if v, ok := os.LookupEnv("INFERNOD_REQUEST_TIMEOUT_SECS"); ok {
		d, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: INFERNOD_REQUEST_TIMEOUT_SECS: %w", err)
		}
		cfg.RequestTimeout = time.Duration(d) * time.Second
	}
	if v, ok := os.LookupEnv("INFERNOD_IDLE_SECS"); ok {
		d, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: INFERNOD_IDLE_SECS: %w", err)
		}
		cfg.IdleTimeout = time.Duration(d) * time.Second
	}
	if v, ok := os.LookupEnv("INFERNOD_SEARCH_TOP_K"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: INFERNOD_SEARCH_TOP_K: %w", err)
		}
		cfg.SearchTopK = n
	}
	if v, ok := os.LookupEnv("INFERNOD_MEMORY_CONTEXT_TOKEN_BUDGET"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: INFERNOD_MEMORY_CONTEXT_TOKEN_BUDGET: %w", err)
		}
		cfg.MemoryContextTokenBudget = n
	}
	if v, ok := os.LookupEnv("INFERNOD_MEMORY_READ_TIMEOUT_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: INFERNOD_MEMORY_READ_TIMEOUT_MS: %w", err)
		}
		cfg.MemoryReadTimeout = time.Duration(n) * time.Millisecond
	}

	return cfg, cfg.Validate()
}

// Validate enforces the invariants the rest of the runtime assumes hold,
// clamping SearchTopK down to CandidateLimit when the latter is smaller.
func (c *Config) Validate() error {
	if c.TotalSystemMB == 0 {
		return fmt.Errorf("config: total_system_mb must be positive (set INFERNOD_TOTAL_SYSTEM_MB if the host probe failed)")
	}
	if c.MemoryLimitPercent <= 0 || c.MemoryLimitPercent > 1 {
		return fmt.Errorf("config: memory_limit_percent must be in (0,1], got %f", c.MemoryLimitPercent)
	}
	if c.Circuit.FailureRate <= 0 || c.Circuit.FailureRate > 1 {
		return fmt.Errorf("config: circuit.failure_rate must be in (0,1], got %f", c.Circuit.FailureRate)
	}
	if c.Circuit.MinSamples <= 0 || c.Circuit.MinSamples > c.Circuit.Window {
		return fmt.Errorf("config: circuit.min_samples must be in (0,window], got %d/%d", c.Circuit.MinSamples, c.Circuit.Window)
	}
	if c.SearchTopK <= 0 {
		return fmt.Errorf("config: search_top_k must be positive")
	}
	if c.CandidateLimit > 0 && c.CandidateLimit < c.SearchTopK {
		// candidate_limit is an upper bound on raw ANN retrieval; top_k is
		// the post-filter/post-boost cap. Clamp down rather than error, per
		// the Open Question resolution in SPEC_FULL.md.
		c.SearchTopK = c.CandidateLimit
	}
	return nil
}
