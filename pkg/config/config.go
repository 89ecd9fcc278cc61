// Package config provides the typed, validated settings the host hands to
// the runtime at init (§6 Environment/config). Parsing these out of a
// config file or CLI flags is the host's job; this package only supplies
// the result and the range checks the runtime depends on.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/r3e-network/gears-runtime/pkg/errors"
)

// FatalFailurePolicy selects what happens on lock-timeout or near-OOM (§7).
type FatalFailurePolicy string

const (
	PolicyAbort FatalFailurePolicy = "abort"
	PolicyKill  FatalFailurePolicy = "kill"
)

// Config is the immutable-after-init settings snapshot (§4.10, §6).
type Config struct {
	// ExecutionThreads sizes the worker pool. Range [1, 32]. Immutable after init.
	ExecutionThreads int
	// LibraryMaxMemoryBytes caps one isolate's heap. Range [16MiB, 2GiB].
	LibraryMaxMemoryBytes int64
	// LockTimeout is the watchdog threshold. Range [100ms, 1e9ms].
	LockTimeout time.Duration
	// FatalFailurePolicy chooses abort vs kill on watchdog/OOM trip.
	FatalFailurePolicy FatalFailurePolicy
	// RegistryAddress is the optional HTTP registry (box search/install) base URL.
	RegistryAddress string
	// EnginePluginPath is immutable after init; unused by the bundled goja backend,
	// kept for parity with alternative Engine Backend implementations (§4.2).
	EnginePluginPath string
}

const (
	minExecutionThreads = 1
	maxExecutionThreads = 32
	minLibraryMaxMemory = 16 * 1024 * 1024
	maxLibraryMaxMemory = 2 * 1024 * 1024 * 1024
	minLockTimeout      = 100 * time.Millisecond
	maxLockTimeout      = 1_000_000_000 * time.Millisecond
)

// Default returns the baseline configuration (1 execution thread, 64MiB
// isolate cap, 500ms lock timeout, abort policy).
func Default() Config {
	return Config{
		ExecutionThreads:      1,
		LibraryMaxMemoryBytes: 64 * 1024 * 1024,
		LockTimeout:           500 * time.Millisecond,
		FatalFailurePolicy:    PolicyAbort,
	}
}

// Validate enforces the §6 ranges, returning a CodeRuntime error for the
// first violation found.
func (c Config) Validate() error {
	if c.ExecutionThreads < minExecutionThreads || c.ExecutionThreads > maxExecutionThreads {
		return errors.New(errors.CodeRuntime, "execution-threads out of range [1,32]").
			WithDetail("value", c.ExecutionThreads)
	}
	if c.LibraryMaxMemoryBytes < minLibraryMaxMemory || c.LibraryMaxMemoryBytes > maxLibraryMaxMemory {
		return errors.New(errors.CodeRuntime, "library-maxmemory out of range [16MiB,2GiB]").
			WithDetail("value", c.LibraryMaxMemoryBytes)
	}
	if c.LockTimeout < minLockTimeout || c.LockTimeout > maxLockTimeout {
		return errors.New(errors.CodeRuntime, "lock-redis-timeout out of range [100ms,1e9ms]").
			WithDetail("value", c.LockTimeout)
	}
	switch c.FatalFailurePolicy {
	case PolicyAbort, PolicyKill:
	default:
		return errors.New(errors.CodeRuntime, "library-fatal-failure-policy must be abort or kill").
			WithDetail("value", string(c.FatalFailurePolicy))
	}
	return nil
}

// LoadFromEnv builds a Config from environment variables, falling back to
// Default() for anything unset. Intended for the standalone cmd/gearsd
// example; an embedding host is expected to construct Config directly from
// its own config plumbing.
func LoadFromEnv() Config {
	cfg := Default()

	if v := strings.TrimSpace(os.Getenv("GEARS_EXECUTION_THREADS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ExecutionThreads = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("GEARS_LIBRARY_MAXMEMORY")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.LibraryMaxMemoryBytes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("GEARS_LOCK_TIMEOUT_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.LockTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("GEARS_FATAL_FAILURE_POLICY")); v != "" {
		cfg.FatalFailurePolicy = FatalFailurePolicy(strings.ToLower(v))
	}
	cfg.RegistryAddress = strings.TrimSpace(os.Getenv("GEARS_REGISTRY_ADDRESS"))
	cfg.EnginePluginPath = strings.TrimSpace(os.Getenv("GEARS_ENGINE_PLUGIN_PATH"))

	return cfg
}
