package store

import (
	"os"
	"strconv"

	"github.com/kvmesh/kvmesh/kvlog"
)

// Options configures a Store's growth and locking behaviour. Grounded on
// the teacher's env-driven Opts/Config resolution
// (valuesstore.go:NewValuesStoreOpts, valuelocmap:resolveConfig): functional
// options layered over KVMESH_* environment fallbacks, resolved once at
// construction.
type Options struct {
	// InitialCapacity is the array capacity allocated on first use.
	// Defaults to 30 per spec.md §3.3.
	InitialCapacity int
	// EntryLocks enables the optional per-entry fine-grained lock described
	// in spec.md §4.B. Off by default: most callers only need the coarse
	// store lock.
	EntryLocks bool
	// Log receives diagnostic messages (growth retries, allocation
	// failures). Defaults to a no-op logger.
	Log kvlog.LogFunc
}

// Option mutates Options; pattern mirrors the teacher's OptCores/OptPageSize
// functional options (valuelocmap/valuelocmap.go).
type Option func(*Options)

// WithInitialCapacity overrides the initial array capacity.
func WithInitialCapacity(n int) Option {
	return func(o *Options) { o.InitialCapacity = n }
}

// WithEntryLocks toggles the optional per-entry lock subsystem.
func WithEntryLocks(enabled bool) Option {
	return func(o *Options) { o.EntryLocks = enabled }
}

// WithLog sets the diagnostic log sink.
func WithLog(log kvlog.LogFunc) Option {
	return func(o *Options) { o.Log = log }
}

func resolveOptions(opts ...Option) *Options {
	o := &Options{}
	if env := os.Getenv("KVMESH_STORE_INITIAL_CAPACITY"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			o.InitialCapacity = v
		}
	}
	if env := os.Getenv("KVMESH_STORE_ENTRY_LOCKS"); env != "" {
		if v, err := strconv.ParseBool(env); err == nil {
			o.EntryLocks = v
		}
	}
	for _, f := range opts {
		f(o)
	}
	if o.InitialCapacity <= 0 {
		o.InitialCapacity = 30
	}
	if o.Log == nil {
		o.Log = kvlog.Nop
	}
	return o
}
