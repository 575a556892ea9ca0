package replication

import (
	"os"
	"strconv"
	"time"

	"github.com/kvmesh/kvmesh/kvlog"
)

// Options configures a Session's timing. Grounded on the teacher's
// env-driven Config/Opts resolution pattern (valuesstore.go), generalized
// to the replication engine's own tunables.
type Options struct {
	// StartWindow is how long the session waits in START for STAT replies
	// before transitioning to RUN (spec.md §4.D.1: "≈ 200 ms").
	StartWindow time.Duration
	// RunTick is the poll interval once in RUN (spec.md: "≈ 500 ms").
	RunTick time.Duration
	// SyncTick is the poll interval while streaming a SYNC burst; the
	// source has no separate tick for this, but kvmesh paces SYNC sends so
	// a slow peer isn't flooded. Defaults to 20ms; no env fallback.
	SyncTick time.Duration
	Log      kvlog.LogFunc
}

// Option mutates Options.
type Option func(*Options)

func WithStartWindow(d time.Duration) Option { return func(o *Options) { o.StartWindow = d } }
func WithRunTick(d time.Duration) Option     { return func(o *Options) { o.RunTick = d } }
func WithSyncTick(d time.Duration) Option    { return func(o *Options) { o.SyncTick = d } }
func WithLog(log kvlog.LogFunc) Option       { return func(o *Options) { o.Log = log } }

func resolveOptions(opts ...Option) *Options {
	o := &Options{}
	if env := os.Getenv("KVMESH_REPL_START_WINDOW_MS"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			o.StartWindow = time.Duration(v) * time.Millisecond
		}
	}
	if env := os.Getenv("KVMESH_REPL_RUN_TICK_MS"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			o.RunTick = time.Duration(v) * time.Millisecond
		}
	}
	for _, f := range opts {
		f(o)
	}
	if o.StartWindow <= 0 {
		o.StartWindow = 200 * time.Millisecond
	}
	if o.RunTick <= 0 {
		o.RunTick = 500 * time.Millisecond
	}
	if o.SyncTick <= 0 {
		o.SyncTick = 20 * time.Millisecond
	}
	if o.Log == nil {
		o.Log = kvlog.Nop
	}
	return o
}
