// Package global implements §4.10 "Global State & Watchdog": the
// singleton Runtime that wires the library manager, engine backends,
// function runtime, notification dispatcher, and stream engine together,
// plus the lock-timeout watchdog. It also exposes the §6 command surface
// (function load/call/list/del/debug, _internal update_stream_last_read_id)
// as plain Go methods — the host's own command parser/dispatcher is out
// of scope (§1) and calls these directly.
package global

import (
	"context"
	"strings"
	"time"

	"github.com/r3e-network/gears-runtime/internal/engine"
	"github.com/r3e-network/gears-runtime/internal/function"
	"github.com/r3e-network/gears-runtime/internal/host"
	"github.com/r3e-network/gears-runtime/internal/library"
	"github.com/r3e-network/gears-runtime/internal/notify"
	"github.com/r3e-network/gears-runtime/internal/shard"
	"github.com/r3e-network/gears-runtime/internal/stream"
	"github.com/r3e-network/gears-runtime/internal/streamid"
	"github.com/r3e-network/gears-runtime/pkg/config"
	"github.com/r3e-network/gears-runtime/pkg/errors"
	"github.com/r3e-network/gears-runtime/pkg/logger"
	"github.com/r3e-network/gears-runtime/pkg/metrics"
)

// isolateProvider is satisfied by *engine.Handle.
type isolateProvider interface {
	Isolate() *engine.Isolate
}

// Runtime is the process-wide embedding point: one per host server
// instance, constructed once at startup.
type Runtime struct {
	Config    config.Config
	Manager   *library.Manager
	Functions *function.Runtime
	Notify    *notify.Dispatcher
	Streams   *stream.Engine
	Shard     *shard.Coordinator

	backends   map[string]library.Backend
	log        *logger.Logger
	mx         *metrics.Metrics
	replicator host.Replicator
	blocker    *notify.Blocker

	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

// watchdogInterval is the lock-timeout sweep cadence (§4.10 "polls every
// ≈100ms"). A time.Ticker is used rather than a cron schedule because
// cron's @every clamps sub-second intervals up to a 1-second floor.
const watchdogInterval = 100 * time.Millisecond

// NewRuntime wires a Runtime around the host's Server/StreamHost
// collaborators. mx may be nil to disable metrics recording.
func NewRuntime(cfg config.Config, server host.Server, sh host.StreamHost, mx *metrics.Metrics) *Runtime {
	jsBackend := engine.NewBackend()
	backends := map[string]library.Backend{jsBackend.Name(): jsBackend}

	blocker := &notify.Blocker{}
	functions := function.NewRuntime(server, mx)
	functions.SetBlocker(blocker)
	dispatcher := notify.NewDispatcher(mx)
	dispatcher.SetBlocker(blocker)
	streams := stream.NewEngine(sh, mx)
	streams.SetBlocker(blocker)

	return &Runtime{
		Config:    cfg,
		Manager:   library.NewManager(backends),
		Functions: functions,
		Notify:    dispatcher,
		Streams:   streams,
		Shard:     shard.NewCoordinator(),
		backends:  backends,
		log:       logger.NewDefault("global-runtime"),
		mx:        mx,
		blocker:   blocker,
	}
}

// LoadLibrary is the §6 "function load"/"function load upgrade" command
// surface: parse, compile, register, then register any notification
// consumers the library declared with the dispatcher. Stream consumers are
// attached later, by OnKeyWritten and RediscoverStreams.
func (rt *Runtime) LoadLibrary(user, source string, cfgStr *string, upgrade bool) (*library.Library, error) {
	lib, err := rt.Manager.Load(user, source, cfgStr, upgrade, nil)
	if err != nil {
		if rt.mx != nil {
			rt.mx.LibraryLoads.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	if rt.mx != nil {
		rt.mx.LibraryLoads.WithLabelValues("ok").Inc()
		rt.mx.LibrariesLoaded.Set(float64(len(rt.Manager.List())))
	}

	for _, nc := range lib.NotificationConsumers {
		rt.Notify.Register(lib.Name, lib.User, lib.Handle, nc)
	}
	if rt.replicator != nil {
		rt.replicator.ReplicateLibraryLoad(lib.Name, []byte(lib.Source))
	}
	return lib, nil
}

// SetACLChecker wires an optional host.ACLChecker into the notification
// dispatcher and stream engine, so a key touch a library's registered
// user may not access is denied (§7 AclError) before it ever reaches
// library code. Call once after NewRuntime if the host supports ACLs.
func (rt *Runtime) SetACLChecker(acl host.ACLChecker) {
	rt.Notify.SetACLChecker(acl)
	rt.Streams.SetACLChecker(acl)
}

// SetReplicator wires an optional host.Replicator: stream cursor
// advancement (§4.5 "Advancement") flows through to it automatically via
// the stream engine, and this Runtime also calls it directly on every
// library load/delete so replicas can apply the same simplified
// local-only decision (§4.1 "Replication & cluster"). Call once after
// NewRuntime if the host supports replication.
func (rt *Runtime) SetReplicator(r host.Replicator) {
	rt.replicator = r
	rt.Streams.SetReplicator(r)
}

// RediscoverStreams re-scans the key space for every loaded stream
// consumer's prefix and attaches the stream engine to whatever matches,
// used on promotion to primary (§4.5 "Role change": a fresh primary has
// no record of which keys were touched while it was a replica).
func (rt *Runtime) RediscoverStreams(ctx context.Context, scanner host.KeyScanner) error {
	for _, name := range rt.Manager.List() {
		lib := rt.Manager.Get(name)
		if lib == nil {
			continue
		}
		for _, sc := range lib.StreamConsumers {
			keys, err := scanner.ScanKeysWithPrefix(ctx, sc.Prefix)
			if err != nil {
				return errors.Wrap(errors.CodeHostIO, "stream rediscovery scan failed", err).
					WithDetail("library", lib.Name).WithDetail("prefix", sc.Prefix)
			}
			for _, key := range keys {
				rt.Streams.AttachConsumer(lib.Name, lib.User, lib.Handle, sc, key)
			}
		}
	}
	return nil
}

// DeleteLibrary is the §6 "function del" command surface.
func (rt *Runtime) DeleteLibrary(name string) (*library.Library, error) {
	lib, err := rt.Manager.Delete(name)
	if err != nil {
		return nil, err
	}
	if rt.mx != nil {
		rt.mx.LibrariesLoaded.Set(float64(len(rt.Manager.List())))
	}
	if rt.replicator != nil {
		rt.replicator.ReplicateLibraryDelete(name)
	}
	return lib, nil
}

// ListLibraries is the §6 "function list" command surface.
func (rt *Runtime) ListLibraries() []string {
	return rt.Manager.List()
}

// CallFunction is the §6 "function call" command surface: dispatches
// synchronously or asynchronously depending on how the function was
// registered, and blocks for an async call's result so callers see one
// uniform return shape.
func (rt *Runtime) CallFunction(ctx context.Context, libraryName, functionName, user string, args ...interface{}) (interface{}, error) {
	lib := rt.Manager.Get(libraryName)
	if lib == nil {
		return nil, errors.New(errors.CodeLibraryNotFound, "no such library").WithDetail("name", libraryName)
	}
	fn, ok := lib.Functions[functionName]
	if !ok {
		return nil, errors.New(errors.CodeFunctionNotFound, "no such function").WithDetail("name", functionName)
	}

	if !fn.Async {
		return rt.Functions.Call(ctx, lib, fn, user, args...)
	}

	done := make(chan struct{})
	var res interface{}
	var callErr error
	if err := rt.Functions.CallAsync(ctx, lib, fn, user, func(r interface{}, e error) {
		res, callErr = r, e
		close(done)
	}, args...); err != nil {
		return nil, err
	}
	<-done
	return res, callErr
}

// OnKeyWritten is the hook the host calls after any key write: it fans
// the touch out to the notification dispatcher and, for any loaded
// stream consumer whose prefix newly matches the key, attaches the
// stream engine to it (§4.5 "tracked stream" discovery).
func (rt *Runtime) OnKeyWritten(ctx context.Context, key string) {
	rt.Notify.Dispatch(ctx, key)

	for _, name := range rt.Manager.List() {
		lib := rt.Manager.Get(name)
		if lib == nil {
			continue
		}
		for _, sc := range lib.StreamConsumers {
			if strings.HasPrefix(key, sc.Prefix) {
				rt.Streams.AttachConsumer(lib.Name, lib.User, lib.Handle, sc, key)
			}
		}
	}
}

// UpdateStreamLastReadID is the §6 "_internal update_stream_last_read_id"
// command surface, used by the persistence bridge to seed cursors after
// a snapshot reload (§4.9).
func (rt *Runtime) UpdateStreamLastReadID(libraryName, consumerName, streamName string, id streamid.ID) error {
	lib := rt.Manager.Get(libraryName)
	if lib == nil {
		return errors.New(errors.CodeLibraryNotFound, "no such library").WithDetail("name", libraryName)
	}
	sc, ok := lib.StreamConsumers[consumerName]
	if !ok {
		return errors.New(errors.CodeFunctionNotFound, "no such stream consumer").
			WithDetail("name", consumerName)
	}
	st := sc.StateFor(streamName)
	st.WithLock(func(s *library.StreamState) { s.LastReadID = &id })
	return nil
}

// DebugBackend is the §6 "function debug" command surface.
func (rt *Runtime) DebugBackend(engineName string, args []string) (string, error) {
	backend, ok := rt.backends[engineName]
	if !ok {
		return "", errors.New(errors.CodeUnknownEngine, "no engine backend registered for name").
			WithDetail("engine", engineName)
	}
	return backend.Debug(args)
}

// StartWatchdog begins the periodic lock-timeout sweep (§4.10): every
// ≈100ms, every registered library's isolate is checked, and any isolate
// locked longer than Config.LockTimeout is interrupted. Under
// config.PolicyKill a fatal-failure candidate is logged at error level
// for the host to act on; this package never calls os.Exit itself, since
// process lifecycle belongs to the host embedding it.
func (rt *Runtime) StartWatchdog() {
	if rt.watchdogStop != nil {
		return
	}
	rt.watchdogStop = make(chan struct{})
	rt.watchdogDone = make(chan struct{})

	go func() {
		defer close(rt.watchdogDone)
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rt.watchdogStop:
				return
			case <-ticker.C:
				rt.sweepWatchdog()
			}
		}
	}()
}

// StopWatchdog stops the periodic sweep, if running.
func (rt *Runtime) StopWatchdog() {
	if rt.watchdogStop == nil {
		return
	}
	close(rt.watchdogStop)
	<-rt.watchdogDone
	rt.watchdogStop = nil
	rt.watchdogDone = nil
}

func (rt *Runtime) sweepWatchdog() {
	for _, name := range rt.Manager.List() {
		lib := rt.Manager.Get(name)
		if lib == nil {
			continue
		}
		provider, ok := lib.Handle.(isolateProvider)
		if !ok {
			continue
		}
		iso := provider.Isolate()
		if iso == nil {
			continue
		}
		locked, active := iso.LockedFor()
		if !active || locked < rt.Config.LockTimeout {
			continue
		}

		iso.Interrupt("lock timeout exceeded")
		if rt.mx != nil {
			rt.mx.RecordWatchdogTermination(string(rt.Config.FatalFailurePolicy))
		}
		rt.log.WithField("library", lib.Name).
			WithField("locked_for", locked.String()).
			WithField("policy", string(rt.Config.FatalFailurePolicy)).
			Error("watchdog terminated a runaway library call")
	}
}
