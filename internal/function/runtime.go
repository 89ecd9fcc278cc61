// Package function implements §4.7 "Function Runtime": the sync and
// async invocation paths around a library's registered functions, with
// the pre-checks (replica write guard, OOM guard, caller-identity check)
// that must pass before a call ever reaches the engine isolate.
package function

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/r3e-network/gears-runtime/internal/engine"
	"github.com/r3e-network/gears-runtime/internal/host"
	"github.com/r3e-network/gears-runtime/internal/library"
	"github.com/r3e-network/gears-runtime/internal/notify"
	"github.com/r3e-network/gears-runtime/pkg/errors"
	"github.com/r3e-network/gears-runtime/pkg/logger"
	"github.com/r3e-network/gears-runtime/pkg/metrics"
)

// isolateProvider is satisfied by *engine.Handle; kept as a narrow
// interface here so this package depends on engine only for the Isolate
// type, not its compile/registrar machinery.
type isolateProvider interface {
	Isolate() *engine.Isolate
}

// Runtime drives function calls against a single host connection.
type Runtime struct {
	server  host.Server
	log     *logger.Logger
	mx      *metrics.Metrics
	blocker *notify.Blocker

	asyncLimiter *rate.Limiter
}

// NewRuntime constructs a Runtime bound to server. m may be nil in tests.
func NewRuntime(server host.Server, m *metrics.Metrics) *Runtime {
	return &Runtime{
		server:       server,
		log:          logger.NewDefault("function-runtime"),
		mx:           m,
		asyncLimiter: rate.NewLimiter(rate.Limit(50), 50),
	}
}

// SetBlocker wires the process-wide notification blocker (§4.4
// "Reentrancy guard", §4.10 global state) shared with internal/notify and
// internal/stream: held for the duration of every call into user code so a
// write made from inside a function can't synchronously trigger another
// dispatch back into the engine. Nil (the default) disables the guard.
func (rt *Runtime) SetBlocker(b *notify.Blocker) {
	rt.blocker = b
}

// Call runs a registered function synchronously, enforcing the §4.7
// pre-checks first.
func (rt *Runtime) Call(ctx context.Context, lib *library.Library, fn *library.FunctionRegistration, user string, args ...interface{}) (interface{}, error) {
	if err := rt.precheck(lib, fn, user); err != nil {
		rt.record(lib, fn, "precheck_denied", 0)
		return nil, err
	}

	iso, err := isolateFor(lib)
	if err != nil {
		return nil, err
	}

	if rt.blocker != nil {
		rt.blocker.Enter()
		defer rt.blocker.Exit()
	}

	start := time.Now()
	res, err := iso.Invoke(ctx, rt.server, user, fn.Callable, args...)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	rt.record(lib, fn, outcome, elapsed)
	return res, err
}

// CallAsync schedules fn on the library's background job queue (§4.7
// "async path"), paced by a token-bucket limiter so a flood of async
// admissions can't itself exhaust memory while the server is near OOM.
func (rt *Runtime) CallAsync(ctx context.Context, lib *library.Library, fn *library.FunctionRegistration, user string, onDone func(interface{}, error), args ...interface{}) error {
	if err := rt.precheck(lib, fn, user); err != nil {
		return err
	}
	if err := rt.asyncLimiter.Wait(ctx); err != nil {
		return errors.Wrap(errors.CodeRuntime, "async admission wait cancelled", err)
	}

	lib.Queue.Submit(func() {
		res, callErr := rt.Call(ctx, lib, fn, user, args...)
		if onDone != nil {
			onDone(res, callErr)
		}
	})
	return nil
}

func isolateFor(lib *library.Library) (*engine.Isolate, error) {
	provider, ok := lib.Handle.(isolateProvider)
	if !ok {
		return nil, errors.New(errors.CodeRuntime, "library handle does not expose an isolate")
	}
	iso := provider.Isolate()
	if iso == nil {
		return nil, errors.New(errors.CodeRuntime, "library isolate is not ready")
	}
	return iso, nil
}

func (rt *Runtime) record(lib *library.Library, fn *library.FunctionRegistration, outcome string, d time.Duration) {
	if rt.mx == nil {
		return
	}
	rt.mx.RecordFunctionCall(lib.Name, fn.Name, outcome, d)
}

// precheck enforces §7 policy/ACL errors before dispatch: a no-writes
// function may run on a replica, everything else may not; an OOM-sensitive
// function may not run under memory pressure unless flagged allow-oom;
// and (Open Question #2, DESIGN.md) the calling user must match the
// library's own stored owner.
func (rt *Runtime) precheck(lib *library.Library, fn *library.FunctionRegistration, user string) error {
	if user != lib.User {
		return errors.New(errors.CodeACLDenied, "call context user does not match library owner").
			WithDetail("library_user", lib.User).
			WithDetail("call_user", user)
	}
	if rt.server == nil {
		return nil
	}
	if rt.server.Role() == host.RoleReplica && !fn.HasFlag(library.FlagNoWrites) {
		return errors.New(errors.CodeWriteOnReplica, "function may write and server is a replica")
	}
	if rt.server.IsOOM() && !fn.HasFlag(library.FlagAllowOOM) && !fn.HasFlag(library.FlagNoWrites) {
		return errors.New(errors.CodeOOM, "server near OOM and function lacks allow-oom flag")
	}
	return nil
}
