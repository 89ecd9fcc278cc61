package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/r3e-network/gears-runtime/internal/host"
	"github.com/r3e-network/gears-runtime/internal/library"
	"github.com/r3e-network/gears-runtime/pkg/errors"
	"github.com/r3e-network/gears-runtime/pkg/logger"
)

// maxReplyDepth caps object/array reply recursion (§4.6 "Reply
// marshalling"); exceeding it yields a sentinel status reply rather than
// overflowing the Go stack on a user-constructed cyclic-looking object.
const maxReplyDepth = 100

// StatusReply marks a value that must render as a RESP simple-status
// reply rather than a bulk string, mirroring the engine's
// `__reply_type == "status"` convention for a wrapped String object.
type StatusReply struct {
	Value string
}

// Isolate wraps one goja.Runtime: the registration-time "redis.*" native
// surface (a console/secrets-injection pattern generalized to
// registration calls instead of one-shot script results) plus the
// invocation-time "client.call"/"run_on_background"/"block" surface a
// registered callable uses while executing (§4.6).
type Isolate struct {
	vm  *goja.Runtime
	log *logger.Logger

	// execMu serializes every entry into vm (§5 "Engine access": one OS
	// thread at a time per isolate). Held for the full duration of a top-
	// level call — Invoke, runRegistration, and a run_on_background job's
	// callback/resolve — not just while bookkeeping fields are set.
	execMu sync.Mutex

	mu        sync.Mutex
	registrar library.Registrar
	queue     library.JobQueue
	server    host.Server
	callUser  string
	ctx       context.Context
	blocked   bool
	lockStart time.Time
}

func newIsolate(queue library.JobQueue, log *logger.Logger) *Isolate {
	iso := &Isolate{vm: goja.New(), log: log, queue: queue}
	iso.installGlobals()
	return iso
}

func (iso *Isolate) installGlobals() {
	console := iso.vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		iso.nativeLog(call)
		return goja.Undefined()
	})
	_ = iso.vm.Set("console", console)

	redisObj := iso.vm.NewObject()
	_ = redisObj.Set("register_function", iso.nativeRegisterFunction)
	_ = redisObj.Set("register_stream_consumer", iso.nativeRegisterStreamConsumer)
	_ = redisObj.Set("register_notifications_consumer", iso.nativeRegisterNotificationsConsumer)
	_ = redisObj.Set("log", func(call goja.FunctionCall) goja.Value {
		iso.nativeLog(call)
		return goja.Undefined()
	})
	_ = iso.vm.Set("redis", redisObj)

	client := iso.vm.NewObject()
	_ = client.Set("call", iso.nativeClientCall)
	_ = client.Set("run_on_background", iso.nativeRunOnBackground)
	_ = iso.vm.Set("client", client)

	_ = iso.vm.Set("run_on_background", iso.nativeRunOnBackground)
	_ = iso.vm.Set("block", iso.nativeBlock)
}

// runRegistration executes the compiled library body with r as the active
// registrar, so the redis.register_* calls it makes land in the staging
// library being built (§4.1 step 5).
func (iso *Isolate) runRegistration(program *goja.Program, r library.Registrar) error {
	iso.execMu.Lock()
	defer iso.execMu.Unlock()

	iso.mu.Lock()
	iso.registrar = r
	iso.mu.Unlock()
	defer func() {
		iso.mu.Lock()
		iso.registrar = nil
		iso.mu.Unlock()
	}()

	if _, err := iso.vm.RunProgram(program); err != nil {
		return errors.Wrap(errors.CodeRuntime, "library body raised during registration", err)
	}
	return nil
}

func (iso *Isolate) nativeLog(call goja.FunctionCall) {
	parts := make([]string, len(call.Arguments))
	for i, a := range call.Arguments {
		parts[i] = a.String()
	}
	iso.log.Info(strings.Join(parts, " "))
}

func (iso *Isolate) nativeRegisterFunction(call goja.FunctionCall) goja.Value {
	iso.mu.Lock()
	r := iso.registrar
	iso.mu.Unlock()
	if r == nil {
		panic(iso.vm.NewTypeError("register_function called outside library load"))
	}

	name := call.Argument(0).String()
	callable, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		panic(iso.vm.NewTypeError("register_function: second argument must be a function"))
	}

	var flags []string
	async := false
	if len(call.Arguments) > 2 {
		if arr, ok := call.Argument(2).Export().([]interface{}); ok {
			for _, f := range arr {
				flags = append(flags, fmt.Sprint(f))
			}
		}
	}
	if len(call.Arguments) > 3 {
		async = call.Argument(3).ToBoolean()
	}

	if err := r.RegisterFunction(name, library.Callable(callable), flags, async); err != nil {
		panic(iso.vm.ToValue(err.Error()))
	}
	return goja.Undefined()
}

func (iso *Isolate) nativeRegisterStreamConsumer(call goja.FunctionCall) goja.Value {
	iso.mu.Lock()
	r := iso.registrar
	iso.mu.Unlock()
	if r == nil {
		panic(iso.vm.NewTypeError("register_stream_consumer called outside library load"))
	}

	name := call.Argument(0).String()
	opts := call.Argument(1).ToObject(iso.vm)

	prefix := opts.Get("prefix").String()
	window := 1
	if w := opts.Get("window"); w != nil && !goja.IsUndefined(w) {
		window = int(w.ToInteger())
	}
	trim := false
	if t := opts.Get("trim"); t != nil && !goja.IsUndefined(t) {
		trim = t.ToBoolean()
	}
	callable, ok := goja.AssertFunction(opts.Get("callback"))
	if !ok {
		panic(iso.vm.NewTypeError("register_stream_consumer: options.callback must be a function"))
	}

	if err := r.RegisterStreamConsumer(name, prefix, window, trim, library.Callable(callable)); err != nil {
		panic(iso.vm.ToValue(err.Error()))
	}
	return goja.Undefined()
}

func (iso *Isolate) nativeRegisterNotificationsConsumer(call goja.FunctionCall) goja.Value {
	iso.mu.Lock()
	r := iso.registrar
	iso.mu.Unlock()
	if r == nil {
		panic(iso.vm.NewTypeError("register_notifications_consumer called outside library load"))
	}

	name := call.Argument(0).String()
	opts := call.Argument(1).ToObject(iso.vm)

	var match library.MatchCriterion
	if key := opts.Get("key"); key != nil && !goja.IsUndefined(key) {
		match = library.MatchCriterion{Exact: key.String(), IsExact: true}
	} else {
		match = library.MatchCriterion{Prefix: opts.Get("prefix").String()}
	}
	callable, ok := goja.AssertFunction(opts.Get("callback"))
	if !ok {
		panic(iso.vm.NewTypeError("register_notifications_consumer: options.callback must be a function"))
	}

	if err := r.RegisterNotificationConsumer(name, match, library.Callable(callable)); err != nil {
		panic(iso.vm.ToValue(err.Error()))
	}
	return goja.Undefined()
}

func (iso *Isolate) nativeClientCall(call goja.FunctionCall) goja.Value {
	iso.mu.Lock()
	server, user, ctx := iso.server, iso.callUser, iso.ctx
	iso.mu.Unlock()

	if server == nil {
		panic(iso.vm.ToValue("client.call used outside a function invocation"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if len(call.Arguments) == 0 {
		panic(iso.vm.NewTypeError("client.call requires at least a command name"))
	}
	cmd := call.Argument(0).String()
	args := make([]string, 0, len(call.Arguments)-1)
	for _, a := range call.Arguments[1:] {
		args = append(args, a.String())
	}

	reply, err := server.Call(ctx, user, cmd, args...)
	if err != nil {
		panic(iso.vm.ToValue(err.Error()))
	}
	return iso.vm.ToValue(replyToNative(reply))
}

func replyToNative(r host.Reply) interface{} {
	switch {
	case r.Null:
		return nil
	case r.Integer != nil:
		return *r.Integer
	case r.Double != nil:
		return *r.Double
	case r.Bulk != nil:
		return string(r.Bulk)
	case r.Array != nil:
		out := make([]interface{}, len(r.Array))
		for i, e := range r.Array {
			out[i] = replyToNative(e)
		}
		return out
	default:
		return r.Status
	}
}

// nativeRunOnBackground implements `client.run_on_background(fn)` (§4.6):
// fn runs on the library's job queue, off the calling thread, and the
// returned promise settles from there once it completes.
func (iso *Isolate) nativeRunOnBackground(call goja.FunctionCall) goja.Value {
	callable, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(iso.vm.NewTypeError("run_on_background requires a function argument"))
	}
	promise, resolve, reject := iso.vm.NewPromise()
	iso.queue.Submit(func() {
		iso.execMu.Lock()
		defer iso.execMu.Unlock()

		res, err := callable(goja.Undefined())
		if err != nil {
			reject(err.Error())
			return
		}
		resolve(res)
	})
	return iso.vm.ToValue(promise)
}

func (iso *Isolate) nativeBlock(call goja.FunctionCall) goja.Value {
	callable, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(iso.vm.NewTypeError("block requires a function argument"))
	}
	iso.mu.Lock()
	iso.blocked = true
	iso.mu.Unlock()
	defer func() {
		iso.mu.Lock()
		iso.blocked = false
		iso.mu.Unlock()
	}()

	res, err := callable(goja.Undefined())
	if err != nil {
		panic(iso.vm.ToValue(err.Error()))
	}
	return res
}

// Invoke runs callable with the isolate's client object as its first
// argument, followed by args, with server bound for the duration of the
// call, so client.call inside it reaches the host (§4.7 "sync path").
// Holds execMu for its whole duration, per-isolate, so a concurrent
// dispatch (a stream Poll, say) can't enter the same VM while this call is
// still running (§5 "Engine access").
func (iso *Isolate) Invoke(ctx context.Context, server host.Server, user string, callable library.Callable, args ...interface{}) (interface{}, error) {
	fn, ok := callable.(goja.Callable)
	if !ok {
		return nil, errors.New(errors.CodeRuntime, "callable is not a goja function")
	}

	iso.execMu.Lock()
	defer iso.execMu.Unlock()

	iso.mu.Lock()
	iso.server, iso.callUser, iso.ctx = server, user, ctx
	iso.lockStart = time.Now()
	iso.mu.Unlock()
	defer func() {
		iso.mu.Lock()
		iso.server, iso.callUser, iso.ctx = nil, "", nil
		iso.lockStart = time.Time{}
		iso.mu.Unlock()
	}()

	vals := make([]goja.Value, 0, len(args)+1)
	vals = append(vals, iso.vm.Get("client"))
	for _, a := range args {
		vals = append(vals, iso.vm.ToValue(a))
	}

	res, err := fn(goja.Undefined(), vals...)
	if err != nil {
		if terminated, ok := err.(*goja.InterruptedError); ok {
			return nil, errors.Wrap(errors.CodeTerminated, "execution interrupted", terminated)
		}
		return nil, errors.Wrap(errors.CodeRuntime, "function raised", err)
	}
	return iso.resolveValue(ctx, res)
}

// resolveValue implements the §4.6 "Promise bridge": an already-settled
// promise replies (or errors) immediately; a pending one is awaited via
// native resolve/reject callbacks attached to it.
func (iso *Isolate) resolveValue(ctx context.Context, v goja.Value) (interface{}, error) {
	promise, ok := asPromise(v)
	if !ok {
		return iso.marshalReply(v, 0), nil
	}

	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return iso.marshalReply(promise.Result(), 0), nil
	case goja.PromiseStateRejected:
		return nil, errors.New(errors.CodeRuntime, "function returned a rejected promise").
			WithDetail("reason", promise.Result().String())
	default:
		return iso.awaitPromise(ctx, v)
	}
}

func asPromise(v goja.Value) (*goja.Promise, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	p, ok := v.Export().(*goja.Promise)
	return p, ok
}

// awaitPromise attaches native resolve/reject callbacks to a still-pending
// promise and blocks until one fires, releasing execMu for the wait itself
// so the job queue worker that eventually settles the promise (e.g. a
// run_on_background continuation) can acquire it.
func (iso *Isolate) awaitPromise(ctx context.Context, v goja.Value) (interface{}, error) {
	thenFn, ok := goja.AssertFunction(v.ToObject(iso.vm).Get("then"))
	if !ok {
		return nil, errors.New(errors.CodeRuntime, "pending promise has no then method")
	}

	type settled struct {
		val goja.Value
		err error
	}
	done := make(chan settled, 1)

	resolve := iso.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		done <- settled{val: call.Argument(0)}
		return goja.Undefined()
	})
	reject := iso.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		done <- settled{err: errors.New(errors.CodeRuntime, "function returned a rejected promise").
			WithDetail("reason", call.Argument(0).String())}
		return goja.Undefined()
	})
	if _, err := thenFn(v, resolve, reject); err != nil {
		return nil, errors.Wrap(errors.CodeRuntime, "promise then() raised", err)
	}

	iso.execMu.Unlock()
	var s settled
	select {
	case s = <-done:
		iso.execMu.Lock()
	case <-ctx.Done():
		iso.execMu.Lock()
		return nil, errors.Wrap(errors.CodeRuntime, "context cancelled awaiting promise", ctx.Err())
	}

	if s.err != nil {
		return nil, s.err
	}
	return iso.marshalReply(s.val, 0), nil
}

// Interrupt asynchronously stops whatever is currently running in this
// isolate (§4.10 "Global State & Watchdog" lock-timeout trip).
func (iso *Isolate) Interrupt(reason string) {
	iso.vm.Interrupt(reason)
}

// LockedFor reports how long the isolate has been continuously blocked on
// a call, for the watchdog's periodic sweep (§4.10).
func (iso *Isolate) LockedFor() (time.Duration, bool) {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	if iso.lockStart.IsZero() {
		return 0, false
	}
	return time.Since(iso.lockStart), true
}

// marshalReply implements the §4.6 "Reply marshalling" table: integer →
// long, number → double, string → bulk, a wrapped String object with
// __reply_type == "status" → simple-status (StatusReply), array-buffer →
// binary bulk, null → nil, array/object → recursive array (an object
// flattens to alternating keys and values). depth is capped at
// maxReplyDepth, replying with a sentinel status past that rather than
// recursing further into a deeply/self nested value.
func (iso *Isolate) marshalReply(v goja.Value, depth int) interface{} {
	if depth > maxReplyDepth {
		return StatusReply{Value: "nesting level reached"}
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}

	if obj, ok := v.(*goja.Object); ok {
		switch obj.ClassName() {
		case "String":
			if rt := obj.Get("__reply_type"); rt != nil && !goja.IsUndefined(rt) && rt.String() == "status" {
				return StatusReply{Value: obj.String()}
			}
			return obj.String()
		case "ArrayBuffer":
			if ab, ok := v.Export().(goja.ArrayBuffer); ok {
				return ab.Bytes()
			}
		case "Array":
			length := int(obj.Get("length").ToInteger())
			out := make([]interface{}, length)
			for i := 0; i < length; i++ {
				out[i] = iso.marshalReply(obj.Get(strconv.Itoa(i)), depth+1)
			}
			return out
		default:
			keys := obj.Keys()
			out := make([]interface{}, 0, len(keys)*2)
			for _, k := range keys {
				out = append(out, k, iso.marshalReply(obj.Get(k), depth+1))
			}
			return out
		}
	}

	return v.Export()
}
