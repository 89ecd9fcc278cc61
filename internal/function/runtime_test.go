package function

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/gears-runtime/internal/engine"
	"github.com/r3e-network/gears-runtime/internal/host"
	"github.com/r3e-network/gears-runtime/internal/library"
	rterrors "github.com/r3e-network/gears-runtime/pkg/errors"
)

type stubServer struct {
	role host.Role
	oom  bool
}

func (s stubServer) Call(ctx context.Context, user, cmd string, args ...string) (host.Reply, error) {
	return host.Reply{Status: "OK"}, nil
}
func (s stubServer) Role() host.Role { return s.role }
func (s stubServer) IsOOM() bool     { return s.oom }

func buildLibrary(t *testing.T, source string) (*library.Library, *library.FunctionRegistration) {
	t.Helper()
	b := engine.NewBackend()
	queue := b.NewJobQueue()
	handle, err := b.CompileLibrary(source, nil, queue)
	require.NoError(t, err)

	var captured *library.FunctionRegistration
	r := &capturingRegistrar{onFunc: func(fr *library.FunctionRegistration) { captured = fr }}
	require.NoError(t, handle.LoadLibrary(r))

	lib := &library.Library{Name: "lib1", User: "default", Handle: handle, Queue: queue}
	return lib, captured
}

type capturingRegistrar struct {
	onFunc func(*library.FunctionRegistration)
}

func (r *capturingRegistrar) RegisterFunction(name string, callable library.Callable, flags []string, async bool) error {
	flagSet := make(map[library.FunctionFlag]bool, len(flags))
	for _, f := range flags {
		flagSet[library.FunctionFlag(f)] = true
	}
	r.onFunc(&library.FunctionRegistration{Name: name, Callable: callable, Flags: flagSet, Async: async})
	return nil
}
func (r *capturingRegistrar) RegisterStreamConsumer(string, string, int, bool, library.Callable) error {
	return nil
}
func (r *capturingRegistrar) RegisterNotificationConsumer(string, library.MatchCriterion, library.Callable) error {
	return nil
}

const echoSource = "#!js api_version=1.0 name=lib1\n" +
	"redis.register_function('echo', function(c, d) { return d; });"

const noWritesSource = "#!js api_version=1.0 name=lib1\n" +
	"redis.register_function('ro', function(c, d) { return d; }, ['no-writes']);"

func TestRuntimeCallSuccess(t *testing.T) {
	lib, fn := buildLibrary(t, echoSource)
	rt := NewRuntime(stubServer{role: host.RolePrimary}, nil)

	res, err := rt.Call(context.Background(), lib, fn, "default", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", res)
}

func TestRuntimeCallDeniesWrongUser(t *testing.T) {
	lib, fn := buildLibrary(t, echoSource)
	rt := NewRuntime(stubServer{role: host.RolePrimary}, nil)

	_, err := rt.Call(context.Background(), lib, fn, "someone-else", "hi")
	assert.True(t, rterrors.Is(err, rterrors.CodeACLDenied))
}

func TestRuntimeCallDeniesWriteOnReplica(t *testing.T) {
	lib, fn := buildLibrary(t, echoSource)
	rt := NewRuntime(stubServer{role: host.RoleReplica}, nil)

	_, err := rt.Call(context.Background(), lib, fn, "default", "hi")
	assert.True(t, rterrors.Is(err, rterrors.CodeWriteOnReplica))
}

func TestRuntimeCallAllowsNoWritesOnReplica(t *testing.T) {
	lib, fn := buildLibrary(t, noWritesSource)
	rt := NewRuntime(stubServer{role: host.RoleReplica}, nil)

	res, err := rt.Call(context.Background(), lib, fn, "default", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", res)
}

func TestRuntimeCallAllowsNoWritesUnderOOM(t *testing.T) {
	lib, fn := buildLibrary(t, noWritesSource)
	rt := NewRuntime(stubServer{role: host.RolePrimary, oom: true}, nil)

	res, err := rt.Call(context.Background(), lib, fn, "default", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", res)
}

func TestRuntimeCallDeniesWritingFunctionUnderOOM(t *testing.T) {
	lib, fn := buildLibrary(t, echoSource)
	rt := NewRuntime(stubServer{role: host.RolePrimary, oom: true}, nil)

	_, err := rt.Call(context.Background(), lib, fn, "default", "hi")
	assert.True(t, rterrors.Is(err, rterrors.CodeOOM))
}

func TestRuntimeCallAsyncRunsOnQueue(t *testing.T) {
	lib, fn := buildLibrary(t, echoSource)
	rt := NewRuntime(stubServer{role: host.RolePrimary}, nil)

	done := make(chan interface{}, 1)
	err := rt.CallAsync(context.Background(), lib, fn, "default", func(res interface{}, err error) {
		done <- res
	}, "async-hi")
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, "async-hi", res)
	case <-time.After(2 * time.Second):
		t.Fatal("async job did not complete in time")
	}
}
