package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/gears-runtime/internal/host"
	"github.com/r3e-network/gears-runtime/internal/library"
)

// fakeRegistrar captures what a library body registers, for assertions.
type fakeRegistrar struct {
	functions map[string]library.Callable
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{functions: make(map[string]library.Callable)}
}

func (r *fakeRegistrar) RegisterFunction(name string, callable library.Callable, flags []string, async bool) error {
	r.functions[name] = callable
	return nil
}
func (r *fakeRegistrar) RegisterStreamConsumer(name, prefix string, window int, trim bool, callable library.Callable) error {
	return nil
}
func (r *fakeRegistrar) RegisterNotificationConsumer(name string, match library.MatchCriterion, callable library.Callable) error {
	return nil
}

const simpleLibrarySource = "#!js api_version=1.0 name=lib1\n" + `
redis.register_function('echo', function(client, data) {
	return data;
});
`

func TestBackendCompileAndRegister(t *testing.T) {
	b := NewBackend()
	queue := b.NewJobQueue()
	handle, err := b.CompileLibrary(simpleLibrarySource, nil, queue)
	require.NoError(t, err)

	r := newFakeRegistrar()
	require.NoError(t, handle.LoadLibrary(r))
	assert.Contains(t, r.functions, "echo")
}

func TestBackendInvokeRegisteredFunction(t *testing.T) {
	b := NewBackend()
	queue := b.NewJobQueue()
	handle, err := b.CompileLibrary(simpleLibrarySource, nil, queue)
	require.NoError(t, err)

	r := newFakeRegistrar()
	require.NoError(t, handle.LoadLibrary(r))

	h := handle.(*Handle)
	iso := h.Isolate()
	require.NotNil(t, iso)

	res, err := iso.Invoke(context.Background(), nil, "default", r.functions["echo"], "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", res)
}

// fakeServer is a minimal host.Server for exercising client.call.
type fakeServer struct{}

func (fakeServer) Call(ctx context.Context, user, cmd string, args ...string) (host.Reply, error) {
	status := cmd
	for _, a := range args {
		status += ":" + a
	}
	return host.Reply{Status: status}, nil
}
func (fakeServer) Role() host.Role { return host.RolePrimary }
func (fakeServer) IsOOM() bool     { return false }

const clientCallSource = "#!js api_version=1.0 name=lib2\n" + `
redis.register_function('touch', function(client_, key) {
	return client.call('GET', key);
});
`

func TestBackendClientCall(t *testing.T) {
	b := NewBackend()
	queue := b.NewJobQueue()
	handle, err := b.CompileLibrary(clientCallSource, nil, queue)
	require.NoError(t, err)

	r := newFakeRegistrar()
	require.NoError(t, handle.LoadLibrary(r))

	h := handle.(*Handle)
	iso := h.Isolate()
	res, err := iso.Invoke(context.Background(), fakeServer{}, "default", r.functions["touch"], "mykey")
	require.NoError(t, err)
	assert.Equal(t, "GET:mykey", res)
}
