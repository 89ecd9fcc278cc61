package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/gears-runtime/internal/engine"
	"github.com/r3e-network/gears-runtime/internal/host"
	"github.com/r3e-network/gears-runtime/internal/library"
	"github.com/r3e-network/gears-runtime/internal/streamid"
)

// fakeStreamHost is an in-memory host.StreamHost fixture.
type fakeStreamHost struct {
	mu      sync.Mutex
	records map[string][]host.Record
	trimmed map[string]streamid.ID
}

func newFakeStreamHost() *fakeStreamHost {
	return &fakeStreamHost{records: make(map[string][]host.Record), trimmed: make(map[string]streamid.ID)}
}

func (h *fakeStreamHost) Append(stream string, id streamid.ID, fields map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[stream] = append(h.records[stream], host.Record{ID: id, Fields: fields})
}

func (h *fakeStreamHost) Read(ctx context.Context, streamName string, fromID *streamid.ID, includeFrom bool) (*host.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.records[streamName] {
		if fromID == nil || fromID.Less(r.ID) {
			rec := r
			return &rec, nil
		}
	}
	return nil, nil
}

func (h *fakeStreamHost) Trim(ctx context.Context, streamName string, minID streamid.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trimmed[streamName] = minID
	kept := h.records[streamName][:0]
	for _, r := range h.records[streamName] {
		if !r.ID.Less(minID) {
			kept = append(kept, r)
		}
	}
	h.records[streamName] = kept
	return nil
}

const streamConsumerSource = "#!js api_version=1.0 name=lib1\n" +
	"redis.register_stream_consumer('sc1', {prefix: 'stream:', window: 2, trim: true, callback: function(c, s, id, fields) { return id; }});"

func buildStreamLibrary(t *testing.T) (library.CompiledHandle, *library.StreamConsumer) {
	t.Helper()
	b := engine.NewBackend()
	queue := b.NewJobQueue()
	handle, err := b.CompileLibrary(streamConsumerSource, nil, queue)
	require.NoError(t, err)

	r := &capturingStreamRegistrar{}
	require.NoError(t, handle.LoadLibrary(r))
	require.NotNil(t, r.consumer)
	return handle, r.consumer
}

type capturingStreamRegistrar struct {
	consumer *library.StreamConsumer
}

func (r *capturingStreamRegistrar) RegisterFunction(string, library.Callable, []string, bool) error {
	return nil
}
func (r *capturingStreamRegistrar) RegisterStreamConsumer(name, prefix string, window int, trim bool, callable library.Callable) error {
	r.consumer = library.NewStreamConsumer(name, prefix, callable, window, trim)
	return nil
}
func (r *capturingStreamRegistrar) RegisterNotificationConsumer(string, library.MatchCriterion, library.Callable) error {
	return nil
}

func TestEnginePollDispatchesAndAdvances(t *testing.T) {
	handle, consumer := buildStreamLibrary(t)
	sh := newFakeStreamHost()
	sh.Append("stream:a", streamid.ID{MS: 1, Seq: 0}, map[string]string{"k": "v1"})
	sh.Append("stream:a", streamid.ID{MS: 2, Seq: 0}, map[string]string{"k": "v2"})

	e := NewEngine(sh, nil)
	e.AttachConsumer("lib1", "default", handle, consumer, "stream:a")

	require.NoError(t, e.Poll(context.Background(), "stream:a"))
	require.NoError(t, e.Poll(context.Background(), "stream:a"))

	state := consumer.StateFor("stream:a")
	var pendingLen int
	var recordsProcessed uint64
	state.WithLock(func(s *library.StreamState) {
		pendingLen = len(s.Pending)
		recordsProcessed = s.RecordsProcessed
	})
	assert.Equal(t, 2, pendingLen)
	assert.Equal(t, uint64(2), recordsProcessed)
}

func TestEngineWindowCapsInFlight(t *testing.T) {
	handle, consumer := buildStreamLibrary(t) // window: 2
	sh := newFakeStreamHost()
	for i := uint64(1); i <= 5; i++ {
		sh.Append("stream:a", streamid.ID{MS: i, Seq: 0}, nil)
	}

	e := NewEngine(sh, nil)
	e.AttachConsumer("lib1", "default", handle, consumer, "stream:a")

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Poll(context.Background(), "stream:a"))
	}

	state := consumer.StateFor("stream:a")
	var pendingLen int
	state.WithLock(func(s *library.StreamState) { pendingLen = len(s.Pending) })
	assert.Equal(t, 2, pendingLen, "window=2 must cap in-flight records regardless of poll count")
}

func TestEngineAckAndTrim(t *testing.T) {
	handle, consumer := buildStreamLibrary(t)
	sh := newFakeStreamHost()
	id1 := streamid.ID{MS: 1, Seq: 0}
	id2 := streamid.ID{MS: 2, Seq: 0}
	sh.Append("stream:a", id1, nil)
	sh.Append("stream:a", id2, nil)

	e := NewEngine(sh, nil)
	e.AttachConsumer("lib1", "default", handle, consumer, "stream:a")

	require.NoError(t, e.Poll(context.Background(), "stream:a"))
	require.NoError(t, e.Poll(context.Background(), "stream:a"))

	e.Ack(consumer, "stream:a", id1)
	require.NoError(t, e.Poll(context.Background(), "stream:a"))

	sh.mu.Lock()
	trimmedTo, trimmed := sh.trimmed["stream:a"]
	sh.mu.Unlock()
	require.True(t, trimmed)
	assert.Equal(t, id2, trimmedTo)
}

func TestEngineAckUnknownIDIsNoop(t *testing.T) {
	handle, consumer := buildStreamLibrary(t)
	sh := newFakeStreamHost()
	e := NewEngine(sh, nil)
	e.AttachConsumer("lib1", "default", handle, consumer, "stream:a")

	assert.NotPanics(t, func() {
		assert.False(t, e.Ack(consumer, "stream:a", streamid.ID{MS: 99, Seq: 0}))
	})
}

func TestEngineAckReturnsTrimmedFirstAndUpdatesTiming(t *testing.T) {
	handle, consumer := buildStreamLibrary(t)
	sh := newFakeStreamHost()
	id1 := streamid.ID{MS: 1, Seq: 0}
	id2 := streamid.ID{MS: 2, Seq: 0}
	sh.Append("stream:a", id1, nil)
	sh.Append("stream:a", id2, nil)

	e := NewEngine(sh, nil)
	e.AttachConsumer("lib1", "default", handle, consumer, "stream:a")
	require.NoError(t, e.Poll(context.Background(), "stream:a"))
	require.NoError(t, e.Poll(context.Background(), "stream:a"))

	assert.False(t, e.Ack(consumer, "stream:a", id2), "acking a non-head ID is not trimmed-first")
	assert.True(t, e.Ack(consumer, "stream:a", id1), "acking the head ID is trimmed-first")

	state := consumer.StateFor("stream:a")
	var lastProcessingTime time.Duration
	state.WithLock(func(s *library.StreamState) { lastProcessingTime = s.LastProcessingTime })
	assert.GreaterOrEqual(t, lastProcessingTime, time.Duration(0))
}

// fakeClock is a host.Clock fixture that steps forward by a fixed amount
// on every Now call, making processing-time/lag assertions exact.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func TestEngineClockDrivesProcessingTimeAndLag(t *testing.T) {
	handle, consumer := buildStreamLibrary(t)
	sh := newFakeStreamHost()
	base := time.UnixMilli(1000)
	id1 := streamid.ID{MS: 1000, Seq: 0}
	sh.Append("stream:a", id1, nil)

	clock := &fakeClock{now: base, step: 5 * time.Second}
	e := NewEngine(sh, nil)
	e.SetClock(clock)
	e.AttachConsumer("lib1", "default", handle, consumer, "stream:a")
	require.NoError(t, e.Poll(context.Background(), "stream:a")) // dispatch reads clock.Now() once -> base

	assert.True(t, e.Ack(consumer, "stream:a", id1)) // ack reads clock.Now() once -> base+5s

	state := consumer.StateFor("stream:a")
	var lastProcessingTime, lastLag time.Duration
	state.WithLock(func(s *library.StreamState) {
		lastProcessingTime = s.LastProcessingTime
		lastLag = s.LastLag
	})
	assert.Equal(t, 5*time.Second, lastProcessingTime)
	assert.Equal(t, 5*time.Second, lastLag)
}

type recordingReplicator struct {
	mu      sync.Mutex
	cursors []string
}

func (r *recordingReplicator) ReplicateLibraryLoad(string, []byte) {}
func (r *recordingReplicator) ReplicateLibraryDelete(string)       {}
func (r *recordingReplicator) ReplicateStreamCursor(library, consumer, stream string, id streamid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors = append(r.cursors, library+"/"+consumer+"/"+stream+"/"+id.String())
}

func TestEngineReplicatorFiresOnHeadAck(t *testing.T) {
	handle, consumer := buildStreamLibrary(t)
	sh := newFakeStreamHost()
	id1 := streamid.ID{MS: 1, Seq: 0}
	sh.Append("stream:a", id1, nil)

	rep := &recordingReplicator{}
	e := NewEngine(sh, nil)
	e.SetReplicator(rep)
	e.AttachConsumer("lib1", "default", handle, consumer, "stream:a")
	require.NoError(t, e.Poll(context.Background(), "stream:a"))

	e.Ack(consumer, "stream:a", id1)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.Equal(t, []string{"lib1/sc1/stream:a/" + id1.String()}, rep.cursors)
}

type denyAllACL struct{}

func (denyAllACL) CanAccessKey(user, key string) bool { return false }

func TestEngineACLCheckerDeniesDispatch(t *testing.T) {
	handle, consumer := buildStreamLibrary(t)
	sh := newFakeStreamHost()
	sh.Append("stream:a", streamid.ID{MS: 1, Seq: 0}, nil)

	e := NewEngine(sh, nil)
	e.SetACLChecker(denyAllACL{})
	e.AttachConsumer("lib1", "default", handle, consumer, "stream:a")

	require.NoError(t, e.Poll(context.Background(), "stream:a"))

	state := consumer.StateFor("stream:a")
	var recordsProcessed uint64
	state.WithLock(func(s *library.StreamState) { recordsProcessed = s.RecordsProcessed })
	assert.Equal(t, uint64(0), recordsProcessed, "ACL-denied stream key must never reach the consumer")
}

func TestEngineDetachStreamDropsState(t *testing.T) {
	handle, consumer := buildStreamLibrary(t)
	sh := newFakeStreamHost()
	e := NewEngine(sh, nil)
	e.AttachConsumer("lib1", "default", handle, consumer, "stream:a")

	assert.Contains(t, consumer.StreamNames(), "stream:a")
	e.DetachStream("stream:a")
	assert.NotContains(t, consumer.StreamNames(), "stream:a")
}
