// Package stream implements §4.5 "Stream Reader Engine": per-consumer
// cursors over streams, a sliding in-flight window, and cooperative
// trimming once every live trimming consumer has acknowledged past a
// watermark. Consumers are held by weak reference from tracked-stream
// entries so a library delete or a non-re-registering upgrade releases
// the binding without explicit dispatcher bookkeeping.
package stream

import (
	"context"
	"sync"
	"time"
	"weak"

	"github.com/r3e-network/gears-runtime/internal/engine"
	"github.com/r3e-network/gears-runtime/internal/host"
	"github.com/r3e-network/gears-runtime/internal/library"
	"github.com/r3e-network/gears-runtime/internal/notify"
	"github.com/r3e-network/gears-runtime/internal/streamid"
	"github.com/r3e-network/gears-runtime/pkg/logger"
	"github.com/r3e-network/gears-runtime/pkg/metrics"
)

// isolateProvider is satisfied by *engine.Handle.
type isolateProvider interface {
	Isolate() *engine.Isolate
}

// binding is one (consumer, stream) attachment: a weak back-reference to
// the StreamConsumer plus what's needed to invoke its callable.
type binding struct {
	libraryName string
	libraryUser string
	handle      library.CompiledHandle
	consumer    weak.Pointer[library.StreamConsumer]
}

// trackedStream is §3 "Tracked stream": a stream name plus the consumers
// currently reading it.
type trackedStream struct {
	mu       sync.Mutex
	bindings []*binding
}

// Engine is the stream reader engine. One Engine serves every tracked
// stream; Poll drives one read-dispatch-trim cycle for a given stream.
type Engine struct {
	sh  host.StreamHost
	log *logger.Logger
	mx  *metrics.Metrics

	mu         sync.Mutex
	streams    map[string]*trackedStream
	acl        host.ACLChecker
	replicator host.Replicator
	clock      host.Clock
	blocker    *notify.Blocker
}

// NewEngine constructs an Engine reading through sh. mx may be nil in tests.
func NewEngine(sh host.StreamHost, mx *metrics.Metrics) *Engine {
	return &Engine{
		sh:      sh,
		log:     logger.NewDefault("stream-engine"),
		mx:      mx,
		streams: make(map[string]*trackedStream),
		clock:   host.SystemClock,
	}
}

// SetClock overrides the engine's host.Clock, used by tests to make
// processing-time/lag counters (§3 "Per-stream state") deterministic. Nil
// restores host.SystemClock.
func (e *Engine) SetClock(c host.Clock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c == nil {
		c = host.SystemClock
	}
	e.clock = c
}

// SetACLChecker wires an optional host.ACLChecker: when set, a stream
// record is never dispatched to a consumer whose owning library's user
// may not access the stream key (§7 AclError). Nil (the default)
// disables the check.
func (e *Engine) SetACLChecker(acl host.ACLChecker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acl = acl
}

// SetReplicator wires an optional host.Replicator: the on-record-acked
// hook (§4.5 "Advancement") fires it with the acked cursor whenever a
// head-of-queue ack lands, so replicas can apply the simplified
// local-only cursor advance without running the full reader engine
// themselves. Nil (the default) disables replication.
func (e *Engine) SetReplicator(r host.Replicator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replicator = r
}

// SetBlocker wires the process-wide notification blocker (§4.4
// "Reentrancy guard", §4.10 global state) shared with internal/notify and
// internal/function: held while a stream consumer's callback runs so that
// callback can't synchronously trigger a notification dispatch back into
// the engine. Nil (the default) disables the guard.
func (e *Engine) SetBlocker(b *notify.Blocker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocker = b
}

// AttachConsumer starts tracking streamName for consumer, owned by
// libraryName/libraryUser/handle. Safe to call more than once for the
// same (consumer, streamName) pair; later calls are no-ops.
func (e *Engine) AttachConsumer(libraryName, libraryUser string, handle library.CompiledHandle, consumer *library.StreamConsumer, streamName string) {
	consumer.StateFor(streamName) // ensure state exists even before the first Poll

	e.mu.Lock()
	ts, ok := e.streams[streamName]
	if !ok {
		ts = &trackedStream{}
		e.streams[streamName] = ts
	}
	e.mu.Unlock()

	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, b := range ts.bindings {
		if b.consumer.Value() == consumer {
			return
		}
	}
	ts.bindings = append(ts.bindings, &binding{
		libraryName: libraryName,
		libraryUser: libraryUser,
		handle:      handle,
		consumer:    weak.Make(consumer),
	})
}

// DetachStream stops tracking streamName entirely (stream deletion,
// §4.5 "Deletion / flush"), dropping per-stream state on every consumer
// still attached to it.
func (e *Engine) DetachStream(streamName string) {
	e.mu.Lock()
	ts, ok := e.streams[streamName]
	delete(e.streams, streamName)
	e.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, b := range ts.bindings {
		if c := b.consumer.Value(); c != nil {
			c.DropStream(streamName)
		}
	}
}

// Poll runs one read-dispatch cycle for streamName: every attached live
// consumer whose in-flight window isn't full gets the next record
// dispatched, then the stream's trim watermark is recomputed and, if any
// attached consumer opted into trimming, applied.
func (e *Engine) Poll(ctx context.Context, streamName string) error {
	e.mu.Lock()
	ts, ok := e.streams[streamName]
	acl := e.acl
	e.mu.Unlock()
	if !ok {
		return nil
	}

	ts.mu.Lock()
	bindings := make([]*binding, len(ts.bindings))
	copy(bindings, ts.bindings)
	ts.mu.Unlock()

	anyDead := false
	for _, b := range bindings {
		consumer := b.consumer.Value()
		if consumer == nil {
			anyDead = true
			continue
		}
		if acl != nil && !acl.CanAccessKey(b.libraryUser, streamName) {
			e.log.WithField("stream", streamName).WithField("user", b.libraryUser).
				Warn("stream consumer denied by ACL")
			continue
		}
		if err := e.dispatchOne(ctx, streamName, b, consumer); err != nil {
			e.log.WithField("stream", streamName).WithError(err).Warn("stream dispatch failed")
		}
	}

	if anyDead {
		e.prune(ts)
	}

	return e.trim(ctx, streamName, ts)
}

func (e *Engine) dispatchOne(ctx context.Context, streamName string, b *binding, consumer *library.StreamConsumer) error {
	callable, window, _ := consumer.Current()
	state := consumer.StateFor(streamName)

	var fromID *streamid.ID
	var pendingLen int
	state.WithLock(func(s *library.StreamState) {
		pendingLen = len(s.Pending)
		fromID = s.LastReadID
	})
	if pendingLen >= window {
		return nil // in-flight window full; wait for acks
	}

	rec, err := e.sh.Read(ctx, streamName, fromID, false)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil // caught up
	}

	provider, ok := b.handle.(isolateProvider)
	if !ok {
		return nil
	}
	iso := provider.Isolate()
	if iso == nil {
		return nil
	}

	e.mu.Lock()
	clock := e.clock
	blocker := e.blocker
	e.mu.Unlock()

	if blocker != nil {
		blocker.Enter()
	}
	_, callErr := iso.Invoke(ctx, nil, "", callable, streamName, rec.ID.String(), rec.Fields)
	if blocker != nil {
		blocker.Exit()
	}

	dispatchedAt := clock.Now()
	lag := dispatchedAt.Sub(time.UnixMilli(int64(rec.ID.MS)))

	state.WithLock(func(s *library.StreamState) {
		s.LastReadID = &rec.ID
		s.Pending = append(s.Pending, library.PendingRecord{ID: rec.ID, DispatchedAt: dispatchedAt})
		s.RecordsProcessed++
		if callErr != nil {
			s.LastError = callErr.Error()
		}
	})

	if e.mx != nil {
		e.mx.RecordStreamDelivery(b.libraryName, consumer.Name, streamName, pendingLen+1, lag)
	}
	return nil
}

// Ack acknowledges delivery of id to consumer on streamName: it pops id
// out of the in-flight window (rotating any earlier, still-unacked IDs
// back in unchanged) and updates the per-stream timing counters —
// last/total processing time since dispatch, last/total lag (now minus
// id's embedded timestamp); RecordsProcessed itself is counted at
// dispatch, since delivery (not eventual ack) is what the in-flight
// window accounts against. Acking an ID not currently pending (already
// acked, or never dispatched) is a no-op. Returns true iff the head of
// the queue was the one removed ("trimmed-first", §4.5 "Ack handling");
// on a true result the on-record-acked replication hook fires.
func (e *Engine) Ack(consumer *library.StreamConsumer, streamName string, id streamid.ID) bool {
	e.mu.Lock()
	clock := e.clock
	e.mu.Unlock()

	state := consumer.StateFor(streamName)
	var found, trimmedFirst bool
	state.WithLock(func(s *library.StreamState) {
		for i, p := range s.Pending {
			if p.ID != id {
				continue
			}
			found = true
			trimmedFirst = i == 0
			s.Pending = append(s.Pending[:i], s.Pending[i+1:]...)

			now := clock.Now()
			procTime := now.Sub(p.DispatchedAt)
			s.LastProcessingTime = procTime
			s.TotalProcessingTime += procTime

			lag := now.Sub(time.UnixMilli(int64(id.MS)))
			s.LastLag = lag
			s.TotalLag += lag
			break
		}
	})

	if found && trimmedFirst {
		e.replicateCursor(consumer, streamName, id)
	}
	return found && trimmedFirst
}

// replicateCursor fires the on-record-acked hook (§4.5 "Advancement"):
// identifies which library owns consumer on streamName and forwards the
// acked cursor to the configured host.Replicator, if any.
func (e *Engine) replicateCursor(consumer *library.StreamConsumer, streamName string, id streamid.ID) {
	e.mu.Lock()
	replicator := e.replicator
	ts := e.streams[streamName]
	e.mu.Unlock()
	if replicator == nil || ts == nil {
		return
	}

	ts.mu.Lock()
	var libraryName string
	for _, b := range ts.bindings {
		if b.consumer.Value() == consumer {
			libraryName = b.libraryName
			break
		}
	}
	ts.mu.Unlock()
	if libraryName == "" {
		return
	}
	replicator.ReplicateStreamCursor(libraryName, consumer.Name, streamName, id)
}

// trim computes the minimum unacknowledged ID across every attached
// consumer that opted into trimming and issues a single host Trim call for
// the stream with it; the previous watermark is not remembered, so the
// call repeats on every pass even when the watermark has not moved.
func (e *Engine) trim(ctx context.Context, streamName string, ts *trackedStream) error {
	ts.mu.Lock()
	bindings := make([]*binding, len(ts.bindings))
	copy(bindings, ts.bindings)
	ts.mu.Unlock()

	watermark := streamid.Max
	anyTrimming := false
	for _, b := range bindings {
		consumer := b.consumer.Value()
		if consumer == nil {
			continue
		}
		_, _, trim := consumer.Current()
		if !trim {
			continue
		}
		anyTrimming = true

		state := consumer.StateFor(streamName)
		var bound streamid.ID
		state.WithLock(func(s *library.StreamState) {
			switch {
			case len(s.Pending) > 0:
				bound = s.Pending[0].ID
			case s.LastReadID != nil:
				bound = s.LastReadID.Next()
			default:
				bound = streamid.Zero
			}
		})
		watermark = streamid.Min(watermark, bound)
	}

	if !anyTrimming || watermark == streamid.Zero {
		return nil
	}

	if err := e.sh.Trim(ctx, streamName, watermark); err != nil {
		return err
	}
	if e.mx != nil {
		e.mx.RecordTrim(streamName)
	}
	return nil
}

func (e *Engine) prune(ts *trackedStream) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	kept := ts.bindings[:0]
	for _, b := range ts.bindings {
		if b.consumer.Value() != nil {
			kept = append(kept, b)
		}
	}
	ts.bindings = kept
}
