// Package notify implements §4.4 "Key-Notification Dispatcher": matching
// key touches against registered notification consumers by exact key or
// prefix, with a process-wide reentrancy guard (Blocker) shared by all
// consumers and per-consumer accounting. Consumers are held by weak reference so a library delete or
// an upgrade that drops a registration needs no explicit dispatcher
// bookkeeping to release it (Design Notes "Cyclic references").
package notify

import (
	"context"
	"sync"
	"time"
	"weak"

	"github.com/r3e-network/gears-runtime/internal/engine"
	"github.com/r3e-network/gears-runtime/internal/host"
	"github.com/r3e-network/gears-runtime/internal/library"
	"github.com/r3e-network/gears-runtime/pkg/logger"
	"github.com/r3e-network/gears-runtime/pkg/metrics"
)

// isolateProvider is satisfied by *engine.Handle.
type isolateProvider interface {
	Isolate() *engine.Isolate
}

// registration pairs a weak back-reference to a consumer with the info
// needed to dispatch without re-resolving the owning library each time.
type registration struct {
	libraryName string
	libraryUser string
	handle      library.CompiledHandle
	consumer    weak.Pointer[library.NotificationConsumer]
}

// Dispatcher holds every registered notification consumer across all
// loaded libraries and fires the matching ones on each key touch.
type Dispatcher struct {
	mu   sync.RWMutex
	regs []*registration

	log     *logger.Logger
	mx      *metrics.Metrics
	acl     host.ACLChecker
	blocker *Blocker
}

// NewDispatcher constructs an empty Dispatcher. m may be nil in tests.
func NewDispatcher(m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{log: logger.NewDefault("notify-dispatcher"), mx: m}
}

// SetACLChecker wires an optional host.ACLChecker: when set, a key touch
// that the owning library's user may not access is dropped rather than
// dispatched (§7 AclError), instead of the host ever reaching the
// library at all. Nil (the default) disables the check.
func (d *Dispatcher) SetACLChecker(acl host.ACLChecker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acl = acl
}

// SetBlocker wires the process-wide notification blocker (§4.4
// "Reentrancy guard", §4.10 global state) shared with every other
// subsystem that can run user code (internal/function, internal/stream).
// Dispatch refuses to fire any consumer while the guard is held. Nil
// (the default) disables the check.
func (d *Dispatcher) SetBlocker(b *Blocker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocker = b
}

// Register adds consumer (owned by handle, from libraryName/libraryUser)
// to the dispatch set, holding only a weak reference to it.
func (d *Dispatcher) Register(libraryName, libraryUser string, handle library.CompiledHandle, consumer *library.NotificationConsumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs = append(d.regs, &registration{
		libraryName: libraryName,
		libraryUser: libraryUser,
		handle:      handle,
		consumer:    weak.Make(consumer),
	})
}

// Dispatch notifies every live consumer whose match criterion accepts key,
// in registration order (§4.4 "Ordering"), then lazily prunes entries
// whose consumer has been collected. While the process-wide notification
// blocker is held — user code somewhere in the process is already
// executing a host call — Dispatch is a no-op (§4.4 "Reentrancy guard").
func (d *Dispatcher) Dispatch(ctx context.Context, key string) {
	d.mu.RLock()
	snapshot := make([]*registration, len(d.regs))
	copy(snapshot, d.regs)
	acl := d.acl
	blocker := d.blocker
	d.mu.RUnlock()

	if blocker != nil && blocker.Blocked() {
		return
	}

	anyDead := false
	for _, r := range snapshot {
		consumer := r.consumer.Value()
		if consumer == nil {
			anyDead = true
			continue
		}

		match, callable := consumer.Current()
		if !match.Matches(key) {
			continue
		}
		if acl != nil && !acl.CanAccessKey(r.libraryUser, key) {
			d.log.WithField("consumer", consumer.Name).WithField("user", r.libraryUser).
				Warn("notification consumer denied by ACL")
			continue
		}
		d.fire(ctx, r, consumer, callable, key, blocker)
	}

	if anyDead {
		d.prune()
	}
}

func (d *Dispatcher) fire(ctx context.Context, r *registration, consumer *library.NotificationConsumer, callable library.Callable, key string, blocker *Blocker) {
	provider, ok := r.handle.(isolateProvider)
	if !ok {
		return
	}
	iso := provider.Isolate()
	if iso == nil {
		return
	}

	consumer.RecordTrigger()
	if d.mx != nil {
		d.mx.RecordNotificationTriggered(r.libraryName, consumer.Name)
	}

	if blocker != nil {
		blocker.Enter()
		defer blocker.Exit()
	}

	start := time.Now()
	_, err := iso.Invoke(ctx, nil, "", callable, key)
	elapsed := time.Since(start)

	failed := err != nil
	errMsg := ""
	if failed {
		errMsg = err.Error()
		d.log.WithField("consumer", consumer.Name).WithError(err).Warn("notification consumer failed")
	}
	consumer.RecordFinished(failed, errMsg, elapsed)
	if d.mx != nil {
		d.mx.RecordNotificationFinished(r.libraryName, consumer.Name, failed)
	}
}

// prune drops registrations whose consumer has been garbage collected.
func (d *Dispatcher) prune() {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.regs[:0]
	for _, r := range d.regs {
		if r.consumer.Value() != nil {
			kept = append(kept, r)
		}
	}
	d.regs = kept
}

// Count returns the number of live (non-collected) registrations, for
// tests and debug introspection.
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, r := range d.regs {
		if r.consumer.Value() != nil {
			n++
		}
	}
	return n
}
