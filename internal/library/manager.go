package library

import (
	"sync"

	"github.com/r3e-network/gears-runtime/pkg/errors"
	"github.com/r3e-network/gears-runtime/pkg/logger"
)

// Manager is §4.1 "Library Lifecycle Manager": the libraries map plus the
// load/upgrade/revert/delete algorithm. The whole Load/Delete operation is
// guarded by one mutex, mirroring the host's single main-thread command
// serialization (§5 "Shared-resource policy"); per-object locks on
// StreamConsumer/NotificationConsumer/StreamState protect fields concurrent
// stream-engine and dispatcher goroutines read without taking this lock.
type Manager struct {
	mu         sync.Mutex
	backends   map[string]Backend
	libraries  map[string]*Library
	log        *logger.Logger
}

// NewManager constructs a Manager with the given set of available engine
// backends (§4.2), keyed by backend name as found in the prologue.
func NewManager(backends map[string]Backend) *Manager {
	return &Manager{
		backends:  backends,
		libraries: make(map[string]*Library),
		log:       logger.NewDefault("library-manager"),
	}
}

// Get returns the library named name, or nil.
func (m *Manager) Get(name string) *Library {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.libraries[name]
}

// List returns a snapshot of all loaded library names.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.libraries))
	for n := range m.libraries {
		names = append(names, n)
	}
	return names
}

// revertDescriptor captures one matched registration's pre-upgrade state so
// a failed upgrade can restore it exactly (§4.1 "Upgrade & revert
// semantics"). kind distinguishes which Restore to call.
type revertDescriptor struct {
	kind string // "stream" or "notification"

	streamConsumer *StreamConsumer
	streamCallable Callable
	streamWindow   int
	streamTrim     bool

	notifyConsumer *NotificationConsumer
	notifyMatch    MatchCriterion
	notifyCallable Callable
}

func (d revertDescriptor) revert() {
	switch d.kind {
	case "stream":
		d.streamConsumer.Restore(d.streamCallable, d.streamWindow, d.streamTrim)
	case "notification":
		d.notifyConsumer.Restore(d.notifyMatch, d.notifyCallable)
	}
}

// stagingRegistrar implements Registrar for one Load call. It builds the
// new library's registration maps, mutating matching old registrations in
// place (shared object identity, §4.1 "Upgrade semantics rationale") and
// recording a revertDescriptor for each one it touches.
type stagingRegistrar struct {
	staging *Library
	old     *Library
	reverts *[]revertDescriptor
}

func (r *stagingRegistrar) RegisterFunction(name string, callable Callable, flagNames []string, async bool) error {
	if _, dup := r.staging.Functions[name]; dup {
		return errors.New(errors.CodeDuplicateName, "function already registered in this library").
			WithDetail("name", name)
	}
	flags := make(map[FunctionFlag]bool, len(flagNames))
	for _, fn := range flagNames {
		flag := FunctionFlag(fn)
		if !ValidFunctionFlags[flag] {
			return errors.New(errors.CodeUnknownFlag, "unknown function flag").WithDetail("flag", fn)
		}
		flags[flag] = true
	}

	r.staging.Functions[name] = &FunctionRegistration{
		Name:     name,
		Callable: callable,
		Flags:    flags,
		Async:    async,
	}
	return nil
}

func (r *stagingRegistrar) RegisterStreamConsumer(name, prefix string, window int, trim bool, callable Callable) error {
	if _, dup := r.staging.StreamConsumers[name]; dup {
		return errors.New(errors.CodeDuplicateName, "stream consumer already registered in this library").
			WithDetail("name", name)
	}

	var existing *StreamConsumer
	if r.old != nil {
		existing = r.old.StreamConsumers[name]
	}

	if existing == nil {
		r.staging.StreamConsumers[name] = NewStreamConsumer(name, prefix, callable, window, trim)
		return nil
	}

	if existing.Prefix != prefix {
		return errors.New(errors.CodePrefixMismatch,
			"stream consumer prefix cannot change across an upgrade").
			WithDetail("name", name).
			WithDetail("old_prefix", existing.Prefix).
			WithDetail("new_prefix", prefix)
	}

	prevCallable, prevWindow, prevTrim := existing.Snapshot()
	*r.reverts = append(*r.reverts, revertDescriptor{
		kind:           "stream",
		streamConsumer: existing,
		streamCallable: prevCallable,
		streamWindow:   prevWindow,
		streamTrim:     prevTrim,
	})
	existing.applyUpgrade(callable, window, trim)
	r.staging.StreamConsumers[name] = existing
	return nil
}

func (r *stagingRegistrar) RegisterNotificationConsumer(name string, match MatchCriterion, callable Callable) error {
	if _, dup := r.staging.NotificationConsumers[name]; dup {
		return errors.New(errors.CodeDuplicateName, "notification consumer already registered in this library").
			WithDetail("name", name)
	}

	var existing *NotificationConsumer
	if r.old != nil {
		existing = r.old.NotificationConsumers[name]
	}

	if existing == nil {
		r.staging.NotificationConsumers[name] = NewNotificationConsumer(name, match, callable)
		return nil
	}

	prevMatch, prevCallable := existing.Snapshot()
	*r.reverts = append(*r.reverts, revertDescriptor{
		kind:           "notification",
		notifyConsumer: existing,
		notifyMatch:    prevMatch,
		notifyCallable: prevCallable,
	})
	existing.applyUpgrade(match, callable)
	r.staging.NotificationConsumers[name] = existing
	return nil
}

// Load parses, compiles, and registers source as library name (§4.1 "Load
// protocol"). When upgrade is false and a library by this name already
// exists, it fails with CodeLibraryAlreadyExists. When upgrade is true and
// no such library exists, the load proceeds as a fresh install.
func (m *Manager) Load(user, source string, config *string, upgrade bool, origin *RegistryOrigin) (*Library, error) {
	prologue, err := ParsePrologue(source)
	if err != nil {
		return nil, err
	}

	backend, ok := m.backends[prologue.Engine]
	if !ok {
		return nil, errors.New(errors.CodeUnknownEngine, "no engine backend registered for name").
			WithDetail("engine", prologue.Engine)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, hadOld := m.libraries[prologue.Name]
	if hadOld && !upgrade {
		return nil, errors.New(errors.CodeLibraryAlreadyExists, "library already loaded").
			WithDetail("name", prologue.Name)
	}

	jobQueue := backend.NewJobQueue()

	handle, err := backend.CompileLibrary(source, config, jobQueue)
	if err != nil {
		return nil, errors.Wrap(errors.CodeCompilation, "library failed to compile", err).
			WithDetail("name", prologue.Name)
	}

	staging := newLibrary(prologue.Name, prologue.Engine, user, source, config, handle, jobQueue, origin)

	var reverts []revertDescriptor
	registrar := &stagingRegistrar{staging: staging, old: old, reverts: &reverts}

	if err := handle.LoadLibrary(registrar); err != nil {
		m.revertAndReinstall(prologue.Name, old, hadOld, reverts)
		return nil, errors.Wrap(errors.CodeRuntime, "library registration callback failed", err).
			WithDetail("name", prologue.Name)
	}

	if staging.RegistrationCount() == 0 {
		m.revertAndReinstall(prologue.Name, old, hadOld, reverts)
		return nil, errors.New(errors.CodeZeroRegistrations,
			"library registered no functions, stream consumers, or notification consumers").
			WithDetail("name", prologue.Name)
	}

	delete(m.libraries, prologue.Name)
	m.libraries[prologue.Name] = staging
	m.log.WithField("name", prologue.Name).WithField("upgrade", hadOld).Info("library loaded")
	return staging, nil
}

// revertAndReinstall undoes every mutation stagingRegistrar applied to
// shared (matched) objects and restores the prior library under name, or
// leaves it absent if there was none (§4.1 "Atomicity").
func (m *Manager) revertAndReinstall(name string, old *Library, hadOld bool, reverts []revertDescriptor) {
	for _, d := range reverts {
		d.revert()
	}
	if hadOld {
		m.libraries[name] = old
	} else {
		delete(m.libraries, name)
	}
}

// Delete removes a loaded library. Any StreamConsumer/NotificationConsumer
// objects it owned become unreachable from the manager; weak references
// held by the stream engine or dispatcher resolve to nil on their next use.
func (m *Manager) Delete(name string) (*Library, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lib, ok := m.libraries[name]
	if !ok {
		return nil, errors.New(errors.CodeLibraryNotFound, "no such library").WithDetail("name", name)
	}
	delete(m.libraries, name)
	m.log.WithField("name", name).Info("library deleted")
	return lib, nil
}
