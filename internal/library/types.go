// Package library implements the data model and lifecycle manager of
// spec §3 and §4.1: libraries, their function/stream/notification
// registrations, the prologue grammar, and load/upgrade/revert/delete.
package library

import (
	"sync"
	"time"

	"github.com/r3e-network/gears-runtime/internal/streamid"
)

// Callable is an opaque handle into the engine backend (a compiled JS
// function, in the bundled goja backend). The library package never
// inspects it; only the engine adaptor does.
type Callable any

// FunctionFlag is one of the §6 register_function flags.
type FunctionFlag string

const (
	FlagNoWrites     FunctionFlag = "no-writes"
	FlagAllowOOM     FunctionFlag = "allow-oom"
	FlagRawArguments FunctionFlag = "raw-arguments"
)

// ValidFunctionFlags is the set an unknown flag string is checked against.
var ValidFunctionFlags = map[FunctionFlag]bool{
	FlagNoWrites:     true,
	FlagAllowOOM:     true,
	FlagRawArguments: true,
}

// FunctionRegistration is §3 "Function registration".
type FunctionRegistration struct {
	Name     string
	Callable Callable
	Flags    map[FunctionFlag]bool
	Async    bool
}

// HasFlag reports whether f carries flag.
func (f *FunctionRegistration) HasFlag(flag FunctionFlag) bool {
	return f.Flags != nil && f.Flags[flag]
}

// PendingRecord is one stream ID delivered to a consumer but not yet
// acked, paired with the wall-clock time it was dispatched so an ack can
// compute processing time (§3 "Per-stream state" counters).
type PendingRecord struct {
	ID           streamid.ID
	DispatchedAt time.Time
}

// StreamState is the per-(consumer, stream) cursor and counters of §3
// "Per-stream state". Guarded by its own mutex so the stream engine can
// mutate it without taking the consumer-level lock.
type StreamState struct {
	mu sync.Mutex

	LastReadID *streamid.ID
	Pending    []PendingRecord

	RecordsProcessed    uint64
	TotalProcessingTime time.Duration
	LastProcessingTime  time.Duration
	LastLag             time.Duration
	TotalLag            time.Duration
	LastError           string
}

// WithLock runs fn with the state's mutex held.
func (s *StreamState) WithLock(fn func(*StreamState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// StreamConsumer is §3 "Stream consumer". Its mutable fields (Callable,
// Window, Trim) are guarded by mu so an upgrade can swap them in
// place while the stream engine holds only a weak reference to this
// object (Design Notes "Cyclic references").
type StreamConsumer struct {
	mu sync.Mutex

	Name     string
	Prefix   string
	Callable Callable
	Window   int
	Trim     bool

	streamsMu sync.Mutex
	Streams   map[string]*StreamState // keyed by stream name
}

// NewStreamConsumer constructs a fresh registration with no stream state.
func NewStreamConsumer(name, prefix string, callable Callable, window int, trim bool) *StreamConsumer {
	return &StreamConsumer{
		Name:     name,
		Prefix:   prefix,
		Callable: callable,
		Window:   window,
		Trim:     trim,
		Streams:  make(map[string]*StreamState),
	}
}

// Snapshot returns the current mutable fields, used to build a revert
// descriptor before an upgrade mutates them.
func (c *StreamConsumer) Snapshot() (callable Callable, window int, trim bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Callable, c.Window, c.Trim
}

// Restore sets the mutable fields back to a prior snapshot (upgrade revert).
func (c *StreamConsumer) Restore(callable Callable, window int, trim bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Callable, c.Window, c.Trim = callable, window, trim
}

// applyUpgrade sets the mutable fields to the new registration's values.
func (c *StreamConsumer) applyUpgrade(callable Callable, window int, trim bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Callable, c.Window, c.Trim = callable, window, trim
}

// Current returns the live callable/window/trim for dispatch.
func (c *StreamConsumer) Current() (callable Callable, window int, trim bool) {
	return c.Snapshot()
}

// StateFor returns (creating if absent) the per-stream state for stream.
func (c *StreamConsumer) StateFor(stream string) *StreamState {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	st, ok := c.Streams[stream]
	if !ok {
		st = &StreamState{}
		c.Streams[stream] = st
	}
	return st
}

// DropStream removes per-stream state for stream (stream delete, §4.5).
func (c *StreamConsumer) DropStream(stream string) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	delete(c.Streams, stream)
}

// ClearStreams drops all per-stream state (flush, §4.5).
func (c *StreamConsumer) ClearStreams() {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	c.Streams = make(map[string]*StreamState)
}

// StreamNames returns a snapshot of currently tracked stream names.
func (c *StreamConsumer) StreamNames() []string {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	names := make([]string, 0, len(c.Streams))
	for k := range c.Streams {
		names = append(names, k)
	}
	return names
}

// MatchCriterion is §3 "Notification consumer" match: Key(exact) or Prefix.
type MatchCriterion struct {
	Exact   string
	Prefix  string
	IsExact bool
}

// Matches reports whether key satisfies the criterion.
func (m MatchCriterion) Matches(key string) bool {
	if m.IsExact {
		return key == m.Exact
	}
	return len(key) >= len(m.Prefix) && key[:len(m.Prefix)] == m.Prefix
}

// NotificationConsumer is §3 "Notification consumer".
type NotificationConsumer struct {
	mu sync.Mutex

	Name     string
	Match    MatchCriterion
	Callable Callable

	Triggered     uint64
	Succeeded     uint64
	Failed        uint64
	Finished      uint64
	LastError     string
	LastExecTime  time.Duration
	TotalExecTime time.Duration
}

// NewNotificationConsumer constructs a fresh registration with zeroed stats.
func NewNotificationConsumer(name string, match MatchCriterion, callable Callable) *NotificationConsumer {
	return &NotificationConsumer{Name: name, Match: match, Callable: callable}
}

// Snapshot returns the current mutable fields for a revert descriptor.
func (n *NotificationConsumer) Snapshot() (match MatchCriterion, callable Callable) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Match, n.Callable
}

// Restore sets the mutable fields back to a prior snapshot.
func (n *NotificationConsumer) Restore(match MatchCriterion, callable Callable) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Match, n.Callable = match, callable
}

func (n *NotificationConsumer) applyUpgrade(match MatchCriterion, callable Callable) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Match, n.Callable = match, callable
}

// Current returns the live match/callable for dispatch.
func (n *NotificationConsumer) Current() (match MatchCriterion, callable Callable) {
	return n.Snapshot()
}

// RecordTrigger increments the trigger counter (dispatcher fired the callable).
func (n *NotificationConsumer) RecordTrigger() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Triggered++
}

// RecordFinished records completion, success or failure, and timing (§4.4).
func (n *NotificationConsumer) RecordFinished(failed bool, errMsg string, execTime time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Finished++
	if failed {
		n.Failed++
		n.LastError = errMsg
	} else {
		n.Succeeded++
	}
	n.LastExecTime = execTime
	n.TotalExecTime += execTime
}

// RegistryOrigin records where a library came from when loaded via the
// optional HTTP registry (box install, §3 "Library").
type RegistryOrigin struct {
	RegistryAddress string
	PackageID       string
	Version         string
}

// JobQueue is the per-library handle into the compile-library worker pool
// (§4.3), used by engine-originated background work (async function
// bodies, promise continuations).
type JobQueue interface {
	Submit(job func())
	PendingJobs() int
}

// CompiledHandle is what an engine backend hands back from CompileLibrary;
// LoadLibrary drives the three register calls against r.
type CompiledHandle interface {
	LoadLibrary(r Registrar) error
}

// Registrar is what a compiled library's LoadLibrary callback uses to
// register functions, stream consumers, and notification consumers
// (§4.1 step 5, §4.2).
type Registrar interface {
	RegisterFunction(name string, callable Callable, flags []string, async bool) error
	RegisterStreamConsumer(name, prefix string, window int, trim bool, callable Callable) error
	RegisterNotificationConsumer(name string, match MatchCriterion, callable Callable) error
}

// Backend is the §4.2 Engine Backend Interface.
type Backend interface {
	Name() string
	NewJobQueue() JobQueue
	CompileLibrary(source string, config *string, queue JobQueue) (CompiledHandle, error)
	Debug(args []string) (string, error)
}

// Library is §3 "Library".
type Library struct {
	Name   string
	Engine string
	User   string
	Source string
	Config *string
	Handle CompiledHandle
	Origin *RegistryOrigin
	Queue  JobQueue

	Functions             map[string]*FunctionRegistration
	StreamConsumers       map[string]*StreamConsumer
	NotificationConsumers map[string]*NotificationConsumer
}

func newLibrary(name, engineName, user, source string, cfg *string, handle CompiledHandle, queue JobQueue, origin *RegistryOrigin) *Library {
	return &Library{
		Name:                  name,
		Engine:                engineName,
		User:                  user,
		Source:                source,
		Config:                cfg,
		Handle:                handle,
		Queue:                 queue,
		Origin:                origin,
		Functions:             make(map[string]*FunctionRegistration),
		StreamConsumers:       make(map[string]*StreamConsumer),
		NotificationConsumers: make(map[string]*NotificationConsumer),
	}
}

// RegistrationCount is the number registered of any kind, used by §4.1
// step 6's "zero registrations" check.
func (l *Library) RegistrationCount() int {
	return len(l.Functions) + len(l.StreamConsumers) + len(l.NotificationConsumers)
}
