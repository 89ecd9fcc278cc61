package notify

import "sync/atomic"

// Blocker is the process-wide notification blocker (§4.4 "Reentrancy
// guard", §4.10 global state): entered around any host call that runs
// user code, so a write made from inside one invocation can't
// synchronously recurse into another notification dispatch. Implemented
// as a counter rather than a bool (DESIGN.md Open Question #3) so a
// nested invocation — a stream consumer's callback calling client.call
// while a function call further up the stack already holds the guard —
// doesn't clear protection for the outer frame when the inner one exits.
type Blocker struct {
	depth int32
}

// Enter acquires the guard. Always pair with a deferred Exit so the
// guard releases on every exit path, including a panic unwinding through
// the call.
func (b *Blocker) Enter() {
	atomic.AddInt32(&b.depth, 1)
}

// Exit releases one acquisition of the guard.
func (b *Blocker) Exit() {
	atomic.AddInt32(&b.depth, -1)
}

// Blocked reports whether any invocation anywhere in the process is
// currently inside the guard.
func (b *Blocker) Blocked() bool {
	return atomic.LoadInt32(&b.depth) > 0
}
