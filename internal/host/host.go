// Package host declares the narrow interfaces the runtime drives against
// the embedding key-value server. None of these are implemented here: the
// host server (command dispatch, ACL, key I/O, replication, key-space
// iteration) is explicitly out of scope (spec §1). adaptors/redishost
// provides one concrete implementation over a real Redis for the example
// binary and integration tests.
package host

import (
	"context"
	"time"

	"github.com/r3e-network/gears-runtime/internal/streamid"
)

// Role is the server's replication role. The function runtime's precheck
// consults it to refuse writing functions on a replica; the stream engine
// and the library manager do not consult it, so stream reads, trims and
// library changes run whatever the role.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

// Reply is a RESP-shaped value returned from a host call, mirroring the
// reply marshalling rules of §4.6: exactly one of the fields is set.
type Reply struct {
	Integer *int64
	Double  *float64
	Status  string
	Bulk    []byte
	Array   []Reply
	Null    bool
}

// Server is the subset of the embedding server the runtime calls into
// while a context is "blocked" (§4.7, §5): arbitrary commands, the
// current role, and whether the server is under OOM pressure.
type Server interface {
	// Call executes a host command on behalf of a library, with the ACL of
	// user. Only permitted while the caller's context is "blocked".
	Call(ctx context.Context, user string, cmd string, args ...string) (Reply, error)
	Role() Role
	IsOOM() bool
}

// Record is one stream entry (§3 "Stream IDs").
type Record struct {
	ID     streamid.ID
	Fields map[string]string
}

// StreamHost is the §4.5 "external primitives" the stream reader engine
// drives: reading beyond a cursor and trimming a stream's retained prefix.
type StreamHost interface {
	// Read returns the first record strictly after fromID (or at fromID
	// when includeFrom is true and fromID is non-nil), or nil if none.
	// A nil fromID reads from the beginning of the stream.
	Read(ctx context.Context, stream string, fromID *streamid.ID, includeFrom bool) (*Record, error)
	Trim(ctx context.Context, stream string, minID streamid.ID) error
}

// KeyScanner lets the stream engine rediscover streams whose names match a
// live consumer's prefix on promotion to primary (§4.5 "Role change").
type KeyScanner interface {
	ScanKeysWithPrefix(ctx context.Context, prefix string) ([]string, error)
}

// ACLChecker reports whether user may touch key. The notification
// dispatcher and the stream engine skip a consumer whose library user is
// denied: the consumer is not invoked and no nack or error is recorded.
type ACLChecker interface {
	CanAccessKey(user, key string) bool
}

// Replicator emits the simplified local-only decisions replicas apply
// (§4.1 "Replication & cluster", §4.5 "Replica semantics").
type Replicator interface {
	ReplicateLibraryLoad(libraryName string, payload []byte)
	ReplicateLibraryDelete(libraryName string)
	ReplicateStreamCursor(library, consumer, stream string, id streamid.ID)
}

// Clock abstracts time.Now for deterministic tests of lag/processing-time
// counters (§3 "Per-stream state").
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock backed by time.Now.
var SystemClock Clock = systemClock{}
