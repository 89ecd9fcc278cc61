// Package persistence implements §4.9 "Persistence Bridge": serializing
// loaded libraries and their stream cursors into the host's snapshot
// stream, and restoring them on load. The snapshot BYTES format the host
// itself uses to frame this payload inside its own file is out of scope
// (§1); this package only defines the library-module section written
// into whatever io.Writer/io.Reader the host hands it.
package persistence

import (
	"encoding/json"
	"io"

	"github.com/r3e-network/gears-runtime/internal/library"
	"github.com/r3e-network/gears-runtime/internal/streamid"
	"github.com/r3e-network/gears-runtime/pkg/errors"
)

// snapshotVersion guards forward compatibility of the JSON shape below.
const snapshotVersion = 1

// StreamCursorSnapshot is one (consumer, stream) cursor, in normative
// field order: consumer, stream, then the cursor itself.
type StreamCursorSnapshot struct {
	Consumer   string     `json:"consumer"`
	Stream     string     `json:"stream"`
	LastReadID streamid.ID `json:"last_read_id"`
}

// LibrarySnapshot is one library, in normative field order: identity
// fields (name, engine, user), then source/config, then origin, then
// stream cursors — everything needed to recompile and reattach on load.
type LibrarySnapshot struct {
	Name    string                  `json:"name"`
	Engine  string                  `json:"engine"`
	User    string                  `json:"user"`
	Source  string                  `json:"source"`
	Config  *string                 `json:"config,omitempty"`
	Origin  *library.RegistryOrigin `json:"origin,omitempty"`
	Cursors []StreamCursorSnapshot  `json:"cursors,omitempty"`
}

// Snapshot is the full library-module section of the host's snapshot.
type Snapshot struct {
	Version   int               `json:"version"`
	Libraries []LibrarySnapshot `json:"libraries"`
}

// CursorLister is implemented by whatever tracks per-(consumer,stream)
// cursors for a library (internal/stream.Engine, via a small adaptor)
// so Save doesn't need to import the stream package.
type CursorLister func(lib *library.Library) []StreamCursorSnapshot

// Save writes every loaded library plus its stream cursors to w, in the
// order Manager.List returns; no ordering requirement applies to the
// library list itself.
func Save(w io.Writer, mgr *library.Manager, cursorsOf CursorLister) error {
	names := mgr.List()
	snap := Snapshot{Version: snapshotVersion, Libraries: make([]LibrarySnapshot, 0, len(names))}

	for _, name := range names {
		lib := mgr.Get(name)
		if lib == nil {
			continue
		}
		var cursors []StreamCursorSnapshot
		if cursorsOf != nil {
			cursors = cursorsOf(lib)
		}
		snap.Libraries = append(snap.Libraries, LibrarySnapshot{
			Name:    lib.Name,
			Engine:  lib.Engine,
			User:    lib.User,
			Source:  lib.Source,
			Config:  lib.Config,
			Origin:  lib.Origin,
			Cursors: cursors,
		})
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(snap); err != nil {
		return errors.Wrap(errors.CodeHostIO, "failed to write library snapshot", err)
	}
	return nil
}

// CursorRestorer is called once per restored library's cursor, letting
// the caller reattach internal/stream.Engine state (update_stream_for_consumer,
// §4.9) without this package depending on the stream package.
type CursorRestorer func(libraryName string, c StreamCursorSnapshot)

// Load reads a Snapshot from r and re-loads every library into mgr (as a
// fresh install, never an upgrade — a snapshot is only ever read into an
// empty manager at startup), then calls restore for every stream cursor
// so the caller can seed internal/stream.Engine state before polling
// resumes.
func Load(r io.Reader, mgr *library.Manager, restore CursorRestorer) error {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return errors.Wrap(errors.CodeHostIO, "failed to read library snapshot", err)
	}
	if snap.Version > snapshotVersion {
		return errors.New(errors.CodeHostIO, "library snapshot version is newer than this build supports").
			WithDetail("version", snap.Version)
	}

	for _, libSnap := range snap.Libraries {
		if _, err := mgr.Load(libSnap.User, libSnap.Source, libSnap.Config, false, libSnap.Origin); err != nil {
			return errors.Wrap(errors.CodeHostIO, "failed to reload library from snapshot", err).
				WithDetail("name", libSnap.Name)
		}
		if restore == nil {
			continue
		}
		for _, c := range libSnap.Cursors {
			restore(libSnap.Name, c)
		}
	}
	return nil
}
