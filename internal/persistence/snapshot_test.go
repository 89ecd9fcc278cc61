package persistence

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/gears-runtime/internal/engine"
	"github.com/r3e-network/gears-runtime/internal/library"
	"github.com/r3e-network/gears-runtime/internal/streamid"
)

const snapshotSource = "#!js api_version=1.0 name=lib1\n" +
	"redis.register_function('echo', function(c, d) { return d; });"

func newManagerWithOneLibrary(t *testing.T) *library.Manager {
	t.Helper()
	backend := engine.NewBackend()
	mgr := library.NewManager(map[string]library.Backend{"js": backend})
	_, err := mgr.Load("default", snapshotSource, nil, false, nil)
	require.NoError(t, err)
	return mgr
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	mgr := newManagerWithOneLibrary(t)

	cursorsOf := func(lib *library.Library) []StreamCursorSnapshot {
		return []StreamCursorSnapshot{
			{Consumer: "sc1", Stream: "stream:a", LastReadID: streamid.ID{MS: 5, Seq: 1}},
		}
	}

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, mgr, cursorsOf))

	freshBackend := engine.NewBackend()
	freshMgr := library.NewManager(map[string]library.Backend{"js": freshBackend})

	var restored []StreamCursorSnapshot
	restore := func(libraryName string, c StreamCursorSnapshot) {
		restored = append(restored, c)
	}

	require.NoError(t, Load(&buf, freshMgr, restore))

	lib := freshMgr.Get("lib1")
	require.NotNil(t, lib)
	assert.Contains(t, lib.Functions, "echo")
	require.Len(t, restored, 1)
	assert.Equal(t, streamid.ID{MS: 5, Seq: 1}, restored[0].LastReadID)
}

func TestLoadEmptySnapshot(t *testing.T) {
	backend := engine.NewBackend()
	mgr := library.NewManager(map[string]library.Backend{"js": backend})

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, mgr, nil))

	fresh := engine.NewBackend()
	freshMgr := library.NewManager(map[string]library.Backend{"js": fresh})
	require.NoError(t, Load(&buf, freshMgr, nil))
	assert.Empty(t, freshMgr.List())
}
