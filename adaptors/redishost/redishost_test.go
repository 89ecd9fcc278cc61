package redishost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/r3e-network/gears-runtime/internal/host"
)

func TestToReplyScalarKinds(t *testing.T) {
	var i int64 = 7
	assert.Equal(t, host.Reply{Integer: &i}, toReply(int64(7)))

	var d float64 = 1.5
	assert.Equal(t, host.Reply{Double: &d}, toReply(float64(1.5)))

	assert.Equal(t, host.Reply{Bulk: []byte("hi")}, toReply("hi"))
	assert.Equal(t, host.Reply{Bulk: []byte("raw")}, toReply([]byte("raw")))
	assert.Equal(t, host.Reply{Null: true}, toReply(nil))
}

func TestToReplyArray(t *testing.T) {
	r := toReply([]interface{}{"a", int64(1), nil})
	require := assert.New(t)
	require.Len(r.Array, 3)
	require.Equal([]byte("a"), r.Array[0].Bulk)
	require.NotNil(r.Array[1].Integer)
	require.Equal(int64(1), *r.Array[1].Integer)
	require.True(r.Array[2].Null)
}

func TestParseMemoryInfo(t *testing.T) {
	info := "# Memory\r\nused_memory:1048576\r\nused_memory_human:1.00M\r\nmaxmemory:2097152\r\n"
	used, max := parseMemoryInfo(info)
	assert.Equal(t, int64(1048576), used)
	assert.Equal(t, int64(2097152), max)
}

func TestParseMemoryInfoNoLimit(t *testing.T) {
	info := "# Memory\r\nused_memory:500\r\nmaxmemory:0\r\n"
	used, max := parseMemoryInfo(info)
	assert.Equal(t, int64(500), used)
	assert.Equal(t, int64(0), max)
}
