package library

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchCriterionExact(t *testing.T) {
	m := MatchCriterion{Exact: "user:1", IsExact: true}
	assert.True(t, m.Matches("user:1"))
	assert.False(t, m.Matches("user:12"))
}

func TestMatchCriterionPrefix(t *testing.T) {
	m := MatchCriterion{Prefix: "user:"}
	assert.True(t, m.Matches("user:1"))
	assert.False(t, m.Matches("session:1"))
}

func TestFunctionRegistrationHasFlag(t *testing.T) {
	f := &FunctionRegistration{Flags: map[FunctionFlag]bool{FlagNoWrites: true}}
	assert.True(t, f.HasFlag(FlagNoWrites))
	assert.False(t, f.HasFlag(FlagAllowOOM))

	var bare FunctionRegistration
	assert.False(t, bare.HasFlag(FlagNoWrites))
}

func TestStreamConsumerSnapshotRestore(t *testing.T) {
	c := NewStreamConsumer("c1", "stream:", "v1", 100, true)
	callable, window, trim := c.Snapshot()
	assert.Equal(t, "v1", callable)
	assert.Equal(t, 100, window)
	assert.True(t, trim)

	c.applyUpgrade("v2", 50, false)
	callable, window, trim = c.Current()
	assert.Equal(t, "v2", callable)
	assert.Equal(t, 50, window)
	assert.False(t, trim)

	c.Restore("v1", 100, true)
	callable, window, trim = c.Current()
	assert.Equal(t, "v1", callable)
	assert.Equal(t, 100, window)
	assert.True(t, trim)
}

func TestStreamConsumerStreamState(t *testing.T) {
	c := NewStreamConsumer("c1", "stream:", "v1", 100, false)
	st := c.StateFor("stream:a")
	assert.NotNil(t, st)
	assert.Same(t, st, c.StateFor("stream:a"))

	assert.ElementsMatch(t, []string{"stream:a"}, c.StreamNames())

	c.DropStream("stream:a")
	assert.Empty(t, c.StreamNames())
}

func TestNotificationConsumerRecordFinished(t *testing.T) {
	n := NewNotificationConsumer("n1", MatchCriterion{Prefix: "k:"}, "cb")
	n.RecordTrigger()
	n.RecordFinished(false, "", 0)
	n.RecordTrigger()
	n.RecordFinished(true, "boom", 0)

	assert.Equal(t, uint64(2), n.Triggered)
	assert.Equal(t, uint64(2), n.Finished)
	assert.Equal(t, uint64(1), n.Succeeded)
	assert.Equal(t, uint64(1), n.Failed)
	assert.Equal(t, "boom", n.LastError)
}

func TestLibraryRegistrationCount(t *testing.T) {
	l := newLibrary("l1", "js", "default", "src", nil, nil, nil, nil)
	assert.Equal(t, 0, l.RegistrationCount())
	l.Functions["f1"] = &FunctionRegistration{Name: "f1"}
	assert.Equal(t, 1, l.RegistrationCount())
}
