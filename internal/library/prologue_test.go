package library

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rterrors "github.com/r3e-network/gears-runtime/pkg/errors"
)

func TestParsePrologueOK(t *testing.T) {
	src := "#!js api_version=1.0 name=lib1 user=default\nredis.register_function(...)"
	p, err := ParsePrologue(src)
	require.NoError(t, err)
	assert.Equal(t, "js", p.Engine)
	assert.Equal(t, "1.0", p.APIVersion)
	assert.Equal(t, "lib1", p.Name)
	assert.Equal(t, "default", p.Properties["user"])
}

func TestParsePrologueMissingHash(t *testing.T) {
	_, err := ParsePrologue("js api_version=1.0 name=lib1")
	assert.True(t, rterrors.Is(err, rterrors.CodeInvalidOrMissingPrologue))
}

func TestParsePrologueMissingEngine(t *testing.T) {
	_, err := ParsePrologue("#! api_version=1.0 name=lib1")
	assert.True(t, rterrors.Is(err, rterrors.CodeNoEngineNameFound))
}

func TestParsePrologueMissingAPIVersion(t *testing.T) {
	_, err := ParsePrologue("#!js name=lib1")
	assert.True(t, rterrors.Is(err, rterrors.CodeMissingAPIVersion))
}

func TestParsePrologueMissingName(t *testing.T) {
	_, err := ParsePrologue("#!js api_version=1.0")
	assert.True(t, rterrors.Is(err, rterrors.CodeMissingModuleName))
}

func TestParsePrologueBadAPIVersionSyntax(t *testing.T) {
	_, err := ParsePrologue("#!js api_version=one name=lib1")
	assert.True(t, rterrors.Is(err, rterrors.CodeAPIVersionSyntaxViolation))
}

func TestParsePrologueUnsupportedAPIVersion(t *testing.T) {
	_, err := ParsePrologue("#!js api_version=9.9 name=lib1")
	assert.True(t, rterrors.Is(err, rterrors.CodeUnsupportedAPIVersion))
}

func TestParsePrologueRejectsMinorAheadOfSupport(t *testing.T) {
	_, err := ParsePrologue("#!js api_version=1.99 name=lib1")
	assert.True(t, rterrors.Is(err, rterrors.CodeUnsupportedAPIVersion))
}

func TestParsePrologueDuplicateProperty(t *testing.T) {
	_, err := ParsePrologue("#!js api_version=1.0 api_version=1.0 name=lib1")
	assert.True(t, rterrors.Is(err, rterrors.CodeDuplicatedProperty))
}

func TestParsePrologueUnknownProperty(t *testing.T) {
	_, err := ParsePrologue("#!js api_version=1.0 name=lib1 bogus=1")
	assert.True(t, rterrors.Is(err, rterrors.CodeUnknownProperty))
}
