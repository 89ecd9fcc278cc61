package library

import (
	"strconv"
	"strings"

	"github.com/r3e-network/gears-runtime/pkg/errors"
)

// Prologue is the parsed first line of a library's source (§6 "Prologue
// grammar"): #!<engine> api_version=<major>.<minor> name=<name> [k=v ...]
type Prologue struct {
	Engine     string
	APIVersion string
	Name       string
	Properties map[string]string
}

// knownProperties are the property keys the prologue parser accepts,
// including api_version and name; anything else is CodeUnknownProperty.
var knownProperties = map[string]bool{
	"api_version": true,
	"name":        true,
	"user":        true,
}

// supportedMinorByMajor maps each major api_version this build understands
// to the highest minor it supports (§8 "latest-compatible minor"): a
// library declaring a lower minor under a known major is accepted, since a
// higher minor only ever adds functionality within the same major.
var supportedMinorByMajor = map[int]int{
	1: 0,
}

// ParsePrologue parses the first line of source. source must start with
// "#!"; anything else is CodeInvalidOrMissingPrologue.
func ParsePrologue(source string) (*Prologue, error) {
	firstLine := source
	if idx := strings.IndexByte(source, '\n'); idx >= 0 {
		firstLine = source[:idx]
	}
	firstLine = strings.TrimRight(firstLine, "\r")

	if !strings.HasPrefix(firstLine, "#!") {
		return nil, errors.New(errors.CodeInvalidOrMissingPrologue,
			"library source must begin with a #! prologue line")
	}

	fields := strings.Fields(firstLine[2:])
	if len(fields) == 0 {
		return nil, errors.New(errors.CodeNoEngineNameFound,
			"prologue is missing an engine name")
	}

	engineName := fields[0]
	if engineName == "" || strings.Contains(engineName, "=") {
		return nil, errors.New(errors.CodeNoEngineNameFound,
			"prologue is missing an engine name")
	}

	props := make(map[string]string)
	for _, tok := range fields[1:] {
		key, value, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			return nil, errors.New(errors.CodeInvalidOrMissingPrologue,
				"malformed prologue property: "+tok)
		}
		if !knownProperties[key] {
			return nil, errors.New(errors.CodeUnknownProperty, "unknown prologue property: "+key).
				WithDetail("property", key)
		}
		if _, dup := props[key]; dup {
			return nil, errors.New(errors.CodeDuplicatedProperty, "duplicated prologue property: "+key).
				WithDetail("property", key)
		}
		props[key] = value
	}

	apiVersion, ok := props["api_version"]
	if !ok || apiVersion == "" {
		return nil, errors.New(errors.CodeMissingAPIVersion, "prologue is missing api_version")
	}
	major, minor, ok := parseAPIVersion(apiVersion)
	if !ok {
		return nil, errors.New(errors.CodeAPIVersionSyntaxViolation,
			"api_version must be of the form <major>.<minor>").
			WithDetail("api_version", apiVersion)
	}
	maxMinor, known := supportedMinorByMajor[major]
	if !known || minor > maxMinor {
		return nil, errors.New(errors.CodeUnsupportedAPIVersion, "unsupported api_version").
			WithDetail("api_version", apiVersion)
	}

	name, ok := props["name"]
	if !ok || name == "" {
		return nil, errors.New(errors.CodeMissingModuleName, "prologue is missing name")
	}

	return &Prologue{
		Engine:     engineName,
		APIVersion: apiVersion,
		Name:       name,
		Properties: props,
	}, nil
}

// parseAPIVersion splits "<major>.<minor>" into its integer parts.
func parseAPIVersion(v string) (major, minor int, ok bool) {
	majorStr, minorStr, cut := strings.Cut(v, ".")
	if !cut {
		return 0, 0, false
	}
	major, errMajor := strconv.Atoi(majorStr)
	minor, errMinor := strconv.Atoi(minorStr)
	if errMajor != nil || errMinor != nil || major < 0 || minor < 0 {
		return 0, 0, false
	}
	return major, minor, true
}
