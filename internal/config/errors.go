package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnknownConfigField classifies strict YAML parse failures caused by
	// unknown keys.
	ErrUnknownConfigField = errors.New("unknown config field")

	// ErrSchema classifies values rejected by the config schema.
	ErrSchema = errors.New("config schema violation")
)

// VersionError reports a component version this build cannot serve.
type VersionError struct {
	Component string
	Requested int
	Supported []int
}

func (e *VersionError) Error() string {
	versions := make([]string, len(e.Supported))
	for i, v := range e.Supported {
		versions[i] = strconv.Itoa(v)
	}
	return fmt.Sprintf("%s version %d is not supported by this databroker (supported versions: %s); "+
		"upgrade databroker or set %s.version to a supported value",
		e.Component, e.Requested, strings.Join(versions, ", "), e.Component)
}

// NotFoundError reports a named configuration missing from every search
// directory.
type NotFoundError struct {
	Name     string
	Searched []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no configuration named %q found (searched: %s)", e.Name, strings.Join(e.Searched, ", "))
}
