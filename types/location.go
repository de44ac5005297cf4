// Package types defines core domain types shared by the afar client,
// its workers and the relay bus.
//
//nolint:revive // types is a common Go package naming convention
package types

import "fmt"

// Location is where a captured block runs.
type Location string

// Location constants. The string values double as the bare names a block
// header may use without importing anything.
const (
	LocationLocally  Location = "locally"
	LocationRemotely Location = "remotely"
	LocationLater    Location = "later"
)

// Locations lists every recognized location in lookup order.
var Locations = []Location{LocationRemotely, LocationLocally, LocationLater}

// ParseLocation converts a user-supplied string to a Location.
func ParseLocation(s string) (Location, error) {
	switch Location(s) {
	case LocationLocally, LocationRemotely, LocationLater:
		return Location(s), nil
	default:
		return "", fmt.Errorf("unknown location %q (expected locally, remotely or later)", s)
	}
}

// Reserved keys in a remote result mapping.
const (
	// ReturnValueKey carries the value of a trailing bare expression.
	ReturnValueKey = "_afar_return_value_"
	// StdoutKey carries captured print output.
	StdoutKey = "_afar_stdout_"
	// StderrKey carries captured error output.
	StderrKey = "_afar_stderr_"
)
