// Package ovirt provides a client for the oVirt engine REST API and the
// session logic that drives disk and image-transfer state machines.
package ovirt

import (
	"errors"
)

// ErrNotFound indicates the engine no longer has the requested object.
// During the finalize handshake this is the expected success signal: the
// transfer object ceasing to exist is how the engine reports completion.
// Everywhere else it is a real error.
var ErrNotFound = errors.New("object not found")

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
