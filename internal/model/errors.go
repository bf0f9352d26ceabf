// Package model holds the data types and error taxonomy shared by every
// subsystem: scheduler, dispatcher, cache server and servant.
package model

import "github.com/pkg/errors"

// Error kinds as laid out in the error-handling design: each RPC boundary
// classifies its failure into one of these before wrapping it with
// call-site context via github.com/pkg/errors.
var (
	ErrAccessDenied            = errors.New("access denied")
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrEnvironmentNotAvailable = errors.New("environment not available")
	ErrNoQuotaAvailable        = errors.New("no quota available")
	ErrNotFound                = errors.New("not found")
	ErrTransport               = errors.New("transport error")
	ErrCorruptedEntry          = errors.New("corrupted cache entry")
	ErrUnavailable             = errors.New("unavailable")
)

// Is reports whether err (or any error it wraps) matches kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
