package client

import (
	"errors"

	"github.com/chronologos/gorcon/internal/protocol"
)

var (
	// ErrTransport marks failures of the underlying stream. The I/O error
	// that caused it is wrapped alongside.
	ErrTransport = errors.New("client: transport error")
	// ErrAuthFailed is returned when the server answers the password with a
	// negative id. The connection stays usable for another attempt.
	ErrAuthFailed = errors.New("client: authentication failed")
	// ErrPayloadTooLarge is returned before any bytes are written.
	ErrPayloadTooLarge = errors.New("client: payload size exceeded")
)

// isDataError reports whether err came from a frame that was read in full
// but could not be decoded. A frame too short to be skipped leaves the
// stream out of sync and counts as a transport failure instead.
func isDataError(err error) bool {
	if errors.Is(err, protocol.ErrOutOfSync) {
		return false
	}
	return errors.Is(err, protocol.ErrMalformedPayload) || errors.Is(err, protocol.ErrInvalidLength)
}
