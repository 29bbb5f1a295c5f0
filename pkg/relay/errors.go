package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a recognized intake failure.
type Kind string

const (
	// KindUpstream means the relay was unreachable or returned something
	// unusable. The client may retry with a different URI.
	KindUpstream Kind = "upstream"
	// KindInput means the manifest content was rejected.
	KindInput Kind = "input"
	// KindConsistency means the relay tarball could not be retrieved or did
	// not match its manifest.
	KindConsistency Kind = "consistency"
	// KindDuplicate means the store already holds the content.
	KindDuplicate Kind = "duplicate"
)

// Error is a recognized intake failure with the HTTP status and message
// that should reach the caller. Anything that is not an *Error is treated
// as an internal failure.
type Error struct {
	Status  int
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// AsError extracts a recognized intake failure from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func BadGateway(format string, args ...any) *Error {
	return &Error{Status: http.StatusBadGateway, Kind: KindUpstream, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) *Error {
	return &Error{Status: http.StatusBadRequest, Kind: KindInput, Message: fmt.Sprintf(format, args...)}
}

// Inconsistent is a consistency failure carrying an explicit status, which
// is how upstream statuses are forwarded to the caller.
func Inconsistent(status int, format string, args ...any) *Error {
	return &Error{Status: status, Kind: KindConsistency, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Status: http.StatusConflict, Kind: KindDuplicate, Message: fmt.Sprintf(format, args...)}
}
