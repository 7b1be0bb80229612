package web

import (
	"errors"
	"fmt"
)

var (
	ErrBadRequest        = errors.New("web: bad request")
	ErrHeaderTooLarge    = errors.New("web: header too large")
	ErrBodyTooLarge      = errors.New("web: body too large")
	ErrTimeout           = errors.New("web: timeout")
	ErrProtocolViolation = errors.New("web: protocol violation")
	ErrTooManyRedirects  = errors.New("web: too many redirects")
	ErrServerClosed      = errors.New("web: server closed")
	ErrHijacked          = errors.New("web: connection hijacked")
)

// StatusError reports a non-success HTTP status from Client.Fetch. The
// response is retained so callers can inspect headers and body.
type StatusError struct {
	StatusCode int
	Response   *Response
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("web: status %d", e.StatusCode)
}
