package websocket

import "fmt"

// Close codes defined in RFC 6455, section 11.7.
const (
	CloseNormalClosure           = 1000
	CloseGoingAway               = 1001
	CloseProtocolError           = 1002
	CloseUnsupportedData         = 1003
	CloseNoStatusReceived        = 1005
	CloseAbnormalClosure         = 1006
	CloseInvalidFramePayloadData = 1007
	ClosePolicyViolation         = 1008
	CloseMessageTooBig           = 1009
	CloseMandatoryExtension      = 1010
	CloseInternalServerErr       = 1011
	CloseTLSHandshake            = 1015
)

// CloseError is returned by ReadMessage when the peer sends a close
// frame. Code is CloseNoStatusReceived when the frame had no payload.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("websocket: close %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("websocket: close %d", e.Code)
}

// IsCloseError reports whether err is a *CloseError with one of the
// given codes.
func IsCloseError(err error, codes ...int) bool {
	ce, ok := err.(*CloseError)
	if !ok {
		return false
	}
	for _, c := range codes {
		if ce.Code == c {
			return true
		}
	}
	return false
}

// validReceivedCloseCode reports whether a close code received on the
// wire is legal per RFC 6455 section 7.4.
func validReceivedCloseCode(code int) bool {
	switch code {
	case CloseNormalClosure, CloseGoingAway, CloseProtocolError,
		CloseUnsupportedData, CloseInvalidFramePayloadData,
		ClosePolicyViolation, CloseMessageTooBig,
		CloseMandatoryExtension, CloseInternalServerErr:
		return true
	}
	return code >= 3000 && code <= 4999
}
