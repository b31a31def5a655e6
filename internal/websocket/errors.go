package websocket

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is wrapped by every handshake and framing error a
// peer can cause.
var ErrProtocolViolation = errors.New("websocket protocol violation")

// Close status codes used by Conn.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseMessageTooBig   = 1009
	closeNoStatusPresent = 1005
)

// HandshakeError rejects an opening handshake. Status is the HTTP status
// to answer with.
type HandshakeError struct {
	Status int
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake rejected (%d): %s", e.Status, e.Reason)
}

func (e *HandshakeError) Unwrap() error { return ErrProtocolViolation }

// ProtocolError is a violation on an established connection. Code is the
// close status sent to the peer.
type ProtocolError struct {
	Code   int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("websocket protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolViolation }

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: CloseProtocolError, Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolViolation reports whether err was caused by the peer breaking
// the protocol.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}
