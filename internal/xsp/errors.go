package xsp

import (
	"errors"
	"fmt"
)

// ErrorKind is the category of a decoding or transport failure. The kind
// decides how callers react: framing and descriptor problems drop one
// packet, upstream and storage problems count towards a disconnect.
type ErrorKind int

const (
	// FramingError covers escape, demultiplexing and packet structure violations.
	FramingError ErrorKind = iota
	// DescriptorMissing means a well-formed packet carried an unknown id.
	DescriptorMissing
	// ProtocolViolation is a WebSocket handshake or frame sequencing error.
	ProtocolViolation
	// UpstreamFailure is a read error on the serial source.
	UpstreamFailure
	// StorageFailure is a write or read error in the storage collaborator.
	StorageFailure
)

// String returns a human-readable name for the error kind
func (k ErrorKind) String() string {
	switch k {
	case FramingError:
		return "Framing Error"
	case DescriptorMissing:
		return "Descriptor Missing"
	case ProtocolViolation:
		return "Protocol Violation"
	case UpstreamFailure:
		return "Upstream Failure"
	case StorageFailure:
		return "Storage Failure"
	default:
		return fmt.Sprintf("ErrorKind(%d)", k)
	}
}

// Packet structure errors, wrapped in an *Error of kind FramingError.
var (
	ErrPacketTooShort    = errors.New("packet is too short to have a preamble")
	ErrPayloadTooLarge   = errors.New("declared payload size exceeds 8 bytes")
	ErrLengthMismatch    = errors.New("declared payload size does not match packet size")
	ErrUnexpectedPayload = errors.New("packet should have no payload")
	ErrLayoutMismatch    = errors.New("payload size does not match descriptor layout")
	ErrBadEscape         = errors.New("escaped byte is not a reserved value")
	ErrTruncatedEscape   = errors.New("stream ended after an escape byte")
)

// Error is the typed error returned by the decoding stack.
type Error struct {
	Kind    ErrorKind
	Message string
	ID      int // packet id, -1 when not known
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.ID >= 0 {
		prefix = fmt.Sprintf("%s [id=0x%03x]", prefix, e.ID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, id int, err error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		ID:      id,
		Err:     err,
	}
}

// KindOf extracts the kind from err, reporting false if err is not an *Error.
func KindOf(err error) (ErrorKind, bool) {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind, true
	}
	return 0, false
}

// IsFraming reports whether err is a FramingError.
func IsFraming(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == FramingError
}

// IsDescriptorMissing reports whether err is a DescriptorMissing error.
func IsDescriptorMissing(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == DescriptorMissing
}

// IsUpstream reports whether err is an UpstreamFailure.
func IsUpstream(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == UpstreamFailure
}

// IsStorage reports whether err is a StorageFailure.
func IsStorage(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == StorageFailure
}

// NewStorageError wraps a storage collaborator error.
func NewStorageError(err error, format string, args ...any) *Error {
	return newError(StorageFailure, -1, err, format, args...)
}

// NewUpstreamError wraps a serial source error.
func NewUpstreamError(err error, format string, args ...any) *Error {
	return newError(UpstreamFailure, -1, err, format, args...)
}
