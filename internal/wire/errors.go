// Package wire implements the ACIP framed-packet protocol: header layout,
// checksum, packet types and the big-endian wire structs relayed between
// discovery clients and the discovery server.
package wire

import "fmt"

// ErrorCode enumerates the error kinds in spec.md §7. These are kinds, not
// Go error types — every one is carried by a single CoreError.
type ErrorCode uint8

const (
	ErrNone ErrorCode = iota
	ErrInvalidParam
	ErrInvalidState
	ErrMemory
	ErrNetwork
	ErrNetworkTimeout
	ErrNetworkProtocol
	ErrCryptoVerification
	ErrBufferFull
	ErrBufferOverflow
	ErrRateLimited
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "OK"
	case ErrInvalidParam:
		return "INVALID_PARAM"
	case ErrInvalidState:
		return "INVALID_STATE"
	case ErrMemory:
		return "MEMORY"
	case ErrNetwork:
		return "NETWORK"
	case ErrNetworkTimeout:
		return "NETWORK_TIMEOUT"
	case ErrNetworkProtocol:
		return "NETWORK_PROTOCOL"
	case ErrCryptoVerification:
		return "CRYPTO_VERIFICATION"
	case ErrBufferFull:
		return "BUFFER_FULL"
	case ErrBufferOverflow:
		return "BUFFER_OVERFLOW"
	case ErrRateLimited:
		return "RATE_LIMITED"
	default:
		return "UNKNOWN"
	}
}

// CoreError is the single error type carrying one of the ErrorCode kinds
// plus a human-readable message and the peer it pertains to (if any).
// Leaf primitives construct these; dispatchers reply ERROR on the same
// transport and continue — a CoreError never terminates the server.
type CoreError struct {
	Code    ErrorCode
	Message string
	Peer    string // optional, e.g. remote address or participant id
}

func (e *CoreError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s: %s (peer=%s)", e.Code, e.Message, e.Peer)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError constructs a CoreError for the given kind.
func NewError(code ErrorCode, format string, args ...any) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithPeer returns a copy of e annotated with a peer identifier.
func (e *CoreError) WithPeer(peer string) *CoreError {
	cp := *e
	cp.Peer = peer
	return &cp
}

// Is allows errors.Is(err, ErrTimeout) style matching against the
// ErrorCode embedded in a CoreError by comparing codes, not identity.
func (e *CoreError) Is(target error) bool {
	other, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// Sentinel errors for errors.Is matching without constructing a CoreError.
var (
	ErrTimeout  = &CoreError{Code: ErrNetworkTimeout, Message: "timeout"}
	ErrProtocol = &CoreError{Code: ErrNetworkProtocol, Message: "protocol violation"}
)
