package wire

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// SessionCreated is the SESSION_CREATED reply (spec.md §4.H, §4.G).
type SessionCreated struct {
	SessionID     uuid.UUID
	SessionString string
	STUNServers   []string
	TURNServers   []string
}

func EncodeSessionCreated(s SessionCreated) []byte {
	buf := make([]byte, 0, 16+sessionStringLen+2+2+256)
	head := make([]byte, 16+sessionStringLen)
	putUUID(head[0:16], s.SessionID)
	putFixedString(head[16:16+sessionStringLen], s.SessionString)
	buf = append(buf, head...)
	buf = appendStringList(buf, s.STUNServers)
	buf = appendStringList(buf, s.TURNServers)
	return buf
}

func DecodeSessionCreated(buf []byte) (SessionCreated, error) {
	if len(buf) < 16+sessionStringLen {
		return SessionCreated{}, NewError(ErrNetworkProtocol, "short session_created")
	}
	var s SessionCreated
	s.SessionID = getUUID(buf[0:16])
	s.SessionString = getFixedString(buf[16 : 16+sessionStringLen])
	rest := buf[16+sessionStringLen:]
	stun, rest, err := readStringList(rest)
	if err != nil {
		return SessionCreated{}, err
	}
	turn, _, err := readStringList(rest)
	if err != nil {
		return SessionCreated{}, err
	}
	s.STUNServers = stun
	s.TURNServers = turn
	return s, nil
}

// SessionInfo is the SESSION_INFO reply to a SESSION_LOOKUP (spec.md §4.H).
type SessionInfo struct {
	Found             bool
	SessionID         uuid.UUID
	Capabilities      uint8
	MaxParticipants   uint8
	ParticipantCount  uint8
	SessionType       uint8
	HostID            uuid.UUID
	HostAddress       string
	HostPort          uint16
}

const sessionInfoLen = 1 + 16 + 1 + 1 + 1 + 1 + 16 + addressFieldLen + 2

func EncodeSessionInfo(s SessionInfo) []byte {
	buf := make([]byte, sessionInfoLen)
	off := 0
	if s.Found {
		buf[off] = 1
	}
	off++
	putUUID(buf[off:off+16], s.SessionID)
	off += 16
	buf[off] = s.Capabilities
	off++
	buf[off] = s.MaxParticipants
	off++
	buf[off] = s.ParticipantCount
	off++
	buf[off] = s.SessionType
	off++
	putUUID(buf[off:off+16], s.HostID)
	off += 16
	putFixedString(buf[off:off+addressFieldLen], s.HostAddress)
	off += addressFieldLen
	binary.BigEndian.PutUint16(buf[off:off+2], s.HostPort)
	return buf
}

func DecodeSessionInfo(buf []byte) (SessionInfo, error) {
	if len(buf) < sessionInfoLen {
		return SessionInfo{}, NewError(ErrNetworkProtocol, "short session_info")
	}
	var s SessionInfo
	off := 0
	s.Found = buf[off] != 0
	off++
	s.SessionID = getUUID(buf[off : off+16])
	off += 16
	s.Capabilities = buf[off]
	off++
	s.MaxParticipants = buf[off]
	off++
	s.ParticipantCount = buf[off]
	off++
	s.SessionType = buf[off]
	off++
	s.HostID = getUUID(buf[off : off+16])
	off += 16
	s.HostAddress = getFixedString(buf[off : off+addressFieldLen])
	off += addressFieldLen
	s.HostPort = binary.BigEndian.Uint16(buf[off : off+2])
	return s, nil
}

// SessionJoined is the SESSION_JOINED reply to a SESSION_JOIN (spec.md §3
// "Consensus round" / §4.G `join`).
type SessionJoined struct {
	Success       bool
	SessionID     uuid.UUID
	ParticipantID uuid.UUID
	ErrCode       ErrorCode
	ErrMessage    string
}

func EncodeSessionJoined(s SessionJoined) []byte {
	head := make([]byte, 1+16+16+1)
	off := 0
	if s.Success {
		head[off] = 1
	}
	off++
	putUUID(head[off:off+16], s.SessionID)
	off += 16
	putUUID(head[off:off+16], s.ParticipantID)
	off += 16
	head[off] = uint8(s.ErrCode)
	return appendString(head, s.ErrMessage)
}

func DecodeSessionJoined(buf []byte) (SessionJoined, error) {
	if len(buf) < 1+16+16+1 {
		return SessionJoined{}, NewError(ErrNetworkProtocol, "short session_joined")
	}
	var s SessionJoined
	off := 0
	s.Success = buf[off] != 0
	off++
	s.SessionID = getUUID(buf[off : off+16])
	off += 16
	s.ParticipantID = getUUID(buf[off : off+16])
	off += 16
	s.ErrCode = ErrorCode(buf[off])
	off++
	msg, _, err := readString(buf[off:])
	if err != nil {
		return SessionJoined{}, err
	}
	s.ErrMessage = msg
	return s, nil
}

// ErrorPayload is the body of a generic PacketError reply.
type ErrorPayload struct {
	Code    ErrorCode
	Message string
}

func EncodeErrorPayload(e ErrorPayload) []byte {
	head := []byte{uint8(e.Code)}
	return appendString(head, e.Message)
}

func DecodeErrorPayload(buf []byte) (ErrorPayload, error) {
	if len(buf) < 1 {
		return ErrorPayload{}, NewError(ErrNetworkProtocol, "short error payload")
	}
	code := ErrorCode(buf[0])
	msg, _, err := readString(buf[1:])
	if err != nil {
		return ErrorPayload{}, err
	}
	return ErrorPayload{Code: code, Message: msg}, nil
}

// --- length-prefixed string/list helpers (u16 length prefix, big-endian) ---

func appendString(buf []byte, s string) []byte {
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(s)))
	buf = append(buf, lenBuf...)
	buf = append(buf, s...)
	return buf
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, NewError(ErrNetworkProtocol, "short string length prefix")
	}
	n := int(binary.BigEndian.Uint16(buf[0:2]))
	if len(buf) < 2+n {
		return "", nil, NewError(ErrNetworkProtocol, "short string body")
	}
	return string(buf[2 : 2+n]), buf[2+n:], nil
}

func appendStringList(buf []byte, list []string) []byte {
	countBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(countBuf, uint16(len(list)))
	buf = append(buf, countBuf...)
	for _, s := range list {
		buf = appendString(buf, s)
	}
	return buf
}

func readStringList(buf []byte) ([]string, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, NewError(ErrNetworkProtocol, "short string list count")
	}
	n := int(binary.BigEndian.Uint16(buf[0:2]))
	rest := buf[2:]
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		var s string
		var err error
		s, rest, err = readString(rest)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, s)
	}
	return out, rest, nil
}
