package wire

import (
	"encoding/binary"
	"hash/crc32"
)

// Magic identifies an ACIP frame on the wire.
const Magic uint32 = 0x41434950 // "ACIP"

// Version is the current wire protocol version.
const Version uint8 = 1

// HeaderLen is the fixed size, in bytes, of a Header on the wire.
const HeaderLen = 4 + 1 + 2 + 1 + 4 + 4 // magic, version, type, flags, payload_len, crc32

// PacketType identifies the payload layout that follows a Header.
type PacketType uint16

const (
	PacketUnknown PacketType = iota

	// Handshake
	PacketHandshakeStart
	PacketHandshakeChallenge
	PacketHandshakeComplete

	// Session lifecycle (module H)
	PacketSessionCreate
	PacketSessionCreated
	PacketSessionLookup
	PacketSessionInfo
	PacketSessionJoin
	PacketSessionJoined
	PacketSessionLeave

	// WebRTC signaling relay (module I)
	PacketWebRTCSDP
	PacketWebRTCICE

	// Liveness
	PacketDiscoveryPing
	PacketDiscoveryPong
	PacketPing
	PacketPong

	// Host lifecycle / migration (modules H, N)
	PacketHostAnnouncement
	PacketHostLost

	// Ring consensus (modules J, K, L, M)
	PacketRingMembers
	PacketStatsCollectionStart
	PacketStatsUpdate
	PacketRingElectionResult
	PacketStatsAck

	// Generic error reply
	PacketError
)

// Flags bits on Header.Flags.
const (
	FlagEncrypted uint8 = 1 << iota
)

// Header is the fixed framing prefix of every ACIP packet (spec.md §4.A).
type Header struct {
	Magic      uint32
	Version    uint8
	Type       PacketType
	Flags      uint8
	PayloadLen uint32
	CRC32      uint32
}

// encodeHeaderFields writes every field of h, CRC32 included, into a
// HeaderLen-byte big-endian buffer. Callers pass h with a zero CRC32 to get
// the bytes the checksum covers, then encode again with the computed CRC32.
func encodeHeaderFields(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	binary.BigEndian.PutUint16(buf[5:7], uint16(h.Type))
	buf[7] = h.Flags
	binary.BigEndian.PutUint32(buf[8:12], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[12:16], h.CRC32)
	return buf
}

// EncodeFrame serializes a complete ACIP frame: header (with checksum) plus
// payload. The checksum covers the header (CRC32 field zeroed) followed by
// the payload.
func EncodeFrame(ptype PacketType, flags uint8, payload []byte) []byte {
	h := Header{
		Magic:      Magic,
		Version:    Version,
		Type:       ptype,
		Flags:      flags,
		PayloadLen: uint32(len(payload)),
	}
	hdrBuf := encodeHeaderFields(h)

	crc := crc32.NewIEEE()
	crc.Write(hdrBuf)
	crc.Write(payload)
	h.CRC32 = crc.Sum32()

	out := make([]byte, 0, HeaderLen+len(payload))
	out = append(out, encodeHeaderFields(h)...)
	out = append(out, payload...)
	return out
}

// EncodeFrameInto is EncodeFrame but writes into dst (reslicing it to
// dst[:0] first) so a pooled buffer's backing array can be reused instead
// of allocating a fresh one per send.
func EncodeFrameInto(dst []byte, ptype PacketType, flags uint8, payload []byte) []byte {
	h := Header{
		Magic:      Magic,
		Version:    Version,
		Type:       ptype,
		Flags:      flags,
		PayloadLen: uint32(len(payload)),
	}
	hdrBuf := encodeHeaderFields(h)

	crc := crc32.NewIEEE()
	crc.Write(hdrBuf)
	crc.Write(payload)
	h.CRC32 = crc.Sum32()

	dst = dst[:0]
	dst = append(dst, encodeHeaderFields(h)...)
	dst = append(dst, payload...)
	return dst
}

// DecodeHeader parses the fixed HeaderLen-byte prefix of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, NewError(ErrNetworkProtocol, "short header: %d bytes", len(buf))
	}
	h := Header{
		Magic:      binary.BigEndian.Uint32(buf[0:4]),
		Version:    buf[4],
		Type:       PacketType(binary.BigEndian.Uint16(buf[5:7])),
		Flags:      buf[7],
		PayloadLen: binary.BigEndian.Uint32(buf[8:12]),
		CRC32:      binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Magic != Magic {
		return Header{}, NewError(ErrNetworkProtocol, "bad magic: 0x%08x", h.Magic)
	}
	return h, nil
}

// VerifyChecksum recomputes the CRC32 over header (with its CRC32 field
// zeroed) plus payload and compares it against h.CRC32.
func VerifyChecksum(h Header, payload []byte) bool {
	check := h
	check.CRC32 = 0
	hdrBuf := encodeHeaderFields(check)

	crc := crc32.NewIEEE()
	crc.Write(hdrBuf)
	crc.Write(payload)
	return crc.Sum32() == h.CRC32
}

// DecodeFrame parses a full frame (header + payload) from buf, verifying the
// checksum. Returns the packet type and payload slice (a view into buf).
func DecodeFrame(buf []byte) (PacketType, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return 0, nil, err
	}
	end := HeaderLen + int(h.PayloadLen)
	if end > len(buf) {
		return 0, nil, NewError(ErrNetworkProtocol, "truncated payload: want %d have %d", h.PayloadLen, len(buf)-HeaderLen)
	}
	payload := buf[HeaderLen:end]
	if !VerifyChecksum(h, payload) {
		return 0, nil, NewError(ErrNetworkProtocol, "checksum mismatch")
	}
	return h.Type, payload, nil
}
