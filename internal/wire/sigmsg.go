package wire

import "encoding/binary"

// Domain-separated signature message composition (spec.md §6). These are
// the exact byte sequences signed by clients and verified by the discovery
// server — never reorder or reuse a tag across message kinds.
const (
	domainSessionCreate = "ACDS-CREATE"
	domainSessionJoin   = "ACDS-JOIN"
)

// SessionCreateSignMessage builds "ACDS-CREATE" || timestamp_be ||
// capabilities || max_participants.
func SessionCreateSignMessage(timestamp uint64, capabilities, maxParticipants uint8) []byte {
	buf := make([]byte, 0, len(domainSessionCreate)+8+1+1)
	buf = append(buf, domainSessionCreate...)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, timestamp)
	buf = append(buf, ts...)
	buf = append(buf, capabilities, maxParticipants)
	return buf
}

// SessionJoinSignMessage builds "ACDS-JOIN" || timestamp_be || session_string.
func SessionJoinSignMessage(timestamp uint64, sessionString string) []byte {
	buf := make([]byte, 0, len(domainSessionJoin)+8+len(sessionString))
	buf = append(buf, domainSessionJoin...)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, timestamp)
	buf = append(buf, ts...)
	buf = append(buf, sessionString...)
	return buf
}
