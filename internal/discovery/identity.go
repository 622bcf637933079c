package discovery

import (
	"crypto/ed25519"
	"encoding/binary"
	"time"
)

const (
	signPrefixCreate = "ACDS-CREATE"
	signPrefixJoin    = "ACDS-JOIN"
)

// buildCreateMessage reproduces the signed transcript for SESSION_CREATE:
// "ACDS-CREATE" || timestamp_be || capabilities || max_participants
// (spec.md §6).
func buildCreateMessage(timestamp uint64, capabilities, maxParticipants uint8) []byte {
	buf := make([]byte, 0, len(signPrefixCreate)+8+1+1)
	buf = append(buf, signPrefixCreate...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestamp)
	buf = append(buf, ts[:]...)
	buf = append(buf, capabilities, maxParticipants)
	return buf
}

// buildJoinMessage reproduces the signed transcript for SESSION_JOIN:
// "ACDS-JOIN" || timestamp_be || session_string (spec.md §6).
func buildJoinMessage(timestamp uint64, sessionString string) []byte {
	buf := make([]byte, 0, len(signPrefixJoin)+8+len(sessionString))
	buf = append(buf, signPrefixJoin...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestamp)
	buf = append(buf, ts[:]...)
	buf = append(buf, sessionString...)
	return buf
}

func verifySignature(pubkey [32]byte, message []byte, sig [64]byte) bool {
	return ed25519.Verify(pubkey[:], message, sig[:])
}

// validTimestamp checks a millisecond wire timestamp against now, accepting
// up to 60s of future skew and rejecting anything older than window
// (spec.md §4.H).
func validTimestamp(timestampMs uint64, now time.Time, window time.Duration) bool {
	nowMs := now.UnixMilli()
	lower := nowMs - window.Milliseconds()
	upper := nowMs + 60_000
	t := int64(timestampMs)
	return t >= lower && t <= upper
}
