package consensus

import (
	"sort"

	"github.com/google/uuid"

	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// Score computes the deterministic relay-suitability score for one
// participant's measured metrics (spec.md §4.L). Higher is better. RTT is
// carried on the wire in nanoseconds (wire.ParticipantMetrics.RTTNs) but
// the scoring formula is defined in milliseconds, so it is converted here.
func Score(m wire.ParticipantMetrics) int64 {
	rttMs := int64(m.RTTNs) / 1_000_000
	return int64(4-int(m.NATTier))*1000 +
		int64(m.UploadKbps)/10 +
		(500 - rttMs) +
		int64(m.StunProbeSuccessPct)
}

// Result is the outcome of Elect: the chosen host and backup, plus the
// full ranking for logging/debugging.
type Result struct {
	Host    uuid.UUID
	Backup  uuid.UUID
	Ranking []uuid.UUID // all participants, best to worst
}

// Elect ranks metrics by Score descending, tie-breaking by ascending UUID
// (smaller UUID wins ties), and returns the top two as host and backup. A
// single-participant round elects that participant as both host and
// backup (spec.md's Open Question — documented decision in DESIGN.md).
func Elect(metrics []wire.ParticipantMetrics) (Result, error) {
	if len(metrics) == 0 {
		return Result{}, wire.NewError(wire.ErrInvalidParam, "election requires at least one participant")
	}

	ranked := append([]wire.ParticipantMetrics(nil), metrics...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := Score(ranked[i]), Score(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].ParticipantID.Compare(ranked[j].ParticipantID) < 0
	})

	ranking := make([]uuid.UUID, len(ranked))
	for i, r := range ranked {
		ranking[i] = r.ParticipantID
	}

	if len(ranked) == 1 {
		return Result{Host: ranked[0].ParticipantID, Backup: ranked[0].ParticipantID, Ranking: ranking}, nil
	}
	return Result{Host: ranked[0].ParticipantID, Backup: ranked[1].ParticipantID, Ranking: ranking}, nil
}

// Verify recomputes Elect over metrics and checks the result matches the
// announced host/backup. Clients accept a broadcast ELECTION_RESULT iff
// Verify returns true (spec.md §4.L).
func Verify(metrics []wire.ParticipantMetrics, announcedHost, announcedBackup uuid.UUID) bool {
	result, err := Elect(metrics)
	if err != nil {
		return false
	}
	return result.Host == announcedHost && result.Backup == announcedBackup
}
