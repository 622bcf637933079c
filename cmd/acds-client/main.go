// Command acds-client is a thin demo participant: it dials an ACDS
// discovery server, creates or joins a session, then drives its own ring
// consensus Coordinator over that single connection (no capture, render,
// or UI — spec.md §1 Non-goals). Grounded on server/testbot.go's "virtual
// participant" pattern: a minimal client that joins, participates on a
// ticker, and logs what it does instead of rendering anything.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"log/slog"
	mathrand "math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"

	"github.com/zfogg/ascii-chat-sub011/internal/consensus"
	"github.com/zfogg/ascii-chat-sub011/internal/ring"
	"github.com/zfogg/ascii-chat-sub011/internal/transport"
	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

const (
	signPrefixCreate = "ACDS-CREATE"
	signPrefixJoin   = "ACDS-JOIN"
)

// buildCreateMessage/buildJoinMessage reproduce the signed transcripts
// internal/discovery verifies (spec.md §6); duplicated here because the
// discovery package's builders are unexported.
func buildCreateMessage(timestamp uint64, capabilities, maxParticipants uint8) []byte {
	buf := make([]byte, 0, len(signPrefixCreate)+8+1+1)
	buf = append(buf, signPrefixCreate...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestamp)
	buf = append(buf, ts[:]...)
	buf = append(buf, capabilities, maxParticipants)
	return buf
}

func buildJoinMessage(timestamp uint64, sessionString string) []byte {
	buf := make([]byte, 0, len(signPrefixJoin)+8+len(sessionString))
	buf = append(buf, signPrefixJoin...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestamp)
	buf = append(buf, ts[:]...)
	buf = append(buf, sessionString...)
	return buf
}

func main() {
	addr := flag.String("addr", "127.0.0.1:7400", "discovery server TCP address")
	sessionString := flag.String("session", "", "session string to join; empty creates a new session")
	capabilities := flag.Uint("capabilities", 1, "capabilities bitmask to request on create")
	maxParticipants := flag.Uint("max-participants", 8, "max participants to request on create")
	name := flag.String("name", "acds-client", "log label for this participant")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatalf("[%s] generate identity: %v", *name, err)
	}

	t, err := transport.DialEncryptedTCP(ctx, *addr, priv)
	if err != nil {
		log.Fatalf("[%s] dial %s: %v", *name, *addr, err)
	}
	defer t.Close()

	var pubkey [32]byte
	copy(pubkey[:], pub)

	session := *sessionString
	if session == "" {
		session, err = createSession(ctx, t, pubkey, priv, uint8(*capabilities), uint8(*maxParticipants))
		if err != nil {
			log.Fatalf("[%s] session_create: %v", *name, err)
		}
		slog.Info("acds-client: session created", "session_string", session)
	}

	myID, err := joinSession(ctx, t, pubkey, priv, session)
	if err != nil {
		log.Fatalf("[%s] session_join: %v", *name, err)
	}
	slog.Info("acds-client: joined session", "participant_id", myID, "session_string", session)

	members, err := recvRingMembers(ctx, t)
	if err != nil {
		log.Fatalf("[%s] awaiting ring_members: %v", *name, err)
	}

	topology, err := ring.New(members.ParticipantIDs, myID)
	if err != nil {
		log.Fatalf("[%s] build ring: %v", *name, err)
	}

	sender := singleConnSender{t: t}
	coord := consensus.NewCoordinator(members.SessionID, myID, topology, sender, measureFunc(myID))

	slog.Info("acds-client: running", "name", *name, "ring_size", topology.Size(), "is_leader", topology.IsLeader())
	runParticipant(ctx, t, coord, myID)
	slog.Info("acds-client: shutting down", "name", *name)
}

// singleConnSender implements consensus.Sender over one connection to the
// discovery server. The server, not this process, knows the full ring
// membership and computes the actual next hop (internal/discovery's
// relayRingHop); the participant/session IDs a Coordinator passes in are
// already carried inside the encoded payload, so they are not needed here.
type singleConnSender struct {
	t transport.Transport
}

func (s singleConnSender) Unicast(ctx context.Context, _ uuid.UUID, ptype wire.PacketType, payload []byte) bool {
	return s.t.Send(ctx, ptype, payload) == nil
}

func (s singleConnSender) Broadcast(ctx context.Context, _, _ uuid.UUID, ptype wire.PacketType, payload []byte) {
	_ = s.t.Send(ctx, ptype, payload)
}

// createSession runs the two-step SESSION_CREATE protocol: the real
// identity key first, then the all-zero finalize key (spec.md §4.H, §9).
func createSession(ctx context.Context, t transport.Transport, pubkey [32]byte, priv ed25519.PrivateKey, capabilities, maxParticipants uint8) (string, error) {
	now := uint64(time.Now().UnixMilli())
	sig := ed25519.Sign(priv, buildCreateMessage(now, capabilities, maxParticipants))
	var sigArr [64]byte
	copy(sigArr[:], sig)

	if err := t.Send(ctx, wire.PacketSessionCreate, wire.EncodeSessionCreate(wire.SessionCreate{
		IdentityPubkey:  pubkey,
		Timestamp:       now,
		Capabilities:    capabilities,
		MaxParticipants: maxParticipants,
		SessionType:     wire.SessionTypeDirectTCP,
		Signature:       sigArr,
	})); err != nil {
		return "", err
	}

	var zeroKey [32]byte
	if err := t.Send(ctx, wire.PacketSessionCreate, wire.EncodeSessionCreate(wire.SessionCreate{IdentityPubkey: zeroKey})); err != nil {
		return "", err
	}

	ptype, payload, err := t.Recv(ctx)
	if err != nil {
		return "", err
	}
	if ptype == wire.PacketError {
		errPayload, decErr := wire.DecodeErrorPayload(payload)
		if decErr != nil {
			return "", decErr
		}
		return "", fmt.Errorf("session_create rejected: %s", errPayload.Message)
	}
	created, err := wire.DecodeSessionCreated(payload)
	if err != nil {
		return "", err
	}
	return created.SessionString, nil
}

func joinSession(ctx context.Context, t transport.Transport, pubkey [32]byte, priv ed25519.PrivateKey, sessionString string) (uuid.UUID, error) {
	now := uint64(time.Now().UnixMilli())
	sig := ed25519.Sign(priv, buildJoinMessage(now, sessionString))
	var sigArr [64]byte
	copy(sigArr[:], sig)

	if err := t.Send(ctx, wire.PacketSessionJoin, wire.EncodeSessionJoin(wire.SessionJoin{
		SessionString:  sessionString,
		IdentityPubkey: pubkey,
		Timestamp:      now,
		Signature:      sigArr,
	})); err != nil {
		return uuid.Nil, err
	}

	ptype, payload, err := t.Recv(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if ptype == wire.PacketError {
		errPayload, decErr := wire.DecodeErrorPayload(payload)
		if decErr != nil {
			return uuid.Nil, decErr
		}
		return uuid.Nil, fmt.Errorf("session_join rejected: %s", errPayload.Message)
	}
	joined, err := wire.DecodeSessionJoined(payload)
	if err != nil {
		return uuid.Nil, err
	}
	if !joined.Success {
		return uuid.Nil, fmt.Errorf("session_join rejected: code %d", joined.ErrCode)
	}
	return joined.ParticipantID, nil
}

func recvRingMembers(ctx context.Context, t transport.Transport) (wire.RingMembers, error) {
	ptype, payload, err := t.Recv(ctx)
	if err != nil {
		return wire.RingMembers{}, err
	}
	if ptype != wire.PacketRingMembers {
		return wire.RingMembers{}, fmt.Errorf("expected ring_members, got packet type %d", ptype)
	}
	return wire.DecodeRingMembers(payload)
}

// measureFunc returns a synthetic per-round network-quality sample. A real
// participant would sample actual socket RTT/throughput; this demo
// fabricates plausible values so the election algorithm has something to
// rank.
func measureFunc(myID uuid.UUID) func() wire.ParticipantMetrics {
	return func() wire.ParticipantMetrics {
		now := time.Now()
		return wire.ParticipantMetrics{
			ParticipantID:       myID,
			NATTier:             uint8(mathrand.Intn(5)),
			UploadKbps:          uint32(500 + mathrand.Intn(9500)),
			RTTNs:               uint64((10 + mathrand.Intn(90)) * int(time.Millisecond)),
			StunProbeSuccessPct: uint8(50 + mathrand.Intn(51)),
			ConnectionType:      wire.SessionTypeDirectTCP,
			MeasurementTimeNs:   uint64(now.UnixNano()),
			MeasurementWindowNs: uint64(5 * time.Second),
		}
	}
}

// runParticipant drives the Coordinator's scheduling ticks alongside the
// connection's receive loop until ctx is canceled or the connection
// errors.
func runParticipant(ctx context.Context, t transport.Transport, coord *consensus.Coordinator, myID uuid.UUID) {
	recvCh := make(chan struct {
		ptype   wire.PacketType
		payload []byte
		err     error
	})
	go func() {
		for {
			ptype, payload, err := t.Recv(ctx)
			recvCh <- struct {
				ptype   wire.PacketType
				payload []byte
				err     error
			}{ptype, payload, err}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			coord.Tick(ctx)
			coord.CheckDeadline()
		case msg := <-recvCh:
			if msg.err != nil {
				slog.Warn("acds-client: connection closed", "err", msg.err)
				return
			}
			handleInbound(ctx, coord, myID, msg.ptype, msg.payload)
		}
	}
}

func handleInbound(ctx context.Context, coord *consensus.Coordinator, myID uuid.UUID, ptype wire.PacketType, payload []byte) {
	switch ptype {
	case wire.PacketRingMembers:
		members, err := wire.DecodeRingMembers(payload)
		if err != nil {
			slog.Warn("acds-client: decode ring_members", "err", err)
			return
		}
		topology, err := ring.New(members.ParticipantIDs, myID)
		if err != nil {
			slog.Warn("acds-client: rebuild ring", "err", err)
			return
		}
		coord.OnRingMembers(topology)

	case wire.PacketStatsCollectionStart:
		start, err := wire.DecodeStatsCollectionStart(payload)
		if err != nil {
			slog.Warn("acds-client: decode stats_collection_start", "err", err)
			return
		}
		if err := coord.OnStatsCollectionStart(ctx, start.InitiatorID, start.RoundID, start.DeadlineNs); err != nil {
			slog.Warn("acds-client: stats_collection_start", "err", err)
		}

	case wire.PacketStatsUpdate:
		update, err := wire.DecodeStatsUpdate(payload)
		if err != nil {
			slog.Warn("acds-client: decode stats_update", "err", err)
			return
		}
		if err := coord.OnStatsUpdate(ctx, update.SenderID, update.RoundID, update.Metrics); err != nil {
			slog.Warn("acds-client: stats_update", "err", err)
		}

	case wire.PacketRingElectionResult:
		result, err := wire.DecodeRingElectionResult(payload)
		if err != nil {
			slog.Warn("acds-client: decode ring_election_result", "err", err)
			return
		}
		if err := coord.OnElectionResult(result); err != nil {
			slog.Warn("acds-client: election result rejected", "err", err)
			return
		}
		slog.Info("acds-client: new host elected", "host_id", result.HostID, "backup_id", result.BackupID)

	case wire.PacketStatsAck:
		ack, err := wire.DecodeStatsAck(payload)
		if err != nil {
			slog.Warn("acds-client: decode stats_ack", "err", err)
			return
		}
		slog.Debug("acds-client: stats_ack", "participant", ack.ParticipantID, "status", ack.AckStatus)

	case wire.PacketError:
		errPayload, err := wire.DecodeErrorPayload(payload)
		if err != nil {
			slog.Warn("acds-client: decode error payload", "err", err)
			return
		}
		slog.Warn("acds-client: server error", "code", errPayload.Code, "message", errPayload.Message)

	default:
		slog.Debug("acds-client: unhandled packet", "type", ptype)
	}
}
