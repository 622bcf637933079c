// Package store provides the durable session catalog backed by an embedded
// SQLite database. It owns sessions, participant membership, whitelisted
// identity keys, and rate-limit event history, and exposes the operations
// the discovery server needs (create, lookup, join, leave, update_host,
// start_migration, clear_host, find_by_id, cleanup_expired).
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — sessions
	`CREATE TABLE IF NOT EXISTS sessions (
		id                TEXT PRIMARY KEY,
		session_string    TEXT NOT NULL UNIQUE,
		capabilities      INTEGER NOT NULL DEFAULT 0,
		max_participants  INTEGER NOT NULL DEFAULT 0,
		session_type      INTEGER NOT NULL DEFAULT 0,
		server_address    TEXT NOT NULL DEFAULT '',
		host_id           TEXT NOT NULL DEFAULT '',
		host_address      TEXT NOT NULL DEFAULT '',
		host_port         INTEGER NOT NULL DEFAULT 0,
		backup_id         TEXT NOT NULL DEFAULT '',
		backup_address    TEXT NOT NULL DEFAULT '',
		backup_port       INTEGER NOT NULL DEFAULT 0,
		future_host_id    TEXT NOT NULL DEFAULT '',
		in_migration      INTEGER NOT NULL DEFAULT 0,
		expires_at        INTEGER NOT NULL DEFAULT 0,
		created_at        INTEGER NOT NULL DEFAULT (unixepoch()),
		updated_at        INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — identity keys whitelisted per session
	`CREATE TABLE IF NOT EXISTS identity_keys (
		session_id TEXT NOT NULL,
		pubkey_hex TEXT NOT NULL,
		position   INTEGER NOT NULL,
		PRIMARY KEY (session_id, pubkey_hex)
	)`,
	// v3 — participant membership
	`CREATE TABLE IF NOT EXISTS participants (
		session_id      TEXT NOT NULL,
		participant_id  TEXT NOT NULL,
		identity_pubkey TEXT NOT NULL DEFAULT '',
		display_name    TEXT NOT NULL DEFAULT '',
		joined_at       INTEGER NOT NULL DEFAULT (unixepoch()),
		last_seen       INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (session_id, participant_id)
	)`,
	// v4 — rate limit event history
	`CREATE TABLE IF NOT EXISTS rate_limit_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		peer_key   TEXT NOT NULL,
		event_kind TEXT NOT NULL,
		ts_ns      INTEGER NOT NULL
	)`,
	// v5, v6 — indexes for hot lookup paths
	`CREATE INDEX IF NOT EXISTS idx_participants_session ON participants(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limit_peer_kind ON rate_limit_events(peer_key, event_kind)`,
	// v7 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes the session-catalog API.
type Store struct {
	db *sql.DB
}

// Config carries server-wide policy consumed by Create: the
// STUN/TURN lists handed back to newly created sessions, and the default
// expiry window applied to new sessions.
type Config struct {
	STUNServers   []string
	TURNServers   []string
	SessionExpiry time.Duration
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("store: WAL mode", "err", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("store: busy_timeout", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Info("store: applied migration", "version", v)
	}
	return nil
}

// sessionWords backs session-string generation: three hyphenated words
// picked uniformly at random, e.g. "amber-willow-canyon".
var sessionWords = []string{
	"amber", "willow", "canyon", "ember", "cobalt", "lantern", "meadow",
	"quartz", "river", "summit", "thistle", "violet", "cinder", "drift",
	"harbor", "juniper", "kestrel", "maple", "orchid", "pebble", "ridge",
	"sable", "tundra", "umber", "vapor", "wisp", "yarrow", "zephyr",
	"basalt", "coral", "dusk", "ferns",
}

func randomSessionString() (string, error) {
	idx := make([]byte, 3)
	if _, err := rand.Read(idx); err != nil {
		return "", fmt.Errorf("random session string: %w", err)
	}
	words := make([]string, 3)
	for i, b := range idx {
		words[i] = sessionWords[int(b)%len(sessionWords)]
	}
	return strings.Join(words, "-"), nil
}

// CreateRequest carries the accumulated identity keys and session metadata
// needed to finalize a new session (spec.md §4.G `create`).
type CreateRequest struct {
	Capabilities    uint8
	MaxParticipants uint8
	SessionType     uint8
	ServerAddress   string
	IdentityKeys    [][32]byte
}

// CreateResult is returned on successful session creation.
type CreateResult struct {
	SessionID     uuid.UUID
	SessionString string
	STUNServers   []string
	TURNServers   []string
}

// Create finalizes a new session from its accumulated identity keys.
// Rejects if num_keys is outside [1, MaxIdentityKeys] or contains a
// duplicate (spec.md §4.G, §3 invariant c).
func (s *Store) Create(req CreateRequest, cfg Config) (CreateResult, error) {
	if len(req.IdentityKeys) < 1 || len(req.IdentityKeys) > wire.MaxIdentityKeys {
		return CreateResult{}, wire.NewError(wire.ErrInvalidParam, "num_keys out of range: %d", len(req.IdentityKeys))
	}
	seen := make(map[[32]byte]bool, len(req.IdentityKeys))
	for _, k := range req.IdentityKeys {
		if seen[k] {
			return CreateResult{}, wire.NewError(wire.ErrInvalidParam, "duplicate identity key")
		}
		seen[k] = true
	}

	sessionID := uuid.New()
	var expiresAt int64
	if cfg.SessionExpiry > 0 {
		expiresAt = time.Now().Add(cfg.SessionExpiry).Unix()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return CreateResult{}, fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	var sessionString string
	const maxAttempts = 10
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate, err := randomSessionString()
		if err != nil {
			return CreateResult{}, err
		}
		_, err = tx.Exec(
			`INSERT INTO sessions(id, session_string, capabilities, max_participants, session_type, server_address, expires_at)
			 VALUES(?,?,?,?,?,?,?)`,
			sessionID.String(), candidate, req.Capabilities, req.MaxParticipants, req.SessionType, req.ServerAddress, expiresAt,
		)
		if err == nil {
			sessionString = candidate
			break
		}
		if !isUniqueConstraintErr(err) {
			return CreateResult{}, fmt.Errorf("insert session: %w", err)
		}
	}
	if sessionString == "" {
		return CreateResult{}, fmt.Errorf("insert session: exhausted %d session-string attempts", maxAttempts)
	}

	for i, k := range req.IdentityKeys {
		if _, err := tx.Exec(
			`INSERT INTO identity_keys(session_id, pubkey_hex, position) VALUES(?,?,?)`,
			sessionID.String(), hex.EncodeToString(k[:]), i,
		); err != nil {
			return CreateResult{}, fmt.Errorf("insert identity key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return CreateResult{}, fmt.Errorf("commit create: %w", err)
	}

	return CreateResult{
		SessionID:     sessionID,
		SessionString: sessionString,
		STUNServers:   cfg.STUNServers,
		TURNServers:   cfg.TURNServers,
	}, nil
}

// Lookup resolves a session string to its public SessionInfo. Safe on a
// missing session: returns Found=false with a nil error.
func (s *Store) Lookup(sessionString string) (wire.SessionInfo, error) {
	var (
		id, hostID                       string
		capabilities, maxP, count, stype uint8
		hostAddr                         string
		hostPort                         uint16
	)
	err := s.db.QueryRow(
		`SELECT s.id, s.capabilities, s.max_participants, s.session_type, s.host_id, s.host_address, s.host_port,
		        (SELECT COUNT(*) FROM participants p WHERE p.session_id = s.id)
		 FROM sessions s WHERE s.session_string = ?`,
		sessionString,
	).Scan(&id, &capabilities, &maxP, &stype, &hostID, &hostAddr, &hostPort, &count)
	if err == sql.ErrNoRows {
		return wire.SessionInfo{Found: false}, nil
	}
	if err != nil {
		return wire.SessionInfo{}, fmt.Errorf("lookup session: %w", err)
	}

	sessionUUID, err := uuid.Parse(id)
	if err != nil {
		return wire.SessionInfo{}, fmt.Errorf("parse session id: %w", err)
	}
	var hostUUID uuid.UUID
	if hostID != "" {
		hostUUID, err = uuid.Parse(hostID)
		if err != nil {
			return wire.SessionInfo{}, fmt.Errorf("parse host id: %w", err)
		}
	}

	return wire.SessionInfo{
		Found:            true,
		SessionID:        sessionUUID,
		Capabilities:     capabilities,
		MaxParticipants:  maxP,
		ParticipantCount: count,
		SessionType:      stype,
		HostID:           hostUUID,
		HostAddress:      hostAddr,
		HostPort:         hostPort,
	}, nil
}

// JoinRequest carries a prospective participant's identity into Join.
type JoinRequest struct {
	SessionString  string
	IdentityPubkey [32]byte
	DisplayName    string
}

// Join admits a new participant to an existing session after verifying its
// identity key is whitelisted and capacity is not exhausted (spec.md §4.G
// `join`).
func (s *Store) Join(req JoinRequest) (wire.SessionJoined, error) {
	var sessionID string
	var maxParticipants uint8
	err := s.db.QueryRow(
		`SELECT id, max_participants FROM sessions WHERE session_string = ?`, req.SessionString,
	).Scan(&sessionID, &maxParticipants)
	if err == sql.ErrNoRows {
		return wire.SessionJoined{Success: false, ErrCode: wire.ErrInvalidParam, ErrMessage: "session not found"}, nil
	}
	if err != nil {
		return wire.SessionJoined{}, fmt.Errorf("join lookup: %w", err)
	}

	pubkeyHex := hex.EncodeToString(req.IdentityPubkey[:])
	var whitelisted int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM identity_keys WHERE session_id = ? AND pubkey_hex = ?`, sessionID, pubkeyHex,
	).Scan(&whitelisted); err != nil {
		return wire.SessionJoined{}, fmt.Errorf("check whitelist: %w", err)
	}
	if whitelisted == 0 {
		return wire.SessionJoined{Success: false, SessionID: uuid.MustParse(sessionID), ErrCode: wire.ErrInvalidParam, ErrMessage: "identity key not whitelisted"}, nil
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM participants WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		return wire.SessionJoined{}, fmt.Errorf("count participants: %w", err)
	}
	if maxParticipants > 0 && count >= int(maxParticipants) {
		return wire.SessionJoined{Success: false, SessionID: uuid.MustParse(sessionID), ErrCode: wire.ErrInvalidParam, ErrMessage: "session full"}, nil
	}

	participantID := uuid.New()
	if _, err := s.db.Exec(
		`INSERT INTO participants(session_id, participant_id, identity_pubkey, display_name) VALUES(?,?,?,?)`,
		sessionID, participantID.String(), pubkeyHex, req.DisplayName,
	); err != nil {
		return wire.SessionJoined{}, fmt.Errorf("insert participant: %w", err)
	}

	return wire.SessionJoined{
		Success:       true,
		SessionID:     uuid.MustParse(sessionID),
		ParticipantID: participantID,
	}, nil
}

// Leave removes a participant's membership row. A no-op (not an error) if
// the pair did not exist.
func (s *Store) Leave(sessionID, participantID uuid.UUID) error {
	_, err := s.db.Exec(
		`DELETE FROM participants WHERE session_id = ? AND participant_id = ?`,
		sessionID.String(), participantID.String(),
	)
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	return nil
}

// UpdateHost records the elected host for a session and clears any
// in-progress migration (spec.md §4.G `update_host`).
func (s *Store) UpdateHost(sessionID, hostID uuid.UUID, address string, port uint16, connectionType uint8) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET host_id = ?, host_address = ?, host_port = ?, in_migration = 0, updated_at = unixepoch() WHERE id = ?`,
		hostID.String(), address, port, sessionID.String(),
	)
	if err != nil {
		return fmt.Errorf("update_host: %w", err)
	}
	return requireRowsAffected(res)
}

// StartMigration marks a session as hostless and in-migration (spec.md
// §4.G `start_migration`, §3 invariant e).
func (s *Store) StartMigration(sessionID uuid.UUID) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET host_id = '', in_migration = 1, updated_at = unixepoch() WHERE id = ?`,
		sessionID.String(),
	)
	if err != nil {
		return fmt.Errorf("start_migration: %w", err)
	}
	return requireRowsAffected(res)
}

// ClearHost ends a migration without electing a host, invoked on timeout
// (spec.md §4.G `clear_host`, §4.N).
func (s *Store) ClearHost(sessionID uuid.UUID) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET host_id = '', in_migration = 0, updated_at = unixepoch() WHERE id = ?`,
		sessionID.String(),
	)
	if err != nil {
		return fmt.Errorf("clear_host: %w", err)
	}
	return requireRowsAffected(res)
}

// Session is a detached snapshot of one session row, returned by FindByID.
type Session struct {
	ID              uuid.UUID
	SessionString   string
	Capabilities    uint8
	MaxParticipants uint8
	SessionType     uint8
	ServerAddress   string
	HostID          uuid.UUID
	InMigration     bool
	ExpiresAt       time.Time
}

// FindByID returns a detached copy of the session row for id.
func (s *Store) FindByID(id uuid.UUID) (Session, error) {
	var (
		sessionString, hostID, serverAddr string
		capabilities, maxP, stype         uint8
		inMigration                       int
		expiresAt                        int64
	)
	err := s.db.QueryRow(
		`SELECT session_string, capabilities, max_participants, session_type, server_address, host_id, in_migration, expires_at
		 FROM sessions WHERE id = ?`, id.String(),
	).Scan(&sessionString, &capabilities, &maxP, &stype, &serverAddr, &hostID, &inMigration, &expiresAt)
	if err == sql.ErrNoRows {
		return Session{}, wire.NewError(wire.ErrInvalidParam, "session not found: %s", id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("find_by_id: %w", err)
	}

	var hostUUID uuid.UUID
	if hostID != "" {
		hostUUID, err = uuid.Parse(hostID)
		if err != nil {
			return Session{}, fmt.Errorf("parse host id: %w", err)
		}
	}
	var expiry time.Time
	if expiresAt > 0 {
		expiry = time.Unix(expiresAt, 0)
	}

	return Session{
		ID:              id,
		SessionString:   sessionString,
		Capabilities:    capabilities,
		MaxParticipants: maxP,
		SessionType:     stype,
		ServerAddress:   serverAddr,
		HostID:          hostUUID,
		InMigration:     inMigration != 0,
		ExpiresAt:       expiry,
	}, nil
}

// CleanupExpired deletes sessions (and cascades their identity keys and
// participants) whose expires_at has passed. Sessions with expires_at = 0
// never expire. Returns the number of sessions removed.
func (s *Store) CleanupExpired() (int64, error) {
	now := time.Now().Unix()
	rows, err := s.db.Query(`SELECT id FROM sessions WHERE expires_at > 0 AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("cleanup_expired query: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("cleanup_expired scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := s.db.Exec(`DELETE FROM identity_keys WHERE session_id = ?`, id); err != nil {
			return 0, fmt.Errorf("cleanup_expired identity_keys: %w", err)
		}
		if _, err := s.db.Exec(`DELETE FROM participants WHERE session_id = ?`, id); err != nil {
			return 0, fmt.Errorf("cleanup_expired participants: %w", err)
		}
		if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("cleanup_expired sessions: %w", err)
		}
	}
	return int64(len(ids)), nil
}

// RecordRateLimitEvent durably persists one rate-limited event so restarts
// do not wipe history (spec.md §4.F).
func (s *Store) RecordRateLimitEvent(peerKey, eventKind string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO rate_limit_events(peer_key, event_kind, ts_ns) VALUES(?,?,?)`,
		peerKey, eventKind, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record rate limit event: %w", err)
	}
	return nil
}

// CountRateLimitEvents returns how many events for (peerKey, eventKind)
// occurred at or after since.
func (s *Store) CountRateLimitEvents(peerKey, eventKind string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM rate_limit_events WHERE peer_key = ? AND event_kind = ? AND ts_ns >= ?`,
		peerKey, eventKind, since.UnixNano(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rate limit events: %w", err)
	}
	return n, nil
}

// RateLimitEventTimes returns the timestamps, oldest first, of every event
// for (peerKey, eventKind) at or after since — used to seed a freshly
// constructed in-memory sliding window after a process restart so history
// durably recorded before the restart still counts (spec.md §4.F).
func (s *Store) RateLimitEventTimes(peerKey, eventKind string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.Query(
		`SELECT ts_ns FROM rate_limit_events WHERE peer_key = ? AND event_kind = ? AND ts_ns >= ? ORDER BY ts_ns ASC`,
		peerKey, eventKind, since.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("rate limit event times: %w", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var ns int64
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("rate limit event times scan: %w", err)
		}
		times = append(times, time.Unix(0, ns))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rate limit event times: %w", err)
	}
	return times, nil
}

// PruneRateLimitEvents removes events older than cutoff. Run every 5
// minutes by the background pruner (spec.md §4.F).
func (s *Store) PruneRateLimitEvents(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM rate_limit_events WHERE ts_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune rate limit events: %w", err)
	}
	return res.RowsAffected()
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return wire.NewError(wire.ErrInvalidParam, "no such session")
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint")
}
