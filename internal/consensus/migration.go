package consensus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxMigrationContexts bounds the migration arena; the 33rd concurrent
// migration is refused outright rather than growing unbounded (spec.md
// §4.N, §8 scenario).
const maxMigrationContexts = 32

// sweepInterval is the monitor's periodic walk cadence.
const sweepInterval = 100 * time.Millisecond

// migrationContext tracks one session whose host is being replaced.
type migrationContext struct {
	sessionID       uuid.UUID
	migrationStart  time.Time
}

// ClearHostFunc is invoked when a migration times out, to clear the
// session's stored host/backup (owned by whatever component holds the
// session store or coordinator set).
type ClearHostFunc func(sessionID uuid.UUID)

// MigrationMonitor tracks in-flight host migrations and enforces a
// timeout, matching spec.md §4.N: a fixed-size arena compacted by
// shift-down, walked on a ~100ms cadence, never colliding with the
// disabled server-side candidate-collection path (an explicit Open
// Question decision recorded in DESIGN.md).
type MigrationMonitor struct {
	timeout   time.Duration
	clearHost ClearHostFunc
	now       func() time.Time

	mu    sync.Mutex
	slots []migrationContext
}

// NewMigrationMonitor builds a monitor enforcing timeout per migration,
// invoking clearHost when one expires.
func NewMigrationMonitor(timeout time.Duration, clearHost ClearHostFunc) *MigrationMonitor {
	return &MigrationMonitor{
		timeout:   timeout,
		clearHost: clearHost,
		now:       time.Now,
		slots:     make([]migrationContext, 0, maxMigrationContexts),
	}
}

// SetClock overrides the monitor's time source; used by tests.
func (m *MigrationMonitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// OnHostLost creates or refreshes the migration context for sessionID.
// Returns false if the arena is full and a new context could not be
// created (an existing context for the same session still refreshes even
// when full).
func (m *MigrationMonitor) OnHostLost(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for i := range m.slots {
		if m.slots[i].sessionID == sessionID {
			m.slots[i].migrationStart = now
			return true
		}
	}
	if len(m.slots) >= maxMigrationContexts {
		slog.Warn("consensus: migration arena full, refusing new context", "session", sessionID)
		return false
	}
	m.slots = append(m.slots, migrationContext{sessionID: sessionID, migrationStart: now})
	return true
}

// InMigration reports whether sessionID currently has an open migration
// context.
func (m *MigrationMonitor) InMigration(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		if m.slots[i].sessionID == sessionID {
			return true
		}
	}
	return false
}

// CancelMigration removes sessionID's context, used when HOST_ANNOUNCEMENT
// arrives before the timeout. Returns false if there was no context.
func (m *MigrationMonitor) CancelMigration(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(sessionID)
}

func (m *MigrationMonitor) removeLocked(sessionID uuid.UUID) bool {
	for i := range m.slots {
		if m.slots[i].sessionID == sessionID {
			m.slots = append(m.slots[:i], m.slots[i+1:]...)
			return true
		}
	}
	return false
}

// Sweep walks every open migration context and clears any whose timeout
// has elapsed, calling clearHost and removing it (shift-down). Returns
// the sessions that were cleared this sweep.
func (m *MigrationMonitor) Sweep() []uuid.UUID {
	m.mu.Lock()
	now := m.now()
	var expired []uuid.UUID
	i := 0
	for i < len(m.slots) {
		if now.Sub(m.slots[i].migrationStart) > m.timeout {
			expired = append(expired, m.slots[i].sessionID)
			m.slots = append(m.slots[:i], m.slots[i+1:]...)
			continue
		}
		i++
	}
	m.mu.Unlock()

	for _, sessionID := range expired {
		slog.Warn("consensus: host migration timed out", "session", sessionID)
		m.clearHost(sessionID)
	}
	return expired
}

// Count returns the number of open migration contexts.
func (m *MigrationMonitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
