// Package sessionmgr resolves the logical session for each incoming turn and
// sweeps idle sessions in the background. A logical session groups turns that
// belong to one conversation even across short reconnects: a user who drops
// off a call and dials back within the reactivation window continues the same
// session instead of starting cold.
package sessionmgr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthward/famulus/internal/botcfg"
	"github.com/hearthward/famulus/pkg/memory"
)

// sweepInterval is how often the background sweep marks stale sessions idle.
const sweepInterval = 5 * time.Minute

// Manager resolves and maintains logical sessions. Safe for concurrent use.
type Manager struct {
	store memory.SessionStore
	cfg   *botcfg.Service
	now   func() time.Time

	mu sync.Mutex
	// byChannel maps "<user>\x00<channelSession>" to the logical session id
	// last resolved for that channel connection. The map is a fast path only;
	// the database stays authoritative.
	byChannel map[string]string
}

// New creates a Manager. now may be nil for time.Now.
func New(store memory.SessionStore, cfg *botcfg.Service, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:     store,
		cfg:       cfg,
		now:       now,
		byChannel: make(map[string]string),
	}
}

// Resolve returns the logical session id for a turn, creating or reactivating
// a session as needed. channelSession identifies the transport-level
// connection (a Mumble session, a SIP Call-ID, an e-mail thread key).
func (m *Manager) Resolve(ctx context.Context, user string, modality memory.Modality, channelSession string) (string, error) {
	key := user + "\x00" + channelSession

	m.mu.Lock()
	cached, ok := m.byChannel[key]
	m.mu.Unlock()

	if ok {
		s, err := m.store.GetSession(ctx, cached)
		if err != nil {
			return "", fmt.Errorf("sessionmgr: resolve %s: %w", user, err)
		}
		if s != nil && s.State == memory.SessionActive {
			if err := m.store.TouchSession(ctx, cached); err != nil {
				slog.Warn("session touch failed", "session", cached, "error", err)
			}
			return cached, nil
		}
		// The cached session went idle or closed under us; fall through.
		m.mu.Lock()
		delete(m.byChannel, key)
		m.mu.Unlock()
	}

	// A user has at most one active session at a time. A turn arriving on a
	// second channel (a call while an e-mail thread is open) joins the
	// existing session rather than minting a parallel one.
	active, err := m.store.ActiveSession(ctx, user)
	if err != nil {
		return "", fmt.Errorf("sessionmgr: active lookup for %s: %w", user, err)
	}
	if active != nil {
		if err := m.store.TouchSession(ctx, active.SessionID); err != nil {
			slog.Warn("session touch failed", "session", active.SessionID, "error", err)
		}
		m.remember(key, active.SessionID)
		return active.SessionID, nil
	}

	reactivateWindow := time.Duration(m.cfg.Int(ctx, botcfg.KeySessionReactivateMinutes, 30)) * time.Minute
	cutoff := m.now().Add(-reactivateWindow)

	idle, err := m.store.ReactivatableSession(ctx, user, cutoff)
	if err != nil {
		return "", fmt.Errorf("sessionmgr: reactivation lookup for %s: %w", user, err)
	}
	if idle != nil {
		if err := m.store.SetSessionState(ctx, idle.SessionID, memory.SessionActive); err != nil {
			return "", fmt.Errorf("sessionmgr: reactivate %s: %w", idle.SessionID, err)
		}
		if err := m.store.TouchSession(ctx, idle.SessionID); err != nil {
			slog.Warn("session touch failed", "session", idle.SessionID, "error", err)
		}
		m.remember(key, idle.SessionID)
		slog.Info("session reactivated", "user", user, "session", idle.SessionID)
		return idle.SessionID, nil
	}

	id := mintSessionID(user, m.now())
	s := memory.Session{
		SessionID:    id,
		UserName:     user,
		State:        memory.SessionActive,
		StartedAt:    m.now(),
		LastActivity: m.now(),
	}
	if err := m.store.InsertSession(ctx, s); err != nil {
		return "", fmt.Errorf("sessionmgr: create session for %s: %w", user, err)
	}
	m.remember(key, id)
	slog.Info("session created", "user", user, "session", id, "modality", modality)
	return id, nil
}

// Close transitions the session to closed and drops it from the fast path.
// Used when a channel ends cleanly (a call hangs up, a Mumble user leaves).
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	if err := m.store.SetSessionState(ctx, sessionID, memory.SessionClosed); err != nil {
		return fmt.Errorf("sessionmgr: close %s: %w", sessionID, err)
	}
	m.mu.Lock()
	for k, v := range m.byChannel {
		if v == sessionID {
			delete(m.byChannel, k)
		}
	}
	m.mu.Unlock()
	return nil
}

// Run sweeps stale sessions until ctx is cancelled. Sessions with no activity
// for the configured idle window are marked idle; idle sessions past the
// reactivation window stay reactivatable only through the database cutoff in
// Resolve, so no second pass is needed here.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	idleWindow := time.Duration(m.cfg.Int(ctx, botcfg.KeySessionIdleMinutes, 10)) * time.Minute
	cutoff := m.now().Add(-idleWindow)

	n, err := m.store.SweepIdle(ctx, cutoff)
	if err != nil {
		slog.Warn("session sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("sessions marked idle", "count", n)

		m.mu.Lock()
		clear(m.byChannel)
		m.mu.Unlock()
	}
}

func (m *Manager) remember(key, sessionID string) {
	m.mu.Lock()
	m.byChannel[key] = sessionID
	m.mu.Unlock()
}

// mintSessionID builds "<user>_<uuid>_<epoch>". The user prefix makes log
// lines greppable; the epoch suffix sorts ids chronologically.
func mintSessionID(user string, at time.Time) string {
	sanitized := strings.Map(func(r rune) rune {
		if r == '_' || r == ' ' {
			return '-'
		}
		return r
	}, user)
	return fmt.Sprintf("%s_%s_%d", sanitized, uuid.NewString(), at.Unix())
}
