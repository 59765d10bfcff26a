// Package session manages the lifecycle of captive portal sessions: activation
// after login, explicit logout and the periodic expiry sweep.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/airfi/captivegate/internal/db"
	"github.com/airfi/captivegate/internal/router"
)

var (
	// ErrInvalidRequest is returned when an activation is missing a user or a valid address.
	ErrInvalidRequest = errors.New("invalid session request")
	// ErrNotFound is returned when a user has no active session.
	ErrNotFound = db.ErrSessionNotFound
)

// Store is the persistence the manager needs.
type Store interface {
	UpsertSession(ctx context.Context, ns db.NewSession, apply func(prior []*db.Session) error) (*db.Session, error)
	GetActiveSession(ctx context.Context, userID string) (*db.Session, error)
	GetSession(ctx context.Context, id string) (*db.Session, error)
	ListSessions(ctx context.Context, status string) ([]*db.Session, error)
	ListExpired(ctx context.Context, now time.Time) ([]*db.Session, error)
	ActiveByAddress(ctx context.Context, ip string) ([]*db.Session, error)
	MarkInactive(ctx context.Context, userID, reason string, now time.Time) error
	ExpireSession(ctx context.Context, id, reason string, now time.Time) (bool, error)
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
	GetStats(ctx context.Context) (*db.Stats, error)
}

// Config defines session timing.
type Config struct {
	TTL              time.Duration
	SweepInterval    time.Duration
	HistoryRetention time.Duration // 0 keeps history forever
}

// DefaultConfig returns the default session timing.
func DefaultConfig() Config {
	return Config{
		TTL:           time.Hour,
		SweepInterval: 10 * time.Second,
	}
}

// ActivateRequest carries the identity of a freshly authenticated client.
type ActivateRequest struct {
	UserID   string
	Username string
	Device   db.Device
}

// AccessStatus describes what the firewall and the store say about an address.
type AccessStatus struct {
	IP      string      `json:"ip"`
	Granted bool        `json:"granted"`
	Session *db.Session `json:"session,omitempty"`
}

// Manager coordinates the session store with the firewall.
type Manager struct {
	store  Store
	access router.AccessController
	config Config
	logger *zap.Logger
	now    func() time.Time
	locks  *userLocks

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewManager creates a new session manager.
func NewManager(store Store, access router.AccessController, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}

	return &Manager{
		store:  store,
		access: access,
		config: config,
		logger: logger,
		now:    time.Now,
		locks:  newUserLocks(),
	}
}

// Activate grants req's device access for one TTL and records the session,
// replacing any session the user already had. Old addresses are revoked
// before the new one is granted, and the session is only committed once the
// grant succeeded. Retrying with the same request converges.
func (m *Manager) Activate(ctx context.Context, req ActivateRequest) (*db.Session, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	ip, err := router.NormalizeAddress(req.Device.IP)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Device.IP = ip
	if req.Device.MAC == "" {
		req.Device.MAC = router.UnknownMAC
	}

	unlock := m.locks.lock(req.UserID)
	defer unlock()

	var (
		revoked []string
		granted bool
	)

	apply := func(prior []*db.Session) error {
		if len(prior) > 1 {
			m.logger.Error("invariant violation: multiple active sessions for user",
				zap.String("user_id", req.UserID),
				zap.Int("count", len(prior)),
			)
		}

		for _, p := range prior {
			if p.Device.IP == ip {
				continue
			}
			claimed, err := m.claimedByOther(ctx, p.Device.IP, func(s *db.Session) bool {
				return s.UserID == req.UserID
			})
			if err != nil {
				return err
			}
			if claimed {
				m.logger.Info("previous address still in use, keeping access",
					zap.String("user_id", req.UserID),
					zap.String("ip", p.Device.IP),
				)
				continue
			}
			if err := m.access.RevokeAccess(ctx, p.Device.IP); err != nil {
				return fmt.Errorf("failed to revoke previous address: %w", err)
			}
			revoked = append(revoked, p.Device.IP)
		}

		if err := m.access.GrantAccess(ctx, ip); err != nil {
			return fmt.Errorf("failed to grant access: %w", err)
		}
		granted = true
		return nil
	}

	s, err := m.store.UpsertSession(ctx, db.NewSession{
		UserID:    req.UserID,
		Username:  req.Username,
		Device:    req.Device,
		GrantedAt: m.now(),
		TTL:       m.config.TTL,
	}, apply)
	if err != nil {
		m.logger.Error("session activation failed",
			zap.String("user_id", req.UserID),
			zap.String("ip", ip),
			zap.Error(err),
		)
		m.compensate(ctx, req.UserID, ip, granted, revoked)
		return nil, fmt.Errorf("failed to activate session: %w", err)
	}

	m.logger.Info("session activated",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.String("ip", ip),
		zap.String("mac", s.Device.MAC),
		zap.Time("expires_at", s.ExpiresAt),
	)

	return s, nil
}

// compensate undoes firewall changes from an activation whose store
// transaction did not commit. The previous session is still active, so its
// addresses get their access back.
func (m *Manager) compensate(ctx context.Context, userID, ip string, granted bool, revoked []string) {
	if granted {
		keep := false
		if prev, err := m.store.GetActiveSession(ctx, userID); err == nil && prev.Device.IP == ip {
			keep = true
		}
		if claimed, err := m.claimedByOther(ctx, ip, nil); err == nil && claimed {
			keep = true
		}
		if !keep {
			if err := m.access.RevokeAccess(ctx, ip); err != nil {
				m.logger.Error("access granted without session, manual fixup required",
					zap.String("user_id", userID),
					zap.String("ip", ip),
					zap.Error(err),
				)
			}
		}
	}

	for _, addr := range revoked {
		if err := m.access.GrantAccess(ctx, addr); err != nil {
			m.logger.Error("access revoked for active session, manual fixup required",
				zap.String("user_id", userID),
				zap.String("ip", addr),
				zap.Error(err),
			)
		}
	}
}

// claimedByOther reports whether an active session, other than those
// matched by skip, holds ip.
func (m *Manager) claimedByOther(ctx context.Context, ip string, skip func(*db.Session) bool) (bool, error) {
	sessions, err := m.store.ActiveByAddress(ctx, ip)
	if err != nil {
		return false, fmt.Errorf("failed to check address owners: %w", err)
	}
	for _, s := range sessions {
		if skip == nil || !skip(s) {
			return true, nil
		}
	}
	return false, nil
}

// Deactivate ends the user's active session: access is revoked first, then
// the session is marked inactive.
func (m *Manager) Deactivate(ctx context.Context, userID string) error {
	unlock := m.locks.lock(userID)
	defer unlock()

	s, err := m.store.GetActiveSession(ctx, userID)
	if err != nil {
		return err
	}

	if err := m.revokeUnlessShared(ctx, s); err != nil {
		return err
	}

	if err := m.store.MarkInactive(ctx, userID, db.EndReasonLogout, m.now()); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	m.logger.Info("session ended",
		zap.String("session_id", s.ID),
		zap.String("user_id", userID),
		zap.String("ip", s.Device.IP),
	)
	return nil
}

func (m *Manager) revokeUnlessShared(ctx context.Context, s *db.Session) error {
	claimed, err := m.claimedByOther(ctx, s.Device.IP, func(o *db.Session) bool {
		return o.ID == s.ID
	})
	if err != nil {
		return err
	}
	if claimed {
		m.logger.Info("address held by another session, access kept",
			zap.String("session_id", s.ID),
			zap.String("ip", s.Device.IP),
		)
		return nil
	}
	if err := m.access.RevokeAccess(ctx, s.Device.IP); err != nil {
		return fmt.Errorf("failed to revoke access: %w", err)
	}
	return nil
}

// Sweep expires every active session past its expiry. A session whose
// revoke fails stays active and is retried on the next sweep.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()

	expired, err := m.store.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	var errs []error
	count := 0
	for _, s := range expired {
		ok, err := m.expire(ctx, s.ID, s.UserID, now)
		if err != nil {
			m.logger.Error("failed to expire session",
				zap.String("session_id", s.ID),
				zap.String("user_id", s.UserID),
				zap.String("ip", s.Device.IP),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		if ok {
			count++
		}
	}

	if m.config.HistoryRetention > 0 {
		n, err := m.store.PruneHistory(ctx, now.Add(-m.config.HistoryRetention))
		if err != nil {
			m.logger.Warn("failed to prune session history", zap.Error(err))
		} else if n > 0 {
			m.logger.Debug("pruned session history", zap.Int64("rows", n))
		}
	}

	return count, errors.Join(errs...)
}

// expire re-reads the session under the user's lock so an activation that
// landed after ListExpired is not undone.
func (m *Manager) expire(ctx context.Context, id, userID string, now time.Time) (bool, error) {
	unlock := m.locks.lock(userID)
	defer unlock()

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	if s.Status != db.StatusActive || !s.IsExpired(now) {
		return false, nil
	}

	if err := m.revokeUnlessShared(ctx, s); err != nil {
		return false, err
	}

	changed, err := m.store.ExpireSession(ctx, id, db.EndReasonExpired, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark session inactive: %w", err)
	}

	if changed {
		m.logger.Info("session expired",
			zap.String("session_id", id),
			zap.String("user_id", userID),
			zap.String("ip", s.Device.IP),
		)
	}
	return changed, nil
}

// Reconcile grants access to every active, unexpired session. It restores
// rules lost on a reboot or removed by hand.
func (m *Manager) Reconcile(ctx context.Context) error {
	sessions, err := m.store.ListSessions(ctx, db.StatusActive)
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}

	now := m.now()
	var errs []error
	for _, s := range sessions {
		if s.IsExpired(now) {
			continue
		}
		if err := m.access.GrantAccess(ctx, s.Device.IP); err != nil {
			m.logger.Error("failed to restore access",
				zap.String("session_id", s.ID),
				zap.String("ip", s.Device.IP),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start reconciles the firewall and starts the sweep loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("session manager already started")
	}

	if err := m.Reconcile(ctx); err != nil {
		m.logger.Warn("reconcile incomplete", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go m.sweepLoop(loopCtx)

	m.logger.Info("session manager started",
		zap.Duration("ttl", m.config.TTL),
		zap.Duration("sweep_interval", m.config.SweepInterval),
	)
	return nil
}

// Stop stops the sweep loop and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	m.cancel()
	<-m.done
	m.started = false
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	// Stop ends the loop between ticks; a tick in progress runs to completion.
	sweepCtx := context.WithoutCancel(ctx)

	m.runSweep(sweepCtx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runSweep(sweepCtx)
		}
	}
}

func (m *Manager) runSweep(ctx context.Context) {
	n, err := m.Sweep(ctx)
	if err != nil {
		m.logger.Warn("sweep incomplete, retrying next tick", zap.Int("expired", n), zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Info("sweep finished", zap.Int("expired", n))
	}
}

// Status returns the user's active session.
func (m *Manager) Status(ctx context.Context, userID string) (*db.Session, error) {
	return m.store.GetActiveSession(ctx, userID)
}

// List returns sessions, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status string) ([]*db.Session, error) {
	return m.store.ListSessions(ctx, status)
}

// Stats returns session statistics.
func (m *Manager) Stats(ctx context.Context) (*db.Stats, error) {
	return m.store.GetStats(ctx)
}

// CheckAccess compares the firewall state for ip with the active sessions.
func (m *Manager) CheckAccess(ctx context.Context, ip string) (*AccessStatus, error) {
	addr, err := router.NormalizeAddress(ip)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	granted, err := m.access.HasAccess(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to query firewall: %w", err)
	}

	status := &AccessStatus{IP: addr, Granted: granted}
	sessions, err := m.store.ActiveByAddress(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	if len(sessions) > 0 {
		status.Session = sessions[0]
	}
	if granted != (len(sessions) > 0) {
		m.logger.Warn("firewall and session state disagree",
			zap.String("ip", addr),
			zap.Bool("granted", granted),
			zap.Int("sessions", len(sessions)),
		)
	}
	return status, nil
}
