package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newSession(userID, ip string, at time.Time) NewSession {
	return NewSession{
		UserID:    userID,
		Username:  userID,
		Device:    Device{IP: ip, MAC: "unknown", UserAgent: "curl/8.0", HTTPMethod: "GET"},
		GrantedAt: at,
		TTL:       time.Hour,
	}
}

func TestUpsertSession_CreatesActive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var prior []*Session
	s, err := db.UpsertSession(ctx, newSession("alice", "10.0.0.5", now), func(p []*Session) error {
		prior = p
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, prior)
	assert.NotEmpty(t, s.ID)
	assert.True(t, s.ExpiresAt.Equal(now.Add(time.Hour)))

	got, err := db.GetActiveSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "10.0.0.5", got.Device.IP)
	assert.Equal(t, "unknown", got.Device.MAC)
	assert.Equal(t, StatusActive, got.Status)
	assert.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))
	assert.Nil(t, got.EndedAt)
}

func TestUpsertSession_ReplacesPrior(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	first, err := db.UpsertSession(ctx, newSession("alice", "10.0.0.5", now), nil)
	require.NoError(t, err)

	var prior []*Session
	second, err := db.UpsertSession(ctx, newSession("alice", "10.0.0.6", now.Add(time.Minute)), func(p []*Session) error {
		prior = p
		return nil
	})
	require.NoError(t, err)
	require.Len(t, prior, 1)
	assert.Equal(t, first.ID, prior[0].ID)
	assert.Equal(t, "10.0.0.5", prior[0].Device.IP)

	active, err := db.ListSessions(ctx, StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	old, err := db.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, old.Status)
	assert.Equal(t, EndReasonReplaced, old.EndReason)
	assert.NotNil(t, old.EndedAt)
}

func TestUpsertSession_ApplyFailureRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	first, err := db.UpsertSession(ctx, newSession("alice", "10.0.0.5", now), nil)
	require.NoError(t, err)

	boom := errors.New("grant failed")
	_, err = db.UpsertSession(ctx, newSession("alice", "10.0.0.6", now), func([]*Session) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := db.GetActiveSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	all, err := db.ListSessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertSession_ConcurrentKeepsOneActive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.UpsertSession(ctx, newSession("alice", "10.0.0.5", time.Now()), nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	active, err := db.ListSessions(ctx, StatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	all, err := db.ListSessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestGetActiveSession_NotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetActiveSession(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = db.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListExpired(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	_, err := db.UpsertSession(ctx, newSession("alice", "10.0.0.5", now.Add(-2*time.Hour)), nil)
	require.NoError(t, err)
	_, err = db.UpsertSession(ctx, newSession("bob", "10.0.0.6", now), nil)
	require.NoError(t, err)

	expired, err := db.ListExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "alice", expired[0].UserID)
	assert.Equal(t, "10.0.0.5", expired[0].Device.IP)

	expired, err = db.ListExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, expired, 2)
}

func TestMarkInactive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	_, err := db.UpsertSession(ctx, newSession("alice", "10.0.0.5", now), nil)
	require.NoError(t, err)

	require.NoError(t, db.MarkInactive(ctx, "alice", EndReasonLogout, now))
	assert.ErrorIs(t, db.MarkInactive(ctx, "alice", EndReasonLogout, now), ErrSessionNotFound)

	_, err = db.GetActiveSession(ctx, "alice")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExpireSession_Guarded(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	first, err := db.UpsertSession(ctx, newSession("alice", "10.0.0.5", now), nil)
	require.NoError(t, err)
	_, err = db.UpsertSession(ctx, newSession("alice", "10.0.0.5", now), nil)
	require.NoError(t, err)

	// The first row was already replaced.
	changed, err := db.ExpireSession(ctx, first.ID, EndReasonExpired, now)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = db.GetActiveSession(ctx, "alice")
	require.NoError(t, err)
}

func TestActiveByAddress(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	_, err := db.UpsertSession(ctx, newSession("alice", "10.0.0.5", now), nil)
	require.NoError(t, err)
	_, err = db.UpsertSession(ctx, newSession("bob", "10.0.0.50", now), nil)
	require.NoError(t, err)

	sessions, err := db.ActiveByAddress(ctx, "10.0.0.5")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "alice", sessions[0].UserID)
}

func TestPruneHistory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	_, err := db.UpsertSession(ctx, newSession("alice", "10.0.0.5", now.Add(-48*time.Hour)), nil)
	require.NoError(t, err)
	require.NoError(t, db.MarkInactive(ctx, "alice", EndReasonExpired, now.Add(-47*time.Hour)))
	_, err = db.UpsertSession(ctx, newSession("alice", "10.0.0.5", now), nil)
	require.NoError(t, err)

	n, err := db.PruneHistory(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := db.ListSessions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, StatusActive, all[0].Status)
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	_, err := db.UpsertSession(ctx, newSession("alice", "10.0.0.5", now), nil)
	require.NoError(t, err)
	_, err = db.UpsertSession(ctx, newSession("alice", "10.0.0.6", now), nil)
	require.NoError(t, err)
	_, err = db.UpsertSession(ctx, newSession("bob", "10.0.0.7", now), nil)
	require.NoError(t, err)

	st, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Total: 3, Active: 2, Inactive: 1, Users: 2}, st)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/a.db?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL", dsn("/tmp/a.db"))
	assert.Equal(t, "file:a.db?cache=shared&_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL", dsn("file:a.db?cache=shared"))
}
