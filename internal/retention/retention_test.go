package retention

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felo/mailclaim/internal/config"
	"github.com/felo/mailclaim/internal/db"
	"github.com/felo/mailclaim/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakeStore) DeleteVerificationsBefore(cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 1, f.err
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestPruner_Prune(t *testing.T) {
	database := db.SetupTestDB(t)
	defer db.CleanupTestDB(t, database)

	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	db.InsertTestVerifications(t, database, []*db.Verification{
		db.CreateTestVerificationAt("old.json", "@old", "0x1", now.Add(-10*24*time.Hour)),
		db.CreateTestVerificationAt("new.json", "@new", "0x1", now.Add(-time.Hour)),
	})

	p := NewPruner(database, 7*24*time.Hour, logger.NewNopLogger(), nil)
	p.now = func() time.Time { return now }

	n, err := p.Prune()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := database.CountVerifications()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPruner_CutoffAndError(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

	p := NewPruner(store, time.Hour, logger.NewNopLogger(), nil)
	p.now = func() time.Time { return now }

	_, err := p.Prune()
	assert.Error(t, err)
	require.Equal(t, 1, store.calls())
	assert.True(t, store.cutoffs[0].Equal(now.Add(-time.Hour)))
}

func TestStart_Disabled(t *testing.T) {
	s, err := Start(&config.RetentionConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.NoError(t, s.Stop())
}

func TestStart_RunsImmediately(t *testing.T) {
	store := &fakeStore{}
	p := NewPruner(store, time.Hour, logger.NewNopLogger(), nil)

	s, err := Start(&config.RetentionConfig{Enabled: true, MaxAge: time.Hour, Interval: time.Hour}, p)
	require.NoError(t, err)
	defer s.Stop()

	assert.Eventually(t, func() bool { return store.calls() >= 1 }, 2*time.Second, 10*time.Millisecond)
}
