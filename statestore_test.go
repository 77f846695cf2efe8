package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStoreRoundTrip(t *testing.T) {
	store, err := newStateStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	rec := accountStateRecord{
		RateLimitedUntil: 1770000000000,
		LastUsed:         1769990000000,
		RefreshFailures:  3,
		NextRefreshAt:    1770000100000,
	}
	require.NoError(t, store.save("work", rec))
	require.NoError(t, store.save("personal", accountStateRecord{LastUsed: 1}))

	all, err := store.loadAll()
	require.NoError(t, err)
	assert.Equal(t, rec, all["work"])
	assert.Len(t, all, 2)

	require.NoError(t, store.delete("work"))
	all, err = store.loadAll()
	require.NoError(t, err)
	assert.NotContains(t, all, "work")
}

func TestStateStoreNilSafe(t *testing.T) {
	var store *stateStore
	assert.NoError(t, store.save("x", accountStateRecord{}))
	assert.NoError(t, store.delete("x"))
	all, err := store.loadAll()
	assert.NoError(t, err)
	assert.Empty(t, all)
	assert.NoError(t, store.Close())
}

func TestCooldownSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	clock := newFakeClock()
	recs := threeAccounts(clock)

	store, err := newStateStore(path)
	require.NoError(t, err)

	p := newPool(poolOptions{
		rotationEnabled: true,
		minCooldown:     time.Second,
		now:             clock.now,
		states:          store,
		log:             zerolog.Nop(),
	})
	p.applyReload(recs)
	p.reportRateLimited("a", 10*time.Minute)
	require.NoError(t, store.Close())

	// New process: same database, fresh pool.
	store2, err := newStateStore(path)
	require.NoError(t, err)
	defer store2.Close()

	p2 := newPool(poolOptions{
		rotationEnabled: true,
		minCooldown:     time.Second,
		now:             clock.now,
		states:          store2,
		log:             zerolog.Nop(),
	})
	p2.applyReload(recs)
	saved, err := store2.loadAll()
	require.NoError(t, err)
	p2.restoreRuntimeState(saved)

	ls, err := p2.acquire("")
	require.NoError(t, err)
	assert.Equal(t, "b", ls.Name, "the persisted cooldown keeps a out of rotation")
}
