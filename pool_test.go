package main

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func rec(name, access, refresh string, expiresAt time.Time) credentialRecord {
	return credentialRecord{
		Name: name,
		accountCredentials: accountCredentials{
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresAt:    expiresAt.UnixMilli(),
		},
	}
}

func newTestPool(t *testing.T, clock *fakeClock, minCooldown time.Duration, records ...credentialRecord) *pool {
	t.Helper()
	p := newPool(poolOptions{
		rotationEnabled: true,
		minCooldown:     minCooldown,
		now:             clock.now,
		log:             zerolog.Nop(),
	})
	p.applyReload(records)
	return p
}

func threeAccounts(clock *fakeClock) []credentialRecord {
	exp := clock.now().Add(8 * time.Hour)
	return []credentialRecord{
		rec("a", "sk-ant-oat-aaa-000000", "rt-a-0000000000000000000", exp),
		rec("b", "sk-ant-oat-bbb-000000", "rt-b-0000000000000000000", exp),
		rec("c", "sk-ant-oat-ccc-000000", "rt-c-0000000000000000000", exp),
	}
}

func TestAcquireRoundRobinOrder(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Minute, threeAccounts(clock)...)

	var got []string
	for i := 0; i < 4; i++ {
		ls, err := p.acquire("")
		require.NoError(t, err)
		got = append(got, ls.Name)
		p.reportOK(ls.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)

	for _, av := range p.view().Accounts {
		require.NotNil(t, av.LastUsed, "last_used should be set for %s", av.Name)
		assert.Equal(t, clock.now(), *av.LastUsed)
	}
}

func TestAcquireEmptyPool(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Minute)

	_, err := p.acquire("")
	assert.ErrorIs(t, err, errNoAccountAvailable)
}

func TestAcquireSkipsRateLimitedUntilCooldownElapses(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Second, threeAccounts(clock)...)

	p.reportRateLimited("a", 30*time.Second)

	ls, err := p.acquire("")
	require.NoError(t, err)
	assert.Equal(t, "b", ls.Name, "a is cooling down")

	clock.advance(31 * time.Second)
	// Cursor sits at c; after c the lazily promoted a is selectable again.
	ls, err = p.acquire("")
	require.NoError(t, err)
	assert.Equal(t, "c", ls.Name)
	ls, err = p.acquire("")
	require.NoError(t, err)
	assert.Equal(t, "a", ls.Name)

	v := p.view()
	assert.Equal(t, 3, v.AvailableAccounts)
}

func TestReportRateLimitedAppliesMinimumCooldown(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Minute, threeAccounts(clock)...)

	p.reportRateLimited("a", 0)

	p.mu.Lock()
	until := p.byName["a"].RateLimitedUntil
	p.mu.Unlock()
	assert.Equal(t, clock.now().Add(time.Minute), until, "zero retry-after is floored to the minimum cooldown")
}

func TestAcquireAllUnavailable(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Second, threeAccounts(clock)...)

	p.reportRateLimited("a", 10*time.Second)
	p.reportRateLimited("b", 20*time.Second)
	p.reportAuthError("c", "token rejected")

	_, err := p.acquire("")
	assert.ErrorIs(t, err, errNoAccountAvailable)

	soonest, ok := p.soonestRecovery()
	require.True(t, ok)
	assert.Equal(t, clock.now().Add(10*time.Second), soonest)
}

func TestManualAcquireIgnoresStateExceptDisabled(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Minute, threeAccounts(clock)...)

	p.reportRateLimited("b", time.Hour)
	ls, err := p.acquire("b")
	require.NoError(t, err)
	assert.Equal(t, "b", ls.Name)
	assert.Equal(t, stateRateLimited, ls.State)

	require.NoError(t, p.disable("c"))
	_, err = p.acquire("c")
	assert.ErrorIs(t, err, errNoSuchAccount)

	_, err = p.acquire("nope")
	assert.ErrorIs(t, err, errNoSuchAccount)

	// Manual selection does not advance the rotation cursor.
	ls, err = p.acquire("")
	require.NoError(t, err)
	assert.Equal(t, "a", ls.Name)
}

func TestSingleAccountModeUsesFirstEntry(t *testing.T) {
	clock := newFakeClock()
	p := newPool(poolOptions{
		rotationEnabled: false,
		minCooldown:     time.Minute,
		now:             clock.now,
		log:             zerolog.Nop(),
	})
	p.applyReload(threeAccounts(clock))

	for i := 0; i < 3; i++ {
		ls, err := p.acquire("")
		require.NoError(t, err)
		assert.Equal(t, "a", ls.Name)
	}

	p.reportRateLimited("a", time.Hour)
	_, err := p.acquire("")
	assert.ErrorIs(t, err, errNoAccountAvailable, "other entries do not serve in single-account mode")
}

func TestEnableClearsCooldownAndError(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Minute, threeAccounts(clock)...)

	p.reportAuthError("a", "boom")
	require.NoError(t, p.disable("a"))
	require.NoError(t, p.enable("a"))

	p.mu.Lock()
	a := p.byName["a"]
	assert.Equal(t, stateAvailable, a.State)
	assert.Empty(t, a.LastError)
	assert.True(t, a.RateLimitedUntil.IsZero())
	p.mu.Unlock()

	// Enabling an already-available account is a no-op.
	require.NoError(t, p.enable("a"))
	ls, err := p.acquire("")
	require.NoError(t, err)
	assert.Equal(t, "a", ls.Name)
}

func TestDisableThenAcquireSkips(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Minute, threeAccounts(clock)...)

	require.NoError(t, p.disable("a"))
	ls, err := p.acquire("")
	require.NoError(t, err)
	assert.Equal(t, "b", ls.Name)

	assert.ErrorIs(t, p.disable("ghost"), errNoSuchAccount)
	assert.ErrorIs(t, p.enable("ghost"), errNoSuchAccount)
}

func TestApplyReloadPreservesRuntimeState(t *testing.T) {
	clock := newFakeClock()
	recs := threeAccounts(clock)[:2]
	p := newTestPool(t, clock, time.Second, recs...)

	p.reportRateLimited("a", 60*time.Second)
	until := clock.now().Add(60 * time.Second)

	exp := clock.now().Add(8 * time.Hour)
	reloaded := []credentialRecord{
		rec("a", "sk-ant-oat-aaa-fresh0", recs[0].RefreshToken, exp),
		rec("b", recs[1].AccessToken, recs[1].RefreshToken, exp),
		rec("c", "sk-ant-oat-ccc-000000", "rt-c-0000000000000000000", exp),
	}
	p.applyReload(reloaded)

	p.mu.Lock()
	a := p.byName["a"]
	assert.Equal(t, stateRateLimited, a.State)
	assert.Equal(t, until, a.RateLimitedUntil, "cooldown survives reload")
	assert.Equal(t, "sk-ant-oat-aaa-fresh0", a.AccessToken, "tokens come from the document")
	c := p.byName["c"]
	assert.Equal(t, stateAvailable, c.State)
	p.mu.Unlock()

	assert.Equal(t, 3, p.count())
}

func TestApplyReloadIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	recs := threeAccounts(clock)
	p := newTestPool(t, clock, time.Second, recs...)

	p.reportRateLimited("b", time.Hour)
	gen := p.currentGeneration()
	before := p.view()

	p.applyReload(recs)
	after := p.view()

	assert.Equal(t, gen+1, p.currentGeneration())
	assert.Equal(t, before.Accounts, after.Accounts)
	assert.Equal(t, before.NextAccount, after.NextAccount)
}

func TestApplyReloadKeepsCursorOnSurvivingAccount(t *testing.T) {
	clock := newFakeClock()
	recs := threeAccounts(clock)
	p := newTestPool(t, clock, time.Second, recs...)

	ls, err := p.acquire("")
	require.NoError(t, err)
	require.Equal(t, "a", ls.Name) // cursor now points at b

	p.applyReload(recs)
	ls, err = p.acquire("")
	require.NoError(t, err)
	assert.Equal(t, "b", ls.Name, "reload with an unchanged set must not restart rotation")
}

func TestApplyReloadResetsCursorWhenPointedAccountRemoved(t *testing.T) {
	clock := newFakeClock()
	recs := threeAccounts(clock)
	p := newTestPool(t, clock, time.Second, recs...)

	_, err := p.acquire("")
	require.NoError(t, err) // cursor -> b

	p.applyReload([]credentialRecord{recs[0], recs[2]}) // b removed
	ls, err := p.acquire("")
	require.NoError(t, err)
	assert.Equal(t, "a", ls.Name)
}

func TestApplyReloadClearsAuthErrorOnNewRefreshToken(t *testing.T) {
	clock := newFakeClock()
	recs := threeAccounts(clock)[:1]
	p := newTestPool(t, clock, time.Second, recs...)

	p.failRefresh("a", "invalid_grant", true)
	p.mu.Lock()
	require.Equal(t, stateAuthError, p.byName["a"].State)
	p.mu.Unlock()

	// Same refresh token: the error state is preserved.
	p.applyReload(recs)
	p.mu.Lock()
	assert.Equal(t, stateAuthError, p.byName["a"].State)
	p.mu.Unlock()

	// New refresh token means the operator re-authenticated.
	fresh := rec("a", recs[0].AccessToken, "rt-a-reissued00000000000", clock.now().Add(8*time.Hour))
	p.applyReload([]credentialRecord{fresh})
	p.mu.Lock()
	assert.Equal(t, stateAvailable, p.byName["a"].State)
	assert.Empty(t, p.byName["a"].LastError)
	p.mu.Unlock()
}

func TestBeginRefreshIsSingleFlight(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Second, threeAccounts(clock)...)

	tok, ok := p.beginRefresh("a")
	require.True(t, ok)
	assert.Equal(t, "rt-a-0000000000000000000", tok)

	_, ok = p.beginRefresh("a")
	assert.False(t, ok, "second begin must be rejected while one is in flight")

	grant := tokenGrant{AccessToken: "sk-ant-oat-aaa-new000", ExpiresAt: clock.now().Add(time.Hour)}
	require.True(t, p.completeRefresh("a", grant))

	_, ok = p.beginRefresh("a")
	assert.True(t, ok, "guard is released after completion")
}

func TestCompleteRefreshRecoversAuthError(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Second, threeAccounts(clock)...)

	p.reportAuthError("a", "401 from upstream")
	_, ok := p.beginRefresh("a")
	require.True(t, ok)

	grant := tokenGrant{
		AccessToken:  "sk-ant-oat-aaa-new000",
		RefreshToken: "rt-a-rotated000000000000",
		ExpiresAt:    clock.now().Add(time.Hour),
	}
	require.True(t, p.completeRefresh("a", grant))

	p.mu.Lock()
	a := p.byName["a"]
	assert.Equal(t, stateAvailable, a.State)
	assert.Empty(t, a.LastError)
	assert.Equal(t, "rt-a-rotated000000000000", a.RefreshToken)
	assert.False(t, a.InFlightRefresh)
	p.mu.Unlock()
}

func TestCompleteRefreshDiscardsRemovedAccount(t *testing.T) {
	clock := newFakeClock()
	recs := threeAccounts(clock)
	p := newTestPool(t, clock, time.Second, recs...)

	_, ok := p.beginRefresh("c")
	require.True(t, ok)

	p.applyReload(recs[:2]) // c removed mid-refresh

	applied := p.completeRefresh("c", tokenGrant{AccessToken: "x", ExpiresAt: clock.now()})
	assert.False(t, applied)
	assert.Equal(t, 2, p.count())
}

func TestFailRefreshTerminalParksAccount(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Second, threeAccounts(clock)...)

	_, ok := p.beginRefresh("a")
	require.True(t, ok)
	p.failRefresh("a", "invalid_grant: token revoked", true)

	p.mu.Lock()
	a := p.byName["a"]
	assert.Equal(t, stateAuthError, a.State)
	assert.False(t, a.InFlightRefresh)
	p.mu.Unlock()

	cands := p.refreshCandidates(time.Hour * 100)
	for _, c := range cands {
		assert.NotEqual(t, "a", c.Name, "terminal failures are not retried automatically")
	}
}

func TestRefreshCandidatesEligibility(t *testing.T) {
	clock := newFakeClock()
	exp := clock.now()
	records := []credentialRecord{
		rec("soon", "sk-ant-oat-1", "rt-1-0000000000000000000", exp.Add(5*time.Minute)),
		rec("later", "sk-ant-oat-2", "rt-2-0000000000000000000", exp.Add(8*time.Hour)),
		rec("broken", "sk-ant-oat-3", "rt-3-0000000000000000000", exp.Add(8*time.Hour)),
		rec("off", "sk-ant-oat-4", "rt-4-0000000000000000000", exp.Add(time.Minute)),
	}
	p := newTestPool(t, clock, time.Second, records...)
	p.reportAuthError("broken", "401")
	require.NoError(t, p.disable("off"))

	names := map[string]bool{}
	for _, c := range p.refreshCandidates(10 * time.Minute) {
		names[c.Name] = true
	}
	assert.True(t, names["soon"], "expiring within buffer")
	assert.True(t, names["broken"], "auth_error accounts are retried")
	assert.False(t, names["later"], "not yet within buffer")
	assert.False(t, names["off"], "disabled accounts never refresh")
}

func TestFailRefreshBackoffGatesNextSweep(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Second,
		rec("a", "sk-ant-oat-1", "rt-1-0000000000000000000", clock.now().Add(time.Minute)))

	_, ok := p.beginRefresh("a")
	require.True(t, ok)
	p.failRefresh("a", "token endpoint returned 500", false)

	assert.Empty(t, p.refreshCandidates(10*time.Minute), "backoff gate holds")

	clock.advance(10 * time.Second) // past 1s backoff even with jitter
	cands := p.refreshCandidates(10 * time.Minute)
	require.Len(t, cands, 1)
	assert.Equal(t, "a", cands[0].Name)
}

func TestReportAuthErrorWakesScheduler(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Second, threeAccounts(clock)...)

	// Drain any wake from the initial reload.
	select {
	case <-p.wakeChan():
	default:
	}

	p.reportAuthError("a", "upstream said no")
	select {
	case <-p.wakeChan():
	case <-time.After(time.Second):
		t.Fatal("expected a scheduler wake after auth error")
	}
}

func TestViewReportsNextAccountWithoutAdvancing(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Second, threeAccounts(clock)...)

	v := p.view()
	assert.Equal(t, "a", v.NextAccount)

	ls, err := p.acquire("")
	require.NoError(t, err)
	assert.Equal(t, "a", ls.Name, "view must not consume the cursor position")
	assert.Equal(t, "b", p.view().NextAccount)
}

func TestRestoreRuntimeStateReappliesCooldown(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, time.Second, threeAccounts(clock)...)

	until := clock.now().Add(5 * time.Minute)
	p.restoreRuntimeState(map[string]accountStateRecord{
		"a":     {RateLimitedUntil: until.UnixMilli(), RefreshFailures: 2},
		"ghost": {RateLimitedUntil: until.UnixMilli()},
	})

	p.mu.Lock()
	a := p.byName["a"]
	assert.Equal(t, stateRateLimited, a.State)
	assert.Equal(t, until.UnixMilli(), a.RateLimitedUntil.UnixMilli())
	assert.Equal(t, 2, a.RefreshFailures)
	p.mu.Unlock()

	// Expired persisted cooldowns stay available.
	p2 := newTestPool(t, clock, time.Second, threeAccounts(clock)...)
	p2.restoreRuntimeState(map[string]accountStateRecord{
		"a": {RateLimitedUntil: clock.now().Add(-time.Minute).UnixMilli()},
	})
	p2.mu.Lock()
	assert.Equal(t, stateAvailable, p2.byName["a"].State)
	p2.mu.Unlock()
}
