package main

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// accountState is the availability state of one account.
type accountState string

const (
	stateAvailable   accountState = "available"
	stateRateLimited accountState = "rate_limited"
	stateAuthError   accountState = "auth_error"
	stateDisabled    accountState = "disabled"
)

// Account is one upstream subscription with its OAuth credentials and runtime
// state. All fields are guarded by the pool mutex; nothing outside the pool
// touches an *Account directly.
type Account struct {
	Name         string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	State            accountState
	RateLimitedUntil time.Time
	LastUsed         time.Time
	LastError        string
	InFlightRefresh  bool

	// Refresh scheduler bookkeeping. refreshTerminal marks an invalid_grant
	// failure: no automatic retry until the operator re-enables the account
	// or a reload delivers a new refresh token.
	RefreshFailures int
	NextRefreshAt   time.Time
	LastRefreshAt   time.Time
	refreshTerminal bool
}

// lease is what acquire hands to the dispatcher: a copy of the fields a
// request needs, valid without holding the pool mutex.
type lease struct {
	Name        string
	AccessToken string
	State       accountState
}

func leaseOf(a *Account) lease {
	return lease{Name: a.Name, AccessToken: a.AccessToken, State: a.State}
}

// pool is the authoritative in-memory account registry. A single mutex guards
// the account set, every per-account field, and the rotation cursor; it is
// never held across network or disk I/O.
type pool struct {
	mu         sync.Mutex
	accounts   []*Account
	byName     map[string]*Account
	cursor     int
	generation uint64

	rotationEnabled bool
	minCooldown     time.Duration
	now             func() time.Time

	wake   chan struct{}
	states *stateStore
	log    zerolog.Logger
}

type poolOptions struct {
	rotationEnabled bool
	minCooldown     time.Duration
	now             func() time.Time
	states          *stateStore
	log             zerolog.Logger
}

func newPool(opts poolOptions) *pool {
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.minCooldown <= 0 {
		opts.minCooldown = 60 * time.Second
	}
	return &pool{
		byName:          map[string]*Account{},
		rotationEnabled: opts.rotationEnabled,
		minCooldown:     opts.minCooldown,
		now:             opts.now,
		wake:            make(chan struct{}, 1),
		states:          opts.states,
		log:             opts.log.With().Str("component", "pool").Logger(),
	}
}

// wakeChan is read by the refresh scheduler; sends are best-effort.
func (p *pool) wakeChan() <-chan struct{} { return p.wake }

func (p *pool) wakeScheduler() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// promoteLocked lazily returns a cooled-down account to available.
func (p *pool) promoteLocked(a *Account, now time.Time) {
	if a.State == stateRateLimited && !a.RateLimitedUntil.After(now) {
		a.State = stateAvailable
		a.RateLimitedUntil = time.Time{}
	}
}

// acquire returns an account for a dispatch. With a preferred name the
// account is returned regardless of state except disabled/unknown, and the
// cursor does not move. Otherwise round-robin selection starts at the cursor
// and the cursor advances past the chosen account. Never blocks.
func (p *pool) acquire(preferred string) (lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	if preferred != "" {
		a := p.byName[preferred]
		if a == nil || a.State == stateDisabled {
			return lease{}, errNoSuchAccount
		}
		p.promoteLocked(a, now)
		return leaseOf(a), nil
	}
	return p.acquireLocked(nil, now)
}

// acquireExcluding is the failover path: accounts already attempted in this
// dispatch are skipped.
func (p *pool) acquireExcluding(exclude map[string]bool) (lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked(exclude, p.now())
}

func (p *pool) acquireLocked(exclude map[string]bool, now time.Time) (lease, error) {
	n := len(p.accounts)
	if n == 0 {
		return lease{}, errNoAccountAvailable
	}

	if !p.rotationEnabled {
		// Single-account mode: only the first document entry serves traffic.
		a := p.accounts[0]
		if exclude[a.Name] {
			return lease{}, errNoAccountAvailable
		}
		p.promoteLocked(a, now)
		if a.State != stateAvailable {
			return lease{}, errNoAccountAvailable
		}
		return leaseOf(a), nil
	}

	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		a := p.accounts[idx]
		if exclude[a.Name] {
			continue
		}
		p.promoteLocked(a, now)
		if a.State != stateAvailable {
			continue
		}
		p.cursor = (idx + 1) % n
		return leaseOf(a), nil
	}
	return lease{}, errNoAccountAvailable
}

// reportOK records a successful upstream call.
func (p *pool) reportOK(name string) {
	p.mu.Lock()
	a := p.byName[name]
	if a == nil {
		p.mu.Unlock()
		return
	}
	a.LastUsed = p.now()
	rec := runtimeRecordLocked(a)
	p.mu.Unlock()
	p.persist(name, rec)
}

// reportRateLimited moves the account to rate_limited until now+retryAfter,
// floored at the configured minimum cooldown.
func (p *pool) reportRateLimited(name string, retryAfter time.Duration) {
	p.mu.Lock()
	a := p.byName[name]
	if a == nil {
		p.mu.Unlock()
		return
	}
	if retryAfter < p.minCooldown {
		retryAfter = p.minCooldown
	}
	a.State = stateRateLimited
	a.RateLimitedUntil = p.now().Add(retryAfter)
	a.LastUsed = p.now()
	rec := runtimeRecordLocked(a)
	until := a.RateLimitedUntil
	p.mu.Unlock()
	p.persist(name, rec)
	p.log.Info().Str("account", name).Time("until", until).Msg("account rate limited")
}

// reportAuthError moves the account to auth_error and wakes the refresh
// scheduler so recovery can start without waiting for the next sweep.
func (p *pool) reportAuthError(name, detail string) {
	p.mu.Lock()
	a := p.byName[name]
	if a == nil {
		p.mu.Unlock()
		return
	}
	a.State = stateAuthError
	a.LastError = detail
	a.LastUsed = p.now()
	rec := runtimeRecordLocked(a)
	p.mu.Unlock()
	p.persist(name, rec)
	p.log.Warn().Str("account", name).Str("detail", detail).Msg("account auth error")
	p.wakeScheduler()
}

// applyReload swaps in a freshly loaded account set. Runtime state of
// surviving accounts is preserved; tokens and expiry come from the document.
// An account sitting in auth_error whose refresh token changed is returned to
// available: the operator re-authenticated it.
func (p *pool) applyReload(records []credentialRecord) {
	p.mu.Lock()

	var pointedAt string
	if len(p.accounts) > 0 && p.cursor < len(p.accounts) {
		pointedAt = p.accounts[p.cursor].Name
	}

	old := p.byName
	accounts := make([]*Account, 0, len(records))
	byName := make(map[string]*Account, len(records))
	for _, rec := range records {
		if prev, ok := old[rec.Name]; ok {
			tokenChanged := prev.RefreshToken != rec.RefreshToken
			prev.AccessToken = rec.AccessToken
			prev.RefreshToken = rec.RefreshToken
			prev.ExpiresAt = time.UnixMilli(rec.ExpiresAt)
			if tokenChanged && prev.State == stateAuthError {
				prev.State = stateAvailable
				prev.LastError = ""
				prev.refreshTerminal = false
				prev.RefreshFailures = 0
				prev.NextRefreshAt = time.Time{}
			}
			accounts = append(accounts, prev)
			byName[prev.Name] = prev
			continue
		}
		a := &Account{
			Name:         rec.Name,
			AccessToken:  rec.AccessToken,
			RefreshToken: rec.RefreshToken,
			ExpiresAt:    time.UnixMilli(rec.ExpiresAt),
			State:        stateAvailable,
		}
		accounts = append(accounts, a)
		byName[a.Name] = a
	}

	var removed []string
	for name := range old {
		if byName[name] == nil {
			removed = append(removed, name)
		}
	}

	p.accounts = accounts
	p.byName = byName
	p.cursor = 0
	if pointedAt != "" {
		for i, a := range accounts {
			if a.Name == pointedAt {
				p.cursor = i
				break
			}
		}
	}
	p.generation++
	gen := p.generation
	p.mu.Unlock()

	for _, name := range removed {
		p.forgetState(name)
	}
	p.log.Info().Uint64("generation", gen).Int("accounts", len(records)).
		Strs("removed", removed).Msg("pool reloaded")
	p.wakeScheduler()
}

// restoreRuntimeState merges persisted cooldown/backoff state on startup.
// Only safe fields are applied; auth errors are rediscovered live.
func (p *pool) restoreRuntimeState(saved map[string]accountStateRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for name, rec := range saved {
		a := p.byName[name]
		if a == nil {
			continue
		}
		if rec.RateLimitedUntil > 0 {
			until := time.UnixMilli(rec.RateLimitedUntil)
			if until.After(now) {
				a.State = stateRateLimited
				a.RateLimitedUntil = until
			}
		}
		if rec.LastUsed > 0 {
			a.LastUsed = time.UnixMilli(rec.LastUsed)
		}
		if rec.LastRefreshAt > 0 {
			a.LastRefreshAt = time.UnixMilli(rec.LastRefreshAt)
		}
		if rec.NextRefreshAt > 0 {
			a.NextRefreshAt = time.UnixMilli(rec.NextRefreshAt)
		}
		a.RefreshFailures = rec.RefreshFailures
	}
}

// enable returns an account to available from any state, clearing cooldown
// and error bookkeeping. A no-op on an already-available account.
func (p *pool) enable(name string) error {
	p.mu.Lock()
	a := p.byName[name]
	if a == nil {
		p.mu.Unlock()
		return errNoSuchAccount
	}
	a.State = stateAvailable
	a.RateLimitedUntil = time.Time{}
	a.LastError = ""
	a.refreshTerminal = false
	a.RefreshFailures = 0
	a.NextRefreshAt = time.Time{}
	rec := runtimeRecordLocked(a)
	p.mu.Unlock()
	p.persist(name, rec)
	p.log.Info().Str("account", name).Msg("account enabled")
	return nil
}

// disable takes an account out of rotation from any state.
func (p *pool) disable(name string) error {
	p.mu.Lock()
	a := p.byName[name]
	if a == nil {
		p.mu.Unlock()
		return errNoSuchAccount
	}
	a.State = stateDisabled
	rec := runtimeRecordLocked(a)
	p.mu.Unlock()
	p.persist(name, rec)
	p.log.Info().Str("account", name).Msg("account disabled")
	return nil
}

// refreshCandidate is the unit of work the scheduler pulls from the pool.
type refreshCandidate struct {
	Name string
}

// refreshCandidates lists accounts due for refresh: non-disabled, not already
// refreshing, past their backoff gate, and either expiring within the buffer
// or sitting in a recoverable auth_error.
func (p *pool) refreshCandidates(buffer time.Duration) []refreshCandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var out []refreshCandidate
	for _, a := range p.accounts {
		if a.State == stateDisabled || a.InFlightRefresh {
			continue
		}
		if a.refreshTerminal {
			continue
		}
		if !a.NextRefreshAt.IsZero() && now.Before(a.NextRefreshAt) {
			continue
		}
		expiring := a.ExpiresAt.Sub(now) <= buffer
		if expiring || a.State == stateAuthError {
			out = append(out, refreshCandidate{Name: a.Name})
		}
	}
	return out
}

// beginRefresh claims the single-flight guard. Returns the refresh token to
// use, or ok=false if another refresh is already running, the account is
// disabled, or it no longer exists.
func (p *pool) beginRefresh(name string) (refreshToken string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.byName[name]
	if a == nil || a.State == stateDisabled || a.InFlightRefresh {
		return "", false
	}
	a.InFlightRefresh = true
	a.LastRefreshAt = p.now()
	return a.RefreshToken, true
}

// completeRefresh installs freshly granted tokens and releases the guard.
// Returns false when the account vanished mid-refresh; the result is
// discarded in that case.
func (p *pool) completeRefresh(name string, grant tokenGrant) bool {
	p.mu.Lock()
	a := p.byName[name]
	if a == nil {
		p.mu.Unlock()
		return false
	}
	a.InFlightRefresh = false
	a.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		a.RefreshToken = grant.RefreshToken
	}
	a.ExpiresAt = grant.ExpiresAt
	if a.State == stateAuthError {
		a.State = stateAvailable
	}
	a.LastError = ""
	a.refreshTerminal = false
	a.RefreshFailures = 0
	a.NextRefreshAt = time.Time{}
	rec := runtimeRecordLocked(a)
	p.mu.Unlock()
	p.persist(name, rec)
	return true
}

// failRefresh releases the guard and schedules the next attempt with
// exponential backoff. A terminal failure (invalid_grant) parks the account
// in auth_error until operator intervention.
func (p *pool) failRefresh(name, detail string, terminal bool) {
	p.mu.Lock()
	a := p.byName[name]
	if a == nil {
		p.mu.Unlock()
		return
	}
	a.InFlightRefresh = false
	a.RefreshFailures++
	a.NextRefreshAt = p.now().Add(refreshBackoff(a.RefreshFailures))
	if terminal {
		a.State = stateAuthError
		a.LastError = detail
		a.refreshTerminal = true
	}
	rec := runtimeRecordLocked(a)
	p.mu.Unlock()
	p.persist(name, rec)
}

// clearRefreshGate removes the backoff gate so the next sweep picks the
// account up immediately. Used by the force-refresh admin action.
func (p *pool) clearRefreshGate(name string) error {
	p.mu.Lock()
	a := p.byName[name]
	if a == nil {
		p.mu.Unlock()
		return errNoSuchAccount
	}
	a.NextRefreshAt = time.Time{}
	a.refreshTerminal = false
	p.mu.Unlock()
	return nil
}

// snapshotCredentials extracts the current credentials in pool order, for
// persisting back to the document after a successful refresh.
func (p *pool) snapshotCredentials() []credentialRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]credentialRecord, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, credentialRecord{
			Name: a.Name,
			accountCredentials: accountCredentials{
				AccessToken:  a.AccessToken,
				RefreshToken: a.RefreshToken,
				ExpiresAt:    a.ExpiresAt.UnixMilli(),
			},
		})
	}
	return out
}

// soonestRecovery reports when the next rate-limited account cools down.
func (p *pool) soonestRecovery() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var soonest time.Time
	for _, a := range p.accounts {
		if a.State != stateRateLimited {
			continue
		}
		if soonest.IsZero() || a.RateLimitedUntil.Before(soonest) {
			soonest = a.RateLimitedUntil
		}
	}
	return soonest, !soonest.IsZero()
}

func (p *pool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

func (p *pool) currentGeneration() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// effectiveStateLocked is the state an observer would see: a lapsed cooldown
// reads as available even before acquire promotes it.
func effectiveStateLocked(a *Account, now time.Time) accountState {
	if a.State == stateRateLimited && !a.RateLimitedUntil.After(now) {
		return stateAvailable
	}
	return a.State
}

func runtimeRecordLocked(a *Account) accountStateRecord {
	rec := accountStateRecord{
		RefreshFailures: a.RefreshFailures,
	}
	if !a.RateLimitedUntil.IsZero() {
		rec.RateLimitedUntil = a.RateLimitedUntil.UnixMilli()
	}
	if !a.LastUsed.IsZero() {
		rec.LastUsed = a.LastUsed.UnixMilli()
	}
	if !a.LastRefreshAt.IsZero() {
		rec.LastRefreshAt = a.LastRefreshAt.UnixMilli()
	}
	if !a.NextRefreshAt.IsZero() {
		rec.NextRefreshAt = a.NextRefreshAt.UnixMilli()
	}
	return rec
}

func (p *pool) persist(name string, rec accountStateRecord) {
	if p.states == nil {
		return
	}
	if err := p.states.save(name, rec); err != nil {
		p.log.Warn().Err(err).Str("account", name).Msg("persist runtime state")
	}
}

func (p *pool) forgetState(name string) {
	if p.states == nil {
		return
	}
	if err := p.states.delete(name); err != nil {
		p.log.Warn().Err(err).Str("account", name).Msg("drop runtime state")
	}
}
