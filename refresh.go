package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	refreshBackoffInitial = 1 * time.Second
	refreshBackoffCap     = 5 * time.Minute
	refreshWorkers        = 4
)

// refreshBackoff returns the wait before the next refresh attempt after the
// given number of consecutive failures, with jitter to spread retries.
func refreshBackoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := refreshBackoffInitial
	for i := 1; i < failures && d < refreshBackoffCap; i++ {
		d *= 2
	}
	if d > refreshBackoffCap {
		d = refreshBackoffCap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// tokenGrant is the useful part of a refresh-grant response.
type tokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// refresher proactively rotates access tokens before they expire. A cron
// cadence and the pool's wake channel both feed one sweep loop; per-account
// single-flight is enforced by the pool's in-flight guard.
type refresher struct {
	pool  *pool
	store *credentialsStore

	client   *http.Client
	tokenURL string
	clientID string

	buffer     time.Duration
	sweepEvery time.Duration
	timeout    time.Duration

	// markSelfWrite tells the file watcher about a document the refresher
	// just wrote, so the resulting fs event is not treated as a foreign edit.
	markSelfWrite func(docHash)

	metrics *metrics
	log     zerolog.Logger
	now     func() time.Time

	cron   *cron.Cron
	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type refresherOptions struct {
	pool          *pool
	store         *credentialsStore
	transport     http.RoundTripper
	tokenURL      string
	clientID      string
	buffer        time.Duration
	sweepEvery    time.Duration
	timeout       time.Duration
	markSelfWrite func(docHash)
	metrics       *metrics
	log           zerolog.Logger
	now           func() time.Time
}

func newRefresher(opts refresherOptions) *refresher {
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.timeout <= 0 {
		opts.timeout = 30 * time.Second
	}
	if opts.sweepEvery <= 0 {
		opts.sweepEvery = time.Minute
	}
	return &refresher{
		pool:          opts.pool,
		store:         opts.store,
		client:        &http.Client{Transport: opts.transport},
		tokenURL:      opts.tokenURL,
		clientID:      opts.clientID,
		buffer:        opts.buffer,
		sweepEvery:    opts.sweepEvery,
		timeout:       opts.timeout,
		markSelfWrite: opts.markSelfWrite,
		metrics:       opts.metrics,
		log:           opts.log.With().Str("component", "refresh").Logger(),
		now:           opts.now,
		kick:          make(chan struct{}, 1),
	}
}

// start launches the sweep loop and primes an immediate sweep, so accounts
// already past expiry at load time refresh right away.
func (r *refresher) start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.cron = cron.New()
	r.cron.AddFunc(fmt.Sprintf("@every %s", r.sweepEvery), func() {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	})
	r.cron.Start()

	r.wg.Add(1)
	go r.run(ctx)

	r.kick <- struct{}{}
	r.log.Info().Dur("sweep_every", r.sweepEvery).Dur("buffer", r.buffer).Msg("refresh scheduler started")
}

// stop halts the cadence and drains in-flight refreshes. Each refresh call
// carries its own deadline, so the drain is bounded.
func (r *refresher) stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info().Msg("refresh scheduler stopped")
}

func (r *refresher) run(ctx context.Context) {
	defer r.wg.Done()
	wake := r.pool.wakeChan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
		case <-wake:
		}
		r.sweep(ctx)
	}
}

// sweep refreshes every due account through a small worker pool. The pool's
// generation may change mid-sweep; the candidate list is re-read each sweep,
// and results for accounts removed by a reload are discarded.
func (r *refresher) sweep(ctx context.Context) {
	candidates := r.pool.refreshCandidates(r.buffer)
	if len(candidates) == 0 {
		return
	}
	gen := r.pool.currentGeneration()
	r.log.Debug().Int("due", len(candidates)).Uint64("generation", gen).Msg("refresh sweep")

	sem := make(chan struct{}, refreshWorkers)
	var wg sync.WaitGroup
	for _, c := range candidates {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()
			r.refreshOne(name)
		}(c.Name)
	}
	wg.Wait()
}

// forceRefresh runs an immediate refresh for one account, bypassing the
// buffer and backoff gates. Single-flight still applies.
func (r *refresher) forceRefresh(name string) error {
	if err := r.pool.clearRefreshGate(name); err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.refreshOne(name)
	}()
	return nil
}

func (r *refresher) refreshOne(name string) {
	refreshToken, ok := r.pool.beginRefresh(name)
	if !ok {
		return
	}

	grant, err := r.requestGrant(refreshToken)
	if err != nil {
		terminal := errors.Is(err, errRefreshTokenExpired)
		r.pool.failRefresh(name, err.Error(), terminal)
		result := "failure"
		if terminal {
			result = "terminal"
		}
		r.metrics.observeRefresh(result)
		r.log.Warn().Str("account", name).Bool("terminal", terminal).Err(err).Msg("token refresh failed")
		return
	}

	if !r.pool.completeRefresh(name, grant) {
		r.log.Debug().Str("account", name).Msg("account removed during refresh; result discarded")
		return
	}
	r.metrics.observeRefresh("success")
	r.log.Info().Str("account", name).Time("expires_at", grant.ExpiresAt).Msg("token refreshed")

	r.persistCredentials()
}

// persistCredentials writes the pool's current tokens back to the document
// and marks the write so the watcher does not reload it as a foreign edit.
func (r *refresher) persistCredentials() {
	records := r.pool.snapshotCredentials()
	hash, err := r.store.Write(records)
	if err != nil {
		r.log.Warn().Err(err).Msg("persist credentials document")
		return
	}
	if r.markSelfWrite != nil {
		r.markSelfWrite(hash)
	}
}

// requestGrant performs the OAuth2 refresh-token grant. A 400 carrying
// invalid_grant means the refresh token is dead; everything else is
// retriable. The refresh token itself never appears in errors.
func (r *refresher) requestGrant(refreshToken string) (tokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", r.clientID)

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenGrant{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return tokenGrant{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest && bytes.Contains(body, []byte("invalid_grant")) {
			return tokenGrant{}, fmt.Errorf("%w: %s", errRefreshTokenExpired, safeText(body))
		}
		return tokenGrant{}, fmt.Errorf("token endpoint returned %s: %s", resp.Status, safeText(body))
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return tokenGrant{}, fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return tokenGrant{}, fmt.Errorf("token response missing access_token")
	}
	if out.ExpiresIn <= 0 {
		out.ExpiresIn = 3600
	}
	return tokenGrant{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    r.now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}
