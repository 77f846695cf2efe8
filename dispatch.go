package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// accountNameHeader carries the manual-selection hint. When present, the
// named account is used with no failover and the response passes through
// unchanged.
const accountNameHeader = "X-Account-Name"

const retryAfterClampMax = 24 * time.Hour

// failure classes tracked across failover attempts, to pick the final error.
type failureClass int

const (
	classNone failureClass = iota
	classRateLimited
	classAuth
	classTransient
)

// dispatcher forwards one client request upstream with a pool account's
// bearer token, classifies the response, and fails over across accounts
// within the attempt cap.
type dispatcher struct {
	cfg       config
	pool      *pool
	transport http.RoundTripper
	upstream  *url.URL
	metrics   *metrics
	recent    *recentErrors
	log       zerolog.Logger
	now       func() time.Time
}

func newDispatcher(cfg config, p *pool, transport http.RoundTripper, upstream *url.URL, m *metrics, recent *recentErrors, log zerolog.Logger) *dispatcher {
	return &dispatcher{
		cfg:       cfg,
		pool:      p,
		transport: transport,
		upstream:  upstream,
		metrics:   m,
		recent:    recent,
		log:       log.With().Str("component", "dispatch").Logger(),
		now:       time.Now,
	}
}

func (d *dispatcher) proxy(w http.ResponseWriter, r *http.Request, reqID string) {
	start := d.now()
	body, err := readBodyForReplay(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Streaming requests get no total deadline; the idle-timeout reader on
	// the response body cancels a stalled stream instead.
	streaming := strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream")
	ctx := r.Context()
	var cancel context.CancelFunc
	if streaming {
		ctx, cancel = context.WithCancel(ctx)
	} else if d.cfg.upstreamTotalTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.cfg.upstreamTotalTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if name := r.Header.Get(accountNameHeader); name != "" {
		d.proxyManual(ctx, cancel, w, r, body, name, reqID, start)
		return
	}
	d.proxyRotating(ctx, cancel, w, r, body, reqID, start)
}

// proxyManual serves a request pinned to a named account. The upstream
// response is returned as-is; state is reported for telemetry but there is
// no failover. A 401/403 here does not mark the account: an operator probing
// a broken account should not change pool behavior as a side effect.
func (d *dispatcher) proxyManual(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, r *http.Request, body []byte, name, reqID string, start time.Time) {
	ls, err := d.pool.acquire(name)
	if err != nil {
		writeDispatchError(w, unknownAccountError(name))
		return
	}
	if ls.State != stateAvailable {
		d.log.Debug().Str("req", reqID).Str("account", name).Str("state", string(ls.State)).
			Msg("manual selection of non-available account")
	}

	resp, err := d.roundTrip(ctx, r, body, ls)
	if err != nil {
		d.recent.add(err.Error())
		writeDispatchError(w, upstreamTransientError("upstream request failed"))
		return
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		d.pool.reportRateLimited(name, parseRetryHint(resp.Header, d.now(), d.cfg.minCooldown))
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.pool.reportOK(name)
	}
	d.metrics.observeRequest(resp.StatusCode, name)
	d.relay(w, resp, cancel)
	d.log.Debug().Str("req", reqID).Str("account", name).Int("status", resp.StatusCode).
		Dur("elapsed", d.now().Sub(start)).Msg("manual dispatch done")
}

func (d *dispatcher) proxyRotating(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, r *http.Request, body []byte, reqID string, start time.Time) {
	attempts := d.cfg.maxAttempts
	if attempts <= 0 || !d.cfg.rotationEnabled {
		attempts = 1
	}

	exclude := map[string]bool{}
	last := classNone
	var maxRetryAfter time.Duration

	for attempt := 1; attempt <= attempts; attempt++ {
		ls, err := d.pool.acquireExcluding(exclude)
		if err != nil {
			if errors.Is(err, errNoAccountAvailable) && attempt == 1 {
				writeDispatchError(w, noAccountsError(d.retryAfterHint()))
				return
			}
			break
		}

		resp, err := d.roundTrip(ctx, r, body, ls)
		if err != nil {
			// Transient network failure: telemetry only, and the account
			// stays eligible, so a sole survivor can be retried.
			d.recent.add(err.Error())
			d.metrics.observeFailover("network_error")
			d.log.Debug().Str("req", reqID).Str("account", ls.Name).Int("attempt", attempt).
				Err(err).Msg("upstream attempt failed")
			last = classTransient
			continue
		}

		status := resp.StatusCode
		switch {
		case status >= 200 && status < 300:
			d.pool.reportOK(ls.Name)
			d.metrics.observeRequest(status, ls.Name)
			d.relay(w, resp, cancel)
			d.log.Debug().Str("req", reqID).Str("account", ls.Name).Int("status", status).
				Int("attempt", attempt).Dur("elapsed", d.now().Sub(start)).Msg("dispatch done")
			return

		case status == http.StatusTooManyRequests:
			hint := parseRetryHint(resp.Header, d.now(), d.cfg.minCooldown)
			resp.Body.Close()
			d.pool.reportRateLimited(ls.Name, hint)
			d.metrics.observeFailover("rate_limited")
			if hint > maxRetryAfter {
				maxRetryAfter = hint
			}
			exclude[ls.Name] = true
			last = classRateLimited

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			detail := readErrorDetail(resp.Body)
			resp.Body.Close()
			d.pool.reportAuthError(ls.Name, detail)
			d.metrics.observeFailover("auth_error")
			exclude[ls.Name] = true
			last = classAuth

		case status >= 500:
			resp.Body.Close()
			d.metrics.observeFailover("upstream_5xx")
			d.recent.add("upstream " + resp.Status)
			last = classTransient

		default:
			// Remaining 4xx: the request itself is the problem. Pass through
			// unchanged; not an account failure.
			d.metrics.observeRequest(status, ls.Name)
			d.relay(w, resp, cancel)
			return
		}
	}

	switch last {
	case classRateLimited:
		writeDispatchError(w, allRateLimitedError(maxRetryAfter))
	case classAuth:
		writeDispatchError(w, allAuthFailedError())
	default:
		writeDispatchError(w, upstreamTransientError("upstream unavailable after retries"))
	}
}

// retryAfterHint is the Retry-After for a NoAccountAvailable failure: the
// soonest cooldown expiry, when one exists.
func (d *dispatcher) retryAfterHint() time.Duration {
	t, ok := d.pool.soonestRecovery()
	if !ok {
		return 0
	}
	if left := t.Sub(d.now()); left > 0 {
		return left
	}
	return 0
}

// roundTrip builds and sends the upstream request with the account's bearer.
// Client-supplied authentication is always replaced; the proxy is the single
// source of truth for upstream credentials.
func (d *dispatcher) roundTrip(ctx context.Context, in *http.Request, body []byte, ls lease) (*http.Response, error) {
	outURL := new(url.URL)
	*outURL = *in.URL
	outURL.Scheme = d.upstream.Scheme
	outURL.Host = d.upstream.Host
	outURL.Path = singleJoin(d.upstream.Path, in.URL.Path)

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, in.Method, outURL.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Host = d.upstream.Host
	req.Header = cloneHeader(in.Header)
	removeHopByHopHeaders(req.Header)

	req.Header.Del("X-Api-Key")
	req.Header.Del(accountNameHeader)
	req.Header.Del("X-Forwarded-For")
	req.Header.Del("X-Forwarded-Proto")
	req.Header.Del("X-Real-Ip")
	req.Header.Set("Authorization", "Bearer "+ls.AccessToken)
	if req.Header.Get("anthropic-version") == "" {
		req.Header.Set("anthropic-version", "2023-06-01")
	}

	return d.transport.RoundTrip(req)
}

// relay copies the upstream response to the client. Event streams are
// flushed eagerly and guarded by an idle timer; once the first byte has been
// relayed there is no failover, so a mid-stream error surfaces as a
// truncated response.
func (d *dispatcher) relay(w http.ResponseWriter, resp *http.Response, cancel context.CancelFunc) {
	copyHeader(w.Header(), resp.Header)
	removeHopByHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)

	isSSE := strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream")
	var writer io.Writer = w
	if isSSE {
		if flusher, ok := w.(http.Flusher); ok {
			writer = &flushWriter{w: w, f: flusher, flushInterval: 200 * time.Millisecond}
		}
	}

	body := io.ReadCloser(resp.Body)
	if isSSE && d.cfg.upstreamIdleTimeout > 0 && cancel != nil {
		body = newIdleTimeoutReader(resp.Body, d.cfg.upstreamIdleTimeout, cancel)
	}
	defer body.Close()

	if _, err := io.Copy(writer, body); err != nil {
		d.recent.add(err.Error())
	}
}

// parseRetryHint reads the upstream's rate-limit reset hint. Retry-After may
// be integer seconds or an HTTP date; the unified reset headers carry epoch
// seconds. The result is clamped to [minCooldown, 24h]; absent or absurd
// values fall back to the floor.
func parseRetryHint(h http.Header, now time.Time, minCooldown time.Duration) time.Duration {
	if raw := strings.TrimSpace(h.Get("Retry-After")); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			return clampRetryHint(time.Duration(secs)*time.Second, minCooldown)
		}
		if t, err := http.ParseTime(raw); err == nil {
			return clampRetryHint(t.Sub(now), minCooldown)
		}
	}
	for _, name := range []string{"anthropic-ratelimit-unified-reset", "anthropic-ratelimit-unified-7d-reset"} {
		if raw := h.Get(name); raw != "" {
			if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return clampRetryHint(time.Unix(epoch, 0).Sub(now), minCooldown)
			}
		}
	}
	return minCooldown
}

func clampRetryHint(d, minCooldown time.Duration) time.Duration {
	if d < minCooldown {
		return minCooldown
	}
	if d > retryAfterClampMax {
		return retryAfterClampMax
	}
	return d
}

// readErrorDetail pulls a short human-readable message out of an upstream
// error body for last_error. Bounded; never the raw body of a success.
func readErrorDetail(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 2048))
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	if len(raw) == 0 {
		return "authentication rejected by upstream"
	}
	return safeText(raw)
}

func writeDispatchError(w http.ResponseWriter, e *dispatchError) {
	if e.retryAfter > 0 {
		secs := int(math.Ceil(e.retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"kind":    e.kind,
			"message": e.message,
		},
	})
}
