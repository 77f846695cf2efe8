package main

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// server ties the pool, dispatcher, refresher, and admin surface together
// behind one handler.
type server struct {
	cfg        config
	pool       *pool
	dispatcher *dispatcher
	refresher  *refresher
	recent     *recentErrors
	metricsH   http.Handler
	log        zerolog.Logger
	inflight   int64
	startTime  time.Time
}

func newServer(cfg config, p *pool, d *dispatcher, r *refresher, recent *recentErrors, metricsHandler http.Handler, log zerolog.Logger) *server {
	return &server{
		cfg:        cfg,
		pool:       p,
		dispatcher: d,
		refresher:  r,
		recent:     recent,
		metricsH:   metricsHandler,
		log:        log.With().Str("component", "server").Logger(),
		startTime:  time.Now(),
	}
}

// ServeHTTP routes incoming requests: a small admin surface, then the
// default proxy path.
func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()[:8]

	switch r.URL.Path {
	case "/healthz":
		s.serveHealth(w)
		return
	case "/metrics":
		s.metricsH.ServeHTTP(w, r)
		return
	case "/admin/pool":
		s.servePoolView(w, r)
		return
	case "/favicon.ico":
		http.NotFound(w, r)
		return
	}

	// Account actions: /admin/accounts/{name}/{refresh|enable|disable}
	if rest, ok := strings.CutPrefix(r.URL.Path, "/admin/accounts/"); ok {
		name, action, ok := strings.Cut(rest, "/")
		if !ok || name == "" || strings.Contains(action, "/") {
			http.NotFound(w, r)
			return
		}
		s.serveAccountAction(w, r, name, action)
		return
	}

	atomic.AddInt64(&s.inflight, 1)
	defer atomic.AddInt64(&s.inflight, -1)
	s.dispatcher.proxy(w, r, reqID)
}

func (s *server) serveHealth(w http.ResponseWriter) {
	respondJSON(w, map[string]any{
		"ok":             true,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"accounts":       s.pool.count(),
		"inflight":       atomic.LoadInt64(&s.inflight),
		"recent_errors":  s.recent.snapshot(),
	})
}
