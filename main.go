package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to config.toml")
	listenFlag := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := buildConfig(*configPath)
	if err != nil {
		// No logger yet; this is the one place stderr prints raw.
		println("invalid config:", err.Error())
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.listenAddr = *listenFlag
	}

	log := newLogger(cfg.debug)

	upstream, err := url.Parse(cfg.upstreamBase)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.upstreamBase).Msg("invalid upstream base")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.stateDBPath), 0o700); err != nil {
		log.Fatal().Err(err).Msg("create state directory")
	}
	states, err := newStateStore(cfg.stateDBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.stateDBPath).Msg("open state store")
	}
	defer states.Close()

	registry := prometheus.NewRegistry()
	m := newMetrics(registry)

	credStore := newCredentialsStore(cfg.accountsPath, log)
	p := newPool(poolOptions{
		rotationEnabled: cfg.rotationEnabled,
		minCooldown:     cfg.minCooldown,
		states:          states,
		log:             log,
	})
	registry.MustRegister(newPoolCollector(p))

	records, _, err := credStore.Load()
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warn().Str("path", cfg.accountsPath).Msg("credentials document not found; starting with an empty pool")
	case err != nil:
		log.Fatal().Err(err).Msg("load credentials document")
	default:
		p.applyReload(records)
		saved, err := states.loadAll()
		if err != nil {
			log.Warn().Err(err).Msg("load persisted runtime state")
		} else {
			p.restoreRuntimeState(saved)
		}
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0,
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Warn().Err(err).Msg("configure HTTP/2 transport")
	}

	var w *watcher
	var markSelfWrite func(docHash)
	if cfg.hotReload {
		w = newWatcher(cfg.accountsPath, cfg.watchDebounce, credStore, p, log)
		w.metrics = m
		if err := w.start(); err != nil {
			log.Fatal().Err(err).Msg("start credentials watcher")
		}
		defer w.close()
		markSelfWrite = w.markSelfWrite
	} else {
		log.Info().Msg("hot reload disabled; credential changes require a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ref := newRefresher(refresherOptions{
		pool:          p,
		store:         credStore,
		transport:     tokenEndpointTransport(transport, cfg.tokenEndpointURL, cfg.camouflageToken),
		tokenURL:      cfg.tokenEndpointURL,
		clientID:      cfg.oauthClientID,
		buffer:        cfg.refreshBuffer,
		sweepEvery:    cfg.refreshSweep,
		timeout:       cfg.refreshTimeout,
		markSelfWrite: markSelfWrite,
		metrics:       m,
		log:           log,
	})
	ref.start(ctx)
	defer ref.stop()

	recent := newRecentErrors(50)
	d := newDispatcher(cfg, p, transport, upstream, m, recent, log)
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	s := newServer(cfg, p, d, ref, recent, metricsHandler, log)

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           s,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
	http2Srv := &http2.Server{
		MaxConcurrentStreams: 250,
		IdleTimeout:          5 * time.Minute,
	}
	if err := http2.ConfigureServer(srv, http2Srv); err != nil {
		log.Warn().Err(err).Msg("configure HTTP/2 server")
	}

	go func() {
		log.Info().Str("addr", cfg.listenAddr).Int("accounts", p.count()).
			Bool("rotation", cfg.rotationEnabled).Bool("hot_reload", cfg.hotReload).
			Msg("rotation proxy listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
}
