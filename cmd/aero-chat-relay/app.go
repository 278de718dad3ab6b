package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

// app is the fully wired relay process.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics

	engine *relay.Engine
	sig    *signaling.Server
	http   *httpserver.Server

	storeCloser io.Closer
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*app, error) {
	m := metrics.New()

	authn, err := auth.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if cached, ok := authn.(*auth.Cached); ok {
		cached.SetMetrics(m)
	}

	st, closer, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	engine := relay.NewEngine(relay.ConfigFrom(cfg), authn, st, logger, m)

	admission, err := ratelimit.NewKeyedLimiter(cfg.ConnectRatePerIP, cfg.ConnectBurstPerIP, 0, nil)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("admission limiter: %w", err)
	}

	sigCfg := signaling.ConfigFrom(cfg)
	sigCfg.Engine = engine
	sigCfg.Admission = admission
	sigCfg.Logger = logger
	sigCfg.Metrics = m
	sig := signaling.NewServer(sigCfg)

	srv, err := httpserver.New(cfg, logger, build, httpserver.Deps{Auth: authn, Metrics: m})
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	sig.RegisterRoutes(srv.Mux())

	return &app{
		cfg:         cfg,
		log:         logger,
		metrics:     m,
		engine:      engine,
		sig:         sig,
		http:        srv,
		storeCloser: closer,
	}, nil
}

// serve runs the HTTP server on ln until ctx is cancelled or the server
// fails, then shuts everything down within cfg.ShutdownTimeout.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutdown signal received")
		return a.shutdown()
	})

	return g.Wait()
}

func (a *app) shutdown() error {
	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdown
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Stop the listener first so no new upgrades race the close below.
	err := a.http.Shutdown(ctx)
	if err != nil {
		a.log.Error("http server shutdown failed", "err", err)
	}

	a.sig.Close()
	if n := a.engine.CloseAll(relay.CloseShutdown); n > 0 {
		a.log.Info("closed admitted connections", "count", n)
	}
	if !waitDrained(ctx, a.sig) {
		a.log.Warn("websocket connections still open at shutdown deadline", "live", a.sig.Live())
	}

	if cerr := a.closeStore(); cerr != nil {
		a.log.Error("store close failed", "err", cerr)
		if err == nil {
			err = cerr
		}
	}
	return err
}

func (a *app) closeStore() error {
	if a.storeCloser == nil {
		return nil
	}
	return a.storeCloser.Close()
}

func waitDrained(ctx context.Context, sig *signaling.Server) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for sig.Live() > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}
