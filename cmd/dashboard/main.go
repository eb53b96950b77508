package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/technosupport/ts-campus/internal/api"
	"github.com/technosupport/ts-campus/internal/auth"
	"github.com/technosupport/ts-campus/internal/backend"
	"github.com/technosupport/ts-campus/internal/config"
	"github.com/technosupport/ts-campus/internal/livefeed"
	"github.com/technosupport/ts-campus/internal/reconciler"
)

func main() {
	configPath := flag.String("config", "config/default.yaml", "path to YAML config")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Config error")
	}
	if lvl, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.Warnf("Unknown log level %q, keeping info", cfg.Log.Level)
	}
	loc, _ := cfg.Location()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Bearer token
	tokens, err := tokenSource(ctx, cfg.Backend)
	if err != nil {
		log.WithError(err).Fatal("Token source error")
	}

	// 3. Components
	client := backend.NewClient(cfg.Backend.URL, tokens, cfg.Backend.Timeout)
	if status, err := client.Health(ctx); err != nil {
		log.WithError(err).WithField("backend", cfg.Backend.URL).Warn("Backend health check failed")
	} else {
		log.WithFields(log.Fields{"backend": cfg.Backend.URL, "status": status}).Info("Backend reachable")
	}

	rec := reconciler.New(client, reconciler.Config{
		RetentionCap:   cfg.Dashboard.RetentionCap,
		SnapshotLimit:  cfg.Dashboard.SnapshotLimit,
		TopCameras:     cfg.Dashboard.TopCameras,
		Location:       loc,
		FetchUserCount: cfg.Backend.FetchUsers,
	})
	defer rec.Close()

	hub := api.NewHub(rec)
	rec.OnChange(hub.Notify)

	feed, err := newFeed(cfg.Live, tokens, rec)
	if err != nil {
		log.WithError(err).Fatal("Live feed error")
	}
	if cfg.Live.ResyncOnReconnect {
		feed.OnReconnect(func(ctx context.Context) {
			if err := rec.LoadSnapshot(ctx); err != nil {
				log.WithError(err).Warn("Resync after reconnect failed")
			}
		})
	}

	handler := api.NewDashboardHandler(rec, client.ImageURL)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(handler, hub, cfg.Server.RequestTimeout),
	}

	// 4. Run
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := rec.LoadSnapshot(gctx); err != nil {
			// Surfaced through the view; a reload retries it.
			log.WithError(err).Warn("Initial snapshot failed")
		}
		return nil
	})
	g.Go(func() error {
		err := feed.Run(gctx)
		if err != nil && gctx.Err() == nil {
			// Live updates stopped but the snapshot view stays served.
			log.WithError(err).Error("Live feed stopped")
		}
		return nil
	})
	g.Go(func() error {
		log.Infof("Dashboard listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		rec.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("Dashboard exited with error")
	}
}

func tokenSource(ctx context.Context, cfg config.BackendConfig) (backend.TokenSource, error) {
	if cfg.TokenFile != "" {
		src, err := auth.NewFileTokenSource(cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		src.StartWatcher(ctx, cfg.TokenPoll)
		return src, nil
	}
	if cfg.Token != "" {
		return auth.StaticToken(cfg.Token), nil
	}
	log.Warn("No API token configured, calling backend unauthenticated")
	return nil, nil
}

func newFeed(cfg config.LiveConfig, tokens backend.TokenSource, sink livefeed.Sink) (livefeed.Feed, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return livefeed.NewWSClient(livefeed.WSConfig{
			URL:          cfg.WSURL,
			Handshake:    cfg.Handshake,
			Reconnect:    cfg.Reconnect,
			MinBackoff:   cfg.MinBackoff,
			MaxBackoff:   cfg.MaxBackoff,
			PingInterval: cfg.PingInterval,
			ReadTimeout:  2 * cfg.PingInterval,
		}, tokens, sink), nil
	case config.TransportNATS:
		return livefeed.NewNATSFeed(livefeed.NATSConfig{
			URL:           cfg.NATSURL,
			Subject:       cfg.NATSSubject,
			ReconnectWait: cfg.MinBackoff,
		}, sink), nil
	}
	return nil, fmt.Errorf("unknown live transport %q", cfg.Transport)
}
