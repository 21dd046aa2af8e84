package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowsync/internal/app"
	"flowsync/internal/collab"
	"flowsync/internal/config"
	"flowsync/internal/gitrepo"
	"flowsync/internal/observability"
	"flowsync/internal/search"
	"flowsync/internal/ws"
)

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if addr != "" {
				cfg.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides API_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	metrics := observability.NewCollector("flowsync")

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("meili"))
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewStoreSearcher(st), logger.Named("search"))
	hooks := []collab.FlushHook{searchService.FlushHook}

	var archive *gitrepo.Service
	if strings.TrimSpace(cfg.ReposDir) != "" {
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			return err
		}
		archive = gitrepo.New(cfg.ReposDir)
		hooks = append(hooks, archive.FlushHook)
	}

	engine := collab.New(st, collab.Options{
		Autosave: collab.AutosaveConfig{
			Debounce:       cfg.AutosaveDebounce,
			FlushTimeout:   cfg.FlushTimeout,
			MaxAttempts:    cfg.FlushMaxAttempts,
			InitialBackoff: cfg.FlushInitialBackoff,
			MaxBackoff:     cfg.FlushMaxBackoff,
		},
		Logger:  logger.Named("collab"),
		Metrics: metrics,
		Hooks:   hooks,
	})

	service := app.NewService(app.Deps{
		Store:   st,
		Engine:  engine,
		Search:  searchService,
		Archive: archive,
		Logger:  logger.Named("app"),
	})
	if searchService.Healthy() {
		go func() {
			if err := searchService.Reindex(ctx, st, st.Get); err != nil {
				logger.Warn("search reindex failed", zap.Error(err))
			}
		}()
	}

	wsCfg := ws.DefaultServerConfig()
	wsCfg.SendBuffer = cfg.WSSendBuffer
	wsCfg.MaxMessageSize = cfg.WSMaxMessageBytes
	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin: cfg.CORSOrigin,
		Realtime:   ws.NewServer(engine.Gateway, wsCfg, logger.Named("ws")),
		Metrics:    metrics,
		Logger:     logger.Named("http"),
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("flowsync listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// hijacked websocket connections outlive Shutdown; Close drops them
	// before the last flush
	if err := engine.Close(shutdownCtx); err != nil {
		logger.Error("final flush incomplete", zap.Error(err))
	}
	searchService.Wait()
	return nil
}
