package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/adapter/agentadapter"
	"github.com/fwdslsh/dispatch/internal/adapter/shelladapter"
	"github.com/fwdslsh/dispatch/internal/api/handlers"
	"github.com/fwdslsh/dispatch/internal/api/middleware"
	"github.com/fwdslsh/dispatch/internal/config"
	"github.com/fwdslsh/dispatch/internal/crypto"
	"github.com/fwdslsh/dispatch/internal/database"
	"github.com/fwdslsh/dispatch/internal/eventlog"
	"github.com/fwdslsh/dispatch/internal/logger"
	"github.com/fwdslsh/dispatch/internal/metrics"
	"github.com/fwdslsh/dispatch/internal/session"
	"github.com/fwdslsh/dispatch/internal/websocket"
)

func main() {
	root := &cobra.Command{
		Use:           "dispatch",
		Short:         "Run-session server for browser-driven shell and agent sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newTokenCmd())

	if err := root.Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var (
		addr     string
		dbPath   string
		debug    bool
		certFile string
		keyFile  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch server",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := config.Overrides{}
			if cmd.Flags().Changed("addr") {
				overrides.Addr = &addr
			}
			if cmd.Flags().Changed("db") {
				overrides.DatabasePath = &dbPath
			}
			if cmd.Flags().Changed("debug") {
				overrides.Debug = &debug
			}
			if certFile != "" || keyFile != "" {
				if certFile == "" || keyFile == "" {
					return fmt.Errorf("--tls-cert and --tls-key must be given together")
				}
				overrides.TLS = &config.TLSConfig{CertFile: certFile, KeyFile: keyFile}
			}

			cfg, err := config.Load(overrides)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":3030", "listen address")
	cmd.Flags().StringVar(&dbPath, "db", "./dispatch.db", "SQLite database path")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().StringVar(&certFile, "tls-cert", "", "TLS certificate file (PEM)")
	cmd.Flags().StringVar(&keyFile, "tls-key", "", "TLS key file (PEM)")
	return cmd
}

func runServe(cfg *config.Config) error {
	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Infof("Opening database: %s", cfg.DatabasePath)
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	jwtManager, err := crypto.NewJWTManager(cfg.MasterSecret)
	if err != nil {
		return fmt.Errorf("failed to create JWT manager: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(registry)

	store := eventlog.NewSQLStore(db.DB)
	directory := session.NewSQLDirectory(db.DB)

	adapters := map[session.Kind]adapter.Adapter{
		session.KindShell: shelladapter.New(cfg.ShellPath),
		session.KindAgent: agentadapter.New(cfg.AgentModel),
	}

	manager := session.NewManager(session.ManagerConfig{
		Directory:    directory,
		Log:          store,
		Adapters:     adapters,
		Metrics:      met,
		StartTimeout: cfg.StartTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.RecoverStale(ctx); err != nil {
		return fmt.Errorf("failed to recover stale sessions: %w", err)
	}

	hub := websocket.NewHub(manager, jwtManager, met)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))
	router.Use(middleware.LoggingMiddleware())

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Welcome to Dispatch Server!")
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	sessionHandler := handlers.NewSessionHandler(manager, store)

	v1 := router.Group("/v1")
	protected := v1.Group("")
	protected.Use(middleware.AuthMiddleware(jwtManager))
	{
		protected.GET("/sessions", sessionHandler.ListSessions)
		protected.POST("/sessions", sessionHandler.CreateSession)
		protected.GET("/sessions/:id", sessionHandler.GetSession)
		protected.DELETE("/sessions/:id", sessionHandler.DeleteSession)
		protected.POST("/sessions/:id/close", sessionHandler.CloseSession)
		protected.GET("/sessions/:id/activity", sessionHandler.GetActivity)
		protected.GET("/sessions/:id/events", sessionHandler.ListEvents)
	}

	// Websocket endpoint authenticates itself: browsers cannot set headers on
	// the upgrade request.
	router.GET("/v1/connect", hub.HandleWebSocket)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheme := "http"
		if cfg.TLS != nil {
			scheme = "https"
		}
		logger.Infof("Dispatch Server starting on %s://localhost%s", scheme, cfg.Addr)
		var serveErr error
		if cfg.TLS != nil {
			serveErr = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Session shutdown: %v", err)
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for API and websocket clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("DISPATCH_MASTER_SECRET")
			if secret == "" {
				return fmt.Errorf("DISPATCH_MASTER_SECRET environment variable is required")
			}
			jwtManager, err := crypto.NewJWTManager(secret)
			if err != nil {
				return fmt.Errorf("failed to create JWT manager: %w", err)
			}
			token, err := jwtManager.GenerateToken(subject, ttl)
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "dispatch", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}
