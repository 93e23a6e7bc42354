// BaseSociety - agent provisioning companion server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/basesociety/internal/api"
	"github.com/ashureev/basesociety/internal/config"
	"github.com/ashureev/basesociety/internal/events"
	"github.com/ashureev/basesociety/internal/health"
	"github.com/ashureev/basesociety/internal/history"
	"github.com/ashureev/basesociety/internal/identity"
	"github.com/ashureev/basesociety/internal/middleware"
	"github.com/ashureev/basesociety/internal/mint"
	"github.com/ashureev/basesociety/internal/provision"
	"github.com/ashureev/basesociety/internal/registry"
	"github.com/ashureev/basesociety/internal/store"
	"github.com/ashureev/basesociety/internal/wallet"
	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const storeHealthInterval = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"registry", cfg.Registry.URL,
		"max_request_body", units.BytesSize(float64(cfg.MaxRequestBody)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	var (
		provider wallet.Provider
		sender   mint.Sender
	)
	if cfg.HasWallet() {
		eth, err := wallet.DialEthProvider(ctx, cfg.Chain.RPCURL, cfg.Chain.PrivateKey,
			wallet.WithReceiptPollInterval(cfg.Chain.ReceiptPollInterval),
			wallet.WithReceiptTimeout(cfg.Chain.ReceiptTimeout),
		)
		if err != nil {
			slog.Error("Failed to connect wallet provider", "error", err)
			os.Exit(1)
		}
		defer eth.Close()
		provider, sender = eth, eth
		slog.Info("Wallet provider connected", "rpc_url", cfg.Chain.RPCURL, "contract", cfg.Chain.AgentNFTAddress)
	}

	var sessionOpts []wallet.Option
	if addr, ok := cfg.DemoAddress(); ok {
		sessionOpts = append(sessionOpts, wallet.WithDemoAddress(addr))
	}
	session := wallet.NewSession(provider, sessionOpts...)
	mounted := session.Mount(ctx)
	defer mounted.Unsubscribe()

	submitter := mint.NewSubmitter(sender, cfg.ContractAddress(),
		mint.WithValue(cfg.Chain.MintValueWei),
		mint.WithDemoDelay(cfg.Demo.MintDelay),
	)
	if submitter.Simulated() {
		slog.Info("No wallet provider configured, mints will be simulated",
			"demo", session.DemoEnabled(), "delay", cfg.Demo.MintDelay)
	}
	registryClient := registry.NewClient(cfg.Registry.URL, registry.WithTimeout(cfg.Registry.Timeout))
	if !registryClient.Available() {
		slog.Warn("REGISTRY_URL empty, every registration will fall back to local storage")
	}

	hub := events.NewHub()
	defer hub.CloseAll()
	reporter := health.NewReporter()

	orchestrator := provision.New(session, submitter, registryClient, repo,
		provision.WithRegistryTimeout(cfg.Registry.Timeout),
		provision.WithObserver(reporter.ObserveProvision),
		provision.WithObserver(func(st provision.State) {
			hub.Publish(context.Background(), events.Event{Type: events.TypeProvision, Data: st.View()})
		}),
	)
	reconciler := history.NewReconciler(registryClient)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, session, orchestrator, reconciler, registryClient)
	healthHandler := api.NewHealthHandler(repo, session, reporter)
	wsHandler := events.NewHandler(hub, func() []events.Event {
		return []events.Event{
			{Type: events.TypeWallet, Data: session.Snapshot()},
			{Type: events.TypeProvision, Data: orchestrator.State().View()},
		}
	}, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(middleware.LimitBody(cfg.MaxRequestBody))
	r.Use(identity.Middleware(session, cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	baseHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/events", wsHandler.ServeHTTP)

	// Mint confirmation can take several blocks, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Push wallet changes to connected browsers.
	walletChanges := make(chan wallet.Snapshot, 16)
	walletSub := session.SubscribeChanges(walletChanges)
	g.Go(func() error {
		defer walletSub.Unsubscribe()
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-walletSub.Err():
				return err
			case snap := <-walletChanges:
				hub.Publish(gctx, events.Event{Type: events.TypeWallet, Data: snap})
			}
		}
	})

	g.Go(func() error {
		reporter.WatchStore(gctx, repo, storeHealthInterval)
		return nil
	})

	if cfg.GRPCHealthAddr != "" {
		g.Go(func() error {
			return reporter.Serve(gctx, cfg.GRPCHealthAddr)
		})
	}

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Wait for shutdown signal.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
