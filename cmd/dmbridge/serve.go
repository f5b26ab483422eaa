package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/dmbridge/internal/agent"
	"github.com/memohai/dmbridge/internal/agentconfig"
	"github.com/memohai/dmbridge/internal/auth"
	"github.com/memohai/dmbridge/internal/channel"
	"github.com/memohai/dmbridge/internal/channel/adapters/instagram"
	"github.com/memohai/dmbridge/internal/channel/adapters/whatsapp"
	"github.com/memohai/dmbridge/internal/config"
	"github.com/memohai/dmbridge/internal/connection"
	"github.com/memohai/dmbridge/internal/db"
	"github.com/memohai/dmbridge/internal/event"
	"github.com/memohai/dmbridge/internal/handlers"
	"github.com/memohai/dmbridge/internal/handshake"
	"github.com/memohai/dmbridge/internal/healthcheck"
	connectionchecker "github.com/memohai/dmbridge/internal/healthcheck/checkers/connection"
	pollingchecker "github.com/memohai/dmbridge/internal/healthcheck/checkers/polling"
	"github.com/memohai/dmbridge/internal/ingest"
	"github.com/memohai/dmbridge/internal/logger"
	"github.com/memohai/dmbridge/internal/metrics"
	"github.com/memohai/dmbridge/internal/poller"
	"github.com/memohai/dmbridge/internal/seen"
	"github.com/memohai/dmbridge/internal/server"
	"github.com/memohai/dmbridge/internal/session"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the polling engine",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			runServe(cfg)
			return nil
		},
	}
}

func runServe(cfg config.Config) {
	fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideStorage,
			provideMetrics,
			event.NewHub,
			providePublisher,
			provideSubscriber,
			connection.NewRegistry,
			provideAdapters,
			provideAgentConfigs,
			provideSeenSet,
			provideAgentRuntime,
			provideExchange,
			provideDispatcher,
			provideScheduler,
			session.NewLifecycle,
			provideHealthChecker,
			provideServerHandler(handlers.NewHealthHandler),
			provideServerHandler(provideSessionHandler),
			provideServerHandler(provideMessagingHandler),
			provideServerHandler(provideHandshakeHandler),
			provideServerHandler(handlers.NewEventsHandler),
			provideServerHandler(provideMetricsHandler),
			provideServerHandler(provideAuthHandler),
			provideServer,
		),
		fx.Invoke(
			observeMetrics,
			startExchange,
			startPolling,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// storage carries the persistence backends. With the memory driver the
// connection and watermark stores stay nil and state lives in process.
type storage struct {
	fx.Out

	Connections  connection.Store
	AgentConfigs agentconfig.Store
	Watermarks   seen.WatermarkStore
	Tokens       instagram.TokenStore
}

func provideStorage(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (storage, error) {
	if cfg.Storage.Driver != config.StoragePostgres {
		log.Info("using in-memory storage; sessions will not survive a restart")
		return storage{
			AgentConfigs: agentconfig.NewMemoryStore(),
			Tokens:       instagram.NewMemoryTokenStore(),
		}, nil
	}
	dsn := cfg.Postgres.DSN()
	if err := db.Migrate(log, dsn, "up"); err != nil {
		return storage{}, fmt.Errorf("db migrate: %w", err)
	}
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return storage{}, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return storage{
		Connections:  db.NewConnections(pool),
		AgentConfigs: db.NewAgentConfigs(pool),
		Watermarks:   db.NewWatermarks(pool),
		Tokens:       db.NewTokens(pool),
	}, nil
}

// provideMetrics builds the collectors without listers; observeMetrics binds
// them once the registry and scheduler exist.
func provideMetrics() *metrics.Metrics { return metrics.New(nil, nil) }

func providePublisher(hub *event.Hub, m *metrics.Metrics) event.Publisher {
	return event.Multi{hub, m}
}

func provideSubscriber(hub *event.Hub) event.Subscriber { return hub }

func provideAdapters(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, tokens instagram.TokenStore) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	ig := cfg.Instagram
	registry.MustRegister(instagram.NewAdapter(log, instagram.Config{
		ClientID:     ig.ClientID,
		ClientSecret: ig.ClientSecret,
		RedirectURL:  ig.RedirectURL,
		AuthURL:      ig.AuthURL,
		TokenURL:     ig.TokenURL,
		GraphBaseURL: ig.GraphBaseURL,
		Scopes:       ig.Scopes,
	}, tokens))
	if strings.TrimSpace(ig.ClientID) == "" {
		log.Warn("instagram client_id is empty; OAuth handshakes will fail")
	}

	if !cfg.WhatsApp.Enabled {
		return registry, nil
	}
	wa, err := whatsapp.Open(context.Background(), log, whatsapp.Config{
		StorePath:      cfg.WhatsApp.StorePath,
		ClientName:     cfg.WhatsApp.ClientName,
		PairingTimeout: cfg.Polling.HandshakeTTL(),
	})
	if err != nil {
		return nil, err
	}
	registry.MustRegister(wa)
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return wa.Close() }})
	return registry, nil
}

func provideAgentConfigs(log *slog.Logger, store agentconfig.Store, cfg config.Config) *agentconfig.Service {
	return agentconfig.NewService(log, store, cfg.Agent.DefaultProvider)
}

func provideSeenSet(log *slog.Logger, store seen.WatermarkStore, cfg config.Config) *seen.Set {
	return seen.New(log, cfg.Polling.SeenWindow, store)
}

func provideAgentRuntime(log *slog.Logger, cfg config.Config) agent.Runtime {
	router := agent.NewRouter(log, cfg.Agent.DefaultProvider)
	if url := strings.TrimSpace(cfg.Agent.GatewayURL); url != "" {
		router.Register("gateway", agent.NewGatewayClient(log, url, cfg.Agent.Timeout()))
	}
	if key := strings.TrimSpace(cfg.Agent.OpenAIAPIKey); key != "" {
		router.Register("openai", agent.NewOpenAIRuntime(log, key, cfg.Agent.OpenAIBaseURL, cfg.Agent.OpenAIModel))
	}
	log.Info("agent runtimes registered", slog.Any("providers", router.Providers()))
	return router
}

func provideExchange(log *slog.Logger, registry *connection.Registry, adapters *channel.Registry, publisher event.Publisher, cfg config.Config) *handshake.Exchange {
	return handshake.NewExchange(log, registry, adapters, publisher, handshake.Options{
		TTL:             cfg.Polling.HandshakeTTL(),
		ProviderTimeout: cfg.Polling.ProviderTimeout(),
	})
}

func provideDispatcher(log *slog.Logger, adapters *channel.Registry, registry *connection.Registry, configs *agentconfig.Service, runtime agent.Runtime, seenSet *seen.Set, publisher event.Publisher, cfg config.Config) *ingest.Dispatcher {
	return ingest.NewDispatcher(log, adapters, registry, configs, runtime, seenSet, publisher, ingest.Options{
		ConversationLimit: cfg.Polling.ConversationLimit,
		MessageLimit:      cfg.Polling.MessageLimit,
		CallTimeout:       cfg.Polling.ProviderTimeout(),
	})
}

func provideScheduler(log *slog.Logger, registry *connection.Registry, configs *agentconfig.Service, dispatcher *ingest.Dispatcher, publisher event.Publisher, cfg config.Config) *poller.Scheduler {
	return poller.NewScheduler(log, registry, configs, dispatcher, publisher, poller.Options{
		Interval:             cfg.Polling.Interval(),
		MaxBackoffMultiplier: cfg.Polling.MaxBackoffMultiplier,
		FailureThreshold:     cfg.Polling.FailureThreshold,
	})
}

func provideHealthChecker(log *slog.Logger, registry *connection.Registry, scheduler *poller.Scheduler, configs *agentconfig.Service) healthcheck.Checker {
	return healthcheck.Chain{
		connectionchecker.NewChecker(log, registry),
		pollingchecker.NewChecker(log, scheduler, configs),
	}
}

func provideSessionHandler(log *slog.Logger, lifecycle *session.Lifecycle) *handlers.SessionHandler {
	return handlers.NewSessionHandler(log, lifecycle)
}

func provideMessagingHandler(log *slog.Logger, lifecycle *session.Lifecycle, cfg config.Config) *handlers.MessagingHandler {
	return handlers.NewMessagingHandler(log, lifecycle, cfg.Polling.ConversationLimit, cfg.Polling.MessageLimit)
}

func provideHandshakeHandler(log *slog.Logger, exchange *handshake.Exchange) *handlers.HandshakeHandler {
	return handlers.NewHandshakeHandler(log, exchange)
}

func provideMetricsHandler(m *metrics.Metrics) *handlers.MetricsHandler {
	return handlers.NewMetricsHandler(m.Handler())
}

func provideAuthHandler(log *slog.Logger, cfg config.Config) *handlers.AuthHandler {
	return handlers.NewAuthHandler(log, cfg.Auth.JWTSecret, auth.ParseExpiresIn(cfg.Auth.JWTExpiresIn, 24*time.Hour))
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func observeMetrics(m *metrics.Metrics, registry *connection.Registry, scheduler *poller.Scheduler) {
	m.Observe(registry, scheduler)
}

func startExchange(lc fx.Lifecycle, exchange *handshake.Exchange) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return exchange.Start() },
		OnStop:  func(ctx context.Context) error { exchange.Stop(ctx); return nil },
	})
}

func startPolling(lc fx.Lifecycle, logger *slog.Logger, lifecycle *session.Lifecycle, scheduler *poller.Scheduler, sub event.Subscriber) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			go scheduler.Watch(ctx, sub)
			n, err := lifecycle.Restore(startCtx)
			if err != nil {
				return fmt.Errorf("restore sessions: %w", err)
			}
			logger.Info("polling resumed", slog.Int("tasks", n))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			scheduler.StopAll(stopCtx)
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting dmbridge", slog.String("addr", cfg.Server.Addr), slog.String("storage", cfg.Storage.Driver))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
