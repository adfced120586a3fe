package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	authhandler "bffgate/internal/auth/handler"
	"bffgate/internal/gateway"
	"bffgate/internal/logout"
	"bffgate/internal/oidc"
	"bffgate/internal/platform/config"
	"bffgate/internal/platform/database"
	"bffgate/internal/platform/httpserver"
	"bffgate/internal/platform/logger"
	"bffgate/internal/platform/metrics"
	"bffgate/internal/platform/redis"
	"bffgate/internal/policy"
	"bffgate/internal/routing"
	"bffgate/internal/session/models"
	clientstore "bffgate/internal/session/store/client"
	sessionstore "bffgate/internal/session/store/session"
	httptransport "bffgate/internal/transport/http"
	audit "bffgate/pkg/platform/audit"
	"bffgate/pkg/platform/audit/publisher"
	auditkafka "bffgate/pkg/platform/audit/store/kafka"
	"bffgate/pkg/platform/audit/store/logsink"
	auditpostgres "bffgate/pkg/platform/audit/store/postgres"
	"bffgate/pkg/platform/circuit"
)

const shutdownGrace = 15 * time.Second

// sessionBackend is what the session stores provide to every consumer.
type sessionBackend interface {
	Save(ctx context.Context, s *models.AuthenticatedSession) error
	FindByID(ctx context.Context, id string) (*models.AuthenticatedSession, error)
	Delete(ctx context.Context, id string) error
}

// clientBackend is what the authorized-client stores provide.
type clientBackend interface {
	Save(ctx context.Context, c *models.AuthorizedClient) error
	Load(ctx context.Context, key models.ClientKey) (*models.AuthorizedClient, error)
	Remove(ctx context.Context, key models.ClientKey) error
}

// infra holds the connections main owns and closes on exit.
type infra struct {
	redis *redis.Client
	db    *sql.DB
	audit *publisher.Publisher
	kafka *auditkafka.Store
}

func (i *infra) Close() {
	if i.audit != nil {
		i.audit.Close()
	}
	if i.kafka != nil {
		i.kafka.Close()
	}
	if i.redis != nil {
		_ = i.redis.Close()
	}
	if i.db != nil {
		_ = i.db.Close()
	}
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, log)
	stop()
	if err != nil {
		log.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	deps, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	sessions, clients, pending, err := selectStores(ctx, deps, cfg)
	if err != nil {
		return err
	}

	var svc *oidc.Service
	if cfg.OIDC.Enabled() {
		provider, err := oidc.NewProvider(ctx, oidc.ProviderConfig{
			RegistrationID: cfg.OIDC.RegistrationID,
			IssuerURL:      cfg.OIDC.IssuerURL,
			ClientID:       cfg.OIDC.ClientID,
			ClientSecret:   cfg.OIDC.ClientSecret,
			RedirectURL:    cfg.Server.GatewayURL + oidc.CallbackPath + cfg.OIDC.RegistrationID,
			Scopes:         cfg.OIDC.Scopes,
			SkipDiscovery:  cfg.OIDC.SkipDiscovery,
		})
		if err != nil {
			return fmt.Errorf("oidc provider: %w", err)
		}
		svc = oidc.NewService(pending, sessions, clients, []*oidc.Provider{provider},
			oidc.WithSessionTTL(cfg.Session.TTL),
			oidc.WithLogger(log),
			oidc.WithMetrics(oidc.NewMetrics()),
			oidc.WithAuditor(deps.audit),
		)
	} else {
		log.Warn("OIDC_ISSUER_URL not set; login disabled and all sessions are anonymous")
	}

	revoker := logout.NewHTTPRevoker(cfg.OIDC.RevocationURL, cfg.OIDC.ClientID, cfg.OIDC.ClientSecret,
		&http.Client{Timeout: cfg.OIDC.RevocationTimeout})
	logoutSvc := logout.New(sessions, clients, revoker, logout.Config{
		FrontendURL:       cfg.Server.FrontendURL,
		GatewayURL:        cfg.Server.GatewayURL,
		EndSessionURL:     cfg.OIDC.EndSessionURL,
		RevocationTimeout: cfg.OIDC.RevocationTimeout,
	},
		logout.WithLogger(log),
		logout.WithMetrics(logout.NewMetrics()),
		logout.WithAuditor(deps.audit),
		logout.WithBreaker(circuit.New("idp-revocation")),
	)

	dispatcher, err := buildDispatcher(cfg, svc, deps.audit, log)
	if err != nil {
		return err
	}

	handlers := []httptransport.Registrar{
		logout.NewHandler(logoutSvc, log, cfg.Server.SecureCookies),
		authhandler.New(clients, log),
	}
	if svc != nil {
		handlers = append(handlers, oidc.NewHandler(svc, cfg.Server.GatewayURL, cfg.Server.SecureCookies, log))
	}

	routerDeps := httptransport.Deps{
		Logger:         log,
		Sessions:       sessions,
		Metrics:        metrics.New(),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Handlers:       handlers,
		Gateway:        dispatcher,
	}
	if deps.redis != nil {
		routerDeps.Redis = deps.redis
	}

	srv := httpserver.New(cfg.Server.Addr, httptransport.NewRouter(routerDeps))
	return httpserver.Run(ctx, srv, shutdownGrace, log)
}

// connect opens the optional backing services and the audit pipeline.
func connect(ctx context.Context, cfg config.Config, log *slog.Logger) (*infra, error) {
	deps := &infra{}

	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	deps.redis = rc

	db, err := database.Open(ctx, cfg.Database.URL)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("database: %w", err)
	}
	deps.db = db

	sinks := audit.Fanout{logsink.New(log)}
	if db != nil {
		pg := auditpostgres.New(db)
		if err := pg.Migrate(ctx); err != nil {
			deps.Close()
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		ks, err := auditkafka.New(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.kafka = ks
		sinks = append(sinks, ks)
	}
	deps.audit = publisher.NewPublisher(sinks,
		publisher.WithAsyncBuffer(1024),
		publisher.WithLogger(log),
	)
	return deps, nil
}

// selectStores prefers redis for sessions and pending authorizations, and
// postgres then redis for authorized clients. Memory is the fallback.
func selectStores(ctx context.Context, deps *infra, cfg config.Config) (sessionBackend, clientBackend, oidc.PendingStore, error) {
	var (
		sessions sessionBackend    = sessionstore.New()
		clients  clientBackend     = clientstore.NewInMemory()
		pending  oidc.PendingStore = oidc.NewInMemoryPendingStore()
	)
	if deps.redis != nil {
		sessions = sessionstore.NewRedis(deps.redis.Client, sessionstore.WithDefaultTTL(cfg.Session.TTL))
		clients = clientstore.NewRedis(deps.redis.Client, clientstore.WithTTL(cfg.Session.TTL))
		pending = oidc.NewRedisPendingStore(deps.redis.Client)
	}
	if deps.db != nil {
		pg := clientstore.NewPostgres(deps.db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, nil, err
		}
		clients = pg
	}
	return sessions, clients, pending, nil
}

func buildDispatcher(cfg config.Config, svc *oidc.Service, auditor audit.Emitter, log *slog.Logger) (*gateway.Dispatcher, error) {
	table := routing.Default()
	if cfg.Routing.RoutesFile != "" {
		loaded, err := routing.LoadFile(cfg.Routing.RoutesFile)
		if err != nil {
			return nil, fmt.Errorf("routes: %w", err)
		}
		table = loaded
	}

	registry, err := gateway.NewRegistry(cfg.Routing.ServiceURLs, cfg.Routing.TrustedRelayHosts...)
	if err != nil {
		return nil, fmt.Errorf("service registry: %w", err)
	}

	opts := []gateway.Option{
		gateway.WithMetrics(gateway.NewMetrics()),
		gateway.WithAuditor(auditor),
		gateway.WithLoginPath(oidc.LoginPath),
	}
	if svc != nil {
		opts = append(opts, gateway.WithTokenSource(svc))
	}
	return gateway.New(table, policy.New(), registry, log, opts...)
}
