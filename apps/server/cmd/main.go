package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/util"

	sconfig "github.com/rvbiljouw/awsum-backend/apps/server/config"
	"github.com/rvbiljouw/awsum-backend/apps/server/service/business"
	"github.com/rvbiljouw/awsum-backend/apps/server/service/handlers"
	"github.com/rvbiljouw/awsum-backend/apps/server/service/queues"
	"github.com/rvbiljouw/awsum-backend/apps/server/service/repository"
	"github.com/rvbiljouw/awsum-backend/internal/health"
)

const gracefulShutdownTimeout = 30 * time.Second

func main() {
	ctx := context.Background()
	if err := runService(ctx); err != nil {
		util.Log(ctx).WithError(err).Fatal("could not run service")
	}
}

// runService initializes and starts the session service with all dependencies.
func runService(ctx context.Context) error {
	// Initialize configuration
	cfg, err := config.LoadWithOIDC[sconfig.ServerConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return err
	}

	// Validate configuration (fail-fast on invalid config)
	if err = cfg.Validate(); err != nil {
		util.Log(ctx).With("err", err).Error("invalid configuration")
		return err
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "awsum_server"
	}

	// Create service
	ctx, svc := frame.NewServiceWithContext(
		ctx,
		frame.WithConfig(&cfg),
		frame.WithDatastore(),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	dbManager := svc.DatastoreManager()
	dbPool := dbManager.GetPool(ctx, datastore.DefaultPoolName)

	// Handle database migration if requested
	if cfg.DoDatabaseMigrate() {
		if err = repository.Migrate(ctx, svc, cfg.GetDatabaseMigrationPath()); err != nil {
			log.WithError(err).Fatal("main -- Could not migrate successfully")
		}
		return nil
	}

	groupRepo := repository.NewGroupRepository(dbPool)
	tokenRepo := repository.NewAuthTokenRepository(dbPool)

	// Session layer
	registry := business.NewSessionRegistry(int32(cfg.MaxSessions))
	dispatcher := business.NewBroadcastDispatcher(registry)
	subscriptions := business.NewSubscriptionManager(groupRepo, registry, dispatcher)
	gate := business.NewAuthenticationGate(tokenRepo)

	sessionManager := business.NewSessionManager(
		ctx,
		registry,
		gate,
		subscriptions,
		cfg.SessionStaleAfterSec,
	)
	// Defers run LIFO: the session manager drains before svc.Stop.
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer drainCancel()
		sessionManager.Shutdown(drainCtx)
	}()

	// Bridge from the external bus into group broadcasts
	bridge := queues.NewInboundBridge(&cfg, dispatcher)
	bridge.Start(ctx)

	// Setup health checks
	healthHandler := health.NewHandler()
	healthHandler.AddChecker(newDatabaseChecker(dbPool))
	healthHandler.AddChecker(bridge)

	sessionServer := handlers.NewSessionServer(svc, sessionManager, cfg.PushWriteTimeout())

	// Create multiplexer for HTTP handlers
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/ws", sessionServer.Connect)

	// Initialize the service with all options
	svc.Init(ctx, frame.WithHTTPHandler(mux))

	// Start the service
	return svc.Run(ctx, "")
}

func newDatabaseChecker(dbPool pool.Pool) *health.DatabaseChecker {
	return health.NewDatabaseChecker(dbPool, 5*time.Second)
}
