package serve

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/4xguy/federated-memory-sub004/internal/config"
	"github.com/4xguy/federated-memory-sub004/internal/dataencryption"
	"github.com/4xguy/federated-memory-sub004/internal/domain/people"
	"github.com/4xguy/federated-memory-sub004/internal/domain/projects"
	"github.com/4xguy/federated-memory-sub004/internal/mcpserver"
	"github.com/4xguy/federated-memory-sub004/internal/plugin/route/admin"
	"github.com/4xguy/federated-memory-sub004/internal/plugin/route/memories"
	"github.com/4xguy/federated-memory-sub004/internal/plugin/route/modules"
	"github.com/4xguy/federated-memory-sub004/internal/plugin/route/search"
	routesystem "github.com/4xguy/federated-memory-sub004/internal/plugin/route/system"
	"github.com/4xguy/federated-memory-sub004/internal/plugin/route/subscribe"
	"github.com/4xguy/federated-memory-sub004/internal/policy"
	registrycache "github.com/4xguy/federated-memory-sub004/internal/registry/cache"
	registryembed "github.com/4xguy/federated-memory-sub004/internal/registry/embed"
	registrymigrate "github.com/4xguy/federated-memory-sub004/internal/registry/migrate"
	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	"github.com/4xguy/federated-memory-sub004/internal/registry/moduledef"
	registrynotify "github.com/4xguy/federated-memory-sub004/internal/registry/notify"
	registryroute "github.com/4xguy/federated-memory-sub004/internal/registry/route"
	registryvector "github.com/4xguy/federated-memory-sub004/internal/registry/vector"
	"github.com/4xguy/federated-memory-sub004/internal/security"
	internalservice "github.com/4xguy/federated-memory-sub004/internal/service"
	"github.com/4xguy/federated-memory-sub004/internal/service/cmi"
	"github.com/4xguy/federated-memory-sub004/internal/service/notifier"
	"github.com/4xguy/federated-memory-sub004/internal/service/reconcile"
	"github.com/4xguy/federated-memory-sub004/internal/service/writepipeline"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its background subsystems.
type Server struct {
	Config           *config.Config
	Router           *gin.Engine
	Running          *RunningServers
	Reconciler       *reconcile.Service
	closeManagement  func(context.Context) error
	cancelBackground context.CancelFunc
}

// Shutdown gracefully shuts down the server and stops its background jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBackground != nil {
		s.cancelBackground()
	}
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	return s.Running.Close(ctx)
}

// StartServer initializes every subsystem the federated memory service needs
// — module storage, the Central Memory Index, the write pipeline, the change
// notifier, reconciliation and eviction background jobs, the HTTP+MCP
// surfaces — and starts serving on a single port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting federated memory service",
		"httpPort", cfg.Listener.Port,
		"datastore", cfg.DatastoreType,
		"vector", cfg.VectorType,
		"embedding", cfg.EmbedType,
		"notify", cfg.NotifyType,
	)

	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Encryption service must be in context before any module store is built,
	// since module store plugins read it via dataencryption.FromContext.
	encSvc, err := dataencryption.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	ctx = dataencryption.WithContext(ctx, encSvc)

	// Routing cache (spec.md §4.2's 5-minute TTL cache over routeQuery results).
	if cacheLoader, err := registrycache.Select(cfg.RoutingCacheType); err != nil {
		log.Warn("Routing cache not available", "cache", cfg.RoutingCacheType, "err", err)
	} else if routingCache, err := cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize routing cache", "cache", cfg.RoutingCacheType, "err", err)
	} else {
		ctx = registrycache.WithContext(ctx, routingCache)
	}
	routingCache := registrycache.FromContext(ctx)

	// One module.Store per enabled domain module, all backed by the same
	// datastore plugin (today, always postgres) keyed by module ID.
	storeLoader, err := registrymodule.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	stores := make(map[string]registrymodule.Store)
	for _, id := range enabledModuleIDs(cfg) {
		store, err := storeLoader(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize %q module store: %w", id, err)
		}
		stores[id] = store
	}

	// Routing embedder (d_route) and full embedder (d_full) — spec.md §3.
	embedLoader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		return nil, err
	}
	routingEmbedder, err := embedLoader(ctx, cfg.RoutingEmbedDimension)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize routing embedder: %w", err)
	}
	fullEmbedder, err := embedLoader(ctx, cfg.FullEmbedDimension)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize full embedder: %w", err)
	}

	vectorLoader, err := registryvector.Select(cfg.VectorType)
	if err != nil {
		return nil, err
	}
	cmiIndex, err := vectorLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize CMI vector index: %w", err)
	}

	cmiSvc := cmi.NewService(cmiIndex, routingEmbedder, fullEmbedder, routingCache, cfg.RoutingCacheTTL, stores)

	notifyLoader, err := registrynotify.Select(cfg.NotifyType)
	if err != nil {
		return nil, err
	}
	transport, err := notifyLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize change notifier transport: %w", err)
	}
	notifierSvc := notifier.New(transport, cfg.NotifyPingInterval, cfg.SubscriberIdleTTL, cfg.SubscriberQueueDepth)

	pipeline := writepipeline.New(cmiSvc, fullEmbedder, notifierSvc, cfg.WritePipelineRetries, cfg.WritePipelineBackoff, cfg.WritePipelineMaxWait)

	reconciler := reconcile.New(cmiSvc, cfg.ReconcileInterval, cfg.ReconcileBatchSize)
	evictionSvc := internalservice.NewEvictionService(stores, cfg.EvictionInterval, cfg.TombstoneRetention, cfg.EvictionBatchDelayMS)

	backgroundCtx, cancelBackground := context.WithCancel(ctx)
	go reconciler.Start(backgroundCtx)
	go evictionSvc.Start(backgroundCtx)

	policyEngine, err := policy.NewEngine(ctx, cfg.PolicyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	resolver := security.NewTokenResolver(cfg)
	auth := chainMiddleware(security.AuthMiddleware(resolver), tenantIsolationMiddleware(policyEngine))

	// Set up gin.
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(security.AdminAuditMiddleware(cfg.RequireJustification))
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	memories.MountRoutes(router, pipeline, auth)
	search.MountRoutes(router, cmiSvc, auth)
	subscribe.MountRoutes(router, notifierSvc, auth)
	modules.MountRoutes(router, stores, auth)
	admin.MountRoutes(router, stores, reconciler, cfg, auth)

	projectsSvc := projects.NewService(pipeline, cmiSvc, "work")
	peopleSvc := people.NewService(pipeline, cmiSvc, "personal")
	mcpSrv := mcpserver.New(mcpserver.Deps{
		Pipeline: pipeline,
		CMI:      cmiSvc,
		Stores:   stores,
		Projects: projectsSvc,
		People:   peopleSvc,
		Resolver: resolver,
	})
	router.Any("/mcp/*any", gin.WrapH(mcpSrv.HTTPHandler()))

	// Mount management route plugins. If a dedicated management port is
	// configured, run them on a bare gin engine served by the management
	// server. Otherwise mount them on the main router.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			cancelBackground()
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router); err != nil {
				cancelBackground()
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	// No gRPC surface in this service; the dispatcher falls through to HTTP only.
	running, err := StartSinglePortHTTPAndGRPC(ctx, cfg.Listener, router, nil)
	if err != nil {
		cancelBackground()
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:           cfg,
		Router:           router,
		Running:          running,
		Reconciler:       reconciler,
		closeManagement:  closeManagement,
		cancelBackground: cancelBackground,
	}, nil
}

// enabledModuleIDs resolves cfg.EnabledModules (comma-separated) against the
// registered module definitions. An empty value enables every built-in.
func enabledModuleIDs(cfg *config.Config) []string {
	if strings.TrimSpace(cfg.EnabledModules) == "" {
		return moduledef.Names()
	}
	var ids []string
	for _, part := range strings.Split(cfg.EnabledModules, ",") {
		id := strings.TrimSpace(part)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// chainMiddleware runs each handler in order, stopping as soon as one aborts
// the context. Used to attach the policy check after auth has resolved the
// tenant, while still handing MountRoutes a single gin.HandlerFunc.
func chainMiddleware(handlers ...gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, h := range handlers {
			h(c)
			if c.IsAborted() {
				return
			}
		}
	}
}

// tenantIsolationMiddleware enforces the OPA tenant-isolation bundle (spec.md
// §7) after auth has resolved the caller's tenant ID. The default bundle
// allows a tenant access only to its own namespace; operators can replace it
// via cfg.PolicyDir without a code change.
func tenantIsolationMiddleware(engine *policy.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := security.GetTenantID(c)
		if tenantID == "" {
			c.Next()
			return
		}
		allowed, err := engine.IsAllowed(c.Request.Context(), c.Request.Method, []string{"tenant", tenantID}, c.Request.URL.Path, policy.Context{TenantID: tenantID})
		if err != nil {
			log.Error("Policy evaluation failed", "err", err)
			c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(403, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
