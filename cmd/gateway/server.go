package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	goredis "github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/helixgate/gateway/internal/admission"
	"github.com/helixgate/gateway/internal/auth"
	"github.com/helixgate/gateway/internal/auth/keys"
	"github.com/helixgate/gateway/internal/backend"
	"github.com/helixgate/gateway/internal/config"
	"github.com/helixgate/gateway/internal/gpupool"
	"github.com/helixgate/gateway/internal/jobs"
	"github.com/helixgate/gateway/internal/kvstore"
	"github.com/helixgate/gateway/internal/logging"
	"github.com/helixgate/gateway/internal/metrics"
	"github.com/helixgate/gateway/internal/middleware"
	"github.com/helixgate/gateway/internal/ratelimit"
	"github.com/helixgate/gateway/internal/scheduler"
	"github.com/helixgate/gateway/internal/users"
	"github.com/helixgate/gateway/internal/workqueue"
)

// Server bundles the assembled HTTP server and the background processes
// that must be stopped alongside it.
type Server struct {
	HTTP *http.Server

	scheduler *scheduler.Scheduler
	gc        *jobs.GC
	stopGC    func()

	schedulerCancel context.CancelFunc
}

// Assemble wires every collaborator named in §8 from cfg and returns a
// ready-to-run Server. Grounded on cmd/gateway/main.go's original
// construction order (store -> services -> router -> http.Server),
// generalized into a single builder per the redesign's
// Assemble(config) -> Server direction.
func Assemble(cfg *config.Config) (*Server, error) {
	logger := logging.New("gateway", cfg.LogLevel, cfg.LogFormat)

	store, err := buildKVStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("kvstore: %w", err)
	}

	userLookup, err := buildUserLookup(cfg)
	if err != nil {
		return nil, fmt.Errorf("users: %w", err)
	}

	keyProvider, err := buildKeyProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}

	rbac, err := auth.NewRBAC()
	if err != nil {
		return nil, fmt.Errorf("rbac: %w", err)
	}

	authSvc := auth.NewService(userLookup, store, keyProvider, rbac, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)

	limiter := ratelimit.New(store, time.Minute)

	registry := jobs.NewRegistry(store, cfg.JobTTL)
	gc := jobs.NewGC(registry)

	devices := make([]gpupool.DeviceSpec, 0, len(cfg.GPUDevices))
	for _, d := range cfg.GPUDevices {
		devices = append(devices, gpupool.DeviceSpec{ID: d.ID, TotalMemory: gpupool.GiB(d.TotalMemory)})
	}
	pool := gpupool.New(devices, false)

	queue := buildWorkQueue(cfg)

	// Model execution is an explicit non-goal; the scripted backend stands
	// in for a live model server everywhere in this process.
	be := backend.NewScripted("")

	zapLogger, err := buildZapLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("scheduler logger: %w", err)
	}

	sched := scheduler.New(queue, registry, pool, be,
		scheduler.WithAdmissionDeadline(cfg.AdmissionTimeout),
		scheduler.WithWorkers(cfg.SchedulerWorkers),
		scheduler.WithLogger(zapLogger.Sugar()),
		scheduler.WithGC(gc),
	)

	sink := metrics.New()
	go sink.CollectHostStats(context.Background(), 15*time.Second)

	admissionSrv := admission.NewServer(authSvc, userLookup, limiter, sched, pool, sink, logger, cfg.TierLimits, cfg.AdmissionTimeout)

	handler := chain(admissionSrv.Router(),
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
		middleware.BodyLimit(cfg.BodyLimitBytes),
		middleware.Recovery(logger),
		middleware.RequestLogging(logger),
		middleware.Metrics(sink),
	)

	schedulerCtx, schedulerCancel := context.WithCancel(context.Background())
	go sched.Run(schedulerCtx)

	stopGC, err := gc.Start(cfg.JobGCCron)
	if err != nil {
		schedulerCancel()
		return nil, fmt.Errorf("job gc: %w", err)
	}

	return &Server{
		HTTP: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute, // streaming completions can run long
			IdleTimeout:  120 * time.Second,
		},
		scheduler:       sched,
		gc:              gc,
		stopGC:          stopGC,
		schedulerCancel: schedulerCancel,
	}, nil
}

// Shutdown stops the scheduler and GC sweep. Call after http.Server.Shutdown
// has drained in-flight requests.
func (s *Server) Shutdown() {
	s.stopGC()
	s.schedulerCancel()
}

// chain applies middlewares in order, the outermost listed first, matching
// cmd/gateway/main.go's router.Use(...) registration order.
func chain(base http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	handler := base
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}
	return handler
}

// buildZapLogger gives the Scheduler's hot dispatch path a zap logger,
// separate from the admission/middleware logrus logger: per-job dispatch
// logging runs far more often than per-request logging and benefits from
// zap's allocation-free structured fields.
func buildZapLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	}
	return zapCfg.Build()
}

func buildKVStore(cfg *config.Config) (kvstore.KVStore, error) {
	if !cfg.UseRedis {
		return kvstore.NewMemory(), nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
	}
	return kvstore.NewRedis(client), nil
}

func buildWorkQueue(cfg *config.Config) workqueue.WorkQueue {
	if !cfg.UseRedis {
		return workqueue.NewMemory(cfg.QueueCapacity)
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	return workqueue.NewRedis(client, "gateway:jobqueue", cfg.QueueCapacity)
}

func buildUserLookup(cfg *config.Config) (auth.UserLookup, error) {
	if !cfg.UsePostgres {
		return users.NewMemory(), nil
	}
	if err := users.Migrate(cfg.PostgresDSN, cfg.MigrationDir); err != nil {
		return nil, err
	}
	db, err := sqlx.Connect("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return users.NewPostgres(db), nil
}

func buildKeyProvider(cfg *config.Config) (keys.Provider, error) {
	if cfg.AzureKeyVaultURL == "" {
		return keys.LoadOrGenerate(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath)
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	return keys.NewAzureKeyVault(cfg.AzureKeyVaultURL, cfg.AzureKeyName, cred)
}
