// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/epharmacy-notify/internal/config"
	"github.com/bissquit/epharmacy-notify/internal/notifications"
	"github.com/bissquit/epharmacy-notify/internal/notifications/fcm"
	"github.com/bissquit/epharmacy-notify/internal/notifications/kafka"
	"github.com/bissquit/epharmacy-notify/internal/notifications/mattermost"
	notificationsmongo "github.com/bissquit/epharmacy-notify/internal/notifications/mongo"
	notificationspostgres "github.com/bissquit/epharmacy-notify/internal/notifications/postgres"
	notificationsredis "github.com/bissquit/epharmacy-notify/internal/notifications/redis"
	"github.com/bissquit/epharmacy-notify/internal/pkg/ctxlog"
	"github.com/bissquit/epharmacy-notify/internal/pkg/httputil"
	"github.com/bissquit/epharmacy-notify/internal/pkg/jwtauth"
	"github.com/bissquit/epharmacy-notify/internal/pkg/metrics"
	mongopkg "github.com/bissquit/epharmacy-notify/internal/pkg/mongo"
	"github.com/bissquit/epharmacy-notify/internal/pkg/postgres"
	redispkg "github.com/bissquit/epharmacy-notify/internal/pkg/redis"
	"github.com/bissquit/epharmacy-notify/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const metricsInterval = 15 * time.Second

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	redis         *redis.Client
	pgPool        *pgxpool.Pool
	closers       []func()
	readiness     []readinessCheck
	store         notifications.Store
	processor     *notifications.Processor
	service       *notifications.Service
	consumer      *kafka.Consumer
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
	bgWG          sync.WaitGroup
}

// Option customizes collaborators, mostly for tests.
type Option func(*options)

type options struct {
	directory notifications.Directory
	sender    notifications.Sender
}

// WithDirectory replaces the configured directory backend.
func WithDirectory(d notifications.Directory) Option {
	return func(o *options) { o.directory = d }
}

// WithSender replaces the FCM sender.
func WithSender(s notifications.Sender) Option {
	return func(o *options) { o.sender = s }
}

// New creates a new application instance and starts its background workers.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config: cfg,
		logger: logger,
	}

	directory, err := app.connect(o.directory)
	if err != nil {
		app.closeConnections()
		return nil, err
	}

	sender := o.sender
	if sender == nil {
		fcmSender, err := fcm.NewSender(context.Background(), fcm.Config{
			Enabled:         cfg.FCM.Enabled,
			ProjectID:       cfg.FCM.ProjectID,
			CredentialsFile: cfg.FCM.CredentialsFile,
			CredentialsJSON: cfg.FCM.CredentialsJSON,
			Endpoint:        cfg.FCM.Endpoint,
			Timeout:         cfg.FCM.Timeout,
			RateLimit:       cfg.FCM.RateLimit,
			Burst:           cfg.FCM.Burst,
		})
		if err != nil {
			app.closeConnections()
			return nil, fmt.Errorf("create fcm sender: %w", err)
		}
		if !cfg.FCM.Enabled {
			slog.Warn("fcm sender is disabled: notifications will be logged and dropped")
		}
		sender = fcmSender
	}

	app.store = notificationsredis.NewStore(app.redis, cfg.Queue.Prefix)
	dispatcher := notifications.NewDispatcher(directory, sender, cfg.Queue.FanOutLimit)
	app.processor = notifications.NewProcessor(notifications.ProcessorConfig{
		PollInterval: cfg.Queue.PollInterval,
		ItemDelay:    cfg.Queue.ItemDelay,
		ItemTimeout:  cfg.Queue.ItemTimeout,
	}, app.store, dispatcher)
	if cfg.Alerts.MattermostWebhookURL != "" {
		app.processor.SetQuarantineNotifier(mattermost.NewAlerter(mattermost.Config{
			WebhookURL: cfg.Alerts.MattermostWebhookURL,
			Username:   cfg.Alerts.Username,
			IconURL:    cfg.Alerts.IconURL,
			Channel:    cfg.Alerts.Channel,
			Timeout:    cfg.Alerts.Timeout,
		}))
	}
	app.service = notifications.NewService(app.store, app.processor)

	if cfg.Queue.RecoverOnStart {
		recovered, err := app.service.RecoverProcessing(context.Background())
		if err != nil {
			app.closeConnections()
			return nil, fmt.Errorf("recover processing items: %w", err)
		}
		slog.Info("recovered orphaned processing items", "count", recovered)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	app.startBackground()

	return app, nil
}

// connect opens the queue store connection and, unless one is supplied, the directory backend.
func (a *App) connect(directory notifications.Directory) (notifications.Directory, error) {
	cfg := a.config

	redisCtx, cancel := context.WithTimeout(context.Background(), cfg.Redis.ConnectTimeout)
	defer cancel()

	client, err := redispkg.Connect(redisCtx, redispkg.Config{
		URL:             cfg.Redis.URL,
		PoolSize:        cfg.Redis.PoolSize,
		DialTimeout:     cfg.Redis.DialTimeout,
		ReadTimeout:     cfg.Redis.ReadTimeout,
		WriteTimeout:    cfg.Redis.WriteTimeout,
		ConnectAttempts: cfg.Redis.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.redis = client
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.readiness = append(a.readiness, readinessCheck{name: "redis", check: redispkg.Healthcheck(client)})

	if directory != nil {
		return directory, nil
	}

	switch cfg.Directory.Driver {
	case config.DirectoryMongo:
		mongoCtx, cancel := context.WithTimeout(context.Background(), cfg.Mongo.ConnectTimeout)
		defer cancel()

		mc, err := mongopkg.Connect(mongoCtx, mongopkg.Config{
			URI:             cfg.Mongo.URI,
			Database:        cfg.Mongo.Database,
			ConnectTimeout:  cfg.Mongo.ConnectTimeout,
			MaxPoolSize:     cfg.Mongo.MaxPoolSize,
			ConnectAttempts: cfg.Mongo.ConnectAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		a.closers = append(a.closers, func() { _ = mc.Disconnect(context.Background()) })
		a.readiness = append(a.readiness, readinessCheck{name: "mongo", check: mongopkg.Healthcheck(mc)})
		return notificationsmongo.NewDirectory(mc.Database(cfg.Mongo.Database), cfg.Mongo.Collection, cfg.Mongo.TokenField), nil

	case config.DirectoryPostgres:
		pgCtx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
		defer cancel()

		pool, err := postgres.Connect(pgCtx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectAttempts: cfg.Database.ConnectAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pgPool = pool
		a.closers = append(a.closers, pool.Close)
		a.readiness = append(a.readiness, readinessCheck{name: "postgres", check: pool.Ping})
		return notificationspostgres.NewDirectory(pool), nil

	default:
		return nil, fmt.Errorf("unknown directory driver %q", cfg.Directory.Driver)
	}
}

func (a *App) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel

	a.processor.Start(ctx)

	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		a.collectMetrics(ctx)
	}()

	if a.config.Kafka.Enabled {
		a.consumer = kafka.NewConsumer(kafka.Config{
			Brokers: a.config.Kafka.Brokers,
			Topic:   a.config.Kafka.Topic,
			GroupID: a.config.Kafka.GroupID,
			MaxWait: a.config.Kafka.MaxWait,
		}, a.service)

		a.bgWG.Add(1)
		go func() {
			defer a.bgWG.Done()
			if err := a.consumer.Run(ctx); err != nil {
				slog.Error("kafka consumer stopped", "error", err)
			}
		}()
	}
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// The processor finishes its current item before the store goes away.
	a.processor.Stop()
	a.bgCancel()
	a.bgWG.Wait()

	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka consumer: %w", err))
		}
	}

	a.closeConnections()

	return errors.Join(errs...)
}

func (a *App) closeConnections() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) collectMetrics(ctx context.Context) {
	a.recordMetrics(ctx)

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.recordMetrics(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) recordMetrics(ctx context.Context) {
	metrics.RecordRedisPoolMetrics(a.redis)
	if a.pgPool != nil {
		metrics.RecordPostgresPoolMetrics(a.pgPool)
	}

	stats, err := a.store.Lengths(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to get queue stats", "error", err)
		}
		return
	}
	notifications.RecordQueueStats(stats)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Service returns the queue service. Used by tests to enqueue directly.
func (a *App) Service() *notifications.Service {
	return a.service
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger, "/healthz", "/readyz"))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	authenticator := jwtauth.New(jwtauth.Config{
		Secret: a.config.Auth.Secret,
		Issuer: a.config.Auth.Issuer,
	})
	handler := notifications.NewHandler(a.service)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(authenticator))
		r.Use(httputil.RequireRole(jwtauth.RoleAdmin))
		handler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, rc := range a.readiness {
		if err := rc.check(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "dependency", rc.name, "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, rc.name+" unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
