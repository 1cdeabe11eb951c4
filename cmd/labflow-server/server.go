package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/config"
	"github.com/labflow/labflow/internal/domain/catalog"
	"github.com/labflow/labflow/internal/domain/orders"
	"github.com/labflow/labflow/internal/platform/auth"
	"github.com/labflow/labflow/internal/platform/db"
	"github.com/labflow/labflow/internal/platform/events"
	"github.com/labflow/labflow/internal/platform/metrics"
	"github.com/labflow/labflow/internal/platform/middleware"
	"github.com/labflow/labflow/internal/platform/validation"
)

// deps is everything the server and the offline commands share.
type deps struct {
	Service   *orders.Service
	Publisher events.Publisher
	Metrics   *metrics.Collector
	Checkers  []db.Checker

	closers []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger().Level(level)
	}
	return logger
}

// buildDeps connects the store, catalog and event backend configured in cfg
// and assembles the order service on top of them.
func buildDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*deps, error) {
	d := &deps{}

	var pool *pgxpool.Pool
	if cfg.NeedsDatabaseURL() {
		p, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		pool = p
		d.closers = append(d.closers, pool.Close)
		d.Checkers = append(d.Checkers, db.PoolChecker("database", pool))
		logger.Info().Msg("connected to database")
	}

	repo, err := buildRepository(ctx, cfg, pool, d)
	if err != nil {
		d.Close()
		return nil, err
	}

	cat := buildCatalog(cfg, pool)
	d.Checkers = append(d.Checkers, db.Checker{Name: "catalog", Ping: cat.Ping})

	publisher, err := buildPublisher(cfg)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Publisher = publisher
	d.closers = append(d.closers, func() {
		if err := publisher.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing event publisher")
		}
	})
	if cfg.EventsBackend != config.EventsNone {
		d.Checkers = append(d.Checkers, db.Checker{Name: "events", Ping: publisher.Ping})
	}

	svc := orders.NewService(repo, cat)
	svc.SetPublisher(publisher)
	svc.SetLogger(logger)
	svc.SetImportMaxRows(cfg.ImportMaxRows)
	if cfg.MetricsEnabled {
		d.Metrics = metrics.NewCollector()
		svc.SetMetrics(d.Metrics)
	}
	d.Service = svc

	logger.Info().
		Str("store", cfg.StoreDriver).
		Str("catalog", cfg.CatalogSource).
		Str("events", cfg.EventsBackend).
		Msg("order service ready")
	return d, nil
}

func buildRepository(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, d *deps) (orders.Repository, error) {
	if cfg.StoreDriver != config.StoreSQLite {
		return orders.NewRepoPG(pool), nil
	}

	conn, err := orders.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	d.closers = append(d.closers, func() { _ = conn.Close() })

	repo := orders.NewRepoSQLite(conn)
	if err := repo.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	d.Checkers = append(d.Checkers, sqliteChecker(conn))
	return repo, nil
}

func sqliteChecker(conn *sql.DB) db.Checker {
	return db.Checker{
		Name: "sqlite",
		Ping: conn.PingContext,
		Detail: func() interface{} {
			s := conn.Stats()
			return map[string]int{"open_connections": s.OpenConnections, "in_use": s.InUse, "idle": s.Idle}
		},
	}
}

func buildCatalog(cfg *config.Config, pool *pgxpool.Pool) catalog.Provider {
	if cfg.CatalogSource == config.CatalogREST {
		return catalog.NewRESTProvider(catalog.RESTConfig{
			BaseURL: cfg.CatalogURL,
			Token:   cfg.CatalogToken,
			Timeout: cfg.CatalogTimeout,
			Retries: cfg.CatalogRetries,
		})
	}
	return catalog.NewPGProvider(pool)
}

func buildPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.EventsBackend {
	case config.EventsRedis:
		p, err := events.NewRedisStreamPublisher(cfg.RedisURL, cfg.EventsStream, cfg.EventsStreamMax)
		if err != nil {
			return nil, fmt.Errorf("redis event stream: %w", err)
		}
		return p, nil
	case config.EventsMQTT:
		p, err := events.NewMQTTPublisher(events.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Timeout:     5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("mqtt event broker: %w", err)
		}
		return p, nil
	default:
		return events.NopPublisher{}, nil
	}
}

// resolveJWKSURL fills AuthJWKSURL from the issuer's OIDC discovery
// document when JWT mode has neither a JWKS URL nor a signing key.
func resolveJWKSURL(cfg *config.Config, logger zerolog.Logger) error {
	if cfg.ResolvedAuthMode() != "jwt" || cfg.AuthJWKSURL != "" || cfg.AuthSigningKey != "" {
		return nil
	}
	doc, err := auth.DiscoverOIDC(cfg.AuthIssuer)
	if err != nil {
		return fmt.Errorf("oidc discovery: %w", err)
	}
	if !doc.SupportsRS256() {
		return fmt.Errorf("issuer %s does not sign tokens with RS256", cfg.AuthIssuer)
	}
	cfg.AuthJWKSURL = doc.JWKSURI
	logger.Info().Str("issuer", cfg.AuthIssuer).Str("jwks_uri", doc.JWKSURI).Msg("discovered token signing keys")
	return nil
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}

// newEcho builds the HTTP server: global middleware, health and metrics
// endpoints, and the authenticated /api/v1 group with the order routes.
func newEcho(cfg *config.Config, d *deps, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadLimit))
	if d.Metrics != nil {
		e.Use(d.Metrics.Middleware())
		e.GET("/metrics", echo.WrapHandler(d.Metrics.Handler()))
	}

	e.GET("/health", db.HealthHandler(version, d.Checkers...))

	api := e.Group("/api/v1")
	api.Use(authMiddleware(cfg))
	api.Use(middleware.Audit(logger))

	orders.NewHandler(d.Service).RegisterRoutes(api)
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg)
	ctx := context.Background()

	if err := resolveJWKSURL(cfg, logger); err != nil {
		return err
	}

	d, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	e := newEcho(cfg, d, logger)

	addr := ":" + cfg.Port
	go func() {
		logger.Info().
			Str("addr", addr).
			Str("env", cfg.Env).
			Str("auth", cfg.ResolvedAuthMode()).
			Msg("starting labflow server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
