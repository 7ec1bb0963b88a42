package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/config"
	"github.com/ehr/referrals/internal/domain/extraction"
	"github.com/ehr/referrals/internal/domain/reconcile"
	"github.com/ehr/referrals/internal/domain/referral"
	"github.com/ehr/referrals/internal/platform/auth"
	"github.com/ehr/referrals/internal/platform/blobstore"
	"github.com/ehr/referrals/internal/platform/cache"
	"github.com/ehr/referrals/internal/platform/db"
	"github.com/ehr/referrals/internal/platform/events"
	"github.com/ehr/referrals/internal/platform/hipaa"
	"github.com/ehr/referrals/internal/platform/llm"
	"github.com/ehr/referrals/internal/platform/middleware"
	"github.com/ehr/referrals/internal/platform/textextract"
)

const (
	version          = "0.1.0"
	statusCacheSize  = 4096
	ocrClientTimeout = 60 * time.Second

	statusCachePrefix = "referral:"
)

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func matchPolicy(cfg *config.Config) reconcile.MatchPolicy {
	return reconcile.MatchPolicy{
		ByMRN:      cfg.MatchByMRN,
		ByMedicare: cfg.MatchByMedicare,
		ByNameDOB:  cfg.MatchByNameDOB,
	}
}

func newFieldExtractor(cfg *config.Config, logger zerolog.Logger) extraction.FieldExtractor {
	if cfg.LLMProvider == "gemini" {
		return extraction.NewLLMExtractor(llm.NewGeminiClient(llm.Config{
			BaseURL: cfg.LLMAPIURL,
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.LLMModel,
			RPS:     cfg.LLMRPS,
		}, logger))
	}
	return extraction.NewRulesExtractor()
}

// extractionLimit is the per-user bucket in front of the extraction
// endpoints. A non-positive rate disables it.
func extractionLimit(rps float64) echo.MiddlewareFunc {
	if rps <= 0 {
		return nil
	}
	burst := int(2 * rps)
	if burst < 1 {
		burst = 1
	}
	return middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: rps,
		BurstSize:         burst,
		KeyFunc:           middleware.UserRateKey,
		Scope:             "extraction",
	})
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtAuth := auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(cfg.DefaultTenant, jwtAuth)
	}
	return jwtAuth
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// PHI protection
	enc, err := hipaa.NewEncryptionService(cfg.HIPAAEncryptionKey, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise PHI encryption")
	}
	idx, err := hipaa.NewBlindIndexer(cfg.HIPAAEncryptionKey, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise blind index")
	}

	// Blob storage
	var blobs blobstore.Reader
	if cfg.S3Bucket != "" {
		client, err := blobstore.NewS3Client(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure S3")
		}
		blobs = blobstore.NewS3Store(client, cfg.S3Bucket)
		logger.Info().Str("bucket", cfg.S3Bucket).Msg("reading uploads from S3")
	} else {
		blobs = blobstore.NewMemoryStore()
		logger.Warn().Msg("S3_BUCKET not set: using in-memory blob store, uploads will not be found")
	}

	// Text extraction
	var ocr textextract.Extractor
	if cfg.OCRServiceURL != "" {
		ocr = textextract.NewHTTPClient(cfg.OCRServiceURL, ocrClientTimeout, logger)
	} else {
		logger.Warn().Msg("OCR_SERVICE_URL not set: only text/plain referrals can be read")
	}
	text := textextract.NewRouter(ocr)

	// Status cache
	var statusCache cache.Store
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisStore(ctx, cfg.RedisURL, statusCachePrefix, cfg.StatusCacheTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rc.Close()
		statusCache = rc
		logger.Info().Msg("status cache backed by redis")
	} else {
		statusCache = cache.NewMemoryStore(statusCacheSize, cfg.StatusCacheTTL)
	}

	// Events
	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing events to kafka")
	} else {
		publisher = events.NewLogPublisher(logger)
	}

	// Referral domain
	docs := referral.NewRepo(pool)
	referralSvc := referral.NewService(referral.ServiceDeps{
		Repo:           docs,
		Blobs:          blobs,
		Text:           text,
		Cache:          statusCache,
		Events:         publisher,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})

	extractionDeps := extraction.Deps{
		Docs:        docs,
		Extractor:   newFieldExtractor(cfg, logger),
		Invalidator: referralSvc,
		Events:      publisher,
		Config: extraction.Config{
			FastTimeout:  cfg.FastExtractionTimeout,
			FullTimeout:  cfg.FullExtractionTimeout,
			LowThreshold: cfg.LowConfidenceThreshold,
		},
		Logger: logger,
	}

	reconciler := reconcile.NewEngine(reconcile.Deps{
		Tx:            db.NewTxRunner(pool),
		Documents:     docs,
		Patients:      reconcile.NewPatientRepo(pool, enc, idx),
		GPContacts:    reconcile.NewContactRepo(pool, reconcile.TableGPContact),
		Referrers:     reconcile.NewContactRepo(pool, reconcile.TableReferrer),
		Consultations: reconcile.NewConsultationRepo(pool),
		Policy:        matchPolicy(cfg),
		Invalidator:   referralSvc,
		Events:        publisher,
		Logger:        logger,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Practice-ID"},
	}))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// API
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1",
		authMiddleware(cfg),
		db.PracticeMiddleware(pool, cfg.DefaultTenant, cfg.IsDev()),
		middleware.RateLimit(rateLimitCfg),
		middleware.NoStore(),
	)

	referral.NewHandler(referralSvc).RegisterRoutes(apiV1)
	extraction.NewHandler(
		extraction.NewFastEngine(extractionDeps),
		extraction.NewFullEngine(extractionDeps),
	).RegisterRoutes(apiV1, extractionLimit(cfg.ExtractRateLimitRPS))
	reconcile.NewHandler(reconciler).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Str("extractor", cfg.LLMProvider).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// In-flight full extractions are allowed to finish and persist.
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.FullExtractionTimeout+5*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
