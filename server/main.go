package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/countersign-io/countersign/pkg/config"
	"github.com/countersign-io/countersign/pkg/kvstore"
	"github.com/countersign-io/countersign/pkg/registry"
	"github.com/countersign-io/countersign/pkg/sequence"
	"github.com/countersign-io/countersign/pkg/signing"
	"github.com/countersign-io/countersign/pkg/telemetry"
	"github.com/countersign-io/countersign/pkg/totp"
)

var Version = "dev"

// Server holds the wired control plane: storage, signing material, the
// command catalog, and the background dispatch and key-sync workers.
type Server struct {
	db          *gorm.DB
	cfg         *config.ServerConfig
	logger      zerolog.Logger
	registry    *registry.Registry
	totp        *totp.Verifier
	signer      *signing.Signer
	executorPub ed25519.PublicKey
	sequencer   *sequence.Sequencer
	archive     *ArchiveWriter
	audit       *auditChain
	dispatcher  *dispatchPool
	keySync     *keySyncer
	cache       kvstore.Cache
	rateLimiter *RateLimiter
	nonces      *NonceStore
	httpClient  *http.Client
}

func main() {
	configPath := flag.String("config", "countersign.yaml", "Config file path")
	flag.Parse()

	bootLogger := zerolog.New(os.Stderr)
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Fatal().Err(err).Msg("invalid config")
	}

	logger := newLogger(cfg)
	logger.Info().Str("version", Version).Msg("countersign server starting")

	ctx := context.Background()
	provider, err := telemetry.SetupTracing(ctx, telemetry.Options{
		ServiceName:    "countersign-server",
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		LogSpans:       cfg.Tracing.LogSpans,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer provider.Shutdown(ctx)

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	if err := db.AutoMigrate(
		&Device{}, &User{}, &Command{}, &AuditTrailEntry{},
		&StateVerification{}, &Alert{}, &TelemetrySnapshot{},
		&WebhookNonce{}, &kvstore.Counter{},
	); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate schema")
	}

	srv, err := NewServer(db, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}
	defer srv.Shutdown()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(withRequestContext(logger))
	srv.RegisterRoutes(router)

	logger.Info().Str("listen", cfg.Listen).Msg("listening")
	if err := router.Run(cfg.Listen); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

// NewServer wires every component from validated config. The caller
// owns migration; this assumes the schema exists.
func NewServer(db *gorm.DB, cfg *config.ServerConfig, logger zerolog.Logger) (*Server, error) {
	signer, err := signing.NewSigner(cfg.Signing.PrivateKeyB64)
	if err != nil {
		return nil, err
	}
	executorPub, err := signing.DecodePublicKey(cfg.Signing.ExecutorPublicKeyB64)
	if err != nil && cfg.Signing.RequireWebhookSignature {
		return nil, err
	}

	s := &Server{
		db:          db,
		cfg:         cfg,
		logger:      logger,
		registry:    registry.New(),
		totp:        totp.Default(),
		signer:      signer,
		executorPub: executorPub,
		sequencer:   sequence.New(kvstore.NewGormStore(db), dispatchCounter),
		cache:       kvstore.NewMemoryStore(),
		rateLimiter: NewRateLimiter(),
		nonces:      NewNonceStore(db, 10*time.Minute),
		httpClient:  &http.Client{},
	}
	s.archive = NewArchiveWriter(cfg.Audit.ArchivePath, logger)
	s.audit = newAuditChain(s)
	s.dispatcher = newDispatchPool(s, cfg.Dispatch.Workers, cfg.Dispatch.QueueDepth)
	s.keySync = newKeySyncer(s)
	return s, nil
}

// Shutdown drains the background workers.
func (s *Server) Shutdown() {
	s.dispatcher.Shutdown()
	s.keySync.Shutdown()
}

func (s *Server) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/v1")
	v1.POST("/commands", s.handleSubmitCommand)
	v1.GET("/commands", s.handleListCommands)
	v1.GET("/commands/:id", s.handleGetCommand)
	v1.GET("/devices", s.handleListDevices)
	v1.GET("/devices/:id", s.handleGetDevice)
	v1.POST("/devices/:id/key", s.requireAdminToken(), s.handleSetDeviceKey)
	v1.GET("/alerts", s.handleListAlerts)
	v1.GET("/verifications", s.handleListVerifications)
	v1.GET("/audit/:device_id", s.handleGetAuditTrail)
	v1.POST("/2fa/setup", s.handleTwoFactorSetup)
	v1.POST("/2fa/verify", s.handleTwoFactorVerify)
	v1.GET("/health", s.handleHealth)

	webhooks := router.Group("/webhooks", s.requireSignedWebhook())
	webhooks.POST("/presence", s.handlePresenceWebhook)
	webhooks.POST("/command-ack", s.handleCommandAckWebhook)
	webhooks.POST("/command-result", s.handleCommandResultWebhook)
	webhooks.POST("/telemetry", s.handleTelemetryWebhook)
	webhooks.POST("/audit", s.handleAuditAppendWebhook)
}

func (s *Server) handleHealth(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": Version})
}

func newLogger(cfg *config.ServerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stderr
	logger := zerolog.New(out)
	if !cfg.Logging.JSON {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", "countersign").Logger()
}
