package main

import (
	"fmt"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/countersign-io/countersign/pkg/config"
	"github.com/countersign-io/countersign/pkg/kvstore"
	"github.com/countersign-io/countersign/pkg/registry"
	"github.com/countersign-io/countersign/pkg/sequence"
	"github.com/countersign-io/countersign/pkg/signing"
	"github.com/countersign-io/countersign/pkg/totp"
)

var testDBSeq int64

// newTestServer builds a fully wired server on an in-memory database.
// The dispatch pool has no workers, so accepted commands stay queued
// until a test drives dispatch explicitly. The returned signer plays
// the executor's side for webhook signatures.
func newTestServer(t *testing.T) (*Server, *signing.Signer) {
	t.Helper()

	dsn := fmt.Sprintf("file:countersign-test-%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&Device{}, &User{}, &Command{}, &AuditTrailEntry{},
		&StateVerification{}, &Alert{}, &TelemetrySnapshot{},
		&WebhookNonce{}, &kvstore.Counter{},
	))

	serverPriv, _, err := signing.GenerateKeypair()
	require.NoError(t, err)
	execPriv, execPub, err := signing.GenerateKeypair()
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.AdminToken = "test-admin-token"
	cfg.Signing.PrivateKeyB64 = serverPriv
	cfg.Signing.ExecutorPublicKeyB64 = execPub
	cfg.Audit.ArchivePath = filepath.Join(t.TempDir(), "archive.jsonl")
	cfg.Executor.RequestTimeout = 1
	cfg.Executor.RetryBackoffMs = 1
	require.NoError(t, cfg.Validate())

	signer, err := signing.NewSigner(serverPriv)
	require.NoError(t, err)
	executorPub, err := signing.DecodePublicKey(execPub)
	require.NoError(t, err)

	s := &Server{
		db:          db,
		cfg:         cfg,
		logger:      zerolog.Nop(),
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
	s.archive = NewArchiveWriter(cfg.Audit.ArchivePath, s.logger)
	s.audit = newAuditChain(s)
	s.dispatcher = newDispatchPool(s, 0, 8)
	s.keySync = newKeySyncer(s)
	t.Cleanup(s.Shutdown)

	execSigner, err := signing.NewSigner(execPriv)
	require.NoError(t, err)
	return s, execSigner
}

func seedDevice(t *testing.T, s *Server, device Device) Device {
	t.Helper()
	if device.LifecycleState == "" {
		device.LifecycleState = "active"
	}
	require.NoError(t, s.db.Create(&device).Error)
	return device
}

func seedUser(t *testing.T, s *Server, user User) User {
	t.Helper()
	if user.Role == "" {
		user.Role = "admin"
	}
	require.NoError(t, s.db.Create(&user).Error)
	return user
}

// currentCode computes the TOTP code an authenticator would show now.
func currentCode(s *Server, secret string) string {
	return s.totp.Generate(secret, uint64(time.Now().Unix()/30))
}

// healthySignals fills a request with passing compliance inputs.
func healthySignals(req *CommandRequest) {
	req.Signals.AttestationStatus = "pass"
	req.Signals.LastUpdateState = "ok"
	req.Signals.RevocationStatus = "valid"
	req.Signals.ClockSkewSeconds = 0
}
