package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/countersign-io/countersign/pkg/signing"
)

// keySyncPayload mirrors a device's verification key to the executor
// so envelope signatures stay checkable on both sides.
type keySyncPayload struct {
	DeviceID         string `json:"device_id"`
	Ed25519PubKeyB64 string `json:"ed25519_pubkey_b64"`
	UpdatedAt        string `json:"updated_at"`
}

// keySyncer pushes key changes to the executor out of band. Pushes are
// best-effort; the database remains the source of truth.
type keySyncer struct {
	server *Server
	jobs   chan keySyncPayload
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func newKeySyncer(s *Server) *keySyncer {
	ctx, cancel := context.WithCancel(context.Background())
	k := &keySyncer{
		server: s,
		jobs:   make(chan keySyncPayload, 64),
		cancel: cancel,
	}
	k.wg.Add(1)
	go k.run(ctx)
	return k
}

func (k *keySyncer) Publish(payload keySyncPayload) {
	select {
	case k.jobs <- payload:
	default:
		k.server.logger.Warn().Str("device_id", payload.DeviceID).Msg("key sync queue full, push dropped")
	}
}

func (k *keySyncer) Shutdown() {
	k.cancel()
	close(k.jobs)
	k.wg.Wait()
}

func (k *keySyncer) run(ctx context.Context) {
	defer k.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-k.jobs:
			if !ok {
				return
			}
			k.push(ctx, payload)
		}
	}
}

func (k *keySyncer) push(ctx context.Context, payload keySyncPayload) {
	s := k.server

	sig, err := s.signer.SignValue(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("device_id", payload.DeviceID).Msg("failed to sign key sync payload")
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("device_id", payload.DeviceID).Msg("failed to encode key sync payload")
		return
	}

	r := newRetrier(s.cfg.Executor.RetryBackoffMs, s.cfg.Executor.RetryBackoffMs*8, 3, s.logger)
	err = r.do(func() error {
		_, err := s.tryPost(ctx, s.cfg.Executor.BaseURL+"/device/key-sync", body, sig)
		return err
	}, isRetryableHTTP)
	if err != nil {
		s.logger.Warn().Err(err).Str("device_id", payload.DeviceID).Msg("key sync push failed")
		return
	}
	s.logger.Info().Str("device_id", payload.DeviceID).Msg("device key synced to executor")
}

// requireAdminToken guards mutating admin endpoints with a static
// bearer token.
func (s *Server) requireAdminToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			respondError(c, http.StatusForbidden, "admin endpoints disabled", s.logger)
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+s.cfg.AdminToken {
			respondError(c, http.StatusUnauthorized, "invalid admin token", s.logger)
			return
		}
		c.Next()
	}
}

type deviceKeyRequest struct {
	Ed25519PubKeyB64 string `json:"ed25519_pubkey_b64" binding:"required"`
}

// handleSetDeviceKey registers or rotates a device's verification key
// and schedules the executor push.
func (s *Server) handleSetDeviceKey(c *gin.Context) {
	deviceID := c.Param("id")

	var req deviceKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid key request", s.logger)
		return
	}
	if _, err := signing.DecodePublicKey(req.Ed25519PubKeyB64); err != nil {
		respondError(c, http.StatusBadRequest, "invalid public key", s.logger)
		return
	}

	var device Device
	if err := s.db.First(&device, "device_id = ?", deviceID).Error; err != nil {
		respondError(c, http.StatusNotFound, "device not found", s.logger)
		return
	}

	if device.PubKeyB64 == req.Ed25519PubKeyB64 {
		c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "changed": false})
		return
	}

	if err := s.db.Model(&device).Update("pub_key_b64", req.Ed25519PubKeyB64).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to store key", s.logger)
		return
	}

	if _, err := s.audit.Append("admin", "admin", deviceID, "device_key_rotated", map[string]any{
		"ed25519_pubkey_b64": req.Ed25519PubKeyB64,
	}, nil); err != nil {
		logger := requestLogger(c, s.logger)
		logger.Warn().Err(err).Msg("failed to audit key rotation")
	}

	s.keySync.Publish(keySyncPayload{
		DeviceID:         deviceID,
		Ed25519PubKeyB64: req.Ed25519PubKeyB64,
		UpdatedAt:        time.Now().UTC().Format(time.RFC3339),
	})

	c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "changed": true})
}
