package main

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

var errNonceReplay = errors.New("nonce replay detected")

// NonceStore provides persistent replay protection for executor
// webhooks. Nonces older than the window are pruned on each check.
type NonceStore struct {
	db     *gorm.DB
	window time.Duration
}

func NewNonceStore(db *gorm.DB, window time.Duration) *NonceStore {
	return &NonceStore{db: db, window: window}
}

// CheckAndStore records a nonce for a source, returning errNonceReplay
// when the pair was already seen inside the window.
func (s *NonceStore) CheckAndStore(source, nonce string, ts time.Time) error {
	if source == "" || nonce == "" {
		return errors.New("missing source or nonce")
	}

	cutoff := time.Now().Add(-s.window)
	if err := s.db.Where("seen_at < ?", cutoff).Delete(&WebhookNonce{}).Error; err != nil {
		return err
	}

	record := WebhookNonce{Source: source, Nonce: nonce, SeenAt: ts}
	if err := s.db.Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint") {
			return errNonceReplay
		}
		return err
	}

	return nil
}
