package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/xid"

	"github.com/countersign-io/countersign/pkg/canonical"
)

// auditChain appends tamper-evident entries to a per-device hash chain.
// Appends for the same device are serialized so the prev-hash link
// never forks under concurrent writers.
type auditChain struct {
	server *Server
	locks  cmap.ConcurrentMap[string, *sync.Mutex]
}

func newAuditChain(s *Server) *auditChain {
	return &auditChain{
		server: s,
		locks:  cmap.New[*sync.Mutex](),
	}
}

func (a *auditChain) deviceLock(deviceID string) *sync.Mutex {
	lock := a.locks.Upsert(deviceID, nil, func(exists bool, current, _ *sync.Mutex) *sync.Mutex {
		if exists {
			return current
		}
		return &sync.Mutex{}
	})
	return lock
}

// Append writes one chain entry. prevHash, when non-nil, overrides the
// stored tail; an empty string starts a fresh genesis link.
func (a *auditChain) Append(actor, actorID, deviceID, eventType string, payload any, prevHash *string) (*AuditTrailEntry, error) {
	canonicalPayload, err := canonical.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}
	payloadDigest := sha256.Sum256(canonicalPayload)
	payloadHash := hex.EncodeToString(payloadDigest[:])

	lock := a.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	prev := ""
	if prevHash != nil {
		prev = *prevHash
	} else {
		var tail AuditTrailEntry
		err := a.server.db.
			Where("device_id = ?", deviceID).
			Order("id desc").
			First(&tail).Error
		if err == nil {
			prev = tail.Hash
		}
	}

	linkDigest := sha256.Sum256([]byte(prev + payloadHash))
	hash := hex.EncodeToString(linkDigest[:])

	signature := a.server.signer.SignBytes([]byte(hash))

	entry := AuditTrailEntry{
		AuditID:     xid.New().String(),
		Actor:       actor,
		ActorID:     actorID,
		DeviceID:    deviceID,
		EventType:   eventType,
		PayloadHash: payloadHash,
		PrevHash:    prev,
		Hash:        hash,
		Signature:   signature,
		Timestamp:   time.Now().UTC(),
	}
	if err := a.server.db.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("persist audit entry: %w", err)
	}
	return &entry, nil
}

// Chain returns the full chain for a device in append order.
func (a *auditChain) Chain(deviceID string) ([]AuditTrailEntry, error) {
	var entries []AuditTrailEntry
	err := a.server.db.
		Where("device_id = ?", deviceID).
		Order("id asc").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// VerifyChain walks the stored chain and reports the first broken link,
// if any. A valid chain returns (-1, nil).
func (a *auditChain) VerifyChain(deviceID string) (int, error) {
	entries, err := a.Chain(deviceID)
	if err != nil {
		return -1, err
	}

	prev := ""
	for i, entry := range entries {
		if entry.PrevHash != prev {
			return i, fmt.Errorf("entry %s: prev hash mismatch", entry.AuditID)
		}
		digest := sha256.Sum256([]byte(entry.PrevHash + entry.PayloadHash))
		if hex.EncodeToString(digest[:]) != entry.Hash {
			return i, fmt.Errorf("entry %s: hash mismatch", entry.AuditID)
		}
		prev = entry.Hash
	}
	return -1, nil
}
