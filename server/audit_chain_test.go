package main

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditChainGenesisAndLinking(t *testing.T) {
	s, _ := newTestServer(t)

	first, err := s.audit.Append("user", "u-1", "dev-1", "command_accepted", map[string]any{"n": 1}, nil)
	require.NoError(t, err)
	require.Empty(t, first.PrevHash)

	digest := sha256.Sum256([]byte(first.PrevHash + first.PayloadHash))
	require.Equal(t, hex.EncodeToString(digest[:]), first.Hash)

	second, err := s.audit.Append("user", "u-1", "dev-1", "command_accepted", map[string]any{"n": 2}, nil)
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.PrevHash)

	entries, err := s.audit.Chain("dev-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	broken, err := s.audit.VerifyChain("dev-1")
	require.NoError(t, err)
	require.Equal(t, -1, broken)
}

func TestAuditChainIsPerDevice(t *testing.T) {
	s, _ := newTestServer(t)

	a, err := s.audit.Append("user", "u-1", "dev-a", "evt", map[string]any{"x": 1}, nil)
	require.NoError(t, err)
	b, err := s.audit.Append("user", "u-1", "dev-b", "evt", map[string]any{"x": 1}, nil)
	require.NoError(t, err)

	// Each device starts its own genesis link.
	require.Empty(t, a.PrevHash)
	require.Empty(t, b.PrevHash)
}

func TestAuditChainDetectsTampering(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.audit.Append("user", "u-1", "dev-1", "evt", map[string]any{"n": 1}, nil)
	require.NoError(t, err)
	second, err := s.audit.Append("user", "u-1", "dev-1", "evt", map[string]any{"n": 2}, nil)
	require.NoError(t, err)

	require.NoError(t, s.db.Model(&AuditTrailEntry{}).
		Where("audit_id = ?", second.AuditID).
		Update("payload_hash", "doctored").Error)

	broken, err := s.audit.VerifyChain("dev-1")
	require.Error(t, err)
	require.Equal(t, 1, broken)
}

func TestAuditChainConcurrentAppendsNeverFork(t *testing.T) {
	s, _ := newTestServer(t)

	const writers = 16
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.audit.Append("user", "u-1", "dev-1", "evt", map[string]any{"n": n}, nil)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := s.audit.Chain("dev-1")
	require.NoError(t, err)
	require.Len(t, entries, writers)

	broken, err := s.audit.VerifyChain("dev-1")
	require.NoError(t, err)
	require.Equal(t, -1, broken)
}

func TestAuditChainExplicitPrevOverride(t *testing.T) {
	s, _ := newTestServer(t)

	prev := "external-tail"
	entry, err := s.audit.Append("user", "u-1", "dev-1", "evt", map[string]any{"n": 1}, &prev)
	require.NoError(t, err)
	require.Equal(t, prev, entry.PrevHash)
}
