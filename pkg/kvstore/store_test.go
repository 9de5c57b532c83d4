package kvstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestMemoryIncrementStartsAtOne(t *testing.T) {
	s := NewMemoryStore()
	v, err := s.Increment("dispatch")
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
	v, err = s.Increment("dispatch")
	require.NoError(t, err)
	require.Equal(t, int64(2), v)

	// Independent names do not share state.
	v, err = s.Increment("other")
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestCacheTTLAndPull(t *testing.T) {
	s := NewMemoryStore()
	s.PutTTL("pending:u1", "SECRET", time.Minute)

	v, ok := s.Pull("pending:u1")
	require.True(t, ok)
	require.Equal(t, "SECRET", v)

	// Pull is single-use.
	_, ok = s.Pull("pending:u1")
	require.False(t, ok)

	s.PutTTL("pending:u2", "SECRET", -time.Second)
	_, ok = s.Pull("pending:u2")
	require.False(t, ok, "expired entries must not be returned")
}

func TestGormIncrementConcurrent(t *testing.T) {
	dsn := fmt.Sprintf("file:counter-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Counter{}))

	store := NewGormStore(db)

	const n = 20
	results := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := store.Increment("seq")
				if err == nil {
					results <- v
					return
				}
				// sqlite can report busy under contention; retry.
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool, n)
	for v := range results {
		require.False(t, seen[v], "duplicate sequence value %d", v)
		seen[v] = true
	}
	for i := int64(1); i <= n; i++ {
		require.True(t, seen[i], "missing sequence value %d", i)
	}
}
