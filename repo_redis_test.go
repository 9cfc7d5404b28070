package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *redisStore {
	t.Helper()
	m := miniredis.RunT(t)
	s, err := NewRedisStore(RedisConfig{Addr: m.Addr(), Prefix: "options-test"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisRepositories(t *testing.T) {
	t.Run("positions", func(t *testing.T) {
		positionRepoContract(t, NewRedisPositionRepo(newTestRedisStore(t)))
	})
	t.Run("groups", func(t *testing.T) {
		groupRepoContract(t, NewRedisGroupRepo(newTestRedisStore(t)))
	})
}

func TestRedisPositionRepo_WritesDoNotResurrectDeleted(t *testing.T) {
	repo := NewRedisPositionRepo(newTestRedisStore(t))

	const n = 20
	batch := make([]Position, n)
	assign := make(map[string]string, n)
	for i := range batch {
		batch[i] = newPos(fmt.Sprintf("p%02d", i), "SPY", "2025-01-15T10:30:00.000Z")
		assign[batch[i].ID] = "g1"
	}
	_, err := repo.CreateBatch(batch)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, p := range batch {
		wg.Add(2)
		go func(p Position) {
			defer wg.Done()
			assert.NoError(t, repo.Delete(p.ID))
		}(p)
		go func(p Position) {
			defer wg.Done()
			p.Quantity = 3
			if _, err := repo.Update(p); err != nil && !errors.Is(err, ErrNotFound) {
				assert.ErrorIs(t, err, goredis.TxFailedErr)
			}
		}(p)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := repo.AssignGroups(assign); err != nil {
			assert.ErrorIs(t, err, goredis.TxFailedErr)
		}
	}()
	wg.Wait()

	left, err := repo.List(ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, left)
	for _, p := range batch {
		_, err := repo.GetByID(p.ID)
		assert.ErrorIs(t, err, ErrNotFound, p.ID)
	}
}

func TestRedisStore_Ping(t *testing.T) {
	m := miniredis.RunT(t)
	s, err := NewRedisStore(RedisConfig{Addr: m.Addr()})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
	m.Close()
	assert.ErrorContains(t, s.Ping(context.Background()), "redis ping")
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{Addr: "127.0.0.1:1"})
	require.ErrorContains(t, err, "redis ping")
}
