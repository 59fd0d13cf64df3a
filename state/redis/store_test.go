package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/execflow/state"
	"github.com/PipeOpsHQ/execflow/state/statetest"
)

func newTestRedisStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := "execflow-test-" + uuid.NewString()

	s, err := New(addr, WithPrefix(prefix), WithTTL(5*time.Minute))
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		keys, _ := s.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = s.client.Del(ctx, keys...).Err()
		}
		_ = s.Close()
	})
	return s
}

func TestRedisStore(t *testing.T) {
	statetest.Run(t, newTestRedisStore(t))
}

func TestRedisStore_TTLApplied(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	run, err := s.NewRun(ctx, "wf", nil)
	if err != nil {
		t.Fatalf("NewRun failed: %v", err)
	}
	ttl, err := s.client.TTL(ctx, s.runKey(run.RunID)).Result()
	if err != nil {
		t.Fatalf("failed to read run ttl: %v", err)
	}
	if ttl <= 0 || ttl > 5*time.Minute {
		t.Fatalf("unexpected run ttl: %v", ttl)
	}
	if _, err := s.SaveCheckpoint(ctx, state.CheckpointRecord{RunID: run.RunID, Key: "k"}); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	ttl, err = s.client.TTL(ctx, s.checkpointKey(run.RunID)).Result()
	if err != nil {
		t.Fatalf("failed to read checkpoint ttl: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected checkpoint ttl, got %v", ttl)
	}
}

func TestRedisStore_RunLock(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := s.AcquireRunLock(ctx, "run-1", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected owner-a to acquire lock, ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireRunLock(ctx, "run-1", "owner-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected owner-b to be refused, ok=%v err=%v", ok, err)
	}
	if err := s.ReleaseRunLock(ctx, "run-1", "owner-b"); err != nil {
		t.Fatalf("release by non-owner failed: %v", err)
	}
	if err := s.ReleaseRunLock(ctx, "run-1", "owner-a"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	ok, err = s.AcquireRunLock(ctx, "run-1", "owner-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected owner-b to acquire after release, ok=%v err=%v", ok, err)
	}
}
