//go:build integration

package ratelimit

import (
	"context"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestTracker_Integration_SharedWindow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	first := NewTracker(redisClient, logger)
	second := NewTracker(redisClient, logger)
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("Retry-After", "1")
	if err := first.UpdateFromResponse(ctx, http.StatusTooManyRequests, headers); err != nil {
		t.Fatalf("UpdateFromResponse() error = %v", err)
	}

	// the peer sees the window opened by the first tracker
	state, err := second.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsThrottled() {
		t.Fatal("peer tracker does not see the throttle window")
	}

	start := time.Now()
	allowed, err := second.ShouldAllowRequest(ctx)
	if err != nil || !allowed {
		t.Fatalf("ShouldAllowRequest() = (%v, %v), want (true, nil)", allowed, err)
	}
	if elapsed := time.Since(start); elapsed < 800*time.Millisecond {
		t.Errorf("ShouldAllowRequest() waited %v, want about 1s", elapsed)
	}
}

func TestTracker_Integration_ConcurrentStreak(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker := NewTracker(redisClient, logger)
			if err := tracker.UpdateFromResponse(ctx, http.StatusTooManyRequests, http.Header{}); err != nil {
				t.Errorf("UpdateFromResponse() error = %v", err)
			}
		}()
	}
	wg.Wait()

	state, err := NewTracker(redisClient, logger).GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Consecutive429 != workers {
		t.Errorf("Consecutive429 = %d, want %d", state.Consecutive429, workers)
	}
	if !state.NeedsCriticalBlock() {
		t.Error("expected critical block after concurrent 429 streak")
	}
}

func TestTracker_Integration_StateExpires(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, logger)
	ctx := context.Background()

	if err := tracker.UpdateFromResponse(ctx, http.StatusTooManyRequests, http.Header{}); err != nil {
		t.Fatalf("UpdateFromResponse() error = %v", err)
	}

	for _, key := range []string{RedisKeyThrottledUntil, RedisKeyConsecutive429, RedisKeyLastUpdate} {
		ttl, err := redisClient.TTL(ctx, key).Result()
		if err != nil {
			t.Fatalf("TTL(%s) error = %v", key, err)
		}
		if ttl <= 0 || ttl > stateTTL {
			t.Errorf("TTL(%s) = %v, want within (0, %v]", key, ttl, stateTTL)
		}
	}
}
