package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setupTestRedis connects to a local Redis on DB 14 and skips when none is running.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   14,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{name: "empty", value: ""},
		{name: "seconds", value: "3", want: 3 * time.Second, wantOK: true},
		{name: "seconds with spaces", value: " 7 ", want: 7 * time.Second, wantOK: true},
		{name: "zero", value: "0", want: 0, wantOK: true},
		{name: "negative", value: "-1"},
		{name: "garbage", value: "soon"},
		{name: "http date", value: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second, wantOK: true},
		{name: "http date in past", value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.value, now)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseRetryAfter(%q) = (%v, %v), want (%v, %v)", tt.value, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestTracker_DefaultState(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, zerolog.New(os.Stderr).Level(zerolog.Disabled))

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsHealthy || state.Consecutive429 != 0 || state.IsThrottled() {
		t.Errorf("default state = %+v, want healthy and unthrottled", state)
	}
}

func TestTracker_UpdateFromResponse(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, zerolog.New(os.Stderr).Level(zerolog.Disabled))
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("Retry-After", "2")

	if err := tracker.UpdateFromResponse(ctx, http.StatusTooManyRequests, headers); err != nil {
		t.Fatalf("UpdateFromResponse(429) error = %v", err)
	}
	if err := tracker.UpdateFromResponse(ctx, http.StatusTooManyRequests, http.Header{}); err != nil {
		t.Fatalf("UpdateFromResponse(429) error = %v", err)
	}

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Consecutive429 != 2 {
		t.Errorf("Consecutive429 = %d, want 2", state.Consecutive429)
	}
	if state.IsHealthy {
		t.Error("state with 429 streak reported healthy")
	}
	if !state.IsThrottled() {
		t.Error("expected open throttle window")
	}

	// any other response clears the streak
	if err := tracker.UpdateFromResponse(ctx, http.StatusOK, http.Header{}); err != nil {
		t.Fatalf("UpdateFromResponse(200) error = %v", err)
	}
	state, err = tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Consecutive429 != 0 || state.IsThrottled() {
		t.Errorf("state after success = %+v, want cleared", state)
	}
}

func TestTracker_ShouldAllowRequest(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, zerolog.New(os.Stderr).Level(zerolog.Disabled))
	ctx := context.Background()

	allowed, err := tracker.ShouldAllowRequest(ctx)
	if err != nil || !allowed {
		t.Fatalf("ShouldAllowRequest() = (%v, %v), want (true, nil)", allowed, err)
	}

	// open a short window and verify the call waits for it
	if err := tracker.UpdateFromResponse(ctx, http.StatusTooManyRequests, http.Header{}); err != nil {
		t.Fatalf("UpdateFromResponse() error = %v", err)
	}
	start := time.Now()
	allowed, err = tracker.ShouldAllowRequest(ctx)
	if err != nil || !allowed {
		t.Fatalf("ShouldAllowRequest() = (%v, %v), want (true, nil)", allowed, err)
	}
	if elapsed := time.Since(start); elapsed < DefaultThrottleWindow/2 {
		t.Errorf("ShouldAllowRequest() returned after %v, expected to wait for the window", elapsed)
	}
}

func TestTracker_ShouldAllowRequest_CriticalBlock(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, zerolog.New(os.Stderr).Level(zerolog.Disabled))
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("Retry-After", "30")
	for i := 0; i < ThrottleThresholdCritical; i++ {
		if err := tracker.UpdateFromResponse(ctx, http.StatusTooManyRequests, headers); err != nil {
			t.Fatalf("UpdateFromResponse() error = %v", err)
		}
	}

	allowed, err := tracker.ShouldAllowRequest(ctx)
	if err != nil {
		t.Fatalf("ShouldAllowRequest() error = %v", err)
	}
	if allowed {
		t.Error("request allowed during critical 429 streak")
	}
}

func TestTracker_ShouldAllowRequest_ContextCancelled(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, zerolog.New(os.Stderr).Level(zerolog.Disabled))

	headers := http.Header{}
	headers.Set("Retry-After", "5")
	if err := tracker.UpdateFromResponse(context.Background(), http.StatusTooManyRequests, headers); err != nil {
		t.Fatalf("UpdateFromResponse() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	allowed, err := tracker.ShouldAllowRequest(ctx)
	if allowed {
		t.Error("request allowed after context deadline")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}
