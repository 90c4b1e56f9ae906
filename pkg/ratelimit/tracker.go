package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for throttle tracking.
var (
	throttleConsecutive429 = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "comms_throttle_consecutive_429",
		Help: "Number of consecutive 429 responses observed by the shared throttle",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comms_rate_limit_blocks_total",
		Help: "Total number of requests blocked due to a critical 429 streak",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comms_rate_limit_throttles_total",
		Help: "Total number of requests delayed by an open throttle window",
	})

	throttleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "comms_throttle_wait_seconds",
		Help:    "Time requests spent waiting for a throttle window to close",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
)

// Tracker monitors 429 responses and gates requests.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a new throttle tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// GetState retrieves the current throttle state from Redis.
// Returns a healthy state if no data exists in Redis.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	values, err := t.redis.MGet(ctx, RedisKeyThrottledUntil, RedisKeyConsecutive429, RedisKeyLastUpdate).Result()
	if err != nil {
		return nil, fmt.Errorf("get throttle state: %w", err)
	}

	if values[0] == nil && values[1] == nil && values[2] == nil {
		t.logger.Debug().Msg("No throttle state in Redis, returning healthy state")
		return &State{
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}

	throttledUntil, err := unixMillis(values[0])
	if err != nil {
		return nil, fmt.Errorf("parse throttled until: %w", err)
	}
	lastUpdate, err := unixMillis(values[2])
	if err != nil {
		return nil, fmt.Errorf("parse last update: %w", err)
	}

	var consecutive int
	if s, ok := values[1].(string); ok {
		if consecutive, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("parse consecutive 429: %w", err)
		}
	}

	state := &State{
		ThrottledUntil: throttledUntil,
		Consecutive429: consecutive,
		LastUpdate:     lastUpdate,
	}
	state.UpdateHealth()

	return state, nil
}

// UpdateFromResponse records the outcome of one response in Redis.
// A 429 extends the streak and opens a throttle window; any other status
// clears a streak in progress. Responses without a streak to clear cost one
// Redis read.
func (t *Tracker) UpdateFromResponse(ctx context.Context, statusCode int, headers http.Header) error {
	if statusCode != http.StatusTooManyRequests {
		return t.reset(ctx)
	}

	consecutive, err := t.redis.Incr(ctx, RedisKeyConsecutive429).Result()
	if err != nil {
		return fmt.Errorf("increment consecutive 429: %w", err)
	}

	retryAfter, _ := ParseRetryAfter(headers.Get("Retry-After"), time.Now())
	window := throttleWindow(int(consecutive), retryAfter)

	now := time.Now()
	state := &State{
		ThrottledUntil: now.Add(window),
		Consecutive429: int(consecutive),
		LastUpdate:     now,
	}
	state.UpdateHealth()

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyThrottledUntil, state.ThrottledUntil.UnixMilli(), stateTTL)
	pipe.Expire(ctx, RedisKeyConsecutive429, stateTTL)
	pipe.Set(ctx, RedisKeyLastUpdate, now.UnixMilli(), stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}

	throttleConsecutive429.Set(float64(consecutive))

	logEvent := t.logger.Info()
	msg := "Throttle window opened"
	if state.Consecutive429 >= ThrottleThresholdCritical {
		logEvent = t.logger.Error()
		msg = "429 streak CRITICAL - requests will be blocked"
	} else if state.Consecutive429 >= ThrottleThresholdWarning {
		logEvent = t.logger.Warn()
		msg = "429 streak WARNING - requests will be throttled"
	}
	logEvent.
		Int("consecutive_429", state.Consecutive429).
		Dur("window", window).
		Time("throttled_until", state.ThrottledUntil).
		Msg(msg)

	return nil
}

func (t *Tracker) reset(ctx context.Context) error {
	consecutive, err := t.redis.Get(ctx, RedisKeyConsecutive429).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("get consecutive 429: %w", err)
	}
	if consecutive == 0 {
		return nil
	}

	if err := t.redis.Del(ctx, RedisKeyThrottledUntil, RedisKeyConsecutive429, RedisKeyLastUpdate).Err(); err != nil {
		return fmt.Errorf("clear throttle state: %w", err)
	}

	throttleConsecutive429.Set(0)
	t.logger.Info().Int("previous_streak", consecutive).Msg("Throttle state cleared")
	return nil
}

// ShouldAllowRequest checks if a request should be allowed based on the current state.
// Returns false if the request should be blocked due to a critical 429 streak.
// Returns true after waiting out an open throttle window, at most MaxThrottleWait.
// A cancelled context ends the wait with ctx.Err().
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get throttle state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("consecutive_429", state.Consecutive429).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("429 streak critical - blocking request")

		rateLimitBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		wait := state.TimeUntilReset()
		if wait > MaxThrottleWait {
			wait = MaxThrottleWait
		}

		t.logger.Warn().
			Int("consecutive_429", state.Consecutive429).
			Dur("wait_duration", wait).
			Msg("Throttle window open - delaying request")

		rateLimitThrottlesTotal.Inc()
		throttleWaitSeconds.Observe(wait.Seconds())

		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	return true, nil
}

// ParseRetryAfter parses a Retry-After header value given either as
// delay-seconds or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

func unixMillis(v interface{}) (time.Time, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
