//go:build integration

package resource

import (
	"context"
	"net/http"
	"testing"

	"github.com/Sternrassler/comms-client/internal/testutil"
	"github.com/Sternrassler/comms-client/pkg/client"
	"github.com/Sternrassler/comms-client/pkg/pagination"
	"github.com/Sternrassler/comms-client/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "start redis container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisClient := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() {
		redisClient.Close()
		container.Terminate(ctx)
	})
	return redisClient
}

func newRedisClient(t *testing.T, redisClient *redis.Client, baseURL string, respectExpires bool) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig(redisClient, "TestApp/1.0.0 (integration@test.com)")
	cfg.BaseURL = baseURL
	cfg.Username = "AC123"
	cfg.Password = "secret"
	cfg.MaxRetries = 1
	cfg.RespectExpires = respectExpires

	c, err := client.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCollection_CachedEnumeration(t *testing.T) {
	redisClient := setupRedis(t)

	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetCollection(servicesPath, testutil.Collection{Key: "services", Records: testutil.Records("IS", 10)})

	coll := NewCollection[record](newRedisClient(t, redisClient, mock.URL(), true), servicesPath, nil)
	ctx := context.Background()

	first, err := coll.List(ctx, pagination.Options{PageSize: 4})
	require.NoError(t, err)
	require.Equal(t, 3, mock.GetRequestCount())

	// every page is now served from the cache
	second, err := coll.List(ctx, pagination.Options{PageSize: 4})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 3, mock.GetRequestCount(), "no upstream request for cached pages")

	// a different page size is a different first page
	_, err = coll.List(ctx, pagination.Options{PageSize: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, mock.GetRequestCount())
}

func TestCollection_RateLimitedPage(t *testing.T) {
	redisClient := setupRedis(t)

	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetCollection(callsPath, testutil.Collection{Key: "calls", Records: testutil.Records("CA", 6), Style: testutil.LegacyStyle})
	mock.FailPage(callsPath, 1, testutil.NewRateLimitResponse("1"))

	coll := NewCollection[record](newRedisClient(t, redisClient, mock.URL(), false), callsPath, nil)
	ctx := context.Background()

	var delivered int
	err := coll.Each(ctx, func(record) pagination.Outcome {
		delivered++
		return pagination.Continue
	}, pagination.Options{PageSize: 3})

	require.ErrorIs(t, err, client.ErrRetryExhausted)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, 3, delivered)

	// first page once, second page twice (one retry)
	assert.Equal(t, 3, mock.GetRequestCount())

	state, err := ratelimit.NewTracker(redisClient, zerolog.Nop()).GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, state.Consecutive429)
	assert.True(t, state.IsThrottled())
}
