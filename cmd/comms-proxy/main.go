package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/comms-client/pkg/client"
	"github.com/Sternrassler/comms-client/pkg/logging"
	"github.com/Sternrassler/comms-client/pkg/metrics"
	"github.com/Sternrassler/comms-client/pkg/pagination"
	"github.com/Sternrassler/comms-client/pkg/resource"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second

	// maxListPages bounds a single /list call.
	maxListPages = 100
)

func main() {
	_, err := logging.Setup(logging.Config{
		Level:   logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty:  getEnv("LOG_PRETTY", "false") == "true",
		Service: "comms-proxy",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	// Configuration from environment
	redisURL := getEnv("REDIS_URL", "localhost:6379")
	port := getEnv("PORT", "8080")
	userAgent := getEnv("USER_AGENT", "comms-client/0.1.0")

	// Setup Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("redis", redisURL).Msg("Failed to connect to Redis")
	}
	log.Info().Str("redis", redisURL).Msg("Connected to Redis")

	cfg := client.DefaultConfig(redisClient, userAgent)
	cfg.BaseURL = getEnv("API_BASE_URL", client.DefaultBaseURL)
	cfg.Username = getEnv("API_USERNAME", "")
	cfg.Password = getEnv("API_PASSWORD", "")
	cfg.Region = getEnv("API_REGION", "")
	cfg.Edge = getEnv("API_EDGE", "")

	apiClient, err := client.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create API client")
	}
	defer apiClient.Close()

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newMux(redisClient, apiClient),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("addr", srv.Addr).
		Str("user_agent", userAgent).
		Str("base_url", cfg.BaseURL).
		Msg("Starting comms proxy server")

	if err := run(ctx, srv, shutdownTimeout); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Comms proxy server stopped")
}

func newMux(redisClient *redis.Client, apiClient *client.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(redisClient, apiClient))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/", apiProxyHandler(apiClient))
	mux.HandleFunc("/list/", listHandler(apiClient))
	return mux
}

// run serves srv until ctx is cancelled, then shuts it down within timeout.
func run(ctx context.Context, srv *http.Server, timeout time.Duration) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		log.Info().Msg("Shutting down comms proxy server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(redisClient *redis.Client, apiClient *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("Readiness check failed: redis unavailable")
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		if apiClient == nil {
			http.Error(w, "api client not initialized", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

func apiProxyHandler(apiClient *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// /api/2010-04-01/Accounts/AC123/Messages.json -> /2010-04-01/Accounts/AC123/Messages.json
		endpoint := strings.TrimPrefix(r.URL.Path, "/api")

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		resp, err := apiClient.Get(ctx, endpoint, r.URL.Query())
		if err != nil {
			writeUpstreamError(w, err)
			return
		}
		defer resp.Body.Close()

		for key, values := range resp.Header {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		w.WriteHeader(resp.StatusCode)

		if _, err := io.Copy(w, resp.Body); err != nil {
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("Failed to write response")
		}
	}
}

// listHandler enumerates a collection and answers with its records as one
// JSON array. limit and page_size are taken from the query; every other
// parameter is forwarded as a list filter.
func listHandler(apiClient *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		query := r.URL.Query()
		limit, err := intParam(query, "limit")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pageSize, err := intParam(query, "page_size")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := pagination.ReadLimits(limit, pageSize); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		query.Del("limit")
		query.Del("page_size")

		endpoint := strings.TrimPrefix(r.URL.Path, "/list")

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		coll := resource.NewCollection[json.RawMessage](apiClient, endpoint, query)
		items, err := coll.List(ctx, pagination.Options{
			Limit:    limit,
			PageSize: pageSize,
			MaxPages: maxListPages,
		})
		if err != nil {
			writeUpstreamError(w, err)
			return
		}
		if items == nil {
			items = []json.RawMessage{}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(items); err != nil {
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("Failed to write response")
		}
	}
}

// writeUpstreamError maps client errors onto proxy responses. API errors keep
// their status, blocked requests answer 429, everything else 502.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var apiErr *client.APIError
	switch {
	case errors.As(err, &apiErr):
		http.Error(w, apiErr.Error(), apiErr.StatusCode)
	case errors.Is(err, client.ErrRequestBlocked):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
	}
}

func intParam(query map[string][]string, name string) (int, error) {
	values := query[name]
	if len(values) == 0 || values[0] == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(values[0])
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, values[0])
	}
	return n, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
