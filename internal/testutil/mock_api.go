// Package testutil provides testing utilities for the comms client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock API endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// PageStyle selects how a mock collection reports its paging links.
type PageStyle int

const (
	// MetaStyle nests absolute paging URLs in a "meta" object, as the
	// versioned product APIs do.
	MetaStyle PageStyle = iota

	// LegacyStyle reports relative *_page_uri fields at the top level, as
	// the 2010-04-01 API does.
	LegacyStyle
)

// Collection is a paginated list served by MockAPI.
type Collection struct {
	// Key is the JSON key holding the records.
	Key     string
	Records []any
	Style   PageStyle

	// DefaultPageSize applies when the request has no PageSize (default 50).
	DefaultPageSize int
}

// MockAPI is a configurable mock platform API server for testing.
type MockAPI struct {
	server      *httptest.Server
	mu          sync.RWMutex
	handlers    map[string]func(w http.ResponseWriter, r *http.Request)
	collections map[string]Collection
	failures    map[string]map[int]MockResponse

	// Tracking
	RequestCount      int
	ConditionalCount  int
	LastRequestHeader http.Header
	requests          []string
}

// NewMockAPI creates a new mock API server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers:    make(map[string]func(w http.ResponseWriter, r *http.Request)),
		collections: make(map[string]Collection),
		failures:    make(map[string]map[int]MockResponse),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.requests = append(mock.requests, r.URL.RequestURI())

		// Track conditional requests
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.ConditionalCount++
		}
		handler, hasHandler := mock.handlers[r.URL.Path]
		coll, hasCollection := mock.collections[r.URL.Path]
		mock.mu.Unlock()

		switch {
		case hasHandler:
			handler(w, r)
		case hasCollection:
			mock.serveCollection(w, r, coll)
		default:
			mock.defaultHandler(w, r)
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.LastRequestHeader = nil
	m.requests = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetCollection serves coll as a paginated list at path. Pages are selected
// with the PageSize and Page (0-based) query parameters.
func (m *MockAPI) SetCollection(path string, coll Collection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[path] = coll
}

// FailPage makes the given 0-based page of the collection at path answer with resp.
func (m *MockAPI) FailPage(path string, page int, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures[path] == nil {
		m.failures[path] = make(map[int]MockResponse)
	}
	m.failures[path][page] = resp
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockAPI) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

// Requests returns the request URIs received so far, in order.
func (m *MockAPI) Requests() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.requests...)
}

func (m *MockAPI) serveCollection(w http.ResponseWriter, r *http.Request, coll Collection) {
	q := r.URL.Query()

	size := coll.DefaultPageSize
	if size <= 0 {
		size = 50
	}
	if v, err := strconv.Atoi(q.Get("PageSize")); err == nil && v > 0 {
		size = min(v, 1000)
	}
	page := 0
	if v, err := strconv.Atoi(q.Get("Page")); err == nil && v >= 0 {
		page = v
	}

	m.mu.RLock()
	failure, failing := m.failures[r.URL.Path][page]
	m.mu.RUnlock()
	if failing {
		writeResponse(w, failure)
		return
	}

	start := min(page*size, len(coll.Records))
	end := min(start+size, len(coll.Records))
	records := coll.Records[start:end]
	if records == nil {
		records = []any{}
	}

	pageURI := func(n int) string {
		v := url.Values{}
		v.Set("PageSize", strconv.Itoa(size))
		v.Set("Page", strconv.Itoa(n))
		v.Set("PageToken", fmt.Sprintf("PT%d", n))
		return r.URL.Path + "?" + v.Encode()
	}

	var next, previous any
	body := map[string]any{coll.Key: records}

	switch coll.Style {
	case LegacyStyle:
		if end < len(coll.Records) {
			next = pageURI(page + 1)
		}
		if page > 0 {
			previous = pageURI(page - 1)
		}
		body["next_page_uri"] = next
		body["previous_page_uri"] = previous
		body["first_page_uri"] = pageURI(0)
		body["uri"] = r.URL.RequestURI()
		body["page"] = page
		body["page_size"] = size
		body["start"] = start
		body["end"] = max(end-1, start)
	default:
		if end < len(coll.Records) {
			next = m.server.URL + pageURI(page+1)
		}
		if page > 0 {
			previous = m.server.URL + pageURI(page-1)
		}
		body["meta"] = map[string]any{
			"key":               coll.Key,
			"page":              page,
			"page_size":         size,
			"first_page_url":    m.server.URL + pageURI(0),
			"previous_page_url": previous,
			"next_page_url":     next,
			"url":               m.server.URL + r.URL.RequestURI(),
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// defaultHandler answers unknown paths with the API's 404 error document.
func (m *MockAPI) defaultHandler(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, NewErrorResponse(http.StatusNotFound, 20404,
		fmt.Sprintf("The requested resource %s was not found", r.URL.Path)))
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	// Add delay if specified
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// Records builds n records of the form {"sid": "<prefix>000", "index": 0}.
func Records(prefix string, n int) []any {
	records := make([]any, n)
	for i := range records {
		records[i] = map[string]any{
			"sid":   fmt.Sprintf("%s%03d", prefix, i),
			"index": i,
		}
	}
	return records
}

// NewHealthyResponse creates a standard 200 OK response with an ETag.
func NewHealthyResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"ETag":         `"test-etag-123"`,
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewNotModifiedResponse creates a 304 Not Modified response.
func NewNotModifiedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotModified,
		Headers: map[string]string{
			"Cache-Control": "max-age=300",
		},
	}
}

// NewErrorResponse creates a response carrying the API's JSON error document.
func NewErrorResponse(status, code int, message string) MockResponse {
	body, _ := json.Marshal(map[string]any{
		"code":      code,
		"message":   message,
		"more_info": fmt.Sprintf("https://www.twilio.com/docs/errors/%d", code),
		"status":    status,
	})
	return MockResponse{
		StatusCode: status,
		Body:       string(body),
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := NewErrorResponse(http.StatusTooManyRequests, 20429, "Too Many Requests")
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return NewErrorResponse(http.StatusInternalServerError, 20500, "Internal Server Error")
}

// NewConditionalHandler creates a handler that responds with 304 for conditional requests.
func NewConditionalHandler(etag string, data string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")

		// Check If-None-Match header
		if r.Header.Get("If-None-Match") == etag {
			w.Header().Set("Cache-Control", "max-age=300")
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}
