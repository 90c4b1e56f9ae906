package resource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/Sternrassler/comms-client/internal/testutil"
	"github.com/Sternrassler/comms-client/pkg/client"
	"github.com/Sternrassler/comms-client/pkg/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	servicesPath = "/v1/Services"
	callsPath    = "/2010-04-01/Accounts/AC123/Calls.json"
)

func newTestClient(t *testing.T, baseURL string) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig(nil, "TestApp/1.0.0 (test@example.com)")
	cfg.BaseURL = baseURL
	cfg.Username = "AC123"
	cfg.Password = "secret"
	cfg.MaxRetries = 0

	c, err := client.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sids(records []record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Sid
	}
	return out
}

func expectedSids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%03d", prefix, i)
	}
	return out
}

func TestCollection_ListMetaStyle(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetCollection(servicesPath, testutil.Collection{Key: "services", Records: testutil.Records("IS", 7)})

	coll := NewCollection[record](newTestClient(t, mock.URL()), servicesPath, nil)

	items, err := coll.List(context.Background(), pagination.Options{PageSize: 3})
	require.NoError(t, err)

	assert.Equal(t, expectedSids("IS", 7), sids(items))
	assert.Equal(t, 3, mock.GetRequestCount())
}

func TestCollection_ListLegacyStyle(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetCollection(callsPath, testutil.Collection{Key: "calls", Records: testutil.Records("CA", 5), Style: testutil.LegacyStyle})

	coll := NewCollection[record](newTestClient(t, mock.URL()), callsPath, nil)

	items, err := coll.List(context.Background(), pagination.Options{PageSize: 2})
	require.NoError(t, err)

	assert.Equal(t, expectedSids("CA", 5), sids(items))
	assert.Equal(t, 3, mock.GetRequestCount())
}

func TestCollection_FirstPageQuery(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetCollection(callsPath, testutil.Collection{Key: "calls", Records: testutil.Records("CA", 1), Style: testutil.LegacyStyle})

	query := url.Values{"Status": {"completed"}}
	coll := NewCollection[record](newTestClient(t, mock.URL()), callsPath, query)

	_, err := coll.List(context.Background(), pagination.Options{PageSize: 20})
	require.NoError(t, err)

	requests := mock.Requests()
	require.Len(t, requests, 1)
	u, err := url.Parse(requests[0])
	require.NoError(t, err)
	assert.Equal(t, "completed", u.Query().Get("Status"))
	assert.Equal(t, "20", u.Query().Get("PageSize"))

	// the caller's filters are not modified
	assert.Equal(t, url.Values{"Status": {"completed"}}, query)
}

func TestCollection_LimitStopsFetching(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetCollection(servicesPath, testutil.Collection{Key: "services", Records: testutil.Records("IS", 100)})

	coll := NewCollection[record](newTestClient(t, mock.URL()), servicesPath, nil)

	// limit 25 derives a page size of 25
	items, err := coll.List(context.Background(), pagination.Options{Limit: 25})
	require.NoError(t, err)
	assert.Len(t, items, 25)
	assert.Equal(t, 1, mock.GetRequestCount())

	mock.Reset()
	items, err = coll.List(context.Background(), pagination.Options{Limit: 25, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, items, 25)
	assert.Equal(t, 3, mock.GetRequestCount())
}

func TestCollection_PageFailure(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetCollection(servicesPath, testutil.Collection{Key: "services", Records: testutil.Records("IS", 6)})
	mock.FailPage(servicesPath, 1, testutil.NewErrorResponse(http.StatusForbidden, 20403, "Forbidden"))

	coll := NewCollection[record](newTestClient(t, mock.URL()), servicesPath, nil)

	var delivered []record
	err := coll.Each(context.Background(), func(r record) pagination.Outcome {
		delivered = append(delivered, r)
		return pagination.Continue
	}, pagination.Options{PageSize: 3})

	require.Error(t, err)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, 20403, apiErr.Code)
	assert.Len(t, delivered, 3, "items of the first page are delivered before the failure")
}

func TestCollection_ServerErrorExhausted(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetCollection(servicesPath, testutil.Collection{Key: "services", Records: testutil.Records("IS", 2)})
	mock.FailPage(servicesPath, 0, testutil.NewServerErrorResponse())

	coll := NewCollection[record](newTestClient(t, mock.URL()), servicesPath, nil)

	_, err := coll.List(context.Background(), pagination.Options{})
	require.ErrorIs(t, err, client.ErrRetryExhausted)
}

func TestCollection_DoneHookSwallows(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetCollection(servicesPath, testutil.Collection{Key: "services", Records: testutil.Records("IS", 4)})
	mock.FailPage(servicesPath, 1, testutil.NewErrorResponse(http.StatusNotFound, 20404, "gone"))

	coll := NewCollection[record](newTestClient(t, mock.URL()), servicesPath, nil)

	var seen error
	items, err := coll.List(context.Background(), pagination.Options{
		PageSize: 2,
		Done: func(err error) error {
			seen = err
			return nil
		},
	})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	require.Error(t, seen)
}

func TestCollection_PageNavigation(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetCollection(servicesPath, testutil.Collection{Key: "services", Records: testutil.Records("IS", 5)})

	coll := NewCollection[record](newTestClient(t, mock.URL()), servicesPath, nil)
	ctx := context.Background()

	first, err := coll.Page(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"IS000", "IS001"}, sids(first.Items))
	assert.Equal(t, 1, first.Number)

	prev, err := coll.PreviousPage(ctx, first)
	require.NoError(t, err)
	assert.Nil(t, prev)

	second, err := coll.NextPage(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, []string{"IS002", "IS003"}, sids(second.Items))
	assert.Equal(t, 2, second.Number)

	back, err := coll.PreviousPage(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, sids(first.Items), sids(back.Items))
	assert.Equal(t, 1, back.Number)

	third, err := coll.NextPage(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, []string{"IS004"}, sids(third.Items))

	end, err := coll.NextPage(ctx, third)
	require.NoError(t, err)
	assert.Nil(t, end)
}

func TestCollection_Stream(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetCollection(servicesPath, testutil.Collection{Key: "services", Records: testutil.Records("IS", 9)})

	coll := NewCollection[record](newTestClient(t, mock.URL()), servicesPath, nil)

	items, errc := coll.Stream(context.Background(), pagination.Options{PageSize: 4, Limit: 6})

	var got []record
	for item := range items {
		got = append(got, item)
	}
	require.NoError(t, <-errc)
	assert.Equal(t, expectedSids("IS", 6), sids(got))

	_, open := <-errc
	assert.False(t, open, "error channel is closed after the result")
}

func TestCollection_StreamCancelled(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetCollection(servicesPath, testutil.Collection{Key: "services", Records: testutil.Records("IS", 50)})

	coll := NewCollection[record](newTestClient(t, mock.URL()), servicesPath, nil)

	ctx, cancel := context.WithCancel(context.Background())
	items, errc := coll.Stream(ctx, pagination.Options{PageSize: 10})

	<-items
	cancel()

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish after cancel")
	}
}

func TestCollection_FetchFuncCompatible(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetCollection(servicesPath, testutil.Collection{Key: "services", Records: testutil.Records("IS", 3)})

	coll := NewCollection[record](newTestClient(t, mock.URL()), servicesPath, nil)

	var pages []int
	fetcher := pagination.FetchFunc[record](func(ctx context.Context, req pagination.PageRequest) (*pagination.Page[record], error) {
		pages = append(pages, req.Number)
		return coll.FetchPage(ctx, req)
	})

	items, err := pagination.List[record](context.Background(), fetcher, pagination.Options{PageSize: 1})
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, []int{1, 2, 3}, pages)
}
