package resource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Sternrassler/comms-client/pkg/client"
	"github.com/Sternrassler/comms-client/pkg/pagination"
)

// Requester is the part of *client.Client a Collection needs.
type Requester interface {
	Get(ctx context.Context, path string, query url.Values) (*http.Response, error)
	Fetch(ctx context.Context, ref string) (*http.Response, error)
}

// Collection is a list endpoint whose records decode into T.
// It implements pagination.PageFetcher[T].
type Collection[T any] struct {
	Client Requester

	// Path of the list endpoint, relative to the client's base URL or absolute.
	Path string

	// Query holds list filters sent with the first page request.
	// Later pages follow the server's next page reference, which carries them.
	Query url.Values
}

// NewCollection returns a Collection for path with optional filters.
func NewCollection[T any](c Requester, path string, query url.Values) *Collection[T] {
	return &Collection[T]{Client: c, Path: path, Query: query}
}

// FetchPage implements pagination.PageFetcher. The first page is requested
// from Path with PageSize set from the request; later pages follow req.Ref.
// Non-200 responses are returned as *client.APIError.
func (c *Collection[T]) FetchPage(ctx context.Context, req pagination.PageRequest) (*pagination.Page[T], error) {
	var (
		resp *http.Response
		err  error
	)
	if req.IsFirst() {
		query := url.Values{}
		for k, vs := range c.Query {
			query[k] = append([]string(nil), vs...)
		}
		if req.PageSize > 0 {
			query.Set("PageSize", strconv.Itoa(req.PageSize))
		}
		resp, err = c.Client.Get(ctx, c.Path, query)
	} else {
		resp, err = c.Client.Fetch(ctx, req.Ref)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, client.ParseAPIError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read page body: %w", err)
	}

	return DecodePage[T](body, req.Number)
}

// Each enumerates the collection, see pagination.Each.
func (c *Collection[T]) Each(ctx context.Context, consume pagination.Consumer[T], opts pagination.Options) error {
	return pagination.Each[T](ctx, c, consume, opts)
}

// List collects the collection into a slice, see pagination.List.
func (c *Collection[T]) List(ctx context.Context, opts pagination.Options) ([]T, error) {
	return pagination.List[T](ctx, c, opts)
}

// Page fetches the first page. pageSize 0 leaves the size to the server.
func (c *Collection[T]) Page(ctx context.Context, pageSize int) (*pagination.Page[T], error) {
	return c.FetchPage(ctx, pagination.PageRequest{Number: 1, PageSize: pageSize})
}

// NextPage fetches the page after page, nil when page is the last one.
func (c *Collection[T]) NextPage(ctx context.Context, page *pagination.Page[T]) (*pagination.Page[T], error) {
	if !page.HasNext() {
		return nil, nil
	}
	return c.FetchPage(ctx, pagination.PageRequest{
		Number:   page.Number + 1,
		PageSize: page.PageSize,
		Ref:      page.NextPageURL,
	})
}

// PreviousPage fetches the page before page, nil when page is the first one.
func (c *Collection[T]) PreviousPage(ctx context.Context, page *pagination.Page[T]) (*pagination.Page[T], error) {
	if page == nil || page.PreviousPageURL == "" {
		return nil, nil
	}
	return c.FetchPage(ctx, pagination.PageRequest{
		Number:   max(page.Number-1, 1),
		PageSize: page.PageSize,
		Ref:      page.PreviousPageURL,
	})
}

// Stream enumerates the collection on its own goroutine and delivers items
// on the returned channel, which is closed when enumeration ends. The error
// channel then yields the completion result once and is closed.
// Cancel ctx to stop reading early; the pending send is abandoned.
func (c *Collection[T]) Stream(ctx context.Context, opts pagination.Options) (<-chan T, <-chan error) {
	items := make(chan T)
	errc := make(chan error, 1)

	done := pagination.EachAsync[T](ctx, c, func(item T) pagination.Outcome {
		select {
		case items <- item:
			return pagination.Continue
		case <-ctx.Done():
			return pagination.Abort(ctx.Err())
		}
	}, opts)

	go func() {
		err := <-done
		close(items)
		errc <- err
		close(errc)
	}()

	return items, errc
}
