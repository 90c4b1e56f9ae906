package pagination

import "context"

// Page is an immutable snapshot of one collection fetch.
type Page[T any] struct {
	// Items in server order.
	Items []T

	// NextPageURL references the following page (absolute URL, relative URI
	// or opaque token). Empty on the last page.
	NextPageURL string

	// PreviousPageURL references the preceding page, if the API reports one.
	PreviousPageURL string

	// URL is the page's own location in the same form as NextPageURL, if the
	// API reports one. Cycle detection treats it as already followed.
	URL string

	// Number is the 1-based position of the page within the session.
	Number int

	// PageSize is the page size the server applied, 0 if unknown.
	PageSize int
}

// Len returns the number of items on the page.
func (p *Page[T]) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Items)
}

// HasNext reports whether another page follows this one.
func (p *Page[T]) HasNext() bool {
	return p != nil && p.NextPageURL != ""
}

// PageRequest describes the page a fetcher is asked for.
type PageRequest struct {
	// Number is the 1-based page counter. Diagnostic only.
	Number int

	// PageSize is an advisory size hint; 0 leaves it to the server.
	PageSize int

	// Ref is the NextPageURL of the previous page, empty for the first page.
	Ref string
}

// IsFirst reports whether the request is for the first page.
func (r PageRequest) IsFirst() bool {
	return r.Ref == ""
}

// PageFetcher fetches a single page of a collection.
// Returning a nil page and a nil error signals that no further pages exist.
type PageFetcher[T any] interface {
	FetchPage(ctx context.Context, req PageRequest) (*Page[T], error)
}

// FetchFunc adapts a function to the PageFetcher interface.
type FetchFunc[T any] func(ctx context.Context, req PageRequest) (*Page[T], error)

// FetchPage calls f(ctx, req).
func (f FetchFunc[T]) FetchPage(ctx context.Context, req PageRequest) (*Page[T], error) {
	return f(ctx, req)
}
