package pagination

import (
	"errors"
	"fmt"
)

// MaxPageSize is the largest page size the platform accepts.
const MaxPageSize = 1000

// Common errors returned by the enumeration helpers.
var (
	// ErrNilConsumer is returned when Each is called without a consumer.
	ErrNilConsumer = errors.New("pagination: consumer is required")

	// ErrNilFetcher is returned when no page fetcher is supplied.
	ErrNilFetcher = errors.New("pagination: page fetcher is required")

	// ErrInvalidLimit is returned for a negative limit.
	ErrInvalidLimit = errors.New("pagination: limit must be a positive integer")

	// ErrInvalidPageSize is returned for a negative page size.
	ErrInvalidPageSize = errors.New("pagination: page size must be a positive integer")

	// ErrInvalidMaxPages is returned for a negative page bound.
	ErrInvalidMaxPages = errors.New("pagination: max pages must be a positive integer")

	// ErrPageCycle is returned when a next-page reference was already followed.
	ErrPageCycle = errors.New("pagination: next page reference repeats")

	// ErrMaxPagesExceeded is returned when Options.MaxPages pages were fetched
	// and the collection still reports a next page.
	ErrMaxPagesExceeded = errors.New("pagination: maximum page count exceeded")
)

// Options controls one enumeration session.
type Options struct {
	// Limit is the maximum number of items delivered. 0 means no limit.
	Limit int

	// PageSize is forwarded to the fetcher as a hint. When 0 and a Limit is
	// set, min(Limit, MaxPageSize) is used.
	PageSize int

	// MaxPages bounds the number of page fetches. 0 means unbounded.
	MaxPages int

	// Done, when set, is called exactly once with the session's final error
	// (nil on success). Its return value becomes the result of Each, so
	// returning nil swallows the failure.
	Done func(err error) error
}

// Limits is the normalized limit/page size pair.
type Limits struct {
	Limit    int
	PageSize int
}

// ReadLimits validates a limit and page size and derives the page size when
// only a limit is given.
func ReadLimits(limit, pageSize int) (Limits, error) {
	if limit < 0 {
		return Limits{}, fmt.Errorf("%w (got %d)", ErrInvalidLimit, limit)
	}
	if pageSize < 0 {
		return Limits{}, fmt.Errorf("%w (got %d)", ErrInvalidPageSize, pageSize)
	}

	if limit > 0 && pageSize == 0 {
		pageSize = min(limit, MaxPageSize)
	}

	return Limits{Limit: limit, PageSize: pageSize}, nil
}

func (o Options) validate() (Limits, error) {
	limits, err := ReadLimits(o.Limit, o.PageSize)
	if err != nil {
		return Limits{}, err
	}
	if o.MaxPages < 0 {
		return Limits{}, fmt.Errorf("%w (got %d)", ErrInvalidMaxPages, o.MaxPages)
	}
	return limits, nil
}
