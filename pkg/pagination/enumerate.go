package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// progressEvery controls how often long sessions log progress (in pages).
const progressEvery = 50

// endReason says why a session finished.
type endReason string

const (
	reasonExhausted endReason = "exhausted"
	reasonLimit     endReason = "limit"
	reasonStopped   endReason = "stopped"
	reasonAborted   endReason = "aborted"
	reasonFailed    endReason = "failed"
	reasonCancelled endReason = "cancelled"
)

// session is the state of one Each call. It is owned by that call only.
type session struct {
	id        string
	page      int
	delivered int
	seen      map[string]struct{}
	start     time.Time
	logger    zerolog.Logger
}

func newSession() *session {
	id := uuid.NewString()
	return &session{
		id:     id,
		seen:   make(map[string]struct{}),
		start:  time.Now(),
		logger: log.With().Str("component", "pagination").Str("session_id", id).Logger(),
	}
}

// Each fetches pages sequentially and hands every item to consume until the
// collection is exhausted, the limit is reached, or the consumer stops or
// aborts. It returns the session's single completion result.
func Each[T any](ctx context.Context, fetcher PageFetcher[T], consume Consumer[T], opts Options) error {
	limits, err := prepare(fetcher, consume, opts)
	if err != nil {
		return err
	}
	return each(ctx, fetcher, consume, limits, opts)
}

// EachAsync runs Each on its own goroutine. The returned channel yields the
// completion result exactly once and is then closed. Misuse errors are
// reported on the channel without starting a goroutine.
func EachAsync[T any](ctx context.Context, fetcher PageFetcher[T], consume Consumer[T], opts Options) <-chan error {
	result := make(chan error, 1)

	limits, err := prepare(fetcher, consume, opts)
	if err != nil {
		result <- err
		close(result)
		return result
	}

	go func() {
		defer close(result)
		result <- each(ctx, fetcher, consume, limits, opts)
	}()

	return result
}

// List collects every delivered item in order. On failure it returns a nil
// slice and the error, unless opts.Done swallows the error, in which case the
// items gathered so far are returned.
func List[T any](ctx context.Context, fetcher PageFetcher[T], opts Options) ([]T, error) {
	var items []T
	if opts.Limit > 0 {
		items = make([]T, 0, min(opts.Limit, MaxPageSize))
	}

	err := Each(ctx, fetcher, func(item T) Outcome {
		items = append(items, item)
		return Continue
	}, opts)
	if err != nil {
		return nil, err
	}

	return items, nil
}

func prepare[T any](fetcher PageFetcher[T], consume Consumer[T], opts Options) (Limits, error) {
	if consume == nil {
		return Limits{}, ErrNilConsumer
	}
	if fetcher == nil {
		return Limits{}, ErrNilFetcher
	}
	if fn, ok := fetcher.(FetchFunc[T]); ok && fn == nil {
		return Limits{}, ErrNilFetcher
	}
	return opts.validate()
}

func each[T any](ctx context.Context, fetcher PageFetcher[T], consume Consumer[T], limits Limits, opts Options) error {
	s := newSession()

	s.logger.Debug().
		Int("limit", limits.Limit).
		Int("page_size", limits.PageSize).
		Msg("Starting enumeration")

	reason, err := enumerate(ctx, s, fetcher, consume, limits, opts.MaxPages)
	return s.finish(reason, err, opts.Done)
}

func enumerate[T any](ctx context.Context, s *session, fetcher PageFetcher[T], consume Consumer[T], limits Limits, maxPages int) (endReason, error) {
	req := PageRequest{Number: 1, PageSize: limits.PageSize}

	for {
		if err := ctx.Err(); err != nil {
			return reasonCancelled, err
		}
		if maxPages > 0 && req.Number > maxPages {
			return reasonFailed, fmt.Errorf("%w: %d pages", ErrMaxPagesExceeded, maxPages)
		}

		page, err := fetcher.FetchPage(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return reasonCancelled, fmt.Errorf("fetch page %d: %w", req.Number, err)
			}
			return reasonFailed, fmt.Errorf("fetch page %d: %w", req.Number, err)
		}
		if page == nil {
			return reasonExhausted, nil
		}

		s.page = req.Number
		pagesFetchedTotal.Inc()
		if page.URL != "" {
			s.seen[page.URL] = struct{}{}
		}

		s.logger.Debug().
			Int("page", s.page).
			Int("items", len(page.Items)).
			Bool("has_next", page.HasNext()).
			Msg("Page fetched")

		if s.page%progressEvery == 0 {
			s.logger.Info().
				Int("pages", s.page).
				Int("delivered", s.delivered).
				Msg("Enumeration progress")
		}

		for _, item := range page.Items {
			s.delivered++
			itemsDeliveredTotal.Inc()

			switch out := consume(item); out.kind {
			case outcomeStop:
				return reasonStopped, nil
			case outcomeAbort:
				return reasonAborted, out.err
			}

			if limits.Limit > 0 && s.delivered >= limits.Limit {
				return reasonLimit, nil
			}
		}

		if !page.HasNext() {
			return reasonExhausted, nil
		}
		if _, dup := s.seen[page.NextPageURL]; dup {
			return reasonFailed, fmt.Errorf("%w: %s", ErrPageCycle, page.NextPageURL)
		}
		s.seen[page.NextPageURL] = struct{}{}

		req = PageRequest{
			Number:   req.Number + 1,
			PageSize: limits.PageSize,
			Ref:      page.NextPageURL,
		}
	}
}

// finish produces the session's completion result. It runs once per session.
func (s *session) finish(reason endReason, err error, done func(error) error) error {
	if done != nil {
		err = done(err)
	}

	duration := time.Since(s.start)
	enumerationsTotal.WithLabelValues(string(reason)).Inc()
	enumerationDuration.Observe(duration.Seconds())

	event := s.logger.Info()
	if err != nil {
		event = s.logger.Warn().Err(err)
	}
	event.
		Str("reason", string(reason)).
		Int("pages", s.page).
		Int("delivered", s.delivered).
		Dur("duration", duration).
		Msg("Enumeration complete")

	return err
}
