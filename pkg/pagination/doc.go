// Package pagination walks paginated API collections one page at a time.
//
// A collection is exposed through a PageFetcher: given a PageRequest it returns
// one Page holding the page's items and an optional reference to the next
// page. Each drives the fetcher sequentially and hands every item to a
// Consumer, which answers with an explicit Outcome:
//
//	err := pagination.Each(ctx, fetcher, func(msg Message) pagination.Outcome {
//		if msg.Status == "failed" {
//			return pagination.Abort(fmt.Errorf("message %s failed", msg.SID))
//		}
//		fmt.Println(msg.SID)
//		return pagination.Continue
//	}, pagination.Options{Limit: 200, PageSize: 50})
//
// List materializes everything up to the limit:
//
//	messages, err := pagination.List(ctx, fetcher, pagination.Options{Limit: 500})
//
// Guarantees of one enumeration session:
//   - page N+1 is never requested before every item of page N was offered
//   - at most Options.Limit items are delivered and no page beyond the one
//     that reached the limit is fetched
//   - the session finishes exactly once; its error is the Each return value,
//     or the value returned by Options.Done when a hook is installed
//   - a next-page reference that was already followed fails the session with
//     ErrPageCycle, and Options.MaxPages bounds the number of fetches
//
// References are compared as strings. The first page is requested without a
// reference, so a link back to it is only recognized when the fetcher sets
// Page.URL. Without it the first page is fetched once more before the cycle
// is reported.
//
// No retries happen here; retrying belongs to the HTTP transport (pkg/client).
package pagination
