package cache

import (
	"net/url"
	"sort"
	"strings"
)

// keyPrefix namespaces all cache keys in Redis.
const keyPrefix = "comms"

// Key identifies a cached response.
type Key struct {
	// Host is the API host the request went to (region/edge specific).
	Host string

	// Endpoint is the request path (e.g. "/2010-04-01/Accounts/AC123/Messages.json")
	Endpoint string

	// QueryParams are the query parameters, including paging tokens
	QueryParams url.Values

	// Account is the authenticated account; responses are never shared across accounts
	Account string
}

// String generates a deterministic cache key string.
//
// Example:
//
//	comms:api.example.com/2010-04-01/Accounts/AC1/Messages.json?PageSize=50&To=%2B1%2C%2B2:acct=AC1
//
// Host, path segments, query and account are query-escaped, so ':' only
// separates the account and '?' only starts the query. Distinct keys never
// share a string. Leading and trailing slashes of Endpoint are ignored.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteByte(':')
	b.WriteString(k.resource())

	if query := k.query(); query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}

	b.WriteString(k.accountSuffix())
	return b.String()
}

// resource is the escaped host, a slash, and the escaped path segments.
func (k Key) resource() string {
	segments := strings.Split(strings.Trim(k.Endpoint, "/"), "/")
	for i, s := range segments {
		segments[i] = url.QueryEscape(s)
	}
	return url.QueryEscape(k.Host) + "/" + strings.Join(segments, "/")
}

// query encodes QueryParams with keys and values sorted.
func (k Key) query() string {
	if len(k.QueryParams) == 0 {
		return ""
	}
	sorted := make(url.Values, len(k.QueryParams))
	for key, values := range k.QueryParams {
		values = append([]string(nil), values...)
		sort.Strings(values)
		sorted[key] = values
	}
	return sorted.Encode()
}

func (k Key) accountSuffix() string {
	if k.Account == "" {
		return ""
	}
	return ":acct=" + url.QueryEscape(k.Account)
}

// collectionPattern is a Redis SCAN pattern covering every key of the
// same host and endpoint, whatever its query or account.
func (k Key) collectionPattern() string {
	// escaped output holds none of the glob metacharacters
	return keyPrefix + ":" + k.resource() + "*"
}

// sameCollection reports whether redisKey was built from a Key with the
// same Host, Endpoint and Account as k, ignoring the query.
func (k Key) sameCollection(redisKey string) bool {
	rest, ok := strings.CutPrefix(redisKey, keyPrefix+":"+k.resource())
	if !ok {
		return false
	}
	if strings.HasPrefix(rest, "?") {
		if i := strings.IndexByte(rest, ':'); i >= 0 {
			rest = rest[i:]
		} else {
			rest = ""
		}
	}
	return rest == k.accountSuffix()
}
