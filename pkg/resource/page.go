// Package resource adapts the platform's paginated list endpoints to the
// pagination package. A Collection fetches pages over a client.Client and
// DecodePage turns a list response into a pagination.Page.
package resource

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/comms-client/pkg/pagination"
)

// ErrUndecodablePage is returned when a list response has no record array.
var ErrUndecodablePage = errors.New("unable to determine page records")

// metaKeys are top-level fields of a list response that never hold records.
var metaKeys = map[string]bool{
	"end":               true,
	"first_page_uri":    true,
	"last_page_uri":     true,
	"next_page_uri":     true,
	"num_pages":         true,
	"page":              true,
	"page_size":         true,
	"previous_page_uri": true,
	"start":             true,
	"total":             true,
	"uri":               true,
	"meta":              true,
}

type pageMeta struct {
	Key             string  `json:"key"`
	URL             *string `json:"url"`
	NextPageURL     *string `json:"next_page_url"`
	PreviousPageURL *string `json:"previous_page_url"`
	PageSize        int     `json:"page_size"`
}

type field struct {
	name  string
	value json.RawMessage
}

// DecodePage decodes one list response into a page numbered number.
//
// Paging links come from meta.url / meta.next_page_url /
// meta.previous_page_url when the meta object reports them, else from the
// top-level uri / next_page_uri / previous_page_uri (relative, resolved by
// the client on fetch). Records are read from the key named by meta.key; without it, from the only non-meta
// field, else from the first array-valued non-meta field.
func DecodePage[T any](body []byte, number int) (*pagination.Page[T], error) {
	fields, err := objectFields(body)
	if err != nil {
		return nil, fmt.Errorf("decode page %d: %w", number, err)
	}

	byName := make(map[string]json.RawMessage, len(fields))
	for _, f := range fields {
		byName[f.name] = f.value
	}

	page := &pagination.Page[T]{Number: number}

	var legacy struct {
		URI             *string `json:"uri"`
		NextPageURI     *string `json:"next_page_uri"`
		PreviousPageURI *string `json:"previous_page_uri"`
		PageSize        int     `json:"page_size"`
	}
	if err := json.Unmarshal(body, &legacy); err != nil {
		return nil, fmt.Errorf("decode page %d links: %w", number, err)
	}
	page.URL = deref(legacy.URI)
	page.NextPageURL = deref(legacy.NextPageURI)
	page.PreviousPageURL = deref(legacy.PreviousPageURI)
	page.PageSize = legacy.PageSize

	var meta pageMeta
	if raw, ok := byName["meta"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("decode page %d meta: %w", number, err)
		}
		if meta.URL != nil {
			page.URL = *meta.URL
		}
		if meta.NextPageURL != nil {
			page.NextPageURL = *meta.NextPageURL
		}
		if meta.PreviousPageURL != nil {
			page.PreviousPageURL = *meta.PreviousPageURL
		}
		if meta.PageSize > 0 {
			page.PageSize = meta.PageSize
		}
	}

	records, key, err := recordsField(fields, byName, meta.Key)
	if err != nil {
		return nil, fmt.Errorf("decode page %d: %w", number, err)
	}
	if !isNull(records) {
		if err := json.Unmarshal(records, &page.Items); err != nil {
			return nil, fmt.Errorf("decode page %d records %q: %w", number, key, err)
		}
	}

	return page, nil
}

// recordsField locates the record array of a list response.
func recordsField(fields []field, byName map[string]json.RawMessage, metaKey string) (json.RawMessage, string, error) {
	if metaKey != "" {
		raw, ok := byName[metaKey]
		if !ok {
			return nil, "", fmt.Errorf("%w: meta.key %q not in response", ErrUndecodablePage, metaKey)
		}
		return raw, metaKey, nil
	}

	var candidates []field
	for _, f := range fields {
		if !metaKeys[f.name] {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 1 {
		return candidates[0].value, candidates[0].name, nil
	}
	for _, f := range candidates {
		if isArray(f.value) {
			return f.value, f.name, nil
		}
	}
	return nil, "", ErrUndecodablePage
}

// objectFields returns the top-level fields of a JSON object in document order.
func objectFields(body []byte) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: response is not a JSON object", ErrUndecodablePage)
	}

	var fields []field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, _ := tok.(string)

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		fields = append(fields, field{name: name, value: value})
	}
	return fields, nil
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
