package metadata

import (
	"net/http"
	"sort"
)

// Headers is the opaque header mapping handed to every handler's Authorize
// phase. A key maps to one or more values; single-valued headers are stored
// as a one-element slice.
type Headers map[string][]string

// New constructs Headers from alternating key/value pairs. Repeated keys
// accumulate values in order.
func New(pairs ...string) Headers {
	h := make(Headers, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		h[pairs[i]] = append(h[pairs[i]], pairs[i+1])
	}
	return h
}

// Get returns the first value stored under key, or "".
func (h Headers) Get(key string) string {
	values := h[key]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Values returns every value stored under key.
func (h Headers) Values(key string) []string {
	return h[key]
}

// Has reports whether key is present, even with no values.
func (h Headers) Has(key string) bool {
	_, ok := h[key]
	return ok
}

func (h Headers) cloneWithExtra(extra int) Headers {
	size := len(h) + extra
	if size <= 0 {
		return Headers{}
	}

	cloned := make(Headers, size)
	for k, v := range h {
		cloned[k] = append([]string(nil), v...)
	}
	return cloned
}

// Clone returns a deep copy; value slices are not shared.
func (h Headers) Clone() Headers {
	return h.cloneWithExtra(0)
}

// With returns a copy with key set to values, replacing any existing entry.
func (h Headers) With(key string, values ...string) Headers {
	cloned := h.cloneWithExtra(1)
	cloned[key] = append([]string(nil), values...)
	return cloned
}

// WithAll returns a copy containing every entry of extra. Entries in extra win.
func (h Headers) WithAll(extra Headers) Headers {
	cloned := h.cloneWithExtra(len(extra))
	for k, v := range extra {
		cloned[k] = append([]string(nil), v...)
	}
	return cloned
}

// Keys returns the header names in sorted order.
func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromHTTP copies an http.Header. Canonical header names are kept as-is.
func FromHTTP(header http.Header) Headers {
	if len(header) == 0 {
		return Headers{}
	}
	return Headers(header).Clone()
}

// ToHTTP copies the headers into an http.Header using canonical names.
func (h Headers) ToHTTP() http.Header {
	out := make(http.Header, len(h))
	for k, values := range h {
		for _, v := range values {
			out.Add(k, v)
		}
	}
	return out
}
