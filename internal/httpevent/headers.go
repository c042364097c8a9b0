package httpevent

import (
	"net/textproto"
)

// Headers is an ordered, case-insensitive multimap, preserving both the
// order of distinct keys and the byte-identity/order of repeated values for
// a key, per spec §3's "Request / Response Messages" data model. It wraps
// the same canonicalization net/http itself uses (textproto.CanonicalMIMEHeaderKey)
// so header names compare the way every HTTP stack in the pack already
// expects.
type Headers struct {
	keys   []string            // canonical key, first-seen order
	values map[string][]string // canonical key -> values, in arrival order
}

// NewHeaders returns an empty Headers multimap.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

// Add appends value to key, preserving arrival order.
func (h *Headers) Add(key, value string) {
	ck := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := h.values[ck]; !ok {
		h.keys = append(h.keys, ck)
	}
	h.values[ck] = append(h.values[ck], value)
}

// Set replaces all values for key with a single value.
func (h *Headers) Set(key, value string) {
	ck := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := h.values[ck]; !ok {
		h.keys = append(h.keys, ck)
	}
	h.values[ck] = []string{value}
}

// Del removes all values for key.
func (h *Headers) Del(key string) {
	ck := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := h.values[ck]; !ok {
		return
	}
	delete(h.values, ck)
	for i, k := range h.keys {
		if k == ck {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Get returns the first value for key, or "" if absent.
func (h *Headers) Get(key string) string {
	vs := h.values[textproto.CanonicalMIMEHeaderKey(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for key, in arrival order. The returned slice
// must not be mutated by the caller.
func (h *Headers) Values(key string) []string {
	return h.values[textproto.CanonicalMIMEHeaderKey(key)]
}

// Keys returns the distinct canonical keys in first-seen order.
func (h *Headers) Keys() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Clone returns a deep copy of h.
func (h *Headers) Clone() *Headers {
	if h == nil {
		return NewHeaders()
	}
	out := &Headers{
		keys:   append([]string(nil), h.keys...),
		values: make(map[string][]string, len(h.values)),
	}
	for k, v := range h.values {
		out.values[k] = append([]string(nil), v...)
	}
	return out
}

// Range calls fn once per (key, value) pair in deterministic order: keys in
// first-seen order, values within a key in arrival order.
func (h *Headers) Range(fn func(key, value string)) {
	for _, k := range h.keys {
		for _, v := range h.values[k] {
			fn(k, v)
		}
	}
}

// ToMultimap flattens h into a map[string][]string, for exposure to the
// selector engine's headers() member function.
func (h *Headers) ToMultimap() map[string][]string {
	out := make(map[string][]string, len(h.keys))
	for _, k := range h.keys {
		out[k] = h.values[k]
	}
	return out
}
