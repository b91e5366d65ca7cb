package http11

import "strings"

// Header is an ordered collection of HTTP header fields.
//
// Design:
// - Field names are compared case-insensitively per RFC 7230 §3.2
// - Each name is stored at most once (Set replaces, Add combines)
// - Iteration order is insertion order, so encoding is deterministic
// - Linear scan is faster than a map for the handful of fields a
//   request or response carries
//
// The zero value is an empty Header ready to use.
type Header struct {
	fields []headerField
}

type headerField struct {
	name  string
	value string
}

// Get returns the value of the named field, or "" if it is not present.
func (h *Header) Get(name string) string {
	if i := h.index(name); i >= 0 {
		return h.fields[i].value
	}
	return ""
}

// Lookup is like Get but also reports whether the field is present.
func (h *Header) Lookup(name string) (string, bool) {
	if i := h.index(name); i >= 0 {
		return h.fields[i].value, true
	}
	return "", false
}

// Has reports whether the named field is present.
func (h *Header) Has(name string) bool {
	return h.index(name) >= 0
}

// Set replaces the value of an existing field with the same name or appends
// a new field. The field keeps its original position; its name takes the
// spelling passed to the latest Set.
func (h *Header) Set(name, value string) {
	if i := h.index(name); i >= 0 {
		h.fields[i] = headerField{name: name, value: value}
		return
	}
	h.fields = append(h.fields, headerField{name: name, value: value})
}

// Add appends value to the named field. An existing field is combined into
// a comma-separated list per RFC 7230 §3.2.2.
func (h *Header) Add(name, value string) {
	if i := h.index(name); i >= 0 {
		h.fields[i].value += ", " + value
		return
	}
	h.fields = append(h.fields, headerField{name: name, value: value})
}

// Del removes the named field.
func (h *Header) Del(name string) {
	if i := h.index(name); i >= 0 {
		h.fields = append(h.fields[:i], h.fields[i+1:]...)
	}
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

// Reset removes all fields.
func (h *Header) Reset() {
	h.fields = h.fields[:0]
}

// VisitAll calls visitor for each field in order.
// Iteration stops if visitor returns false.
func (h *Header) VisitAll(visitor func(name, value string) bool) {
	for _, f := range h.fields {
		if !visitor(f.name, f.value) {
			return
		}
	}
}

// Clone returns a deep copy of h.
func (h *Header) Clone() Header {
	fields := make([]headerField, len(h.fields))
	copy(fields, h.fields)
	return Header{fields: fields}
}

// Contains reports whether the named field holds token in its
// comma-separated value list, compared case-insensitively.
// Used for Connection, Upgrade and Expect style fields.
func (h *Header) Contains(name, token string) bool {
	v, ok := h.Lookup(name)
	if !ok {
		return false
	}
	for _, part := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func (h *Header) index(name string) int {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].name, name) {
			return i
		}
	}
	return -1
}
