package txnsvc

import (
	"strings"
)

// ServiceName is an immutable dot-separated path identifying a service
// inside a registry. Names with equal segments are equal; ServiceName is
// comparable and usable as a map key.
type ServiceName struct {
	canonical string
}

// NewServiceName builds a name from path segments. Empty segments are
// dropped; an all-empty input yields the zero name.
func NewServiceName(segments ...string) ServiceName {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return ServiceName{canonical: strings.Join(parts, ".")}
}

// ParseServiceName parses a dot-separated path into a name.
func ParseServiceName(s string) ServiceName {
	return NewServiceName(strings.Split(s, ".")...)
}

// Segments returns the path segments of the name.
func (n ServiceName) Segments() []string {
	if n.canonical == "" {
		return nil
	}
	return strings.Split(n.canonical, ".")
}

// Append returns a new name with the given segments appended.
func (n ServiceName) Append(segments ...string) ServiceName {
	return NewServiceName(append(n.Segments(), segments...)...)
}

// IsZero reports whether the name has no segments.
func (n ServiceName) IsZero() bool {
	return n.canonical == ""
}

// String returns the canonical dot-separated form.
func (n ServiceName) String() string {
	return n.canonical
}
