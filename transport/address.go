package transport

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// DefaultQueueName is used when an address carries no path segment.
const DefaultQueueName = "default"

// Address identifies an endpoint as scheme://authority/path. The scheme picks
// the backend, the authority identifies the host instance and the path names
// the queue.
type Address struct {
	Scheme    string
	Authority string
	Path      string
	Query     url.Values
}

// ParseAddress parses raw into an Address. The scheme is lower-cased.
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, errors.New("transport: address is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("transport: parse address %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return Address{}, fmt.Errorf("transport: address %q has no scheme", raw)
	}
	authority := u.Host
	if u.User != nil {
		authority = u.User.String() + "@" + u.Host
	}
	p := u.Path
	if u.Opaque != "" {
		p = u.Opaque
	}
	return Address{
		Scheme:    strings.ToLower(u.Scheme),
		Authority: authority,
		Path:      p,
		Query:     u.Query(),
	}, nil
}

// MustParseAddress is ParseAddress that panics on error. Intended for
// package-level constants and tests.
func MustParseAddress(raw string) Address {
	a, err := ParseAddress(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Scheme == "" && a.Authority == "" && a.Path == ""
}

// Key identifies the host serving this address.
func (a Address) Key() string {
	return a.Scheme + "://" + strings.ToLower(a.Authority)
}

// QueueName returns the path without surrounding slashes, or DefaultQueueName.
func (a Address) QueueName() string {
	name := strings.Trim(a.Path, "/")
	if name == "" {
		return DefaultQueueName
	}
	return name
}

// Join returns a copy of a with elem appended to the path.
func (a Address) Join(elem ...string) Address {
	parts := append([]string{"/", a.Path}, elem...)
	out := a
	out.Path = path.Join(parts...)
	out.Query = nil
	return out
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString(a.Scheme)
	b.WriteString("://")
	b.WriteString(a.Authority)
	if a.Path != "" {
		if !strings.HasPrefix(a.Path, "/") {
			b.WriteByte('/')
		}
		b.WriteString(a.Path)
	}
	if len(a.Query) > 0 {
		b.WriteByte('?')
		b.WriteString(a.Query.Encode())
	}
	return b.String()
}
