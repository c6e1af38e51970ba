package sse

import (
	"strconv"
	"strings"

	"github.com/drblury/transit/internal/runtime/metadata"
	"github.com/drblury/transit/transport"
)

// Header keys that select the clients an event is pushed to. Values may list
// several targets separated by ',' or ';'.
const (
	HeaderBroadcast          = "sse_broadcast"
	HeaderConnections        = "sse_connections"
	HeaderExcludeConnections = "sse_exclude_connections"
	HeaderStreams            = "sse_streams"
	HeaderGroups             = "sse_groups"
	HeaderUsers              = "sse_users"
	HeaderEventName          = "sse_event"
	HeaderEventID            = "sse_event_id"
)

// Targets selects clients for one event.
type Targets struct {
	Broadcast           bool
	Connections         []string
	ExcludedConnections []string
	Streams             []string
	Groups              []string
	Users               []string
}

func (t Targets) hasTargets() bool {
	return len(t.Connections) > 0 || len(t.Streams) > 0 || len(t.Groups) > 0 || len(t.Users) > 0
}

// IsEmpty reports whether t selects nothing at all.
func (t Targets) IsEmpty() bool {
	return !t.Broadcast && !t.hasTargets() && len(t.ExcludedConnections) == 0
}

// ResolveTargets reads targets from the message headers and, when dest is
// set, from its path. Destination paths take the form
// /<kind>/<value>[/<value>...] where kind is connection(s), stream(s),
// group(s), user(s) or broadcast. Without any target the event is broadcast
// only when defaultBroadcast is set.
func ResolveTargets(headers metadata.Metadata, dest *transport.Address, defaultBroadcast bool) Targets {
	t := Targets{
		Connections:         values(headers, HeaderConnections),
		ExcludedConnections: values(headers, HeaderExcludeConnections),
		Streams:             values(headers, HeaderStreams),
		Groups:              values(headers, HeaderGroups),
		Users:               values(headers, HeaderUsers),
	}
	if b, err := strconv.ParseBool(headers[HeaderBroadcast]); err == nil {
		t.Broadcast = b
	}
	if dest != nil {
		t.applyDestination(*dest)
	}
	if !t.Broadcast && !t.hasTargets() && defaultBroadcast {
		t.Broadcast = true
	}
	t.Connections = dedupe(t.Connections)
	t.ExcludedConnections = dedupe(t.ExcludedConnections)
	t.Streams = dedupe(t.Streams)
	t.Groups = dedupe(t.Groups)
	t.Users = dedupe(t.Users)
	return t
}

func (t *Targets) applyDestination(dest transport.Address) {
	var segments []string
	for _, s := range strings.Split(dest.Path, "/") {
		if s = strings.TrimSpace(s); s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return
	}
	kind := strings.ToLower(segments[0])
	var vals []string
	for _, s := range segments[1:] {
		vals = appendDelimited(vals, s)
	}
	switch kind {
	case "broadcast":
		t.Broadcast = true
	case "connection", "connections":
		t.Connections = append(t.Connections, vals...)
	case "stream", "streams":
		t.Streams = append(t.Streams, vals...)
	case "group", "groups":
		t.Groups = append(t.Groups, vals...)
	case "user", "users":
		t.Users = append(t.Users, vals...)
	}
}

func values(headers metadata.Metadata, key string) []string {
	return appendDelimited(nil, headers[key])
}

func appendDelimited(out []string, raw string) []string {
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func dedupe(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		k := fold(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}
