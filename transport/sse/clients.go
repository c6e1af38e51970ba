package sse

import (
	"strings"
	"sync"
)

// DefaultStream is assigned to clients that do not ask for a stream.
const DefaultStream = "all"

// DefaultClientBuffer is the number of pending events kept per client.
const DefaultClientBuffer = 128

// Event is one server-sent event.
type Event struct {
	ID      string
	Name    string
	Data    string
	Comment string
}

// Client is a connected event stream consumer.
type Client struct {
	ID      string
	UserID  string
	Streams []string
	Groups  []string

	events chan Event
	once   sync.Once
}

func newClient(id, userID string, streams, groups []string, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultClientBuffer
	}
	if len(streams) == 0 {
		streams = []string{DefaultStream}
	}
	return &Client{
		ID:      id,
		UserID:  userID,
		Streams: streams,
		Groups:  groups,
		events:  make(chan Event, buffer),
	}
}

// enqueue drops the event when the client buffer is full.
func (c *Client) enqueue(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) complete() {
	c.once.Do(func() { close(c.events) })
}

// Clients indexes connected clients by id, stream, group and user. Lookups
// are case-insensitive.
type Clients struct {
	mu      sync.RWMutex
	byID    map[string]*Client
	streams map[string]map[string]struct{}
	groups  map[string]map[string]struct{}
	users   map[string]map[string]struct{}
}

// NewClients returns an empty client index.
func NewClients() *Clients {
	return &Clients{
		byID:    map[string]*Client{},
		streams: map[string]map[string]struct{}{},
		groups:  map[string]map[string]struct{}{},
		users:   map[string]map[string]struct{}{},
	}
}

func (r *Clients) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := fold(c.ID)
	if _, ok := r.byID[id]; ok {
		return
	}
	r.byID[id] = c
	index(r.streams, c.Streams, id)
	index(r.groups, c.Groups, id)
	if c.UserID != "" {
		index(r.users, []string{c.UserID}, id)
	}
}

func (r *Clients) remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := fold(c.ID)
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	unindex(r.streams, c.Streams, id)
	unindex(r.groups, c.Groups, id)
	if c.UserID != "" {
		unindex(r.users, []string{c.UserID}, id)
	}
}

// Len returns the number of connected clients.
func (r *Clients) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Resolve returns the clients selected by t.
func (r *Clients) Resolve(t Targets) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	excluded := set(t.ExcludedConnections)
	if t.Broadcast || (!t.hasTargets() && len(excluded) > 0) {
		out := make([]*Client, 0, len(r.byID))
		for id, c := range r.byID {
			if _, skip := excluded[id]; !skip {
				out = append(out, c)
			}
		}
		return out
	}

	resolved := map[string]struct{}{}
	for _, id := range t.Connections {
		if _, ok := r.byID[fold(id)]; ok {
			resolved[fold(id)] = struct{}{}
		}
	}
	collect(resolved, r.users, t.Users)
	collect(resolved, r.groups, t.Groups)
	collect(resolved, r.streams, t.Streams)

	out := make([]*Client, 0, len(resolved))
	for id := range resolved {
		if _, skip := excluded[id]; skip {
			continue
		}
		if c, ok := r.byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Clients) closeAll() {
	r.mu.Lock()
	clients := r.byID
	r.byID = map[string]*Client{}
	r.streams = map[string]map[string]struct{}{}
	r.groups = map[string]map[string]struct{}{}
	r.users = map[string]map[string]struct{}{}
	r.mu.Unlock()
	for _, c := range clients {
		c.complete()
	}
}

func index(idx map[string]map[string]struct{}, keys []string, id string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		k := fold(key)
		ids, ok := idx[k]
		if !ok {
			ids = map[string]struct{}{}
			idx[k] = ids
		}
		ids[id] = struct{}{}
	}
}

func unindex(idx map[string]map[string]struct{}, keys []string, id string) {
	for _, key := range keys {
		k := fold(key)
		ids, ok := idx[k]
		if !ok {
			continue
		}
		delete(ids, id)
		if len(ids) == 0 {
			delete(idx, k)
		}
	}
}

func collect(into map[string]struct{}, idx map[string]map[string]struct{}, keys []string) {
	for _, key := range keys {
		for id := range idx[fold(key)] {
			into[id] = struct{}{}
		}
	}
}

func set(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[fold(v)] = struct{}{}
	}
	return out
}

func fold(s string) string { return strings.ToLower(s) }
