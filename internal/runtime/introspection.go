package runtime

import (
	"net/http"
	"sort"

	"github.com/drblury/transit/internal/runtime/jsoncodec"
)

// EndpointInfo describes one subscription of the bus.
type EndpointInfo struct {
	Endpoint     string         `json:"endpoint"`
	Host         string         `json:"host"`
	MessageType  string         `json:"message_type,omitempty"`
	Subscription string         `json:"subscription,omitempty"`
	Listening    bool           `json:"listening"`
	Consumers    []ConsumerInfo `json:"consumers"`
}

// ConsumerInfo describes a consumer registered on an endpoint.
type ConsumerInfo struct {
	Name        string `json:"name"`
	MessageType string `json:"message_type"`
}

// Endpoints lists the registered endpoints in registration order.
func (b *Bus) Endpoints() []EndpointInfo {
	b.mu.Lock()
	eps := make([]*endpoint, 0, len(b.order))
	for _, key := range b.order {
		eps = append(eps, b.endpoints[key])
	}
	b.mu.Unlock()

	out := make([]EndpointInfo, 0, len(eps))
	for _, e := range eps {
		e.mu.RLock()
		info := EndpointInfo{
			Endpoint:     e.ep.String(),
			Host:         e.host.Key(),
			MessageType:  e.ep.MessageType,
			Subscription: e.ep.Subscription,
			Listening:    e.listening,
		}
		for _, cs := range e.consumers {
			for _, c := range cs {
				info.Consumers = append(info.Consumers, ConsumerInfo{Name: c.name, MessageType: c.messageType})
			}
		}
		e.mu.RUnlock()
		sort.Slice(info.Consumers, func(i, j int) bool {
			if info.Consumers[i].MessageType != info.Consumers[j].MessageType {
				return info.Consumers[i].MessageType < info.Consumers[j].MessageType
			}
			return info.Consumers[i].Name < info.Consumers[j].Name
		})
		out = append(out, info)
	}
	return out
}

// EndpointsHandler serves Endpoints as JSON. NewBus mounts it at
// /transit/endpoints next to /metrics.
func (b *Bus) EndpointsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := jsoncodec.Marshal(b.Endpoints())
		if err != nil {
			b.Logger.Error("Failed to encode endpoints", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
}
