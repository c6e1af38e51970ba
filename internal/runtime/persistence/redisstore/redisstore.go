// Package redisstore implements persistence.InboxStore on Redis.
//
// Each (message, consumer) pair is one string key holding a small JSON
// document. Claims use SETNX, so concurrent consumers across processes agree
// on a single winner. Retention is enforced by key expiry instead of scans.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/transit/internal/runtime/jsoncodec"
	"github.com/drblury/transit/internal/runtime/persistence"
)

const (
	// DefaultPrefix namespaces every key.
	DefaultPrefix = "transit:inbox"
	// DefaultClaimTTL expires claims whose handler never finished.
	DefaultClaimTTL = 24 * time.Hour
	// DefaultRetention expires processed markers.
	DefaultRetention = 7 * 24 * time.Hour
)

var _ persistence.InboxStore = (*InboxStore)(nil)

// Config tunes an InboxStore.
type Config struct {
	Prefix    string
	ClaimTTL  time.Duration
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = DefaultClaimTTL
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// InboxStore is a persistence.InboxStore backed by Redis.
type InboxStore struct {
	client redis.Cmdable
	cfg    Config
}

// New returns an InboxStore using client.
func New(client redis.Cmdable, cfg Config) *InboxStore {
	return &InboxStore{client: client, cfg: cfg.withDefaults()}
}

type entry struct {
	ReceivedTime  int64 `json:"r"`
	ProcessedTime int64 `json:"p,omitempty"`
}

func (s *InboxStore) key(messageID, consumerKey string) string {
	return s.cfg.Prefix + ":" + consumerKey + ":" + messageID
}

func (s *InboxStore) Claim(ctx context.Context, messageID, consumerKey string, now time.Time) (persistence.InboxState, bool, error) {
	key := s.key(messageID, consumerKey)
	data, err := jsoncodec.Marshal(entry{ReceivedTime: now.UnixNano()})
	if err != nil {
		return persistence.InboxState{}, false, err
	}
	ok, err := s.client.SetNX(ctx, key, data, s.cfg.ClaimTTL).Result()
	if err != nil {
		return persistence.InboxState{}, false, fmt.Errorf("inbox: claim %s: %w", messageID, err)
	}
	if ok {
		return persistence.InboxState{MessageID: messageID, ConsumerKey: consumerKey, ReceivedTime: now.UTC()}, true, nil
	}

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; claim again.
		return s.Claim(ctx, messageID, consumerKey, now)
	}
	if err != nil {
		return persistence.InboxState{}, false, fmt.Errorf("inbox: load %s: %w", messageID, err)
	}
	state, err := decode(raw)
	if err != nil {
		return persistence.InboxState{}, false, err
	}
	state.MessageID = messageID
	state.ConsumerKey = consumerKey
	return state, false, nil
}

func (s *InboxStore) MarkProcessed(ctx context.Context, messageID, consumerKey string, at time.Time) error {
	key := s.key(messageID, consumerKey)
	received := at.UnixNano()
	if raw, err := s.client.Get(ctx, key).Bytes(); err == nil {
		if state, err := decode(raw); err == nil {
			received = state.ReceivedTime.UnixNano()
		}
	}
	data, err := jsoncodec.Marshal(entry{ReceivedTime: received, ProcessedTime: at.UnixNano()})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, data, s.cfg.Retention).Err(); err != nil {
		return fmt.Errorf("inbox: mark processed %s: %w", messageID, err)
	}
	return nil
}

// DeleteProcessedBefore is a no-op. Processed markers expire after
// Config.Retention.
func (s *InboxStore) DeleteProcessedBefore(context.Context, time.Time) (int, error) {
	return 0, nil
}

func decode(raw []byte) (persistence.InboxState, error) {
	var e entry
	if err := jsoncodec.Unmarshal(raw, &e); err != nil {
		return persistence.InboxState{}, fmt.Errorf("inbox: decode entry: %w", err)
	}
	state := persistence.InboxState{ReceivedTime: time.Unix(0, e.ReceivedTime).UTC()}
	if e.ProcessedTime != 0 {
		t := time.Unix(0, e.ProcessedTime).UTC()
		state.ProcessedTime = &t
	}
	return state, nil
}
