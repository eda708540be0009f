// Package session keeps conversation stickiness records in Redis. A record
// remembers which upstream served a conversation so the scheduler can prefer
// it on the next turn. Bindings are advisory: a missing or stale record only
// costs the stickiness bonus, never the request.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/polyrelay/polyrelay/internal/core"
	"github.com/polyrelay/polyrelay/internal/kv"
)

// DefaultTTL is the idle lifetime of a stickiness binding.
const DefaultTTL = time.Hour

const keyPrefix = "session:"

// Store reads and writes stickiness bindings.
type Store struct {
	kv  *kv.Store
	ttl time.Duration
	now func() time.Time
}

// New creates a Store on redis. ttl <= 0 uses DefaultTTL.
func New(redis *kv.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: redis, ttl: ttl, now: time.Now}
}

// Lookup returns the binding for conversationID, or (nil, false) when none
// exists, it expired, or it was written for a different logical model.
func (s *Store) Lookup(ctx context.Context, conversationID, logicalModel string) (*core.Session, bool) {
	if conversationID == "" {
		return nil, false
	}
	raw, ok := s.kv.Get(ctx, keyPrefix+conversationID)
	if !ok {
		return nil, false
	}
	var sess core.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, false
	}
	if sess.LogicalModel != logicalModel {
		// The conversation switched models; the old binding is useless.
		return nil, false
	}
	return &sess, true
}

// Bind records that conversationID was served by (providerID, modelID) and
// refreshes the TTL. Called after a successful upstream response.
func (s *Store) Bind(ctx context.Context, conversationID, logicalModel, providerID, modelID string) {
	if conversationID == "" {
		return
	}
	now := s.now().UTC()
	sess := core.Session{
		ConversationID: conversationID,
		LogicalModel:   logicalModel,
		ProviderID:     providerID,
		ModelID:        modelID,
		CreatedAt:      now,
		LastAccessed:   now,
		MessageCount:   1,
	}
	if prev, ok := s.Lookup(ctx, conversationID, logicalModel); ok {
		sess.CreatedAt = prev.CreatedAt
		sess.MessageCount = prev.MessageCount + 1
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return
	}
	_ = s.kv.Set(ctx, keyPrefix+conversationID, raw, s.ttl)
}

// Touch refreshes LastAccessed and the TTL without changing the binding.
func (s *Store) Touch(ctx context.Context, sess *core.Session) {
	sess.LastAccessed = s.now().UTC()
	raw, err := json.Marshal(sess)
	if err != nil {
		return
	}
	_ = s.kv.Set(ctx, keyPrefix+sess.ConversationID, raw, s.ttl)
}
