// Package presence publishes who is in a document and who edited it last so
// that pages outside the live session can show it.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot is the presence of one document as stored in Redis.
type Snapshot struct {
	DocumentID   string    `json:"documentId"`
	Authors      []string  `json:"authors"`
	LastEditedBy string    `json:"lastEditedBy"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

// RedisStore keeps one hash of connected clients and one hash of metadata
// per document. Keys expire so a crashed process does not leave ghosts.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and checks that it answers.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "presence:",
		ttl:    24 * time.Hour,
	}
}

func (s *RedisStore) clientsKey(documentID string) string {
	return s.prefix + documentID + ":clients"
}

func (s *RedisStore) metaKey(documentID string) string {
	return s.prefix + documentID + ":meta"
}

// Join records clientID as connected to documentID on behalf of authorID.
func (s *RedisStore) Join(ctx context.Context, documentID, clientID, authorID string) error {
	key := s.clientsKey(documentID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, clientID, authorID)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence join: %w", err)
	}
	return nil
}

// Leave removes clientID. Leaving twice is not an error.
func (s *RedisStore) Leave(ctx context.Context, documentID, clientID string) error {
	if err := s.client.HDel(ctx, s.clientsKey(documentID), clientID).Err(); err != nil {
		return fmt.Errorf("presence leave: %w", err)
	}
	return nil
}

func (s *RedisStore) SetLastEditor(ctx context.Context, documentID, authorID string) error {
	key := s.metaKey(documentID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"last_edited_by", authorID,
			"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
		)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence last editor: %w", err)
	}
	return nil
}

// Snapshot reads the presence of documentID. A document nobody has touched
// yields an empty snapshot, not an error.
func (s *RedisStore) Snapshot(ctx context.Context, documentID string) (Snapshot, error) {
	clients, err := s.client.HGetAll(ctx, s.clientsKey(documentID)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("presence clients: %w", err)
	}
	meta, err := s.client.HGetAll(ctx, s.metaKey(documentID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("presence meta: %w", err)
	}

	seen := make(map[string]bool, len(clients))
	authors := make([]string, 0, len(clients))
	for _, author := range clients {
		if !seen[author] {
			seen[author] = true
			authors = append(authors, author)
		}
	}
	sort.Strings(authors)

	snap := Snapshot{
		DocumentID:   documentID,
		Authors:      authors,
		LastEditedBy: meta["last_edited_by"],
	}
	if raw := meta["updated_at"]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			snap.UpdatedAt = ts
		}
	}
	return snap, nil
}

// Clear drops the connected clients of documentID, keeping the last editor.
func (s *RedisStore) Clear(ctx context.Context, documentID string) error {
	if err := s.client.Del(ctx, s.clientsKey(documentID)).Err(); err != nil {
		return fmt.Errorf("presence clear: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
