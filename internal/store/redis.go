package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/readyup/internal/domain"
)

const (
	sessionKey = "readyup:session"
	statsKey   = "readyup:stats"
)

// RedisStore keeps each document as a JSON value at a fixed key, so every
// save is a single atomic SET.
type RedisStore struct {
	client *redis.Client
}

// NewRedis returns a store backed by the given Redis server.
func NewRedis(addr, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: client}
}

// NewRedisWithClient wraps an existing client. Used by tests.
func NewRedisWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// GetSession loads the active session, or nil if none exists. A document
// that cannot be decoded is logged and treated as absent.
func (s *RedisStore) GetSession(ctx context.Context) (*domain.Session, error) {
	data, err := s.client.Get(ctx, sessionKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session key: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		slog.Warn("session document is corrupted, treating as absent", "key", sessionKey, "error", err)
		return nil, nil
	}
	if session.Users == nil {
		session.Users = make(map[int64]*domain.UserETA)
	}
	if err := validateSession(&session); err != nil {
		slog.Warn("session document failed validation, treating as absent", "key", sessionKey, "error", err)
		return nil, nil
	}
	return &session, nil
}

// SaveSession writes the complete session document.
func (s *RedisStore) SaveSession(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey, data, 0).Err(); err != nil {
		return fmt.Errorf("set session key: %w", err)
	}
	return nil
}

// ClearSession deletes the session document. A missing key is not an error.
func (s *RedisStore) ClearSession(ctx context.Context) error {
	if err := s.client.Del(ctx, sessionKey).Err(); err != nil {
		return fmt.Errorf("delete session key: %w", err)
	}
	return nil
}

// GetAllStats loads the stats for every known user. A document that cannot
// be decoded is logged and treated as empty.
func (s *RedisStore) GetAllStats(ctx context.Context) (map[int64]*domain.UserStats, error) {
	stats := make(map[int64]*domain.UserStats)

	data, err := s.client.Get(ctx, statsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stats key: %w", err)
	}

	if err := json.Unmarshal(data, &stats); err != nil {
		slog.Warn("stats document is corrupted, treating as empty", "key", statsKey, "error", err)
		return make(map[int64]*domain.UserStats), nil
	}
	return stats, nil
}

// GetStatsForUser loads the stats for a single user, or nil if the user
// has no recorded history.
func (s *RedisStore) GetStatsForUser(ctx context.Context, userID int64) (*domain.UserStats, error) {
	all, err := s.GetAllStats(ctx)
	if err != nil {
		return nil, err
	}
	return all[userID], nil
}

// SaveStats writes the complete stats collection.
func (s *RedisStore) SaveStats(ctx context.Context, stats map[int64]*domain.UserStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	if err := s.client.Set(ctx, statsKey, data, 0).Err(); err != nil {
		return fmt.Errorf("set stats key: %w", err)
	}
	return nil
}

// Ping verifies the Redis server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
