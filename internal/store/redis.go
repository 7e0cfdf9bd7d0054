// Package store provides storage backends for CallPipe.
//
// This file implements the Redis-backed store. Expiry uses native key TTLs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps call state in Redis.
type RedisStore struct {
	rdb        *redis.Client
	prefix     string
	ledgerTTL  time.Duration
	archiveTTL time.Duration
}

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	cfg := buildOpts(opts)
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis address not set")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		slog.Error("RedisStore ping failed", "error", err, "addr", cfg.RedisAddr)
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Debug("RedisStore connected", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	return newRedisStore(rdb, cfg), nil
}

func newRedisStore(rdb *redis.Client, cfg Opts) *RedisStore {
	return &RedisStore{
		rdb:        rdb,
		prefix:     cfg.KeyPrefix,
		ledgerTTL:  cfg.LedgerTTL,
		archiveTTL: cfg.ArchiveTTL,
	}
}

func (s *RedisStore) stateKey(sessionID string) string { return s.prefix + ":state:" + sessionID }
func (s *RedisStore) turnKey(sessionID, turnKey string) string {
	return s.prefix + ":turn:" + sessionID + ":" + turnKey
}
func (s *RedisStore) callKey(sessionID string) string { return s.prefix + ":call:" + sessionID }

func (s *RedisStore) GetState(ctx context.Context, sessionID string) ([]byte, bool, error) {
	blob, err := s.rdb.Get(ctx, s.stateKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		slog.Error("RedisStore GetState failed", "error", err, "sessionID", sessionID)
		return nil, false, fmt.Errorf("failed to load state for session %s: %w", sessionID, err)
	}
	return blob, true, nil
}

func (s *RedisStore) PutState(ctx context.Context, sessionID string, blob []byte, ttl time.Duration) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, s.stateKey(sessionID), blob, ttl).Err(); err != nil {
		slog.Error("RedisStore PutState failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to save state for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) DeleteState(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, s.stateKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete state for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) LookupTurn(ctx context.Context, sessionID, turnKey string) ([]byte, bool, error) {
	resp, err := s.rdb.Get(ctx, s.turnKey(sessionID, turnKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("turn ledger lookup failed: %w", err)
	}
	return resp, true, nil
}

func (s *RedisStore) RecordTurn(ctx context.Context, sessionID, turnKey string, response []byte) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}
	if err := s.rdb.SetNX(ctx, s.turnKey(sessionID, turnKey), response, s.ledgerTTL).Err(); err != nil {
		return fmt.Errorf("record turn failed: %w", err)
	}
	return nil
}

func (s *RedisStore) ArchiveCall(ctx context.Context, rec CallRecord) error {
	if err := requireSession(rec.SessionID); err != nil {
		return err
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode call record: %w", err)
	}
	if err := s.rdb.Set(ctx, s.callKey(rec.SessionID), raw, s.archiveTTL).Err(); err != nil {
		slog.Error("RedisStore ArchiveCall failed", "error", err, "sessionID", rec.SessionID)
		return fmt.Errorf("failed to archive call %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *RedisStore) GetCall(ctx context.Context, sessionID string) (CallRecord, bool, error) {
	raw, err := s.rdb.Get(ctx, s.callKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CallRecord{}, false, nil
	}
	if err != nil {
		return CallRecord{}, false, fmt.Errorf("failed to load archived call %s: %w", sessionID, err)
	}
	var rec CallRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return CallRecord{}, false, fmt.Errorf("failed to decode archived call %s: %w", sessionID, err)
	}
	return rec, true, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
