package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/qms/model"
)

// RedisRecordStore keeps each collection as one JSON array under
// "<prefix><type>_data".
type RedisRecordStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisRecordStore creates a Redis-backed record store.
func NewRedisRecordStore(client redis.UniversalClient, keyPrefix string) *RedisRecordStore {
	return &RedisRecordStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisRecordStore) key(t model.RecordType) string {
	return s.keyPrefix + t.StorageKey()
}

// Ping checks connectivity to Redis.
func (s *RedisRecordStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Load returns the collection of type t.
func (s *RedisRecordStore) Load(ctx context.Context, t model.RecordType) ([]model.Record, error) {
	data, err := s.client.Get(ctx, s.key(t)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []model.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.key(t), err)
	}

	records := []model.Record{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", s.key(t), err)
	}
	return records, nil
}

// SaveAll overwrites the collection of type t.
func (s *RedisRecordStore) SaveAll(ctx context.Context, t model.RecordType, records []model.Record) error {
	if err := checkUnique(records); err != nil {
		return err
	}
	if records == nil {
		records = []model.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.key(t), err)
	}
	if err := s.client.Set(ctx, s.key(t), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key(t), err)
	}
	return nil
}
