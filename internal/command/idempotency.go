package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/qms/model"
)

// IdempotencyKey scopes a client supplied key to one command on one record.
type IdempotencyKey struct {
	Type      model.RecordType
	Operation string
	RecordID  string
	ClientKey string
}

// String renders the storage key "idem:{type}:{operation}:{recordId}:{key}".
// Creates carry no record id, so that segment is "new".
func (k IdempotencyKey) String() string {
	id := k.RecordID
	if id == "" {
		id = "new"
	}
	return fmt.Sprintf("idem:%s:%s:%s:%s", k.Type, k.Operation, id, k.ClientKey)
}

// Replay is the remembered outcome of a command.
type Replay struct {
	InputHash string       `json:"input_hash"`
	Record    model.Record `json:"record"`
	StoredAt  time.Time    `json:"stored_at"`
}

// Against returns the remembered record when the retried command carries the
// same input, and a CONFLICT when the key is being reused for a different
// command.
func (r Replay) Against(key IdempotencyKey, inputHash string) (model.Record, error) {
	if r.InputHash != inputHash {
		return model.Record{}, model.NewConflictError(
			fmt.Sprintf("idempotency key %q was already used for a different %s request", key.ClientKey, key.Operation),
		)
	}
	return r.Record.Clone(), nil
}

// IdempotencyStore remembers command outcomes for replay.
type IdempotencyStore interface {
	// Lookup returns the replay stored under key, if it has not expired.
	Lookup(ctx context.Context, key IdempotencyKey) (Replay, bool, error)

	// Remember stores r under key for ttl. An existing live entry wins.
	Remember(ctx context.Context, key IdempotencyKey, r Replay, ttl time.Duration) error
}

// MemoryIdempotencyStore keeps replays in process. Expired entries are
// dropped on lookup and swept on every write.
type MemoryIdempotencyStore struct {
	now func() time.Time

	mu      sync.Mutex
	replays map[string]memReplay
}

type memReplay struct {
	Replay
	expires time.Time
}

// NewMemoryIdempotencyStore returns an empty in-process store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{now: time.Now, replays: make(map[string]memReplay)}
}

func (s *MemoryIdempotencyStore) Lookup(_ context.Context, key IdempotencyKey) (Replay, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	e, ok := s.replays[k]
	if !ok {
		return Replay{}, false, nil
	}
	if !s.now().Before(e.expires) {
		delete(s.replays, k)
		return Replay{}, false, nil
	}
	r := e.Replay
	r.Record = r.Record.Clone()
	return r, true, nil
}

func (s *MemoryIdempotencyStore) Remember(_ context.Context, key IdempotencyKey, r Replay, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.replays {
		if !now.Before(e.expires) {
			delete(s.replays, k)
		}
	}

	k := key.String()
	if _, live := s.replays[k]; live {
		return nil
	}
	r.Record = r.Record.Clone()
	s.replays[k] = memReplay{Replay: r, expires: now.Add(ttl)}
	return nil
}

// Len reports the number of stored replays, expired ones included.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replays)
}

// RedisIdempotencyStore keeps replays as JSON strings with a Redis TTL, so
// every replica of the service sees the same keys.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore returns a store on client.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func (s *RedisIdempotencyStore) Lookup(ctx context.Context, key IdempotencyKey) (Replay, bool, error) {
	raw, err := s.client.Get(ctx, key.String()).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return Replay{}, false, nil
	case err != nil:
		return Replay{}, false, fmt.Errorf("idempotency: get %s: %w", key, err)
	}

	var r Replay
	if err := json.Unmarshal(raw, &r); err != nil {
		return Replay{}, false, fmt.Errorf("idempotency: decode %s: %w", key, err)
	}
	return r, true, nil
}

func (s *RedisIdempotencyStore) Remember(ctx context.Context, key IdempotencyKey, r Replay, ttl time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("idempotency: encode %s: %w", key, err)
	}
	if err := s.client.SetNX(ctx, key.String(), data, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: set %s: %w", key, err)
	}
	return nil
}
