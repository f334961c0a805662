package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zipsa-ai/zipsa/core"
	"github.com/zipsa-ai/zipsa/resilience"
)

// StorageProvider is the persistence seam under ProviderStateStore. Get
// returns "" for missing keys. IndexAdd/IndexList/IndexRemove maintain
// score-ordered member sets used for thread listing.
type StorageProvider interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	IndexAdd(ctx context.Context, index, member string, score float64) error
	IndexList(ctx context.Context, index string, limit int64) ([]string, error)
	IndexRemove(ctx context.Context, index, member string) error
	Close() error
}

// stateRecord is the JSON document persisted per thread.
type stateRecord struct {
	Version int64     `json:"version"`
	State   *RunState `json:"state"`
}

const (
	threadIndexKey   = "index:threads"
	sessionIndexKey  = "index:session:"
	threadKeyPrefix  = "thread:"
	defaultListLimit = 1000
)

func threadKey(threadID string) string {
	return threadKeyPrefix + threadID
}

// ProviderStateStore implements StateStore over any StorageProvider.
//
// Versioning is enforced by a read-check-write under a per-process lock plus
// the version field in the record. A commit racing a writer on another
// process can still observe a stale record; the version check in Commit
// rejects it with ErrVersionConflict rather than silently overwriting.
type ProviderStateStore struct {
	provider StorageProvider
	ttl      time.Duration
	logger   core.Logger

	mu sync.Mutex
}

// NewProviderStateStore wraps a storage provider in the StateStore contract
func NewProviderStateStore(provider StorageProvider, ttl time.Duration, logger core.Logger) *ProviderStateStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ProviderStateStore{
		provider: provider,
		ttl:      ttl,
		logger:   logger,
	}
}

// RedisStateStoreOptions configures the Redis-backed store
type RedisStateStoreOptions struct {
	RedisURL  string
	KeyPrefix string
	TTL       time.Duration
	Logger    core.Logger
}

// NewRedisStateStore connects to Redis and returns a provider-backed store
func NewRedisStateStore(opts RedisStateStoreOptions) (*ProviderStateStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "zipsa:state"
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig("redis-state")
	breakerCfg.Logger = logger

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  opts.RedisURL,
		Namespace: prefix,
		Logger:    logger,
		Breaker:   resilience.NewCircuitBreaker(breakerCfg),
	})
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	return NewProviderStateStore(&RedisProvider{client: client}, opts.TTL, logger), nil
}

// Create initializes a thread at version 1
func (p *ProviderStateStore) Create(ctx context.Context, state *RunState) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.putRecord(ctx, state.ThreadID, &stateRecord{Version: 1, State: state}); err != nil {
		return 0, err
	}
	return 1, nil
}

// Load returns the thread state and its version
func (p *ProviderStateStore) Load(ctx context.Context, threadID string) (*RunState, int64, error) {
	record, err := p.getRecord(ctx, threadID)
	if err != nil {
		return nil, 0, err
	}
	migrateState(record.State)
	return record.State, record.Version, nil
}

// Commit applies a patch when baseVersion matches the stored version
func (p *ProviderStateStore) Commit(ctx context.Context, threadID string, baseVersion int64, patch StatePatch) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	record, err := p.getRecord(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if record.Version != baseVersion {
		return 0, fmt.Errorf("thread %q at version %d, commit based on %d: %w",
			threadID, record.Version, baseVersion, core.ErrVersionConflict)
	}

	migrateState(record.State)
	if err := applyPatch(record.State, patch); err != nil {
		return 0, err
	}
	record.Version++

	if err := p.putRecord(ctx, threadID, record); err != nil {
		return 0, err
	}
	return record.Version, nil
}

// ListThreads returns summaries ordered by last update, newest first.
// A non-empty sessionID restricts the listing to that session's index.
func (p *ProviderStateStore) ListThreads(ctx context.Context, sessionID string, limit int) ([]ThreadSummary, error) {
	index := threadIndexKey
	if sessionID != "" {
		index = sessionIndexKey + sessionID
	}
	max := int64(limit)
	if max <= 0 {
		max = defaultListLimit
	}

	ids, err := p.provider.IndexList(ctx, index, max)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w: %v", core.ErrStateStoreUnavailable, err)
	}

	summaries := make([]ThreadSummary, 0, len(ids))
	for _, id := range ids {
		record, err := p.getRecord(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				// Record expired but the index entry survived; clean up
				_ = p.provider.IndexRemove(ctx, index, id)
				continue
			}
			return nil, err
		}
		s := record.State
		summaries = append(summaries, ThreadSummary{
			ThreadID:     s.ThreadID,
			SessionID:    s.SessionID,
			Query:        s.Query,
			Status:       s.Status,
			ResponseType: s.ResponseType,
			UpdatedAt:    s.UpdatedAt,
		})
	}
	return summaries, nil
}

// Delete removes a thread and its index entries
func (p *ProviderStateStore) Delete(ctx context.Context, threadID string) error {
	record, err := p.getRecord(ctx, threadID)
	if err != nil && !core.IsNotFound(err) {
		return err
	}

	if err := p.provider.Del(ctx, threadKey(threadID)); err != nil {
		return fmt.Errorf("deleting thread %q: %w: %v", threadID, core.ErrStateStoreUnavailable, err)
	}
	if err := p.provider.IndexRemove(ctx, threadIndexKey, threadID); err != nil {
		p.logger.Warn("Failed to remove thread from index", map[string]interface{}{
			"operation": "state_delete",
			"thread_id": threadID,
			"error":     err.Error(),
		})
	}
	if record != nil && record.State.SessionID != "" {
		_ = p.provider.IndexRemove(ctx, sessionIndexKey+record.State.SessionID, threadID)
	}
	return nil
}

// Close releases the underlying provider
func (p *ProviderStateStore) Close() error {
	return p.provider.Close()
}

func (p *ProviderStateStore) getRecord(ctx context.Context, threadID string) (*stateRecord, error) {
	raw, err := p.provider.Get(ctx, threadKey(threadID))
	if err != nil {
		return nil, fmt.Errorf("loading thread %q: %w: %v", threadID, core.ErrStateStoreUnavailable, err)
	}
	if raw == "" {
		return nil, fmt.Errorf("thread %q: %w", threadID, core.ErrThreadNotFound)
	}

	var record stateRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("thread %q: %w: %v", threadID, core.ErrStateCorrupted, err)
	}
	if record.State == nil {
		return nil, fmt.Errorf("thread %q has no state document: %w", threadID, core.ErrStateCorrupted)
	}
	return &record, nil
}

func (p *ProviderStateStore) putRecord(ctx context.Context, threadID string, record *stateRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding thread %q: %w", threadID, err)
	}
	if err := p.provider.Set(ctx, threadKey(threadID), string(data), p.ttl); err != nil {
		return fmt.Errorf("storing thread %q: %w: %v", threadID, core.ErrStateStoreUnavailable, err)
	}

	score := float64(record.State.UpdatedAt.UnixMilli())
	if err := p.provider.IndexAdd(ctx, threadIndexKey, threadID, score); err != nil {
		p.logger.Warn("Failed to index thread", map[string]interface{}{
			"operation": "state_put",
			"thread_id": threadID,
			"error":     err.Error(),
		})
	}
	if record.State.SessionID != "" {
		_ = p.provider.IndexAdd(ctx, sessionIndexKey+record.State.SessionID, threadID, score)
	}
	return nil
}

// RedisProvider implements StorageProvider over the namespaced Redis client.
type RedisProvider struct {
	client *core.RedisClient
}

// NewRedisProvider wraps an existing Redis client
func NewRedisProvider(client *core.RedisClient) *RedisProvider {
	return &RedisProvider{client: client}
}

func (r *RedisProvider) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key)
}

func (r *RedisProvider) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl)
}

func (r *RedisProvider) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key)
}

func (r *RedisProvider) IndexAdd(ctx context.Context, index, member string, score float64) error {
	return r.client.ZAdd(ctx, index, score, member)
}

func (r *RedisProvider) IndexList(ctx context.Context, index string, limit int64) ([]string, error) {
	return r.client.ZRevRangeByScore(ctx, index, "-inf", "+inf", 0, limit)
}

func (r *RedisProvider) IndexRemove(ctx context.Context, index, member string) error {
	return r.client.ZRem(ctx, index, member)
}

func (r *RedisProvider) Close() error {
	return r.client.Close()
}
