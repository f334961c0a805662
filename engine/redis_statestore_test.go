package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zipsa-ai/zipsa/core"
)

// fakeProvider is an in-memory StorageProvider with fault injection.
type fakeProvider struct {
	mu      sync.Mutex
	data    map[string]string
	indexes map[string]map[string]float64
	failAll bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		data:    make(map[string]string),
		indexes: make(map[string]map[string]float64),
	}
}

var errProviderDown = errors.New("provider down")

func (f *fakeProvider) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return "", errProviderDown
	}
	return f.data[key], nil
}

func (f *fakeProvider) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errProviderDown
	}
	f.data[key] = value
	return nil
}

func (f *fakeProvider) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errProviderDown
	}
	delete(f.data, key)
	return nil
}

func (f *fakeProvider) IndexAdd(ctx context.Context, index, member string, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errProviderDown
	}
	if f.indexes[index] == nil {
		f.indexes[index] = make(map[string]float64)
	}
	f.indexes[index][member] = score
	return nil
}

func (f *fakeProvider) IndexList(ctx context.Context, index string, limit int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errProviderDown
	}
	type entry struct {
		member string
		score  float64
	}
	entries := make([]entry, 0, len(f.indexes[index]))
	for member, score := range f.indexes[index] {
		entries = append(entries, entry{member, score})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].score > entries[j].score })
	if limit > 0 && int64(len(entries)) > limit {
		entries = entries[:limit]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.member
	}
	return out, nil
}

func (f *fakeProvider) IndexRemove(ctx context.Context, index, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errProviderDown
	}
	delete(f.indexes[index], member)
	return nil
}

func (f *fakeProvider) Close() error { return nil }

func TestProviderStoreRoundTrip(t *testing.T) {
	provider := newFakeProvider()
	store := NewProviderStateStore(provider, 0, nil)
	ctx := context.Background()

	state := NewRunState("t1", "s1", "r1", "강남 시세")
	version, err := store.Create(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	loaded, loadedVersion, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loadedVersion)
	assert.Equal(t, "강남 시세", loaded.Query)

	v2, err := store.Commit(ctx, "t1", 1, StatePatch{FieldStatus: RunCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	_, err = store.Commit(ctx, "t1", 1, StatePatch{FieldStatus: RunFailed})
	assert.ErrorIs(t, err, core.ErrVersionConflict)
}

func TestProviderStoreMissingThread(t *testing.T) {
	store := NewProviderStateStore(newFakeProvider(), 0, nil)
	_, _, err := store.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, core.ErrThreadNotFound)
}

func TestProviderStoreCorruptedRecord(t *testing.T) {
	provider := newFakeProvider()
	store := NewProviderStateStore(provider, 0, nil)
	ctx := context.Background()

	provider.data[threadKey("t1")] = "{not json"
	_, _, err := store.Load(ctx, "t1")
	assert.ErrorIs(t, err, core.ErrStateCorrupted)

	provider.data[threadKey("t2")] = `{"version": 3}`
	_, _, err = store.Load(ctx, "t2")
	assert.ErrorIs(t, err, core.ErrStateCorrupted)
}

func TestProviderStoreUnavailable(t *testing.T) {
	provider := newFakeProvider()
	store := NewProviderStateStore(provider, 0, nil)
	ctx := context.Background()

	provider.failAll = true
	_, err := store.Create(ctx, NewRunState("t1", "s", "r", "q"))
	assert.ErrorIs(t, err, core.ErrStateStoreUnavailable)
	_, _, err = store.Load(ctx, "t1")
	assert.ErrorIs(t, err, core.ErrStateStoreUnavailable)
}

func TestProviderStoreListThreads(t *testing.T) {
	provider := newFakeProvider()
	store := NewProviderStateStore(provider, 0, nil)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"t1", "t2", "t3"} {
		state := NewRunState(id, "session-a", "r", "q-"+id)
		if id == "t3" {
			state.SessionID = "session-b"
		}
		state.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		_, err := store.Create(ctx, state)
		require.NoError(t, err)
	}

	all, err := store.ListThreads(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t3", all[0].ThreadID)

	sessionA, err := store.ListThreads(ctx, "session-a", 0)
	require.NoError(t, err)
	assert.Len(t, sessionA, 2)

	limited, err := store.ListThreads(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestProviderStoreListCleansStaleIndex(t *testing.T) {
	provider := newFakeProvider()
	store := NewProviderStateStore(provider, 0, nil)
	ctx := context.Background()

	_, err := store.Create(ctx, NewRunState("t1", "s", "r", "q"))
	require.NoError(t, err)

	// Simulate an expired record whose index entry survived
	delete(provider.data, threadKey("t1"))

	summaries, err := store.ListThreads(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, summaries)
	assert.Empty(t, provider.indexes[threadIndexKey])
}

func TestProviderStoreDelete(t *testing.T) {
	provider := newFakeProvider()
	store := NewProviderStateStore(provider, 0, nil)
	ctx := context.Background()

	_, err := store.Create(ctx, NewRunState("t1", "session-a", "r", "q"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "t1"))
	_, _, err = store.Load(ctx, "t1")
	assert.ErrorIs(t, err, core.ErrThreadNotFound)
	assert.Empty(t, provider.indexes[threadIndexKey])
	assert.Empty(t, provider.indexes[sessionIndexKey+"session-a"])
}
