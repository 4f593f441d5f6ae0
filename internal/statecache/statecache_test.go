package statecache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	recs map[string][]Record
}

func newFakeStore() *fakeStore { return &fakeStore{recs: map[string][]Record{}} }

func (f *fakeStore) Put(_ context.Context, rec Record) error {
	f.recs[rec.SessionID] = append(f.recs[rec.SessionID], rec)
	return nil
}

func (f *fakeStore) Latest(_ context.Context, sessionID string) (Record, bool, error) {
	recs := f.recs[sessionID]
	if len(recs) == 0 {
		return Record{}, false, nil
	}
	return recs[len(recs)-1], true, nil
}

func (f *fakeStore) History(_ context.Context, sessionID string, limit int) ([]Record, error) {
	recs := f.recs[sessionID]
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = r // newest first
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) Purge(_ context.Context, sessionID string) error {
	delete(f.recs, sessionID)
	return nil
}

func TestManagerCheckpointSyncAndLatest(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, Policy{}, 4)
	defer mgr.Close()

	ctx := context.Background()
	require.NoError(t, mgr.CheckpointSync(ctx, "sess-1", "layer_0", map[string]any{"objects": []string{"box1"}}))

	rec, ok, err := mgr.Latest(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "layer_0", rec.Name)
}

func TestManagerAsyncCheckpointEventuallyPersists(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, Policy{}, 4)
	defer mgr.Close()

	mgr.Checkpoint("sess-2", "layer_0", map[string]any{"objects": []string{"box1"}})

	assert.Eventually(t, func() bool {
		_, ok, _ := mgr.Latest(context.Background(), "sess-2")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestCompareFlagsErrorIntroduced(t *testing.T) {
	prev := Record{Name: "before", Blob: map[string]any{"objects": []string{"a", "b"}, "errors": []string{}}}
	next := Record{Name: "after", Blob: map[string]any{"objects": []string{"a", "b"}, "errors": []string{"boolean op failed"}}}

	diff := Compare(prev, next)
	assert.True(t, diff.ErrorIntroduced)
}

func TestCompareFlagsSilentObjectLoss(t *testing.T) {
	prev := Record{Blob: map[string]any{"objects": []string{"a", "b", "c"}}}
	next := Record{Blob: map[string]any{"objects": []string{"a", "b"}}}

	diff := Compare(prev, next)
	assert.True(t, diff.ErrorIntroduced)
	assert.Empty(t, diff.RemovedObjects)
}

func TestCompareAddedAndRemovedObjects(t *testing.T) {
	prev := Record{Blob: map[string]any{"objects": []string{"a"}}}
	next := Record{Blob: map[string]any{"objects": []string{"b"}}}

	diff := Compare(prev, next)
	assert.Equal(t, []string{"b"}, diff.AddedObjects)
	assert.Equal(t, []string{"a"}, diff.RemovedObjects)
	assert.Equal(t, 0, diff.ObjectCountDelta)
	assert.False(t, diff.ErrorIntroduced)
}

func TestCompareTracksObjectCountDelta(t *testing.T) {
	prev := Record{Blob: map[string]any{"objects": []string{"a", "b"}}}
	next := Record{Blob: map[string]any{"objects": []string{"a", "b", "c"}}}

	diff := Compare(prev, next)
	assert.Equal(t, 1, diff.ObjectCountDelta)
}

func TestCompareOfIdenticalSnapshotsIsEmpty(t *testing.T) {
	rec := Record{
		Name: "layer_0",
		Blob: map[string]any{"objects": []string{"a", "b"}, "errors": []string{}},
	}

	diff := Compare(rec, rec)
	assert.Empty(t, diff.AddedObjects)
	assert.Empty(t, diff.RemovedObjects)
	assert.Equal(t, 0, diff.ObjectCountDelta)
	assert.False(t, diff.ErrorIntroduced)
}
