package replies

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/answerdesk/answerdesk/internal/docstore"
)

func newTestStore(t *testing.T) (*Store, *docstore.MemoryClient) {
	t.Helper()
	client := docstore.NewMemoryClient()
	store := NewStore(StoreOptions{Client: client})
	return store, client
}

func TestNormalizeDedupAndReassign(t *testing.T) {
	input := []Reply{
		{ID: 3, Text: "a"},
		{ID: 3, Text: "b"},
		{ID: 0, Text: "c"},
	}
	got := Normalize(input)
	require.Equal(t, []Reply{{ID: 3, Text: "a"}, {ID: 4, Text: "c"}}, got)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	input := []Reply{
		{ID: -2, Text: "x"},
		{ID: 7, Text: "y"},
		{ID: 7, Text: "z"},
		{ID: 0, Text: ""},
	}
	once := Normalize(input)
	twice := Normalize(once)
	assert.Equal(t, once, twice)
}

func TestNormalizeInvariants(t *testing.T) {
	input := make([]Reply, 0, 80)
	for i := 0; i < 80; i++ {
		input = append(input, Reply{ID: i % 5, Text: strings.Repeat("x", 10)})
	}
	got := Normalize(input)

	assert.LessOrEqual(t, len(got), LibraryLimit)
	seen := map[int]struct{}{}
	for _, r := range got {
		assert.Positive(t, r.ID)
		_, dup := seen[r.ID]
		assert.False(t, dup, "id %d assigned twice", r.ID)
		seen[r.ID] = struct{}{}
	}
}

func TestNormalizeTruncatesLongText(t *testing.T) {
	long := strings.Repeat("é", TextLimit+25)
	got := Normalize([]Reply{{ID: 1, Text: long}})
	require.Len(t, got, 1)
	assert.Equal(t, TextLimit, len([]rune(got[0].Text)))
}

func TestNormalizeDropsEmptyEntries(t *testing.T) {
	got := Normalize([]Reply{{ID: 0, Text: ""}, {ID: 1, Text: "keep"}})
	require.Equal(t, []Reply{{ID: 1, Text: "keep"}}, got)
}

func TestAddAssignsNextID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	list, err := store.Add(ctx, "first")
	require.NoError(t, err)
	require.Equal(t, []Reply{{ID: 1, Text: "first"}}, list)

	list, err = store.Add(ctx, "second")
	require.NoError(t, err)
	require.Equal(t, []Reply{{ID: 1, Text: "first"}, {ID: 2, Text: "second"}}, list)
}

func TestAddRejectsEmptyText(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Add(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyText)
}

func TestAddAtLimitFailsWithoutMutation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < LibraryLimit; i++ {
		_, err := store.Add(ctx, "entry")
		require.NoError(t, err)
	}

	_, err := store.Add(ctx, "one too many")
	require.ErrorIs(t, err, ErrLimitExceeded)
	assert.Len(t, store.List(ctx), LibraryLimit)
}

func TestUpdateMissingIDFailsWithoutMutation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	before, err := store.Add(ctx, "only")
	require.NoError(t, err)

	_, err = store.Update(ctx, 99, "changed")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before, store.List(ctx))
}

func TestUpdateReplacesText(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, err := store.Add(ctx, "before")
	require.NoError(t, err)

	list, err := store.Update(ctx, 1, "after")
	require.NoError(t, err)
	require.Equal(t, []Reply{{ID: 1, Text: "after"}}, list)
}

func TestRemoveMissingIDFails(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Remove(context.Background(), 7)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveDeletesEntry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, err := store.Add(ctx, "a")
	require.NoError(t, err)
	_, err = store.Add(ctx, "b")
	require.NoError(t, err)

	list, err := store.Remove(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []Reply{{ID: 2, Text: "b"}}, list)
}

func TestLibraryPersistsAcrossStores(t *testing.T) {
	client := docstore.NewMemoryClient()
	ctx := context.Background()

	first := NewStore(StoreOptions{Client: client})
	_, err := first.Add(ctx, "shared")
	require.NoError(t, err)

	second := NewStore(StoreOptions{Client: client})
	assert.Equal(t, []Reply{{ID: 1, Text: "shared"}}, second.List(ctx))
}
