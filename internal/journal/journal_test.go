package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ledger/pkg/types"
)

type memStore struct {
	entries  map[string][]Entry
	implicit map[string]bool
}

func newMemStore() *memStore {
	return &memStore{entries: map[string][]Entry{}, implicit: map[string]bool{}}
}

func (m *memStore) PutJournalEntry(journalID string, rec Entry) error {
	m.entries[journalID] = append(m.entries[journalID], rec)
	return nil
}

func (m *memStore) MarkImplicitJournal(journalID string) error {
	m.implicit[journalID] = true
	return nil
}

func (m *memStore) DeleteJournal(journalID string) error {
	delete(m.entries, journalID)
	delete(m.implicit, journalID)
	return nil
}

func (m *memStore) GetJournalEntries(journalID string) ([]Entry, error) {
	return m.entries[journalID], nil
}

func TestJournalPutAndMergedChanges(t *testing.T) {
	store := newMemStore()
	j, err := New(store, types.JournalExplicit)
	require.NoError(t, err)

	require.NoError(t, j.Put([]byte("a"), types.ValueObjectID([]byte("1")), types.PriorityEager))
	require.NoError(t, j.Put([]byte("b"), types.ValueObjectID([]byte("2")), types.PriorityEager))
	require.NoError(t, j.Put([]byte("a"), types.ValueObjectID([]byte("1-updated")), types.PriorityEager))

	merged, err := j.MergedChanges()
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, types.ValueObjectID([]byte("1-updated")), merged[0].ObjectID)
}

func TestJournalDeleteShadowsEarlierPut(t *testing.T) {
	store := newMemStore()
	j, err := New(store, types.JournalExplicit)
	require.NoError(t, err)

	require.NoError(t, j.Put([]byte("a"), types.ValueObjectID([]byte("1")), types.PriorityEager))
	require.NoError(t, j.Delete([]byte("a")))

	merged, err := j.MergedChanges()
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.True(t, merged[0].Deleted)
}

func TestImplicitJournalIsMarkedForReplay(t *testing.T) {
	store := newMemStore()
	j, err := New(store, types.JournalImplicit)
	require.NoError(t, err)

	assert.True(t, store.implicit[j.ID()])
}

func TestExplicitJournalIsNotMarkedForReplay(t *testing.T) {
	store := newMemStore()
	j, err := New(store, types.JournalExplicit)
	require.NoError(t, err)

	assert.False(t, store.implicit[j.ID()])
}

func TestDiscardRemovesEntries(t *testing.T) {
	store := newMemStore()
	j, err := New(store, types.JournalExplicit)
	require.NoError(t, err)

	require.NoError(t, j.Put([]byte("a"), types.ValueObjectID([]byte("1")), types.PriorityEager))
	require.NoError(t, j.Discard())

	entries, err := j.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
