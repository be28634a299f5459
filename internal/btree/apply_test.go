package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ledger/pkg/types"
)

// memStore is an in-memory Store for exercising tree construction without
// an object store.
type memStore struct {
	nodes map[types.ObjectID][]byte
}

func newMemStore() *memStore {
	return &memStore{nodes: map[types.ObjectID][]byte{}}
}

func (m *memStore) GetPiece(id types.ObjectID) ([]byte, error) {
	v, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("no such node: %s", id)
	}
	return v, nil
}

func (m *memStore) PutNode(n Node) (types.ObjectID, error) {
	data := encodeNode(n)
	id := types.IndexObjectID(data)
	m.nodes[id] = data
	return id, nil
}

func entry(key string, objID string) types.Entry {
	return types.Entry{Key: []byte(key), ObjectID: types.ObjectID(objID)}
}

func TestApplyInsertAndGet(t *testing.T) {
	store := newMemStore()
	root, err := Empty(store)
	require.NoError(t, err)

	root, err = Apply(store, root, []Change{
		{Key: []byte("a"), ObjectID: types.ValueObjectID([]byte("1"))},
		{Key: []byte("b"), ObjectID: types.ValueObjectID([]byte("2"))},
		{Key: []byte("c"), ObjectID: types.ValueObjectID([]byte("3"))},
	})
	require.NoError(t, err)

	e, ok, err := GetEntry(store, root, []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.ValueObjectID([]byte("2")), e.ObjectID)

	_, ok, err = GetEntry(store, root, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyDeleteRemovesEntry(t *testing.T) {
	store := newMemStore()
	root, err := Empty(store)
	require.NoError(t, err)

	root, err = Apply(store, root, []Change{
		{Key: []byte("a"), ObjectID: types.ValueObjectID([]byte("1"))},
	})
	require.NoError(t, err)

	root, err = Apply(store, root, []Change{
		{Key: []byte("a"), Delete: true},
	})
	require.NoError(t, err)

	_, ok, err := GetEntry(store, root, []byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyIsDeterministicForSameContent(t *testing.T) {
	store1 := newMemStore()
	store2 := newMemStore()

	var changes []Change
	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		changes = append(changes, Change{Key: key, ObjectID: types.ValueObjectID(key)})
	}

	root1, err := Empty(store1)
	require.NoError(t, err)
	root1, err = Apply(store1, root1, changes)
	require.NoError(t, err)

	root2, err := Empty(store2)
	require.NoError(t, err)
	root2, err = Apply(store2, root2, changes)
	require.NoError(t, err)

	assert.Equal(t, root1, root2)
}

func TestForEachEntryVisitsInKeyOrder(t *testing.T) {
	store := newMemStore()
	root, err := Empty(store)
	require.NoError(t, err)

	var changes []Change
	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		changes = append(changes, Change{Key: key, ObjectID: types.ValueObjectID(key)})
	}
	root, err = Apply(store, root, changes)
	require.NoError(t, err)

	var keys []string
	require.NoError(t, ForEachEntry(store, root, func(e types.Entry) error {
		keys = append(keys, string(e.Key))
		return nil
	}))

	require.Len(t, keys, 200)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
}

func TestDiffReportsPutsAndDeletes(t *testing.T) {
	store := newMemStore()
	base, err := Empty(store)
	require.NoError(t, err)

	base, err = Apply(store, base, []Change{
		{Key: []byte("a"), ObjectID: types.ValueObjectID([]byte("1"))},
		{Key: []byte("b"), ObjectID: types.ValueObjectID([]byte("2"))},
	})
	require.NoError(t, err)

	target, err := Apply(store, base, []Change{
		{Key: []byte("a"), ObjectID: types.ValueObjectID([]byte("1-updated"))},
		{Key: []byte("b"), Delete: true},
		{Key: []byte("c"), ObjectID: types.ValueObjectID([]byte("3"))},
	})
	require.NoError(t, err)

	changes, err := Diff(store, base, target)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	byKey := map[string]EntryChange{}
	for _, c := range changes {
		byKey[string(c.Key)] = c
	}
	assert.False(t, byKey["a"].Deleted)
	assert.True(t, byKey["b"].Deleted)
	assert.False(t, byKey["c"].Deleted)
}

func TestDiffOfIdenticalRootsIsEmpty(t *testing.T) {
	store := newMemStore()
	root, err := Empty(store)
	require.NoError(t, err)
	root, err = Apply(store, root, []Change{{Key: []byte("a"), ObjectID: types.ValueObjectID([]byte("1"))}})
	require.NoError(t, err)

	changes, err := Diff(store, root, root)
	require.NoError(t, err)
	assert.Empty(t, changes)
}
