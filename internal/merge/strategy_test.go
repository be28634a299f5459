package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ledger/internal/btree"
	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/pkg/types"
)

func buildTree(t *testing.T, store btree.Store, changes []btree.Change) types.ObjectID {
	t.Helper()
	root, err := btree.Empty(store)
	require.NoError(t, err)
	root, err = btree.Apply(store, root, changes)
	require.NoError(t, err)
	return root
}

func TestLastOneWinsKeepsNewerTimestamp(t *testing.T) {
	store := newRealStore()
	base := buildTree(t, store, nil)
	left := buildTree(t, store, []btree.Change{{Key: []byte("a"), ObjectID: types.ValueObjectID([]byte("left"))}})
	right := buildTree(t, store, []btree.Change{{Key: []byte("a"), ObjectID: types.ValueObjectID([]byte("right"))}})

	strategy := LastOneWins{}
	root, err := strategy.Merge(store, commitdag.Commit{RootID: base}, commitdag.Commit{RootID: left, Timestamp: 1}, commitdag.Commit{RootID: right, Timestamp: 2})
	require.NoError(t, err)
	assert.Equal(t, right, root)
}

type alwaysLeftResolver struct{}

func (alwaysLeftResolver) Resolve(key []byte, base, left, right *types.Entry) (types.Entry, bool, error) {
	if left == nil {
		return types.Entry{}, false, nil
	}
	return *left, true, nil
}

func TestCustomStrategyResolvesEveryChangedKey(t *testing.T) {
	store := newRealStore()
	base := buildTree(t, store, []btree.Change{{Key: []byte("a"), ObjectID: types.ValueObjectID([]byte("0"))}})
	left, err := btree.Apply(store, base, []btree.Change{{Key: []byte("a"), ObjectID: types.ValueObjectID([]byte("left-a"))}})
	require.NoError(t, err)
	right, err := btree.Apply(store, base, []btree.Change{{Key: []byte("b"), ObjectID: types.ValueObjectID([]byte("right-b"))}})
	require.NoError(t, err)

	strategy := Custom{Resolver: alwaysLeftResolver{}}
	merged, err := strategy.Merge(store, commitdag.Commit{RootID: base}, commitdag.Commit{RootID: left}, commitdag.Commit{RootID: right})
	require.NoError(t, err)

	e, ok, err := btree.GetEntry(store, merged, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.ValueObjectID([]byte("left-a")), e.ObjectID)

	_, ok, err = btree.GetEntry(store, merged, []byte("b"))
	require.NoError(t, err)
	assert.False(t, ok, "b was not touched by left, resolver rejected it")
}

func TestAutoWithFallbackMergesDisjointChanges(t *testing.T) {
	store := newRealStore()
	base := buildTree(t, store, nil)
	left, err := btree.Apply(store, base, []btree.Change{{Key: []byte("a"), ObjectID: types.ValueObjectID([]byte("left-a"))}})
	require.NoError(t, err)
	right, err := btree.Apply(store, base, []btree.Change{{Key: []byte("b"), ObjectID: types.ValueObjectID([]byte("right-b"))}})
	require.NoError(t, err)

	strategy := AutoWithFallback{Fallback: LastOneWins{}}
	merged, err := strategy.Merge(store, commitdag.Commit{RootID: base}, commitdag.Commit{RootID: left}, commitdag.Commit{RootID: right})
	require.NoError(t, err)

	_, ok, err := btree.GetEntry(store, merged, []byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = btree.GetEntry(store, merged, []byte("b"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAutoWithFallbackFallsBackOnOverlap(t *testing.T) {
	store := newRealStore()
	base := buildTree(t, store, nil)
	left, err := btree.Apply(store, base, []btree.Change{{Key: []byte("a"), ObjectID: types.ValueObjectID([]byte("left"))}})
	require.NoError(t, err)
	right, err := btree.Apply(store, base, []btree.Change{{Key: []byte("a"), ObjectID: types.ValueObjectID([]byte("right"))}})
	require.NoError(t, err)

	strategy := AutoWithFallback{Fallback: LastOneWins{}}
	merged, err := strategy.Merge(store, commitdag.Commit{RootID: base}, commitdag.Commit{RootID: left, Timestamp: 1}, commitdag.Commit{RootID: right, Timestamp: 2})
	require.NoError(t, err)
	assert.Equal(t, right, merged)
}

// newRealStore backs tests with an in-memory btree.Store that actually
// persists node content.
func newRealStore() btree.Store {
	return &persistingStore{nodes: map[types.ObjectID][]byte{}}
}

type persistingStore struct{ nodes map[types.ObjectID][]byte }

func (s *persistingStore) GetPiece(id types.ObjectID) ([]byte, error) { return s.nodes[id], nil }

func (s *persistingStore) PutNode(n btree.Node) (types.ObjectID, error) {
	data := n.Encode()
	id := types.IndexObjectID(data)
	s.nodes[id] = data
	return id, nil
}
