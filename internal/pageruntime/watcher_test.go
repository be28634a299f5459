package pageruntime

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ledger/internal/btree"
	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/pkg/types"
)

// memStore is an in-memory btree.Store for exercising watcher/snapshot
// behavior without an object store.
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

func (m *memStore) PutNode(n btree.Node) (types.ObjectID, error) {
	data := n.Encode()
	id := types.IndexObjectID(data)
	m.nodes[id] = data
	return id, nil
}

func put(t *testing.T, store btree.Store, root types.ObjectID, key, objID string) types.ObjectID {
	t.Helper()
	next, err := btree.Apply(store, root, []btree.Change{{Key: []byte(key), ObjectID: types.ObjectID(objID)}})
	require.NoError(t, err)
	return next
}

type recordingHandler struct {
	pages []PageChange
}

func (r *recordingHandler) OnPageChange(change PageChange) error {
	r.pages = append(r.pages, change)
	return nil
}

func TestNotifyDiffDeliversChangesToRegisteredWatchers(t *testing.T) {
	store := newMemStore()
	base, err := btree.Empty(store)
	require.NoError(t, err)

	root := put(t, store, base, "name", "v1")
	commit, err := commitdag.FromContentAndParents(root, []commitdag.Commit{commitdag.Empty(base)}, 1)
	require.NoError(t, err)

	container := NewPageWatcherContainer(store)
	handler := &recordingHandler{}
	container.Register(handler)

	require.NoError(t, container.NotifyDiff(commit, base))

	require.Len(t, handler.pages, 1)
	page := handler.pages[0]
	assert.Equal(t, commit.ID, page.CommitID)
	require.Len(t, page.Changes, 1)
	assert.Equal(t, "name", string(page.Changes[0].Key))
	assert.Empty(t, page.Token)
}

func TestNotifyDiffPaginatesLargeChangeSets(t *testing.T) {
	store := newMemStore()
	root, err := btree.Empty(store)
	require.NoError(t, err)
	base := root

	var changes []btree.Change
	for i := 0; i < maxChangeEntriesPerPage+5; i++ {
		changes = append(changes, btree.Change{Key: []byte(fmt.Sprintf("k%05d", i)), ObjectID: types.ObjectID("v")})
	}
	root, err = btree.Apply(store, root, changes)
	require.NoError(t, err)

	commit, err := commitdag.FromContentAndParents(root, []commitdag.Commit{commitdag.Empty(base)}, 1)
	require.NoError(t, err)

	container := NewPageWatcherContainer(store)
	handler := &recordingHandler{}
	container.Register(handler)

	require.NoError(t, container.NotifyDiff(commit, base))

	require.Len(t, handler.pages, 2)
	assert.Equal(t, "more", handler.pages[0].Token)
	assert.Empty(t, handler.pages[1].Token)
	assert.Len(t, handler.pages[0].Changes, maxChangeEntriesPerPage)
	assert.Len(t, handler.pages[1].Changes, 5)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	store := newMemStore()
	base, err := btree.Empty(store)
	require.NoError(t, err)
	root := put(t, store, base, "k", "v")
	commit, err := commitdag.FromContentAndParents(root, []commitdag.Commit{commitdag.Empty(base)}, 1)
	require.NoError(t, err)

	container := NewPageWatcherContainer(store)
	handler := &recordingHandler{}
	reg := container.Register(handler)
	container.Unregister(reg)

	require.NoError(t, container.NotifyDiff(commit, base))
	assert.Empty(t, handler.pages)
}
