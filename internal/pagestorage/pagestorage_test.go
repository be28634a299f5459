package pagestorage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ledger/internal/btree"
	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/internal/objectstore"
	"github.com/cuemby/ledger/pkg/types"
)

// memDB is an in-memory stand-in for pagedb.DB, scoped to the DB interface
// this package depends on.
type memDB struct {
	heads     map[types.CommitID]int64
	commits   map[types.CommitID][]byte
	unsynced  map[types.CommitID]uint64
	pieces    map[types.ObjectID][]byte
	status    map[types.ObjectID]types.SyncStatus
}

func newMemDB() *memDB {
	return &memDB{
		heads:    map[types.CommitID]int64{},
		commits:  map[types.CommitID][]byte{},
		unsynced: map[types.CommitID]uint64{},
		pieces:   map[types.ObjectID][]byte{},
		status:   map[types.ObjectID]types.SyncStatus{},
	}
}

func (m *memDB) GetHeads() ([]HeadEntry, error) {
	var out []HeadEntry
	for id, ts := range m.heads {
		out = append(out, HeadEntry{ID: id, Timestamp: ts})
	}
	return out, nil
}

func (m *memDB) HasCommit(id types.CommitID) (bool, error) {
	_, ok := m.commits[id]
	return ok, nil
}

func (m *memDB) GetUnsyncedCommitIDs() ([]types.CommitID, error) {
	var out []types.CommitID
	for id := range m.unsynced {
		out = append(out, id)
	}
	return out, nil
}

func (m *memDB) IsCommitSynced(id types.CommitID) (bool, error) {
	_, unsynced := m.unsynced[id]
	return !unsynced, nil
}

func (m *memDB) GetUnsyncedPieces() ([]types.ObjectID, error) {
	var out []types.ObjectID
	for id, s := range m.status {
		if s == types.SyncLocal {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memDB) GetSyncMetadata(key string) ([]byte, bool, error) { return nil, false, nil }

func (m *memDB) Update(fn func(b Batch) error) error {
	return fn(&memBatch{db: m})
}

type memBatch struct{ db *memDB }

func (b *memBatch) AddHead(id types.CommitID, ts int64) error {
	b.db.heads[id] = ts
	return nil
}
func (b *memBatch) RemoveHead(id types.CommitID) error {
	delete(b.db.heads, id)
	return nil
}
func (b *memBatch) PutCommit(id types.CommitID, data []byte) error {
	b.db.commits[id] = data
	return nil
}
func (b *memBatch) MarkCommitUnsynced(id types.CommitID, gen uint64) error {
	b.db.unsynced[id] = gen
	return nil
}
func (b *memBatch) MarkCommitSynced(id types.CommitID) error {
	delete(b.db.unsynced, id)
	return nil
}
func (b *memBatch) PutSyncMetadata(key string, value []byte) error { return nil }
func (b *memBatch) MarkObjectLocal(id types.ObjectID) error {
	if b.db.status[id] >= types.SyncLocal {
		return nil
	}
	b.db.status[id] = types.SyncLocal
	return nil
}

type cacheSource struct{ db *memDB }

func (c *cacheSource) GetCommitStorageBytes(id types.CommitID) ([]byte, error) {
	return c.db.commits[id], nil
}

type fakeODB struct{ db *memDB }

func (f *fakeODB) ReadObject(id types.ObjectID) ([]byte, error)   { return f.db.pieces[id], nil }
func (f *fakeODB) HasObject(id types.ObjectID) (bool, error)      { _, ok := f.db.pieces[id]; return ok, nil }
func (f *fakeODB) GetObjectStatus(id types.ObjectID) (types.SyncStatus, error) {
	return f.db.status[id], nil
}
func (f *fakeODB) WriteObject(id types.ObjectID, content []byte, status types.SyncStatus) error {
	f.db.pieces[id] = content
	f.db.status[id] = status
	return nil
}
func (f *fakeODB) SetObjectStatus(id types.ObjectID, status types.SyncStatus) error {
	f.db.status[id] = status
	return nil
}

func newTestStorage(t *testing.T) (*Storage, *memDB) {
	t.Helper()
	db := newMemDB()
	cache, err := commitdag.NewCache(&cacheSource{db: db}, 64)
	require.NoError(t, err)
	os := objectstore.New(&fakeODB{db: db}, nil)
	tree := btree.NewObjectStoreAdapter(os, os.WriteIndexPiece)
	s := New("page1", db, cache, tree, os)

	root := commitdag.Empty(types.ObjectID(""))
	db.commits[root.ID] = commitdag.ToStorageBytes(root)
	db.heads[root.ID] = 0
	cache.Add(root)
	return s, db
}

func TestAddCommitFromLocalUpdatesHeads(t *testing.T) {
	s, db := newTestStorage(t)
	root := commitdag.Empty(types.ObjectID(""))

	commit, err := s.AddCommitFromLocal([]commitdag.Commit{root}, types.ObjectID("new-root"), 100, []types.ObjectID{types.ObjectID("new-root")})
	require.NoError(t, err)

	_, hasRoot := db.heads[root.ID]
	assert.False(t, hasRoot)
	_, hasNew := db.heads[commit.ID]
	assert.True(t, hasNew)
	_, unsynced := db.unsynced[commit.ID]
	assert.True(t, unsynced)
}

func TestAddCommitFromLocalMarksNewObjectsLocal(t *testing.T) {
	s, db := newTestStorage(t)
	root := commitdag.Empty(types.ObjectID(""))
	newRoot := types.IndexObjectID([]byte("new-root"))
	db.status[newRoot] = types.SyncTransient

	_, err := s.AddCommitFromLocal([]commitdag.Commit{root}, newRoot, 100, []types.ObjectID{newRoot})
	require.NoError(t, err)

	assert.Equal(t, types.SyncLocal, db.status[newRoot])

	unsynced, err := s.UnsyncedPieces()
	require.NoError(t, err)
	assert.Contains(t, unsynced, newRoot)
}

func TestAddCommitsFromSyncDefersOrphans(t *testing.T) {
	s, _ := newTestStorage(t)
	root := commitdag.Empty(types.ObjectID(""))

	missingParent, err := commitdag.FromContentAndParents(types.ObjectID("missing-parent-root"), []commitdag.Commit{root}, 1)
	require.NoError(t, err)
	orphan, err := commitdag.FromContentAndParents(types.ObjectID("orphan-root"), []commitdag.Commit{missingParent}, 2)
	require.NoError(t, err)

	applied, orphans, err := s.AddCommitsFromSync([]commitdag.Commit{orphan})
	require.NoError(t, err)
	assert.Empty(t, applied)
	require.Len(t, orphans, 1)
	assert.Equal(t, orphan.ID, orphans[0].ID)
}

func TestAddCommitsFromSyncAppliesReadyCommitsInDependencyOrder(t *testing.T) {
	s, db := newTestStorage(t)
	root := commitdag.Empty(types.ObjectID(""))

	emptyRoot, err := btree.Empty(s.Tree())
	require.NoError(t, err)

	c1, err := commitdag.FromContentAndParents(emptyRoot, []commitdag.Commit{root}, 1)
	require.NoError(t, err)
	c2, err := commitdag.FromContentAndParents(emptyRoot, []commitdag.Commit{c1}, 2)
	require.NoError(t, err)

	applied, orphans, err := s.AddCommitsFromSync([]commitdag.Commit{c2, c1})
	require.NoError(t, err)
	assert.Empty(t, orphans)
	require.Len(t, applied, 2)

	_, synced1 := db.unsynced[c1.ID]
	_, synced2 := db.unsynced[c2.ID]
	assert.False(t, synced1)
	assert.False(t, synced2)
}

func TestWatchersAreNotifiedOnNewCommits(t *testing.T) {
	s, _ := newTestStorage(t)
	root := commitdag.Empty(types.ObjectID(""))

	var notified []types.ChangeSource
	s.Watch(watcherFunc(func(commits []commitdag.Commit, source types.ChangeSource) {
		notified = append(notified, source)
	}))

	_, err := s.AddCommitFromLocal([]commitdag.Commit{root}, types.ObjectID("new-root"), 5, nil)
	require.NoError(t, err)

	require.Len(t, notified, 1)
	assert.Equal(t, types.ChangeSourceLocal, notified[0])
}

type watcherFunc func([]commitdag.Commit, types.ChangeSource)

func (f watcherFunc) OnNewCommits(commits []commitdag.Commit, source types.ChangeSource) {
	f(commits, source)
}
