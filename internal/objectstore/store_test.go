package objectstore

import (
	"bytes"
	"crypto/sha256"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ledger/pkg/types"
)

// memDB is a minimal in-memory pageDB for exercising Store without bbolt.
type memDB struct {
	objects map[types.ObjectID][]byte
	status  map[types.ObjectID]types.SyncStatus
}

func newMemDB() *memDB {
	return &memDB{objects: map[types.ObjectID][]byte{}, status: map[types.ObjectID]types.SyncStatus{}}
}

func (m *memDB) ReadObject(id types.ObjectID) ([]byte, error) {
	v, ok := m.objects[id]
	if !ok {
		return nil, assert.AnError
	}
	return v, nil
}

func (m *memDB) HasObject(id types.ObjectID) (bool, error) {
	_, ok := m.objects[id]
	return ok, nil
}

func (m *memDB) GetObjectStatus(id types.ObjectID) (types.SyncStatus, error) {
	return m.status[id], nil
}

func (m *memDB) WriteObject(id types.ObjectID, content []byte, status types.SyncStatus) error {
	m.objects[id] = append([]byte(nil), content...)
	m.status[id] = status
	return nil
}

func (m *memDB) SetObjectStatus(id types.ObjectID, status types.SyncStatus) error {
	m.status[id] = status
	return nil
}

func TestSplitSmallValueIsInline(t *testing.T) {
	store := New(newMemDB(), nil)
	root, err := store.AddFromLocal(bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, types.ObjectIDInline, root.Kind())

	got, err := store.GetObject(root, types.LocationLocal)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestSplitAndReassembleLargeValue(t *testing.T) {
	data := make([]byte, 5*minChunkSize)
	rng := rand.New(rand.NewSource(42))
	rng.Read(data)

	store := New(newMemDB(), nil)
	root, err := store.AddFromLocal(bytes.NewReader(data))
	require.NoError(t, err)
	assert.NotEqual(t, types.ObjectIDInline, root.Kind())

	got, err := store.GetObject(root, types.LocationLocal)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestAddFromSyncRejectsMismatchedID(t *testing.T) {
	store := New(newMemDB(), nil)
	content := bytes.Repeat([]byte{0x42}, 100)
	badID := types.ValueObjectID(bytes.Repeat([]byte{0x43}, 100))

	err := store.AddFromSync(badID, content)
	require.Error(t, err)
}

func TestAddFromSyncAcceptsMatchingID(t *testing.T) {
	store := New(newMemDB(), nil)
	content := bytes.Repeat([]byte{0x42}, 100)
	id := types.ValueObjectID(content)

	require.NoError(t, store.AddFromSync(id, content))

	status, err := store.db.(*memDB).GetObjectStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.SyncSynced, status)
}

func TestMarkSyncedIsMonotone(t *testing.T) {
	store := New(newMemDB(), nil)
	content := bytes.Repeat([]byte{0x7}, 200)
	id, err := store.WriteIndexPiece(content)
	require.NoError(t, err)

	untracked, err := store.IsUntracked(id)
	require.NoError(t, err)
	assert.True(t, untracked)

	require.NoError(t, store.MarkSynced(id))
	require.NoError(t, store.MarkSynced(id))

	status, err := store.db.(*memDB).GetObjectStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.SyncSynced, status)
}

func TestMarkLocalIsMonotoneAndDoesNotDowngradeSynced(t *testing.T) {
	store := New(newMemDB(), nil)
	content := bytes.Repeat([]byte{0x9}, 200)
	id, err := store.WriteIndexPiece(content)
	require.NoError(t, err)

	require.NoError(t, store.MarkLocal(id))
	status, err := store.db.(*memDB).GetObjectStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.SyncLocal, status)

	untracked, err := store.IsUntracked(id)
	require.NoError(t, err)
	assert.False(t, untracked, "a LOCAL piece is referenced by a committed tree, not untracked")

	require.NoError(t, store.MarkSynced(id))
	require.NoError(t, store.MarkLocal(id))
	status, err = store.db.(*memDB).GetObjectStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.SyncSynced, status, "MarkLocal must not downgrade an already-SYNCED piece")
}

type fakeNetwork struct {
	pieces map[types.ObjectID][]byte
	calls  int
}

func (f *fakeNetwork) FetchPiece(id types.ObjectID) ([]byte, error) {
	f.calls++
	v, ok := f.pieces[id]
	if !ok {
		return nil, assert.AnError
	}
	return v, nil
}

func TestGetObjectFallsThroughToNetwork(t *testing.T) {
	content := bytes.Repeat([]byte{0x9}, 500)
	id := types.ValueObjectID(content)
	net := &fakeNetwork{pieces: map[types.ObjectID][]byte{id: content}}

	store := New(newMemDB(), net)

	_, err := store.GetObject(id, types.LocationLocal)
	require.Error(t, err)

	got, err := store.GetObject(id, types.LocationNetwork)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, 1, net.calls)
}

func TestGetRangeOnInlineValue(t *testing.T) {
	store := New(newMemDB(), nil)
	root, err := store.AddFromLocal(bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)

	got, err := store.GetRange(root, 6, 5, types.LocationLocal)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
}

func TestGetRangeAcrossChunkBoundaries(t *testing.T) {
	data := make([]byte, 5*minChunkSize)
	rng := rand.New(rand.NewSource(7))
	rng.Read(data)

	store := New(newMemDB(), nil)
	root, err := store.AddFromLocal(bytes.NewReader(data))
	require.NoError(t, err)
	require.NotEqual(t, types.ObjectIDInline, root.Kind())

	offset := int64(minChunkSize) - 10
	length := int64(3*minChunkSize + 20)
	got, err := store.GetRange(root, offset, length, types.LocationLocal)
	require.NoError(t, err)
	assert.Equal(t, data[offset:offset+length], got)
}

func TestGetRangeBeyondValueLengthTruncates(t *testing.T) {
	store := New(newMemDB(), nil)
	root, err := store.AddFromLocal(bytes.NewReader([]byte("short")))
	require.NoError(t, err)

	got, err := store.GetRange(root, 2, 100, types.LocationLocal)
	require.NoError(t, err)
	assert.Equal(t, "ort", string(got))
}

func TestValueObjectIDMatchesSHA256(t *testing.T) {
	content := bytes.Repeat([]byte{0x1}, 100)
	id := types.ValueObjectID(content)
	sum := sha256.Sum256(content)
	assert.Equal(t, sum[:], []byte(id)[1:])
}
