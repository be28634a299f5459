package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ledger/pkg/config"
	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/types"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.StorageRoot = t.TempDir()
	cfg.Sync.Enabled = false
	cfg.Sync.StartupGrace = 50 * time.Millisecond
	return cfg
}

func TestGetPageOpensAndReusesSamePage(t *testing.T) {
	l := New(testConfig(t), nil, nil)
	defer l.Close()

	p1, err := l.GetPage(context.Background(), "ledger-a", "page-1")
	require.NoError(t, err)
	require.NotNil(t, p1)

	p2, err := l.GetPage(context.Background(), "ledger-a", "page-1")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestGetPageDistinctPagesAreIndependent(t *testing.T) {
	l := New(testConfig(t), nil, nil)
	defer l.Close()

	pa, err := l.GetPage(context.Background(), "ledger-a", "page-1")
	require.NoError(t, err)
	pb, err := l.GetPage(context.Background(), "ledger-a", "page-2")
	require.NoError(t, err)
	assert.NotSame(t, pa, pb)

	require.NoError(t, pa.Put([]byte("k"), []byte("v")))

	snapB := pb.GetSnapshot()
	_, ok, err := snapB.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutAndDeleteRoundTripThroughSnapshot(t *testing.T) {
	l := New(testConfig(t), nil, nil)
	defer l.Close()

	p, err := l.GetPage(context.Background(), "ledger-a", "page-1")
	require.NoError(t, err)

	require.NoError(t, p.Put([]byte("hello"), []byte("world")))

	snap := p.GetSnapshot()
	val, ok, err := snap.Get([]byte("hello"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("world"), val)

	require.NoError(t, p.Delete([]byte("hello")))

	snap2 := p.GetSnapshot()
	_, ok, err = snap2.Get([]byte("hello"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutWithPriorityStoresLazyEntries(t *testing.T) {
	l := New(testConfig(t), nil, nil)
	defer l.Close()

	p, err := l.GetPage(context.Background(), "ledger-a", "page-1")
	require.NoError(t, err)

	require.NoError(t, p.PutWithPriority([]byte("lazy-key"), []byte("lazy-value"), types.PriorityLazy))

	snap := p.GetSnapshot()
	val, ok, err := snap.Get([]byte("lazy-key"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("lazy-value"), val)
}

func TestPutReferenceRejectsUnknownObject(t *testing.T) {
	l := New(testConfig(t), nil, nil)
	defer l.Close()

	p, err := l.GetPage(context.Background(), "ledger-a", "page-1")
	require.NoError(t, err)

	err = p.PutReference([]byte("k"), types.IndexObjectID([]byte("not-a-real-object-id")), types.PriorityEager)
	require.Error(t, err)
	assert.Equal(t, ledgererr.ReferenceNotFound, ledgererr.CodeOf(err))
}

func TestPutReferenceAcceptsObjectCreatedViaCreateReference(t *testing.T) {
	l := New(testConfig(t), nil, nil)
	defer l.Close()

	p, err := l.GetPage(context.Background(), "ledger-a", "page-1")
	require.NoError(t, err)

	objID, err := p.CreateReference(strings.NewReader("shared content"))
	require.NoError(t, err)

	require.NoError(t, p.PutReference([]byte("ref-key"), objID, types.PriorityEager))

	snap := p.GetSnapshot()
	val, ok, err := snap.Get([]byte("ref-key"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("shared content"), val)
}

func TestTransactionIsInvisibleUntilCommit(t *testing.T) {
	l := New(testConfig(t), nil, nil)
	defer l.Close()

	p, err := l.GetPage(context.Background(), "ledger-a", "page-1")
	require.NoError(t, err)

	tx, err := p.StartTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("a"), []byte("1")))
	require.NoError(t, tx.Put([]byte("b"), []byte("2")))

	preCommit := p.GetSnapshot()
	_, ok, err := preCommit.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok, "uncommitted writes must not be visible")

	require.NoError(t, tx.Commit())

	postCommit := p.GetSnapshot()
	va, ok, err := postCommit.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), va)

	vb, ok, err := postCommit.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), vb)
}

func TestTransactionRollbackDiscardsChanges(t *testing.T) {
	l := New(testConfig(t), nil, nil)
	defer l.Close()

	p, err := l.GetPage(context.Background(), "ledger-a", "page-1")
	require.NoError(t, err)

	tx, err := p.StartTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("a"), []byte("1")))
	require.NoError(t, tx.Rollback())

	// Rollback is idempotent.
	require.NoError(t, tx.Rollback())

	snap := p.GetSnapshot()
	_, ok, err := snap.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransactionRejectsOperationsAfterCommit(t *testing.T) {
	l := New(testConfig(t), nil, nil)
	defer l.Close()

	p, err := l.GetPage(context.Background(), "ledger-a", "page-1")
	require.NoError(t, err)

	tx, err := p.StartTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("a"), []byte("1")))
	require.NoError(t, tx.Commit())

	err = tx.Put([]byte("b"), []byte("2"))
	require.Error(t, err)
	assert.Equal(t, ledgererr.IllegalState, ledgererr.CodeOf(err))

	err = tx.Commit()
	require.Error(t, err)
	assert.Equal(t, ledgererr.IllegalState, ledgererr.CodeOf(err))
}

func TestDeletePageRemovesOnDiskState(t *testing.T) {
	cfg := testConfig(t)
	l := New(cfg, nil, nil)
	defer l.Close()

	p, err := l.GetPage(context.Background(), "ledger-a", "page-1")
	require.NoError(t, err)
	require.NoError(t, p.Put([]byte("k"), []byte("v")))

	require.NoError(t, l.DeletePage("ledger-a", "page-1"))

	reopened, err := l.GetPage(context.Background(), "ledger-a", "page-1")
	require.NoError(t, err)
	snap := reopened.GetSnapshot()
	_, ok, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok, "a fresh page after DeletePage must not see the deleted page's data")
}

