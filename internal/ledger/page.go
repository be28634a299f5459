// Package ledger is the top-level entry point of a bound ledger instance:
// it opens and caches per-page runtimes, wiring the object store, commit
// DAG, B-tree, merge resolver and (optionally) the sync engine together
// behind the client-facing Page/Transaction/Snapshot surface.
package ledger

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/cuemby/ledger/internal/btree"
	"github.com/cuemby/ledger/internal/cloudsync"
	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/internal/journal"
	"github.com/cuemby/ledger/internal/merge"
	"github.com/cuemby/ledger/internal/objectstore"
	"github.com/cuemby/ledger/internal/pagedb"
	"github.com/cuemby/ledger/internal/pagestorage"
	"github.com/cuemby/ledger/internal/pageruntime"
	"github.com/cuemby/ledger/pkg/config"
	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/log"
	"github.com/cuemby/ledger/pkg/types"
)

// commitCacheSize bounds how many decoded commits each page keeps hot in
// memory; common-ancestor search and watcher diffing both hit this cache
// far more often than the underlying bbolt file.
const commitCacheSize = 4096

// Page is a single bound page: the durable storage it owns, the branch
// clients read/write against, and the background merge/sync loops keeping
// it converging with other writers.
type Page struct {
	ledgerID string
	pageID   string
	dir      string

	lock *flock.Flock
	db   *pagedb.DB

	os           *objectstore.Store
	tree         btree.Store
	cache        *commitdag.Cache
	storage      *pagestorage.Storage
	journalStore journalStoreAdapter
	emptyRoot    types.ObjectID

	branch   *pageruntime.BranchTracker
	watchers *pageruntime.PageWatcherContainer

	resolver     *merge.Resolver
	mergeTrigger chan struct{}

	syncEngine  *cloudsync.Engine
	syncTrigger chan struct{}

	cancel context.CancelFunc

	closeOnce sync.Once
}

// openPage opens (creating if necessary) the on-disk state for one page and
// wires every subsystem together. backend may be nil, in which case the
// page never syncs and GetObject(NETWORK)/Fetch fail with NotConnected.
func openPage(cfg config.Config, backend cloudsync.CloudBackend, resolver merge.ConflictResolver, ledgerID, pageID string) (*Page, error) {
	const op = "ledger.openPage"

	dir := pageDir(cfg.StorageRoot, cfg.SerializationVersion, ledgerID, pageID)
	if err := os.MkdirAll(storeDir(dir), 0700); err != nil {
		return nil, ledgererr.Wrap(ledgererr.IOError, op, err)
	}

	fl := flock.New(lockFile(dir))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, ledgererr.Wrap(ledgererr.IOError, op, err)
	}
	if !locked {
		return nil, ledgererr.New(ledgererr.IllegalState, op, "page %s/%s is already open by another process", ledgerID, pageID)
	}

	db, err := pagedb.Open(dbFile(dir))
	if err != nil {
		fl.Unlock()
		return nil, err
	}

	var network objectstore.NetworkFetcher
	if backend != nil {
		network = networkFetcherAdapter{backend: backend, pageID: pageID}
	}
	store := objectstore.New(db, network)
	tree := btree.NewObjectStoreAdapter(store, store.WriteIndexPiece)
	emptyRoot, err := btree.Empty(tree)
	if err != nil {
		db.Close()
		fl.Unlock()
		return nil, err
	}

	cache, err := commitdag.NewCache(db, commitCacheSize)
	if err != nil {
		db.Close()
		fl.Unlock()
		return nil, ledgererr.Wrap(ledgererr.IOError, op, err)
	}

	storage := pagestorage.New(pageID, dbAdapter{db}, cache, tree, store)
	storage.Serializer().Run()

	p := &Page{
		ledgerID:     ledgerID,
		pageID:       pageID,
		dir:          dir,
		lock:         fl,
		db:           db,
		os:           store,
		tree:         tree,
		cache:        cache,
		storage:      storage,
		journalStore: journalStoreAdapter{db},
		emptyRoot:    emptyRoot,
		watchers:     pageruntime.NewPageWatcherContainer(tree),
		mergeTrigger: make(chan struct{}, 1),
		syncTrigger:  make(chan struct{}, 1),
	}

	initial, err := p.initialBranchHead()
	if err != nil {
		db.Close()
		fl.Unlock()
		return nil, err
	}
	p.branch = pageruntime.NewBranchTracker(initial)
	storage.Watch(p.branch)
	storage.Watch(containerWatcher{container: p.watchers, cache: cache, emptyRoot: emptyRoot})
	storage.Watch(triggerWatcher{mergeTrigger: p.mergeTrigger, syncTrigger: p.syncTrigger})

	if err := p.replayImplicitJournals(); err != nil {
		db.Close()
		fl.Unlock()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	strategy := buildStrategy(cfg.Merge.Strategy, resolver)
	p.resolver = merge.NewResolver(storage, storage, ancestorAdapter{cache}, cache, tree, strategy,
		cfg.Sync.InitialBackoff, cfg.Sync.MaxBackoff)
	go p.resolver.Run(ctx, p.mergeTrigger)

	if backend != nil && cfg.Sync.Enabled {
		uploader := cloudsync.NewUploader(pageID, storage, backend, cfg.Sync.UploadConcurrency, cfg.Sync.InitialBackoff, cfg.Sync.MaxBackoff)
		downloader := cloudsync.NewDownloader(pageID, storage, backend, cfg.Sync.InitialBackoff, cfg.Sync.MaxBackoff)
		p.syncEngine = cloudsync.NewEngine(pageID, uploader, downloader)
		go p.syncEngine.Run(ctx, p.syncTrigger)
	}

	return p, nil
}

// initialBranchHead picks the page's canonical starting head: its first
// local head if any exist (heads are already ordered by (timestamp, id),
// so the first is canonical), or the synthetic empty commit for a
// brand-new page.
func (p *Page) initialBranchHead() (commitdag.Commit, error) {
	heads, err := p.storage.Heads()
	if err != nil {
		return commitdag.Commit{}, err
	}
	if len(heads) == 0 {
		return commitdag.Empty(p.emptyRoot), nil
	}
	return heads[0], nil
}

// replayImplicitJournals finds journals that were persisted but never
// reached Discard (because the process crashed between the journal write
// and the commit it was about to produce) and re-applies them, so a
// mid-write crash never silently drops an acknowledged mutation.
func (p *Page) replayImplicitJournals() error {
	ids, err := p.db.GetImplicitJournalIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		j := journal.Resume(p.journalStore, id)
		if _, _, err := p.applyJournal(j); err != nil {
			return err
		}
	}
	return nil
}

func buildStrategy(name string, resolver merge.ConflictResolver) merge.Strategy {
	custom := merge.Custom{Resolver: resolver}
	switch name {
	case "custom":
		if resolver != nil {
			return custom
		}
		return merge.LastOneWins{}
	case "auto":
		if resolver != nil {
			return merge.AutoWithFallback{Fallback: custom}
		}
		return merge.AutoWithFallback{Fallback: merge.LastOneWins{}}
	default:
		return merge.LastOneWins{}
	}
}

// triggerWatcher pokes the merge resolver on every new commit batch and
// the upload engine specifically on locally produced ones, without
// blocking if a trigger is already pending.
type triggerWatcher struct {
	mergeTrigger chan struct{}
	syncTrigger  chan struct{}
}

func (w triggerWatcher) OnNewCommits(commits []commitdag.Commit, source types.ChangeSource) {
	nonBlockingSend(w.mergeTrigger)
	if source == types.ChangeSourceLocal {
		nonBlockingSend(w.syncTrigger)
	}
}

func nonBlockingSend(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// containerWatcher adapts pagestorage's per-batch OnNewCommits callback
// onto PageWatcherContainer's per-commit NotifyDiff, resolving each
// commit's diff base from its first parent (or the page's empty root for
// its very first commit).
type containerWatcher struct {
	container *pageruntime.PageWatcherContainer
	cache     *commitdag.Cache
	emptyRoot types.ObjectID
}

func (w containerWatcher) OnNewCommits(commits []commitdag.Commit, source types.ChangeSource) {
	for _, c := range commits {
		base := w.emptyRoot
		if len(c.Parents) > 0 && c.Parents[0] != types.EmptyCommitID {
			parent, err := w.cache.GetCommit(c.Parents[0])
			if err != nil {
				log.Errorf("resolve parent commit for watcher diff", err)
				continue
			}
			base = parent.RootID
		}
		if err := w.container.NotifyDiff(c, base); err != nil {
			log.Errorf("deliver watcher diff", err)
		}
	}
}

// Put stores value under key with EAGER priority.
func (p *Page) Put(key, value []byte) error {
	return p.PutWithPriority(key, value, types.PriorityEager)
}

// PutWithPriority stores value under key, controlling whether a remote
// device downloads it upfront (EAGER) or only on first read (LAZY).
func (p *Page) PutWithPriority(key, value []byte, priority types.Priority) error {
	objID, err := p.os.AddFromLocal(bytes.NewReader(value))
	if err != nil {
		return err
	}
	return p.PutReference(key, objID, priority)
}

// PutReference points key at an object id created earlier via
// CreateReference, without re-streaming its content.
func (p *Page) PutReference(key []byte, objID types.ObjectID, priority types.Priority) error {
	const op = "ledger.Page.PutReference"
	if _, err := p.os.GetPiece(objID); err != nil {
		return ledgererr.New(ledgererr.ReferenceNotFound, op, "object %s is not known to this page", objID)
	}
	var resultErr error
	p.storage.Serializer().SubmitSync(func() {
		resultErr = p.commitSingle(journal.Entry{Key: key, ObjectID: objID, Priority: priority})
	})
	return resultErr
}

// Delete removes key.
func (p *Page) Delete(key []byte) error {
	var resultErr error
	p.storage.Serializer().SubmitSync(func() {
		resultErr = p.commitSingle(journal.Entry{Key: key, Deleted: true})
	})
	return resultErr
}

// CreateReference streams r into the object store without binding it to
// any key, returning the id a later PutReference can attach.
func (p *Page) CreateReference(r io.Reader) (types.ObjectID, error) {
	return p.os.AddFromLocal(r)
}

// GetSnapshot returns a read-only view pinned to the page's current branch
// head.
func (p *Page) GetSnapshot() *pageruntime.Snapshot {
	return pageruntime.NewSnapshot(p.storage, p.branch.Head())
}

// StartTransaction opens an EXPLICIT, client-driven journal: buffered
// mutations are invisible to readers until Commit, discarded entirely on
// Rollback, and never applied if the page is closed first (their journal
// entries then remain in the page database).
func (p *Page) StartTransaction() (*Transaction, error) {
	var tx *Transaction
	var err error
	p.storage.Serializer().SubmitSync(func() {
		j, jErr := journal.New(p.journalStore, types.JournalExplicit)
		if jErr != nil {
			err = jErr
			return
		}
		p.branch.BeginTransaction()
		tx = &Transaction{page: p, j: j}
	})
	return tx, err
}

// commitSingle applies one implicit-journal entry and commits it as a new
// branch commit; must run on the page's serializer.
func (p *Page) commitSingle(entry journal.Entry) error {
	j, err := journal.New(p.journalStore, types.JournalImplicit)
	if err != nil {
		return err
	}
	if entry.Deleted {
		err = j.Delete(entry.Key)
	} else {
		err = j.Put(entry.Key, entry.ObjectID, entry.Priority)
	}
	if err != nil {
		return err
	}
	_, _, err = p.applyJournal(j)
	return err
}

// applyJournal merges a journal's buffered changes onto the current branch
// head and persists the result as a new commit, then discards the
// journal. A journal whose net effect is a no-op (e.g. a replayed implicit
// journal that already landed before a crash) is discarded without
// producing an empty commit; ok reports whether a commit was actually
// produced.
func (p *Page) applyJournal(j *journal.Journal) (commit commitdag.Commit, ok bool, err error) {
	changes, err := j.MergedChanges()
	if err != nil {
		return commitdag.Commit{}, false, err
	}
	head := p.branch.Head()
	btChanges := make([]btree.Change, len(changes))
	for i, c := range changes {
		btChanges[i] = btree.Change{Key: c.Key, ObjectID: c.ObjectID, Priority: c.Priority, Delete: c.Deleted}
	}
	newRoot, err := btree.Apply(p.tree, head.RootID, btChanges)
	if err != nil {
		return commitdag.Commit{}, false, err
	}
	if newRoot == head.RootID {
		return commitdag.Commit{}, false, j.Discard()
	}
	newObjectIDs, err := btree.CollectObjectIDs(p.tree, newRoot)
	if err != nil {
		return commitdag.Commit{}, false, err
	}
	commit, err = p.storage.AddCommitFromLocal([]commitdag.Commit{head}, newRoot, time.Now().UnixNano(), newObjectIDs)
	if err != nil {
		return commitdag.Commit{}, false, err
	}
	if err := j.Discard(); err != nil {
		return commitdag.Commit{}, false, err
	}
	return commit, true, nil
}

// Close stops this page's background loops and releases its directory
// lock. It does not remove any on-disk state.
func (p *Page) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		err = p.db.Close()
		if unlockErr := p.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	})
	return err
}
