// Package pagestorage composes the object store, commit graph and B-tree
// into the operations a page actually exposes: adding commits (from a local
// write or from sync), reading objects, and watching for new commits.
// Client calls are serialized through an OperationSerializer so that two
// concurrent Put calls on the same page observe FIFO ordering even though
// each is handled asynchronously.
package pagestorage

import (
	"sort"
	"sync"

	"github.com/cuemby/ledger/internal/btree"
	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/internal/objectstore"
	"github.com/cuemby/ledger/pkg/metrics"
	"github.com/cuemby/ledger/pkg/types"
)

// DB is the subset of pagedb.DB PageStorage drives directly; commit and
// object persistence beyond this goes through the objectstore/commitdag
// packages, which take their own narrower views of DB.
type DB interface {
	GetHeads() ([]HeadEntry, error)
	HasCommit(id types.CommitID) (bool, error)
	GetUnsyncedCommitIDs() ([]types.CommitID, error)
	IsCommitSynced(id types.CommitID) (bool, error)
	GetUnsyncedPieces() ([]types.ObjectID, error)
	GetSyncMetadata(key string) ([]byte, bool, error)
	Update(fn func(b Batch) error) error
}

// HeadEntry mirrors pagedb.HeadEntry to avoid a direct import cycle surface.
type HeadEntry struct {
	ID        types.CommitID
	Timestamp int64
}

// Batch mirrors the write operations of pagedb.Batch that PageStorage needs
// inside one transaction when adding commits.
type Batch interface {
	AddHead(id types.CommitID, timestamp int64) error
	RemoveHead(id types.CommitID) error
	PutCommit(id types.CommitID, storageBytes []byte) error
	MarkCommitUnsynced(id types.CommitID, generation uint64) error
	MarkCommitSynced(id types.CommitID) error
	PutSyncMetadata(key string, value []byte) error
	MarkObjectLocal(id types.ObjectID) error
}

// CommitWatcher is notified whenever new commits are durably added to a
// page, along with the source that produced them.
type CommitWatcher interface {
	OnNewCommits(commits []commitdag.Commit, source types.ChangeSource)
}

// Storage is the durable commit+object substrate for a single page.
type Storage struct {
	pageID string
	db     DB
	cache  *commitdag.Cache
	tree   btree.Store
	os     *objectstore.Store

	mu       sync.Mutex
	watchers []CommitWatcher

	serializer *OperationSerializer
}

// New wires the pieces of a page's durable storage together.
func New(pageID string, db DB, cache *commitdag.Cache, tree btree.Store, os *objectstore.Store) *Storage {
	s := &Storage{pageID: pageID, db: db, cache: cache, tree: tree, os: os}
	s.serializer = newOperationSerializer()
	return s
}

// Watch registers w to be notified of future commit batches.
func (s *Storage) Watch(w CommitWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, w)
}

func (s *Storage) notify(commits []commitdag.Commit, source types.ChangeSource) {
	s.mu.Lock()
	watchers := append([]CommitWatcher(nil), s.watchers...)
	s.mu.Unlock()
	for _, w := range watchers {
		w.OnNewCommits(commits, source)
		metrics.WatcherNotificationsTotal.WithLabelValues(s.pageID).Inc()
	}
}

// Heads returns the current set of local head commits.
func (s *Storage) Heads() ([]commitdag.Commit, error) {
	entries, err := s.db.GetHeads()
	if err != nil {
		return nil, err
	}
	out := make([]commitdag.Commit, 0, len(entries))
	for _, e := range entries {
		c, err := s.cache.GetCommit(e.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// AddCommitFromLocal builds and persists a new commit on top of parents,
// advancing the head set and marking it unsynced, marks every id in
// newObjectIDs LOCAL in the same transaction, and notifies watchers with
// ChangeSourceLocal.
func (s *Storage) AddCommitFromLocal(parents []commitdag.Commit, rootID types.ObjectID, now int64, newObjectIDs []types.ObjectID) (commitdag.Commit, error) {
	commit, err := commitdag.FromContentAndParents(rootID, parents, now)
	if err != nil {
		return commitdag.Commit{}, err
	}
	if err := s.persist([]commitdag.Commit{commit}, nil, newObjectIDs); err != nil {
		return commitdag.Commit{}, err
	}
	metrics.CommitsAddedTotal.WithLabelValues(types.ChangeSourceLocal.String()).Inc()
	s.notify([]commitdag.Commit{commit}, types.ChangeSourceLocal)
	return commit, nil
}

// AddCommitsFromSync persists a batch of commits received from the cloud
// backend. Commits whose parents are not yet known locally are deferred:
// they are returned in orphans rather than applied, so the caller (the sync
// downloader) can hold them until the missing parent arrives in a later
// batch.
func (s *Storage) AddCommitsFromSync(commits []commitdag.Commit) (applied []commitdag.Commit, orphans []commitdag.Commit, err error) {
	ready := make(map[types.CommitID]bool)
	pending := append([]commitdag.Commit(nil), commits...)

	progress := true
	for progress && len(pending) > 0 {
		progress = false
		var next []commitdag.Commit
		for _, c := range pending {
			if s.parentsSatisfied(c, ready) {
				applied = append(applied, c)
				ready[c.ID] = true
				progress = true
			} else {
				next = append(next, c)
			}
		}
		pending = next
	}
	orphans = pending

	if len(applied) == 0 {
		return nil, orphans, nil
	}
	roots := make(map[types.CommitID]types.ObjectID, len(applied))
	for _, c := range applied {
		roots[c.ID] = c.RootID
		if err := s.prefetchEager(c, roots); err != nil {
			return nil, nil, err
		}
	}
	if err := s.persist(applied, syncedSentinel, nil); err != nil {
		return nil, nil, err
	}
	metrics.CommitsAddedTotal.WithLabelValues(types.ChangeSourceSync.String()).Add(float64(len(applied)))
	s.notify(applied, types.ChangeSourceSync)
	return applied, orphans, nil
}

// syncedSentinel is a non-nil, zero-length marker passed to persist to
// indicate commits arrived already-synced (from the cloud backend) rather
// than needing an unsynced-upload record.
var syncedSentinel = []types.CommitID{}

func (s *Storage) parentsSatisfied(c commitdag.Commit, readyThisBatch map[types.CommitID]bool) bool {
	for _, p := range c.Parents {
		if p == types.EmptyCommitID || readyThisBatch[p] {
			continue
		}
		has, err := s.db.HasCommit(p)
		if err != nil || !has {
			return false
		}
	}
	return true
}

// prefetchEager walks the entries a sync-sourced commit introduces and
// forces an immediate network fetch of every EAGER one, so a commit is
// never marked persisted while an EAGER object it references is still
// missing locally. LAZY entries are left to GetObject(LocationNetwork) to
// fetch the first time a client actually reads them.
func (s *Storage) prefetchEager(c commitdag.Commit, batchRoots map[types.CommitID]types.ObjectID) error {
	base := types.ObjectID("")
	if len(c.Parents) > 0 && c.Parents[0] != types.EmptyCommitID {
		if root, ok := batchRoots[c.Parents[0]]; ok {
			base = root
		} else {
			parent, err := s.cache.GetCommit(c.Parents[0])
			if err != nil {
				return err
			}
			base = parent.RootID
		}
	}
	changes, err := btree.Diff(s.tree, base, c.RootID)
	if err != nil {
		return err
	}
	for _, ch := range changes {
		if ch.Deleted || ch.Priority != types.PriorityEager {
			continue
		}
		if _, err := s.os.GetObject(ch.ObjectID, types.LocationNetwork); err != nil {
			return err
		}
	}
	return nil
}

// persist writes commits and updates the head set inside one transaction.
// A commit supersedes its parents as a head; commits whose id already
// exists are skipped so re-delivery from sync is idempotent. newObjectIDs
// (only meaningful for a local commit; nil for sync-delivered batches,
// whose pieces already arrived SYNCED) are marked LOCAL in the same
// transaction as the commit that first references them.
func (s *Storage) persist(commits []commitdag.Commit, markSynced []types.CommitID, newObjectIDs []types.ObjectID) error {
	return s.db.Update(func(b Batch) error {
		for _, c := range commits {
			has, err := s.db.HasCommit(c.ID)
			if err != nil {
				return err
			}
			if has {
				continue
			}
			if err := b.PutCommit(c.ID, commitdag.ToStorageBytes(c)); err != nil {
				return err
			}
			for _, p := range c.Parents {
				if err := b.RemoveHead(p); err != nil {
					return err
				}
			}
			if err := b.AddHead(c.ID, c.Timestamp); err != nil {
				return err
			}
			if markSynced != nil {
				if err := b.MarkCommitSynced(c.ID); err != nil {
					return err
				}
			} else {
				if err := b.MarkCommitUnsynced(c.ID, c.Generation); err != nil {
					return err
				}
			}
			s.cache.Add(c)
		}
		for _, id := range newObjectIDs {
			if id.Kind() == types.ObjectIDInline {
				continue
			}
			if err := b.MarkObjectLocal(id); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetObject resolves a full value by its root piece id.
func (s *Storage) GetObject(root types.ObjectID, location types.FetchLocation) ([]byte, error) {
	return s.os.GetObject(root, location)
}

// GetPiece resolves a single raw piece.
func (s *Storage) GetPiece(id types.ObjectID) ([]byte, error) {
	return s.os.GetPiece(id)
}

// GetObjectRange resolves the [offset, offset+length) slice of a value
// without reassembling the whole thing, skipping file-index subtrees that
// fall outside the requested range.
func (s *Storage) GetObjectRange(root types.ObjectID, offset, length int64, location types.FetchLocation) ([]byte, error) {
	return s.os.GetRange(root, offset, length, location)
}

// UnsyncedCommits returns commits pending upload, oldest-first.
func (s *Storage) UnsyncedCommits() ([]commitdag.Commit, error) {
	ids, err := s.db.GetUnsyncedCommitIDs()
	if err != nil {
		return nil, err
	}
	out := make([]commitdag.Commit, 0, len(ids))
	for _, id := range ids {
		c, err := s.cache.GetCommit(id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// UnsyncedPieces returns the object ids not yet acknowledged by the cloud
// backend, in a stable order so repeated scans make consistent progress.
func (s *Storage) UnsyncedPieces() ([]types.ObjectID, error) {
	ids, err := s.db.GetUnsyncedPieces()
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// MarkPieceSynced records that the cloud backend has acknowledged a piece.
func (s *Storage) MarkPieceSynced(id types.ObjectID) error {
	return s.os.MarkSynced(id)
}

// MarkCommitSynced records that the cloud backend has acknowledged a
// commit, removing it from the unsynced set.
func (s *Storage) MarkCommitSynced(id types.CommitID) error {
	return s.db.Update(func(b Batch) error {
		return b.MarkCommitSynced(id)
	})
}

// AddPieceFromSync writes a piece delivered by the downloader.
func (s *Storage) AddPieceFromSync(id types.ObjectID, content []byte) error {
	return s.os.AddFromSync(id, content)
}

// SyncMetadata returns the opaque sync cursor stored under key.
func (s *Storage) SyncMetadata(key string) ([]byte, bool, error) {
	return s.db.GetSyncMetadata(key)
}

// PersistSyncCursor stores the downloader's resume cursor.
func (s *Storage) PersistSyncCursor(cursor []byte) error {
	return s.db.Update(func(b Batch) error {
		return b.PutSyncMetadata("download_cursor", cursor)
	})
}

// Serializer exposes the page's FIFO operation queue for client calls that
// must be ordered relative to one another even when handled concurrently.
func (s *Storage) Serializer() *OperationSerializer { return s.serializer }

// Tree exposes the page's B-tree store so callers (journal commit, merge
// resolution) can call btree.Apply/Diff against this page's nodes.
func (s *Storage) Tree() btree.Store { return s.tree }
