package ledger

import (
	"context"

	"github.com/cuemby/ledger/internal/cloudsync"
	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/internal/journal"
	"github.com/cuemby/ledger/internal/pagedb"
	"github.com/cuemby/ledger/internal/pagestorage"
	"github.com/cuemby/ledger/pkg/types"
)

// dbAdapter narrows a *pagedb.DB onto the pagestorage.DB interface: the
// head and batch types pagestorage declares are structurally identical to
// pagedb's but named separately so pagestorage never imports pagedb.
type dbAdapter struct {
	db *pagedb.DB
}

func (a dbAdapter) GetHeads() ([]pagestorage.HeadEntry, error) {
	heads, err := a.db.GetHeads()
	if err != nil {
		return nil, err
	}
	out := make([]pagestorage.HeadEntry, len(heads))
	for i, h := range heads {
		out[i] = pagestorage.HeadEntry{ID: h.ID, Timestamp: h.Timestamp}
	}
	return out, nil
}

func (a dbAdapter) HasCommit(id types.CommitID) (bool, error)             { return a.db.HasCommit(id) }
func (a dbAdapter) GetUnsyncedCommitIDs() ([]types.CommitID, error)       { return a.db.GetUnsyncedCommitIDs() }
func (a dbAdapter) IsCommitSynced(id types.CommitID) (bool, error)        { return a.db.IsCommitSynced(id) }
func (a dbAdapter) GetUnsyncedPieces() ([]types.ObjectID, error)          { return a.db.GetUnsyncedPieces() }
func (a dbAdapter) GetSyncMetadata(key string) ([]byte, bool, error)      { return a.db.GetSyncMetadata(key) }

// Update adapts pagedb's *pagedb.Batch callback onto pagestorage's Batch
// interface callback; *pagedb.Batch already implements every method
// pagestorage.Batch declares, so no per-method forwarding is needed beyond
// the function-type conversion itself.
func (a dbAdapter) Update(fn func(b pagestorage.Batch) error) error {
	return a.db.Update(func(b *pagedb.Batch) error {
		return fn(b)
	})
}

// journalStoreAdapter satisfies journal.Store over a *pagedb.DB. Unlike
// pagestorage's batched commit writes, journal entries are appended one at
// a time from client calls, so each method opens its own bbolt
// transaction rather than sharing one across a whole journal's lifetime.
type journalStoreAdapter struct {
	db *pagedb.DB
}

func (a journalStoreAdapter) PutJournalEntry(journalID string, rec journal.Entry) error {
	return a.db.Update(func(b *pagedb.Batch) error {
		return b.PutJournalEntry(journalID, pagedb.JournalEntryRecord{
			Key: rec.Key, ObjectID: rec.ObjectID, Priority: rec.Priority, Deleted: rec.Deleted, Seq: rec.Seq,
		})
	})
}

func (a journalStoreAdapter) MarkImplicitJournal(journalID string) error {
	return a.db.Update(func(b *pagedb.Batch) error { return b.MarkImplicitJournal(journalID) })
}

func (a journalStoreAdapter) DeleteJournal(journalID string) error {
	return a.db.Update(func(b *pagedb.Batch) error { return b.DeleteJournal(journalID) })
}

func (a journalStoreAdapter) GetJournalEntries(journalID string) ([]journal.Entry, error) {
	recs, err := a.db.GetJournalEntries(journalID)
	if err != nil {
		return nil, err
	}
	out := make([]journal.Entry, len(recs))
	for i, r := range recs {
		out[i] = journal.Entry{Key: r.Key, ObjectID: r.ObjectID, Priority: r.Priority, Deleted: r.Deleted, Seq: r.Seq}
	}
	return out, nil
}

// ancestorAdapter closes commitdag's 3-argument FindCommonAncestor (which
// needs a CommitSource to walk parents) over merge.AncestorFinder's
// 2-argument contract, binding the page's commit cache as the source.
type ancestorAdapter struct {
	cache *commitdag.Cache
}

func (a ancestorAdapter) FindCommonAncestor(x, y types.CommitID) (types.CommitID, error) {
	return commitdag.FindCommonAncestor(a.cache, x, y)
}

// networkFetcherAdapter bridges objectstore.NetworkFetcher's bare
// FetchPiece(id) onto a CloudBackend's FetchPiece(ctx, pageID, id), binding
// a background context and the owning page's id since the object store
// has no notion of either.
type networkFetcherAdapter struct {
	backend cloudsync.CloudBackend
	pageID  string
}

func (a networkFetcherAdapter) FetchPiece(id types.ObjectID) ([]byte, error) {
	return a.backend.FetchPiece(context.Background(), a.pageID, id)
}
