// Package journal buffers a client's writes before they become a commit.
// An IMPLICIT journal is a single put or delete, auto-committed and
// persisted so it can be replayed if the process crashes mid-write. An
// EXPLICIT journal groups many operations under one client-controlled
// transaction. Its entries are written to the Store just like an implicit
// journal's, but it is never marked for replay, so a half-finished
// transaction is not applied after a restart; its entries stay in the
// Store, because nothing removes them when the page is reopened.
package journal

import (
	"github.com/google/uuid"

	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/types"
)

// Store is the persistence contract a journal needs from pagedb.
type Store interface {
	PutJournalEntry(journalID string, rec Entry) error
	MarkImplicitJournal(journalID string) error
	DeleteJournal(journalID string) error
	GetJournalEntries(journalID string) ([]Entry, error)
}

// Entry is one buffered mutation; it mirrors pagedb.JournalEntryRecord so
// this package doesn't need to import pagedb's on-disk encoding.
type Entry struct {
	Key      []byte
	ObjectID types.ObjectID
	Priority types.Priority
	Deleted  bool
	Seq      uint64
}

// Journal accumulates Put/Delete operations until Commit or Rollback.
type Journal struct {
	id       string
	typ      types.JournalType
	store    Store
	nextSeq  uint64
	poisoned bool
}

// New starts a journal of the given type, persisting its existence
// immediately for IMPLICIT journals so a crash before Commit can still be
// found and replayed at startup.
func New(store Store, typ types.JournalType) (*Journal, error) {
	j := &Journal{id: uuid.NewString(), typ: typ, store: store}
	if typ == types.JournalImplicit {
		if err := store.MarkImplicitJournal(j.id); err != nil {
			return nil, ledgererr.Wrap(ledgererr.IOError, "journal.New", err)
		}
	}
	return j, nil
}

// Resume reconstructs a Journal handle for a journal id found persisted
// from a previous process, for replay at startup.
func Resume(store Store, id string) *Journal {
	return &Journal{id: id, typ: types.JournalImplicit, store: store}
}

// ID returns the journal's opaque identifier.
func (j *Journal) ID() string { return j.id }

// Put buffers a key/value mutation.
func (j *Journal) Put(key []byte, objID types.ObjectID, priority types.Priority) error {
	const op = "journal.Put"
	if j.poisoned {
		return ledgererr.New(ledgererr.IllegalState, op, "journal %s is poisoned", j.id)
	}
	err := j.store.PutJournalEntry(j.id, Entry{Key: key, ObjectID: objID, Priority: priority, Seq: j.nextSeq})
	j.nextSeq++
	if err != nil {
		j.poison()
		return ledgererr.Wrap(ledgererr.IOError, op, err)
	}
	return nil
}

// Delete buffers a key deletion.
func (j *Journal) Delete(key []byte) error {
	const op = "journal.Delete"
	if j.poisoned {
		return ledgererr.New(ledgererr.IllegalState, op, "journal %s is poisoned", j.id)
	}
	err := j.store.PutJournalEntry(j.id, Entry{Key: key, Deleted: true, Seq: j.nextSeq})
	j.nextSeq++
	if err != nil {
		j.poison()
		return ledgererr.Wrap(ledgererr.IOError, op, err)
	}
	return nil
}

// poison marks an EXPLICIT journal as unusable after a write failure: per
// the journal contract, a client transaction that hit a storage error must
// never be allowed to Commit a partial write set.
func (j *Journal) poison() {
	if j.typ == types.JournalExplicit {
		j.poisoned = true
	}
}

// Entries returns the buffered mutations in append order, later entries for
// the same key shadowing earlier ones.
func (j *Journal) Entries() ([]Entry, error) {
	return j.store.GetJournalEntries(j.id)
}

// MergedChanges collapses Entries into one change per key, keeping only the
// last mutation recorded for each key.
func (j *Journal) MergedChanges() ([]Entry, error) {
	entries, err := j.Entries()
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]Entry, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		k := string(e.Key)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = e
	}
	out := make([]Entry, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out, nil
}

// Discard removes a journal's persisted state without committing it, used
// both for explicit rollback and for dropping a crashed implicit journal
// whose net effect turned out to be empty.
func (j *Journal) Discard() error {
	if err := j.store.DeleteJournal(j.id); err != nil {
		return ledgererr.Wrap(ledgererr.IOError, "journal.Discard", err)
	}
	return nil
}

// IsPoisoned reports whether a write failure has made this journal
// permanently unable to commit.
func (j *Journal) IsPoisoned() bool { return j.poisoned }

// Type reports whether this is an IMPLICIT or EXPLICIT journal.
func (j *Journal) Type() types.JournalType { return j.typ }
