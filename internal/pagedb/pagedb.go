// Package pagedb is the durable key-value substrate for a single page: it
// holds heads, commits, journals, object bytes, and sync-status, each under
// its own bbolt bucket. Every multi-row mutation that must be observed
// together goes through a Batch, executed as a single bbolt transaction.
package pagedb

import (
	"encoding/binary"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/types"
)

var (
	bucketHeads           = []byte("heads")
	bucketCommits         = []byte("commits")
	bucketUnsyncedCommits = []byte("unsynced_commits")
	bucketJournals        = []byte("journals")
	bucketImplicitJournal = []byte("implicit_journals")
	bucketJournalEntries  = []byte("journal_entries")
	bucketObjects         = []byte("objects")
	bucketObjectStatus    = []byte("object_status")
	bucketSyncMeta        = []byte("sync_meta")
)

var allBuckets = [][]byte{
	bucketHeads, bucketCommits, bucketUnsyncedCommits, bucketJournals,
	bucketImplicitJournal, bucketJournalEntries, bucketObjects,
	bucketObjectStatus, bucketSyncMeta,
}

// DB is the bbolt-backed PageDb for a single page.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) the page's bbolt file at path and
// ensures all buckets exist.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, ledgererr.Wrap(ledgererr.IOError, "pagedb.Open", err)
	}
	db := &DB{bolt: bdb}
	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, ledgererr.Wrap(ledgererr.IOError, "pagedb.Open", err)
	}
	return db, nil
}

// Close closes the underlying bbolt file.
func (db *DB) Close() error {
	return db.bolt.Close()
}

// HeadEntry is a head commit id with the timestamp observed when it was
// inserted; heads are ordered by (Timestamp, ID) to give a canonical first
// head.
type HeadEntry struct {
	ID        types.CommitID
	Timestamp int64
}

// GetHeads returns all local heads ordered by (timestamp, id).
func (db *DB) GetHeads() ([]HeadEntry, error) {
	var heads []HeadEntry
	err := db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeads)
		return b.ForEach(func(k, v []byte) error {
			heads = append(heads, HeadEntry{ID: types.CommitID(k), Timestamp: int64(binary.BigEndian.Uint64(v))})
			return nil
		})
	})
	if err != nil {
		return nil, ledgererr.Wrap(ledgererr.IOError, "pagedb.GetHeads", err)
	}
	sort.Slice(heads, func(i, j int) bool {
		if heads[i].Timestamp != heads[j].Timestamp {
			return heads[i].Timestamp < heads[j].Timestamp
		}
		return heads[i].ID < heads[j].ID
	})
	return heads, nil
}

// GetCommitStorageBytes returns the serialized bytes of a commit.
func (db *DB) GetCommitStorageBytes(id types.CommitID) ([]byte, error) {
	var out []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCommits).Get([]byte(id))
		if v == nil {
			return ledgererr.New(ledgererr.NotFound, "pagedb.GetCommitStorageBytes", "commit %s", id)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HasCommit reports whether a commit is present locally.
func (db *DB) HasCommit(id types.CommitID) (bool, error) {
	var has bool
	err := db.bolt.View(func(tx *bolt.Tx) error {
		has = tx.Bucket(bucketCommits).Get([]byte(id)) != nil
		return nil
	})
	return has, err
}

// GetImplicitJournalIDs lists journal ids persisted for replay at startup.
func (db *DB) GetImplicitJournalIDs() ([]string, error) {
	var ids []string
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImplicitJournal).ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, ledgererr.Wrap(ledgererr.IOError, "pagedb.GetImplicitJournalIDs", err)
	}
	return ids, nil
}

// JournalEntryRecord is one raw entry appended to a journal.
type JournalEntryRecord struct {
	Key      []byte
	ObjectID types.ObjectID
	Priority types.Priority
	Deleted  bool
	Seq      uint64
}

// GetJournalEntries returns all entries appended to journalID, in append
// order (so that later puts/deletes of the same key shadow earlier ones).
func (db *DB) GetJournalEntries(journalID string) ([]JournalEntryRecord, error) {
	prefix := []byte(journalID + "/")
	var out []JournalEntryRecord
	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJournalEntries).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			rec, err := decodeJournalEntry(k[len(prefix):], v)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, ledgererr.Wrap(ledgererr.FormatError, "pagedb.GetJournalEntries", err)
	}
	return out, nil
}

// ReadObject returns the stored bytes for a piece.
func (db *DB) ReadObject(id types.ObjectID) ([]byte, error) {
	var out []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketObjects).Get([]byte(id))
		if v == nil {
			return ledgererr.New(ledgererr.NotFound, "pagedb.ReadObject", "object %s", id)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HasObject reports whether a piece is stored locally.
func (db *DB) HasObject(id types.ObjectID) (bool, error) {
	var has bool
	err := db.bolt.View(func(tx *bolt.Tx) error {
		has = tx.Bucket(bucketObjects).Get([]byte(id)) != nil
		return nil
	})
	return has, err
}

// GetObjectStatus returns the sync status of a piece, or SyncUnknown if it
// is not stored.
func (db *DB) GetObjectStatus(id types.ObjectID) (types.SyncStatus, error) {
	var status types.SyncStatus
	err := db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketObjectStatus).Get([]byte(id))
		if v == nil {
			status = types.SyncUnknown
			return nil
		}
		status = types.SyncStatus(v[0])
		return nil
	})
	return status, err
}

// GetUnsyncedCommitIDs returns commits pending upload, ordered oldest-first
// by (generation, id).
func (db *DB) GetUnsyncedCommitIDs() ([]types.CommitID, error) {
	type entry struct {
		id         types.CommitID
		generation uint64
	}
	var entries []entry
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUnsyncedCommits).ForEach(func(k, v []byte) error {
			entries = append(entries, entry{id: types.CommitID(k), generation: binary.BigEndian.Uint64(v)})
			return nil
		})
	})
	if err != nil {
		return nil, ledgererr.Wrap(ledgererr.IOError, "pagedb.GetUnsyncedCommitIDs", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].generation != entries[j].generation {
			return entries[i].generation < entries[j].generation
		}
		return entries[i].id < entries[j].id
	})
	ids := make([]types.CommitID, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

// IsCommitSynced reports whether a commit has been acknowledged by the
// cloud backend (i.e. it is absent from the unsynced set).
func (db *DB) IsCommitSynced(id types.CommitID) (bool, error) {
	var synced bool
	err := db.bolt.View(func(tx *bolt.Tx) error {
		synced = tx.Bucket(bucketUnsyncedCommits).Get([]byte(id)) == nil
		return nil
	})
	return synced, err
}

// GetUnsyncedPieces returns the lexicographically sorted set of object ids
// that are LOCAL (referenced by a committed tree but not yet acknowledged by
// the cloud backend). TRANSIENT objects are excluded: they belong to a
// journal that has not committed (or was rolled back) and must never be
// uploaded.
func (db *DB) GetUnsyncedPieces() ([]types.ObjectID, error) {
	var ids []types.ObjectID
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjectStatus).ForEach(func(k, v []byte) error {
			if types.SyncStatus(v[0]) == types.SyncLocal {
				ids = append(ids, types.ObjectID(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, ledgererr.Wrap(ledgererr.IOError, "pagedb.GetUnsyncedPieces", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// GetSyncMetadata returns the opaque value stored for key, or (nil, false)
// if absent.
func (db *DB) GetSyncMetadata(key string) ([]byte, bool, error) {
	var out []byte
	var ok bool
	err := db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSyncMeta).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	return out, ok, err
}

// WriteObject stores a piece's content with an initial sync status. Writing
// the same id twice overwrites the bytes (which are guaranteed identical by
// content-addressing) and also replaces any status already recorded.
func (db *DB) WriteObject(id types.ObjectID, content []byte, status types.SyncStatus) error {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketObjects).Put([]byte(id), content); err != nil {
			return err
		}
		return tx.Bucket(bucketObjectStatus).Put([]byte(id), []byte{byte(status)})
	})
	if err != nil {
		return ledgererr.Wrap(ledgererr.IOError, "pagedb.WriteObject", err)
	}
	return nil
}

// SetObjectStatus overwrites the recorded sync status of a piece.
func (db *DB) SetObjectStatus(id types.ObjectID, status types.SyncStatus) error {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjectStatus).Put([]byte(id), []byte{byte(status)})
	})
	if err != nil {
		return ledgererr.Wrap(ledgererr.IOError, "pagedb.SetObjectStatus", err)
	}
	return nil
}

// Batch groups several mutations into one bbolt transaction so that, for
// example, a commit's bytes, its head-set update, and its unsynced-commit
// entry are either all visible together or none are.
type Batch struct {
	tx *bolt.Tx
}

// Update runs fn inside a single read-write transaction and commits it if fn
// returns nil, or rolls back and returns fn's error otherwise.
func (db *DB) Update(fn func(b *Batch) error) error {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		return fn(&Batch{tx: tx})
	})
	if err != nil {
		return ledgererr.Wrap(ledgererr.IOError, "pagedb.Update", err)
	}
	return nil
}

// AddHead inserts or refreshes a local head commit.
func (b *Batch) AddHead(id types.CommitID, timestamp int64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(timestamp))
	return b.tx.Bucket(bucketHeads).Put([]byte(id), v)
}

// RemoveHead deletes a commit from the local head set, typically because it
// has just gained a child.
func (b *Batch) RemoveHead(id types.CommitID) error {
	return b.tx.Bucket(bucketHeads).Delete([]byte(id))
}

// PutCommit stores a commit's serialized bytes, keyed by its id.
func (b *Batch) PutCommit(id types.CommitID, storageBytes []byte) error {
	return b.tx.Bucket(bucketCommits).Put([]byte(id), storageBytes)
}

// MarkCommitUnsynced records a commit as pending upload, keyed by generation
// so GetUnsyncedCommitIDs can return them in causal order.
func (b *Batch) MarkCommitUnsynced(id types.CommitID, generation uint64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, generation)
	return b.tx.Bucket(bucketUnsyncedCommits).Put([]byte(id), v)
}

// MarkCommitSynced removes a commit from the unsynced set once the cloud
// backend has acknowledged it.
func (b *Batch) MarkCommitSynced(id types.CommitID) error {
	return b.tx.Bucket(bucketUnsyncedCommits).Delete([]byte(id))
}

// PutJournalEntry appends one mutation to a journal's entry log under a
// monotonically increasing sequence number, so replay can reconstruct
// last-write-wins order within the journal.
func (b *Batch) PutJournalEntry(journalID string, rec JournalEntryRecord) error {
	seqKey, value := encodeJournalEntry(rec)
	key := append([]byte(journalID+"/"), seqKey...)
	return b.tx.Bucket(bucketJournalEntries).Put(key, value)
}

// DeleteJournal removes all of a journal's entries and its implicit-replay
// marker, called once the journal has been committed or rolled back.
func (b *Batch) DeleteJournal(journalID string) error {
	prefix := []byte(journalID + "/")
	c := b.tx.Bucket(bucketJournalEntries).Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Seek(prefix) {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	if err := b.tx.Bucket(bucketImplicitJournal).Delete([]byte(journalID)); err != nil {
		return err
	}
	return b.tx.Bucket(bucketJournals).Delete([]byte(journalID))
}

// MarkImplicitJournal records journalID so it is replayed if the process
// crashes before the journal commits.
func (b *Batch) MarkImplicitJournal(journalID string) error {
	return b.tx.Bucket(bucketImplicitJournal).Put([]byte(journalID), []byte{1})
}

// PutSyncMetadata stores an opaque cursor value (e.g. the cloud backend's
// last-seen timestamp token) under key.
func (b *Batch) PutSyncMetadata(key string, value []byte) error {
	return b.tx.Bucket(bucketSyncMeta).Put([]byte(key), value)
}

// MarkObjectLocal upgrades an object's sync status to LOCAL, unless it is
// already LOCAL or SYNCED, inside the same transaction as the commit that
// newly references it.
func (b *Batch) MarkObjectLocal(id types.ObjectID) error {
	bucket := b.tx.Bucket(bucketObjectStatus)
	if v := bucket.Get([]byte(id)); v != nil && types.SyncStatus(v[0]) >= types.SyncLocal {
		return nil
	}
	return bucket.Put([]byte(id), []byte{byte(types.SyncLocal)})
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func encodeJournalEntry(rec JournalEntryRecord) (key, value []byte) {
	seqKey := make([]byte, 8)
	binary.BigEndian.PutUint64(seqKey, rec.Seq)

	value = make([]byte, 0, len(rec.Key)+len(rec.ObjectID)+10)
	if rec.Deleted {
		value = append(value, 1)
	} else {
		value = append(value, 0)
	}
	value = append(value, byte(rec.Priority))
	var keyLen [4]byte
	binary.BigEndian.PutUint32(keyLen[:], uint32(len(rec.Key)))
	value = append(value, keyLen[:]...)
	value = append(value, rec.Key...)
	value = append(value, []byte(rec.ObjectID)...)
	return seqKey, value
}

func decodeJournalEntry(seqKey, value []byte) (JournalEntryRecord, error) {
	if len(value) < 6 {
		return JournalEntryRecord{}, ledgererr.New(ledgererr.FormatError, "pagedb.decodeJournalEntry", "short record")
	}
	rec := JournalEntryRecord{
		Deleted:  value[0] == 1,
		Priority: types.Priority(value[1]),
	}
	keyLen := binary.BigEndian.Uint32(value[2:6])
	if len(value) < int(6+keyLen) {
		return JournalEntryRecord{}, ledgererr.New(ledgererr.FormatError, "pagedb.decodeJournalEntry", "truncated key")
	}
	rec.Key = append([]byte(nil), value[6:6+keyLen]...)
	rec.ObjectID = types.ObjectID(value[6+keyLen:])
	if len(seqKey) == 8 {
		rec.Seq = binary.BigEndian.Uint64(seqKey)
	}
	return rec, nil
}

var errShortKey = fmt.Errorf("pagedb: key too short")
