package pageruntime

import (
	"bytes"

	"github.com/cuemby/ledger/internal/btree"
	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/types"
)

// maxKeysPerPage bounds how many keys/entries GetKeys/GetEntries return in a
// single call; callers page through the rest with the returned token.
const maxKeysPerPage = 1000

// snapshotStore is the subset of pagestorage.Storage a Snapshot reads
// through; narrowed so this package doesn't need the full Storage surface.
type snapshotStore interface {
	Tree() btree.Store
	GetObject(root types.ObjectID, location types.FetchLocation) ([]byte, error)
	GetObjectRange(root types.ObjectID, offset, length int64, location types.FetchLocation) ([]byte, error)
}

// Snapshot is a point-in-time, read-only view of a page pinned to one
// commit: every read resolves keys against that commit's root tree, so a
// snapshot's results never change even as the page's branch head advances
// underneath it.
type Snapshot struct {
	store  snapshotStore
	commit commitdag.Commit
}

// NewSnapshot pins a snapshot to commit. The caller is responsible for
// keeping commit reachable for as long as the snapshot is in use; nothing
// records open snapshots or pins their commits.
func NewSnapshot(store snapshotStore, commit commitdag.Commit) *Snapshot {
	return &Snapshot{store: store, commit: commit}
}

// Commit returns the commit this snapshot is pinned to.
func (s *Snapshot) Commit() commitdag.Commit { return s.commit }

// Get resolves key's full value from local storage only, reporting false if
// the key is absent in this snapshot's tree.
func (s *Snapshot) Get(key []byte) ([]byte, bool, error) {
	return s.get(key, types.LocationLocal)
}

// Fetch resolves key's full value, falling through to the cloud backend for
// any piece missing locally.
func (s *Snapshot) Fetch(key []byte) ([]byte, bool, error) {
	return s.get(key, types.LocationNetwork)
}

func (s *Snapshot) get(key []byte, location types.FetchLocation) ([]byte, bool, error) {
	entry, ok, err := btree.GetEntry(s.store.Tree(), s.commit.RootID, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	value, err := s.store.GetObject(entry.ObjectID, location)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// FetchPartial resolves the [offset, offset+length) slice of key's value,
// skipping whole file-index subtrees outside the requested range rather
// than reassembling the entire value first.
func (s *Snapshot) FetchPartial(key []byte, offset, length int64) ([]byte, bool, error) {
	const op = "pageruntime.Snapshot.FetchPartial"
	if offset < 0 || length < 0 {
		return nil, false, ledgererr.New(ledgererr.IllegalState, op, "negative offset/length")
	}
	entry, ok, err := btree.GetEntry(s.store.Tree(), s.commit.RootID, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	value, err := s.store.GetObjectRange(entry.ObjectID, offset, length, types.LocationNetwork)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Page is one token-delimited slice of a GetKeys/GetEntries scan; Token is
// empty once the scan has reached the end of the prefix range.
type Page struct {
	Keys    [][]byte
	Entries []types.Entry
	Token   string
}

// GetKeys lists keys beginning with prefix, in ascending order, starting
// after token (empty token starts from the beginning of the prefix range).
func (s *Snapshot) GetKeys(prefix []byte, token string) (Page, error) {
	entries, next, err := s.scanPrefix(prefix, token)
	if err != nil {
		return Page{}, err
	}
	keys := make([][]byte, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return Page{Keys: keys, Token: next}, nil
}

// GetEntries lists full entries (key and object id) beginning with prefix,
// in ascending order, starting after token.
func (s *Snapshot) GetEntries(prefix []byte, token string) (Page, error) {
	entries, next, err := s.scanPrefix(prefix, token)
	if err != nil {
		return Page{}, err
	}
	return Page{Entries: entries, Token: next}, nil
}

// scanPrefix walks the snapshot's tree in key order, collecting entries
// whose key starts with prefix, resuming just past token (the last key
// returned by a prior call) and stopping after maxKeysPerPage entries or
// once the prefix range is exhausted. upperBound is the first key that
// sorts past every possible key with this prefix (nil if prefix has no
// such bound, e.g. an all-0xFF or empty prefix), letting the walk stop
// early instead of visiting the rest of the tree.
func (s *Snapshot) scanPrefix(prefix []byte, token string) ([]types.Entry, string, error) {
	var collected []types.Entry
	var next []byte
	resumeAfter := []byte(token)
	upperBound := prefixUpperBound(prefix)

	err := btree.ForEachEntry(s.store.Tree(), s.commit.RootID, func(e types.Entry) error {
		if upperBound != nil && bytes.Compare(e.Key, upperBound) >= 0 {
			return errStopScan
		}
		if !bytes.HasPrefix(e.Key, prefix) {
			return nil
		}
		if len(resumeAfter) > 0 && bytes.Compare(e.Key, resumeAfter) <= 0 {
			return nil
		}
		if len(collected) == maxKeysPerPage {
			return errStopScan
		}
		collected = append(collected, e)
		return nil
	})
	if err != nil && err != errStopScan {
		return nil, "", err
	}
	if len(collected) == maxKeysPerPage {
		next = collected[len(collected)-1].Key
	}
	return collected, string(next), nil
}

// prefixUpperBound returns the smallest key strictly greater than every key
// starting with prefix, by incrementing the last non-0xFF byte and
// truncating the rest. Returns nil if prefix is empty or all 0xFF, meaning
// no finite upper bound exists (the scan must run to the end of the tree).
func prefixUpperBound(prefix []byte) []byte {
	bound := append([]byte(nil), prefix...)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] != 0xFF {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil
}

var errStopScan = ledgererr.New(ledgererr.NotFound, "pageruntime.scanPrefix", "stop")
