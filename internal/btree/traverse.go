package btree

import (
	"bytes"

	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/types"
)

// load decodes the node stored at id.
func load(store Store, id types.ObjectID) (Node, error) {
	data, err := store.GetPiece(id)
	if err != nil {
		return Node{}, err
	}
	return decodeNode(data)
}

// ForEachEntry walks every entry of the tree rooted at root in ascending
// key order, calling fn for each. Walking stops and returns fn's error if it
// returns non-nil.
func ForEachEntry(store Store, root types.ObjectID, fn func(types.Entry) error) error {
	n, err := load(store, root)
	if err != nil {
		return err
	}
	if n.isLeaf() {
		for _, e := range n.Entries {
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	}
	for i, e := range n.Entries {
		if err := ForEachEntry(store, n.Children[i], fn); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return ForEachEntry(store, n.Children[len(n.Entries)], fn)
}

// GetEntry looks up a single key in the tree rooted at root.
func GetEntry(store Store, root types.ObjectID, key []byte) (types.Entry, bool, error) {
	n, err := load(store, root)
	if err != nil {
		return types.Entry{}, false, err
	}
	for i, e := range n.Entries {
		switch bytes.Compare(key, e.Key) {
		case 0:
			return e, true, nil
		case -1:
			if n.isLeaf() {
				return types.Entry{}, false, nil
			}
			return GetEntry(store, n.Children[i], key)
		}
	}
	if n.isLeaf() {
		return types.Entry{}, false, nil
	}
	return GetEntry(store, n.Children[len(n.Entries)], key)
}

// EntryChange is one row of a Diff result: either a value change (ObjectID
// set) or a deletion (ObjectID empty) between two tree snapshots.
type EntryChange struct {
	Key      []byte
	ObjectID types.ObjectID // empty if the key was deleted
	Priority types.Priority
	Deleted  bool
}

// Diff reports every key whose mapping differs between the trees rooted at
// base and target, in ascending key order.
func Diff(store Store, base, target types.ObjectID) ([]EntryChange, error) {
	if base == target {
		return nil, nil
	}
	var changes []EntryChange
	baseEntries := make(map[string]types.Entry)
	if base != "" {
		if err := ForEachEntry(store, base, func(e types.Entry) error {
			baseEntries[string(e.Key)] = e
			return nil
		}); err != nil {
			return nil, ledgererr.Wrap(ledgererr.IOError, "btree.Diff", err)
		}
	}
	targetKeys := make(map[string]bool)
	if err := ForEachEntry(store, target, func(e types.Entry) error {
		targetKeys[string(e.Key)] = true
		if old, ok := baseEntries[string(e.Key)]; !ok || old.ObjectID != e.ObjectID || old.Priority != e.Priority {
			changes = append(changes, EntryChange{Key: e.Key, ObjectID: e.ObjectID, Priority: e.Priority})
		}
		return nil
	}); err != nil {
		return nil, ledgererr.Wrap(ledgererr.IOError, "btree.Diff", err)
	}
	for k, e := range baseEntries {
		if !targetKeys[k] {
			changes = append(changes, EntryChange{Key: e.Key, Deleted: true})
		}
	}
	sortChanges(changes)
	return changes, nil
}

// CollectObjectIDs returns every object id reachable from the tree rooted at
// root: the root and every interior node alongside each entry's value id.
// Callers use this to find the full set of objects a newly built tree
// references, so a commit can mark all of them LOCAL in one batch.
func CollectObjectIDs(store Store, root types.ObjectID) ([]types.ObjectID, error) {
	var ids []types.ObjectID
	var walk func(id types.ObjectID) error
	walk = func(id types.ObjectID) error {
		ids = append(ids, id)
		n, err := load(store, id)
		if err != nil {
			return err
		}
		if n.isLeaf() {
			for _, e := range n.Entries {
				ids = append(ids, e.ObjectID)
			}
			return nil
		}
		for i, e := range n.Entries {
			if err := walk(n.Children[i]); err != nil {
				return err
			}
			ids = append(ids, e.ObjectID)
		}
		return walk(n.Children[len(n.Entries)])
	}
	if err := walk(root); err != nil {
		return nil, ledgererr.Wrap(ledgererr.IOError, "btree.CollectObjectIDs", err)
	}
	return ids, nil
}

func sortChanges(changes []EntryChange) {
	for i := 1; i < len(changes); i++ {
		for j := i; j > 0 && bytes.Compare(changes[j-1].Key, changes[j].Key) > 0; j-- {
			changes[j-1], changes[j] = changes[j], changes[j-1]
		}
	}
}
