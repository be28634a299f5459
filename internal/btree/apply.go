package btree

import (
	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/types"
)

// Store is the minimal persistence contract a tree needs: nodes are pieces
// in the object store, named by their own content hash.
type Store interface {
	GetPiece(id types.ObjectID) ([]byte, error)
	PutNode(n Node) (types.ObjectID, error)
}

// Change is one mutation to apply to a tree: a Put (Delete false, ObjectID
// set) or a Delete (Delete true; ObjectID is ignored).
type Change struct {
	Key      []byte
	Delete   bool
	ObjectID types.ObjectID
	Priority types.Priority
}

// Empty is the id of the tree with no entries: a single leaf node at level
// 0 with zero entries.
func Empty(store Store) (types.ObjectID, error) {
	return store.PutNode(Node{Level: 0})
}

// Apply produces the id of a new tree root reflecting changes layered over
// root, applied in the given order (later changes to the same key win).
// Unaffected subtrees are untouched: rebuilding a node from the same sorted
// entry set as before yields byte-identical content, so content-addressing
// means no new object is actually written for subtrees the changes didn't
// touch.
func Apply(store Store, root types.ObjectID, changes []Change) (types.ObjectID, error) {
	const op = "btree.Apply"

	entries, err := flatten(store, root)
	if err != nil {
		return "", ledgererr.Wrap(ledgererr.IOError, op, err)
	}

	byKey := make(map[string]types.Entry, len(entries))
	for _, e := range entries {
		byKey[string(e.Key)] = e
	}
	for _, c := range changes {
		if c.Delete {
			delete(byKey, string(c.Key))
			continue
		}
		byKey[string(c.Key)] = types.Entry{Key: c.Key, ObjectID: c.ObjectID, Priority: c.Priority}
	}

	merged := make([]types.Entry, 0, len(byKey))
	for _, e := range byKey {
		merged = append(merged, e)
	}
	sortEntries(merged)

	return build(store, merged)
}

// flatten reads every entry in the tree rooted at root, in key order.
func flatten(store Store, root types.ObjectID) ([]types.Entry, error) {
	var out []types.Entry
	err := ForEachEntry(store, root, func(e types.Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// build constructs a tree bottom-up from a sorted, deduplicated entry list,
// grouping consecutive entries into level-0 leaves split at keys whose
// levelOf is greater than 0, then recursively building interior levels over
// the resulting subtree boundaries, exactly mirroring how every replica
// independently derives the same tree shape from the same key set.
func build(store Store, entries []types.Entry) (types.ObjectID, error) {
	if len(entries) == 0 {
		return Empty(store)
	}

	maxLevel := 0
	levels := make([]int, len(entries))
	for i, e := range entries {
		levels[i] = levelOf(e.Key)
		if levels[i] > maxLevel {
			maxLevel = levels[i]
		}
	}

	return buildLevel(store, entries, levels, maxLevel)
}

// buildLevel builds the subtree covering entries[*] at the given level: an
// entry whose derived level equals level lives at this node as a separator
// (every entry with a higher level was already peeled off by an ancestor
// call); runs of entries strictly below level are recursively built into
// child subtrees, one level down, between separators.
func buildLevel(store Store, entries []types.Entry, levels []int, level int) (types.ObjectID, error) {
	if level == 0 {
		return buildLeafRun(store, entries)
	}

	var nodeEntries []types.Entry
	var children []types.ObjectID
	var run []types.Entry
	var runLevels []int

	flushChild := func() error {
		var id types.ObjectID
		var err error
		if len(run) == 0 {
			id, err = Empty(store)
		} else {
			id, err = buildLevel(store, run, runLevels, level-1)
		}
		if err != nil {
			return err
		}
		children = append(children, id)
		run, runLevels = nil, nil
		return nil
	}

	for i, e := range entries {
		if levels[i] == level {
			if err := flushChild(); err != nil {
				return "", err
			}
			nodeEntries = append(nodeEntries, e)
			continue
		}
		run = append(run, e)
		runLevels = append(runLevels, levels[i])
	}
	if err := flushChild(); err != nil {
		return "", err
	}

	if len(nodeEntries) == 0 {
		// Nothing separates at this level; collapse straight to the single
		// child subtree built above.
		return children[0], nil
	}

	return store.PutNode(Node{Level: level, Entries: nodeEntries, Children: children})
}

func buildLeafRun(store Store, entries []types.Entry) (types.ObjectID, error) {
	return store.PutNode(Node{Level: 0, Entries: cloneEntries(entries)})
}
