// Package merge resolves divergent heads of a page into a single head.
// Three strategies are supported: Last-One-Wins (the more recent head's
// changes are applied onto the older head's tree, so the newer value wins
// only on keys both sides touched), Custom (every conflict is handed to an external
// ConflictResolver), and Auto-with-Fallback (non-overlapping changes merge
// automatically; any key touched by both sides falls back to Custom).
package merge

import (
	"github.com/cuemby/ledger/internal/btree"
	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/pkg/types"
)

// ConflictResolver decides the resolved value for a key both heads changed
// since their common ancestor. Implementations are supplied by the
// application embedding a page (e.g. a CRDT-aware merge for a specific key
// schema); this package has no default beyond Last-One-Wins.
type ConflictResolver interface {
	Resolve(key []byte, base, left, right *types.Entry) (types.Entry, bool, error)
}

// Strategy produces a merged tree root from two divergent heads and their
// common ancestor.
type Strategy interface {
	Merge(store btree.Store, base, left, right commitdag.Commit) (types.ObjectID, error)
}

// LastOneWins resolves a conflict by applying the more recent commit's
// changes (relative to the common ancestor) onto the older commit's tree,
// so the older side's independent, non-conflicting changes survive; only
// keys both sides touched end up with the newer side's value.
type LastOneWins struct{}

func (LastOneWins) Merge(store btree.Store, base, left, right commitdag.Commit) (types.ObjectID, error) {
	winner, other := right, left
	if !newerCommit(right, left) {
		winner, other = left, right
	}

	diff, err := btree.Diff(store, base.RootID, winner.RootID)
	if err != nil {
		return "", err
	}
	changes := make([]btree.Change, len(diff))
	for i, c := range diff {
		changes[i] = entryChangeToChange(c)
	}
	return btree.Apply(store, other.RootID, changes)
}

// newerCommit reports whether a is more recent than b: later timestamp
// wins; equal timestamps break the tie toward the lexicographically larger
// commit id, so Last-One-Wins is deterministic even when two devices
// commit at the same wall-clock instant.
func newerCommit(a, b commitdag.Commit) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.ID > b.ID
}

// Custom resolves every key that changed on either side (relative to base)
// through an external ConflictResolver, including keys only one side
// touched (so the resolver can veto or rewrite non-conflicting changes too,
// matching the "custom" strategy's contract of seeing the whole diff).
type Custom struct {
	Resolver ConflictResolver
}

func (c Custom) Merge(store btree.Store, base, left, right commitdag.Commit) (types.ObjectID, error) {
	leftDiff, err := btree.Diff(store, base.RootID, left.RootID)
	if err != nil {
		return "", err
	}
	rightDiff, err := btree.Diff(store, base.RootID, right.RootID)
	if err != nil {
		return "", err
	}

	changes, err := resolveAll(store, base.RootID, leftDiff, rightDiff, c.Resolver)
	if err != nil {
		return "", err
	}
	return btree.Apply(store, base.RootID, changes)
}

// resolveAll walks the union of both diffs by key and asks the resolver for
// a final value whenever a key appears in either changeset.
func resolveAll(store btree.Store, base types.ObjectID, leftDiff, rightDiff []btree.EntryChange, resolver ConflictResolver) ([]btree.Change, error) {
	byKey := make(map[string]struct{ left, right *btree.EntryChange })
	for i := range leftDiff {
		e := byKey[string(leftDiff[i].Key)]
		e.left = &leftDiff[i]
		byKey[string(leftDiff[i].Key)] = e
	}
	for i := range rightDiff {
		e := byKey[string(rightDiff[i].Key)]
		e.right = &rightDiff[i]
		byKey[string(rightDiff[i].Key)] = e
	}

	var out []btree.Change
	for key, pair := range byKey {
		baseEntry, hasBase, err := btree.GetEntry(store, base, []byte(key))
		if err != nil {
			return nil, err
		}
		var basePtr *types.Entry
		if hasBase {
			basePtr = &baseEntry
		}
		leftEntry := changeToEntry(pair.left)
		rightEntry := changeToEntry(pair.right)

		resolved, ok, err := resolver.Resolve([]byte(key), basePtr, leftEntry, rightEntry)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, btree.Change{Key: []byte(key), Delete: true})
			continue
		}
		out = append(out, btree.Change{Key: []byte(key), ObjectID: resolved.ObjectID, Priority: resolved.Priority})
	}
	return out, nil
}

func changeToEntry(c *btree.EntryChange) *types.Entry {
	if c == nil || c.Deleted {
		return nil
	}
	return &types.Entry{Key: c.Key, ObjectID: c.ObjectID, Priority: c.Priority}
}

// AutoWithFallback merges non-overlapping changes automatically: any key
// changed on only one side relative to base is taken from that side
// unconditionally. Keys changed on both sides are conflicts; if there are
// none, the merge is fully automatic, otherwise the whole merge falls back
// to Fallback (typically a Custom strategy) so conflicting keys get a
// considered resolution instead of an arbitrary pick.
type AutoWithFallback struct {
	Fallback Strategy
}

func (a AutoWithFallback) Merge(store btree.Store, base, left, right commitdag.Commit) (types.ObjectID, error) {
	leftDiff, err := btree.Diff(store, base.RootID, left.RootID)
	if err != nil {
		return "", err
	}
	rightDiff, err := btree.Diff(store, base.RootID, right.RootID)
	if err != nil {
		return "", err
	}

	rightByKey := make(map[string]btree.EntryChange, len(rightDiff))
	for _, c := range rightDiff {
		rightByKey[string(c.Key)] = c
	}
	leftKeys := make(map[string]bool, len(leftDiff))
	for _, c := range leftDiff {
		leftKeys[string(c.Key)] = true
	}

	for _, c := range leftDiff {
		if _, overlap := rightByKey[string(c.Key)]; overlap {
			return a.Fallback.Merge(store, base, left, right)
		}
	}

	var changes []btree.Change
	for _, c := range leftDiff {
		changes = append(changes, entryChangeToChange(c))
	}
	for _, c := range rightDiff {
		changes = append(changes, entryChangeToChange(c))
	}
	return btree.Apply(store, base.RootID, changes)
}

func entryChangeToChange(c btree.EntryChange) btree.Change {
	return btree.Change{Key: c.Key, Delete: c.Deleted, ObjectID: c.ObjectID, Priority: c.Priority}
}
