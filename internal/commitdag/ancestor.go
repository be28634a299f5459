package commitdag

import (
	"container/heap"

	"github.com/cuemby/ledger/pkg/types"
)

// CommitSource resolves a commit by id, typically backed by pagedb plus a
// small LRU in front of it.
type CommitSource interface {
	GetCommit(id types.CommitID) (Commit, error)
}

// frontierItem is one commit waiting to be expanded, ordered so the
// highest-generation commit is visited first: a common ancestor can only be
// found by walking down from the newest frontier node, never up.
type frontierItem struct {
	commit Commit
}

type frontier []frontierItem

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].commit.Generation != f[j].commit.Generation {
		return f[i].commit.Generation > f[j].commit.Generation
	}
	return f[i].commit.ID < f[j].commit.ID
}
func (f frontier) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)        { *f = append(*f, x.(frontierItem)) }
func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	item := old[n-1]
	*f = old[:n-1]
	return item
}

// FindCommonAncestor finds the lowest common ancestor of two commits by
// walking both histories in lockstep generation order: the commit with the
// highest generation in either frontier is always expanded next, so the
// first id seen by both walks is a valid (not necessarily unique) common
// ancestor.
func FindCommonAncestor(src CommitSource, a, b types.CommitID) (types.CommitID, error) {
	if a == b {
		return a, nil
	}

	// bit 0: reached from a, bit 1: reached from b
	seenBy := make(map[types.CommitID]uint8)

	pq := &frontier{}
	heap.Init(pq)

	push := func(id types.CommitID, mask uint8) error {
		if seenBy[id]&mask != 0 {
			return nil
		}
		seenBy[id] |= mask
		c, err := src.GetCommit(id)
		if err != nil {
			return err
		}
		heap.Push(pq, frontierItem{commit: c})
		return nil
	}

	if err := push(a, 1); err != nil {
		return "", err
	}
	if err := push(b, 2); err != nil {
		return "", err
	}

	for pq.Len() > 0 {
		item := heap.Pop(pq).(frontierItem)
		c := item.commit
		if seenBy[c.ID] == 3 {
			return c.ID, nil
		}
		mask := seenBy[c.ID]
		for _, p := range c.Parents {
			if err := push(p, mask); err != nil {
				return "", err
			}
		}
	}
	return types.EmptyCommitID, nil
}
