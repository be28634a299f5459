// Package pageruntime is the client-facing layer of a page: a single
// monotone branch head clients read and write against, paginated watcher
// delivery, and point-in-time snapshots, all built on top of pagestorage
// and merge.
package pageruntime

import (
	"sync"

	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/pkg/types"
)

// BranchTracker holds the single commit a page's local clients read and
// write against. Unlike pagestorage's head set (which may briefly contain
// several divergent heads awaiting merge), the branch head is always
// exactly one commit: when merges collapse the heads, or a local write
// lands, the tracker advances to the new single head. Until a merge
// resolves, the tracker simply continues pointing at whichever head most
// recently became the caller's own (local writes always win the tracker,
// since the client that just wrote should see their own write immediately).
type BranchTracker struct {
	mu        sync.RWMutex
	current   commitdag.Commit
	suspended bool
	buffered  []commitdag.Commit
}

// NewBranchTracker starts a tracker at the given initial commit (typically
// the page's current sole head, or the empty sentinel for a brand new
// page).
func NewBranchTracker(initial commitdag.Commit) *BranchTracker {
	return &BranchTracker{current: initial}
}

// Head returns the commit the branch currently points to.
func (t *BranchTracker) Head() commitdag.Commit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Advance moves the tracker forward to commit, but only if commit is a
// direct child of the current head: one of its parents must be the commit
// the tracker currently points to. This is stricter than comparing
// generations, which a commit on an entirely different branch can match or
// exceed without ever being a descendant of our head; such foreign-branch
// commits are ignored until a merge produces one that actually builds on
// ours. While an explicit transaction is in progress (see BeginTransaction),
// a commit that would otherwise advance the head is buffered instead, so a
// concurrent merge or sync download can't move a client's branch head out
// from under their in-flight transaction.
func (t *BranchTracker) Advance(commit commitdag.Commit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.suspended {
		t.buffered = append(t.buffered, commit)
		return
	}
	t.advanceLocked(commit)
}

func (t *BranchTracker) advanceLocked(commit commitdag.Commit) {
	if !hasParent(commit, t.current.ID) {
		return
	}
	t.current = commit
}

func hasParent(commit commitdag.Commit, id types.CommitID) bool {
	for _, p := range commit.Parents {
		if p == id {
			return true
		}
	}
	return false
}

// OnNewCommits implements pagestorage.CommitWatcher: any new commit batch
// is a candidate to advance the branch, most relevantly the merge commits
// the resolver produces to collapse multiple heads.
func (t *BranchTracker) OnNewCommits(commits []commitdag.Commit, source types.ChangeSource) {
	for _, c := range commits {
		t.Advance(c)
	}
}

// BeginTransaction suspends head advance until CommitTransaction or
// RollbackTransaction ends it. Commits that arrive from other sources while
// suspended (a merge resolution, a sync download) are buffered rather than
// dropped, and replayed in arrival order once the transaction ends.
func (t *BranchTracker) BeginTransaction() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suspended = true
}

// CommitTransaction resumes head advance, setting the head directly to the
// transaction's own commit — bypassing the parent check, since the client
// that just committed must see their own write immediately regardless of
// what else landed while they were suspended — then replays any buffered
// commits in order against that new head.
func (t *BranchTracker) CommitTransaction(commit commitdag.Commit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = commit
	t.resumeLocked()
}

// RollbackTransaction resumes head advance from whatever the current head
// is (the transaction produced no commit of its own), replaying any buffered
// commits in order.
func (t *BranchTracker) RollbackTransaction() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumeLocked()
}

func (t *BranchTracker) resumeLocked() {
	t.suspended = false
	buffered := t.buffered
	t.buffered = nil
	for _, c := range buffered {
		t.advanceLocked(c)
	}
}
