package pageruntime

import (
	"sync"

	"github.com/cuemby/ledger/internal/btree"
	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/pkg/types"
)

// maxChangeBytesPerPage and maxChangeEntriesPerPage bound how much of a
// single commit's diff a watcher is handed at once; a transaction that
// touches more than this is delivered across multiple paginated
// PageChange callbacks instead of one unbounded one.
const (
	maxChangeBytesPerPage   = 1 << 20
	maxChangeEntriesPerPage = 1000
)

// PageChange is one paginated slice of a commit's diff delivered to a
// watcher; Token is non-empty when more pages follow.
type PageChange struct {
	CommitID types.CommitID
	Changes  []btree.EntryChange
	Token    string
}

// ChangeHandler receives paginated notifications of new commits. A handler
// that is still processing one PageChange when the next commit lands is
// never called concurrently with itself: PageWatcherContainer serializes
// delivery per watcher.
type ChangeHandler interface {
	OnPageChange(change PageChange) error
}

// PageWatcherContainer fans a page's commit stream out to many watchers,
// paginating each commit's diff so a watcher never has to hold an entire
// transaction's changes in memory at once. NotifyDiff returns once every
// page has been handed to every watcher; the container has no quiescence
// barrier, so nothing lets a caller (such as an explicit transaction) wait
// for watchers to drain.
type PageWatcherContainer struct {
	mu       sync.Mutex
	tree     btree.Store
	watchers map[*registration]struct{}
}

type registration struct {
	handler ChangeHandler
	mu      sync.Mutex // serializes delivery to this one watcher
}

// NewPageWatcherContainer constructs a container reading diffs from tree.
func NewPageWatcherContainer(tree btree.Store) *PageWatcherContainer {
	return &PageWatcherContainer{tree: tree, watchers: make(map[*registration]struct{})}
}

// Register adds h to the fan-out set and returns a token to Unregister it.
func (c *PageWatcherContainer) Register(h ChangeHandler) *registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg := &registration{handler: h}
	c.watchers[reg] = struct{}{}
	return reg
}

// Unregister removes a watcher so it receives no further notifications.
func (c *PageWatcherContainer) Unregister(reg *registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watchers, reg)
}

// NotifyDiff delivers the diff between base and commit's root to every
// registered watcher, paginated by size. Callers resolve base from the
// commit's first parent (or the empty tree id for a page's first commit)
// before calling this, since a bare Commit doesn't carry its parent's root.
func (c *PageWatcherContainer) NotifyDiff(commit commitdag.Commit, base types.ObjectID) error {
	changes, err := btree.Diff(c.tree, base, commit.RootID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	regs := make([]*registration, 0, len(c.watchers))
	for r := range c.watchers {
		regs = append(regs, r)
	}
	c.mu.Unlock()

	pages := paginate(changes)
	for _, r := range regs {
		r.mu.Lock()
		for i, page := range pages {
			token := ""
			if i < len(pages)-1 {
				token = "more"
			}
			if err := r.handler.OnPageChange(PageChange{CommitID: commit.ID, Changes: page, Token: token}); err != nil {
				break
			}
		}
		r.mu.Unlock()
	}
	return nil
}

func paginate(changes []btree.EntryChange) [][]btree.EntryChange {
	if len(changes) == 0 {
		return [][]btree.EntryChange{nil}
	}
	var pages [][]btree.EntryChange
	var page []btree.EntryChange
	var bytesUsed int
	for _, c := range changes {
		size := len(c.Key) + len(c.ObjectID)
		if len(page) >= maxChangeEntriesPerPage || bytesUsed+size > maxChangeBytesPerPage {
			pages = append(pages, page)
			page = nil
			bytesUsed = 0
		}
		page = append(page, c)
		bytesUsed += size
	}
	if len(page) > 0 {
		pages = append(pages, page)
	}
	return pages
}
