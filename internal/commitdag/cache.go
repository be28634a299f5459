package commitdag

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cuemby/ledger/pkg/types"
)

// rawStore is the subset of pagedb.DB the cache needs to load a commit it
// hasn't seen before.
type rawStore interface {
	GetCommitStorageBytes(id types.CommitID) ([]byte, error)
}

// Cache wraps a durable commit store with an in-memory LRU of decoded
// commits. Commit objects are immutable and content-addressed, so many
// in-flight operations (merge resolution, ancestor search, watcher replay)
// can safely reuse one cached Commit value rather than each decoding the
// stored bytes again.
type Cache struct {
	store rawStore
	lru   *lru.Cache[types.CommitID, Commit]
}

// NewCache wraps store with an LRU holding up to size decoded commits.
func NewCache(store rawStore, size int) (*Cache, error) {
	l, err := lru.New[types.CommitID, Commit](size)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, lru: l}, nil
}

// GetCommit implements CommitSource, decoding and caching on a miss.
func (c *Cache) GetCommit(id types.CommitID) (Commit, error) {
	if commit, ok := c.lru.Get(id); ok {
		return commit, nil
	}
	data, err := c.store.GetCommitStorageBytes(id)
	if err != nil {
		return Commit{}, err
	}
	commit, err := FromStorageBytes(id, data)
	if err != nil {
		return Commit{}, err
	}
	c.lru.Add(id, commit)
	return commit, nil
}

// Add seeds the cache with a commit that was just constructed locally, so a
// subsequent GetCommit doesn't need a round trip to storage.
func (c *Cache) Add(commit Commit) {
	c.lru.Add(commit.ID, commit)
}
