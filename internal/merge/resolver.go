package merge

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/ledger/internal/btree"
	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/log"
	"github.com/cuemby/ledger/pkg/metrics"
	"github.com/cuemby/ledger/pkg/types"
)

// HeadLister reports the page's current set of head commits.
type HeadLister interface {
	Heads() ([]commitdag.Commit, error)
}

// CommitAdder creates the merge commit once a strategy has produced a
// resolved root.
type CommitAdder interface {
	AddCommitFromLocal(parents []commitdag.Commit, rootID types.ObjectID, now int64, newObjectIDs []types.ObjectID) (commitdag.Commit, error)
}

// AncestorFinder locates the common ancestor of two heads.
type AncestorFinder interface {
	FindCommonAncestor(a, b types.CommitID) (types.CommitID, error)
}

// CommitGetter resolves an arbitrary commit id to its content, used to look
// up the common ancestor once its id is known.
type CommitGetter interface {
	GetCommit(id types.CommitID) (commitdag.Commit, error)
}

// Resolver watches a page for more than one head and drives a Strategy to
// collapse them back to one. When the two heads being merged are both
// themselves merge commits with an identical resolved root (the page
// converged locally and over sync at the same time), retrying immediately
// would spin; those retries back off exponentially instead.
type Resolver struct {
	heads    HeadLister
	commits  CommitAdder
	ancestor AncestorFinder
	getter   CommitGetter
	tree     btree.Store
	strategy Strategy
	clock    func() time.Time

	backoff *backoff.ExponentialBackOff
}

// NewResolver builds a Resolver. initial/max bound the exponential backoff
// applied when two resolved merge-commit roots are identical, so a
// convergent page doesn't busy-loop re-deriving the same merge.
func NewResolver(heads HeadLister, commits CommitAdder, ancestor AncestorFinder, getter CommitGetter, tree btree.Store, strategy Strategy, initial, max time.Duration) *Resolver {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	return &Resolver{
		heads: heads, commits: commits, ancestor: ancestor, getter: getter, tree: tree, strategy: strategy,
		clock: time.Now, backoff: b,
	}
}

// Run watches for multiple heads until ctx is cancelled, merging as they
// appear. It is meant to run as a single long-lived goroutine per page.
func (r *Resolver) Run(ctx context.Context, trigger <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			r.resolveOnce(ctx)
		}
	}
}

func (r *Resolver) resolveOnce(ctx context.Context) {
	const op = "merge.Resolver.resolveOnce"
	heads, err := r.heads.Heads()
	if err != nil {
		log.Errorf("list heads for merge", err)
		return
	}
	if len(heads) < 2 {
		r.backoff.Reset()
		return
	}

	left, right := pickPair(heads)
	ancestorID, err := r.ancestor.FindCommonAncestor(left.ID, right.ID)
	if err != nil {
		log.Errorf("find common ancestor", ledgererr.Wrap(ledgererr.IOError, op, err))
		return
	}

	var base commitdag.Commit
	switch ancestorID {
	case left.ID:
		base = left
	case right.ID:
		base = right
	default:
		base, err = r.getter.GetCommit(ancestorID)
		if err != nil {
			log.Errorf("load common ancestor commit", ledgererr.Wrap(ledgererr.IOError, op, err))
			return
		}
	}

	timer := time.Now()
	mergedRoot, err := r.strategy.Merge(r.tree, base, left, right)
	metrics.MergeDuration.Observe(time.Since(timer).Seconds())
	if err != nil {
		metrics.MergesTotal.WithLabelValues(strategyName(r.strategy), "error").Inc()
		log.Errorf("resolve merge", err)
		return
	}

	if isConvergentNoop(left, right, mergedRoot) {
		wait := r.backoff.NextBackOff()
		metrics.SyncRetriesTotal.WithLabelValues("merge").Inc()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		return
	}
	r.backoff.Reset()

	newObjectIDs, err := btree.CollectObjectIDs(r.tree, mergedRoot)
	if err != nil {
		metrics.MergesTotal.WithLabelValues(strategyName(r.strategy), "error").Inc()
		log.Errorf("collect merge commit object ids", err)
		return
	}
	_, err = r.commits.AddCommitFromLocal([]commitdag.Commit{left, right}, mergedRoot, r.clock().UnixNano(), newObjectIDs)
	if err != nil {
		metrics.MergesTotal.WithLabelValues(strategyName(r.strategy), "error").Inc()
		log.Errorf("persist merge commit", err)
		return
	}
	metrics.MergesTotal.WithLabelValues(strategyName(r.strategy), "merged").Inc()
}

// pickPair chooses the two oldest heads by generation so a page with many
// concurrent heads converges breadth-first rather than always merging the
// newest pair and starving older branches.
func pickPair(heads []commitdag.Commit) (commitdag.Commit, commitdag.Commit) {
	a, b := heads[0], heads[1]
	if b.Generation < a.Generation {
		a, b = b, a
	}
	for _, h := range heads[2:] {
		if h.Generation < a.Generation {
			a, b = h, a
		} else if h.Generation < b.Generation {
			b = h
		}
	}
	return a, b
}

// isConvergentNoop reports whether merging two merge commits produced the
// same root either side already had, meaning there is nothing new to
// record and retrying immediately would just do the same work again.
func isConvergentNoop(left, right commitdag.Commit, mergedRoot types.ObjectID) bool {
	isMerge := func(c commitdag.Commit) bool { return len(c.Parents) == 2 }
	return isMerge(left) && isMerge(right) && (mergedRoot == left.RootID || mergedRoot == right.RootID)
}

func strategyName(s Strategy) string {
	switch s.(type) {
	case LastOneWins:
		return "last-one-wins"
	case Custom:
		return "custom"
	case AutoWithFallback:
		return "auto"
	default:
		return "unknown"
	}
}
