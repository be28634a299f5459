package cloudsync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/log"
	"github.com/cuemby/ledger/pkg/metrics"
	"github.com/cuemby/ledger/pkg/types"
)

// UploadSource is the subset of pagestorage.Storage the uploader needs.
type UploadSource interface {
	UnsyncedCommits() ([]commitdag.Commit, error)
	UnsyncedPieces() ([]types.ObjectID, error)
	GetPiece(id types.ObjectID) ([]byte, error)
	MarkPieceSynced(id types.ObjectID) error
	MarkCommitSynced(id types.CommitID) error
	Heads() ([]commitdag.Commit, error)
}

// Uploader pushes a page's unsynced commits and pieces to the cloud
// backend. Pieces for a commit are uploaded before the commit itself, and
// concurrency across pieces is bounded so one page's backlog can't starve
// every other page sharing the process's network budget.
type Uploader struct {
	pageID      string
	source      UploadSource
	backend     CloudBackend
	concurrency int
	backoff     *backoff.ExponentialBackOff
}

// NewUploader builds an Uploader for one page.
func NewUploader(pageID string, source UploadSource, backend CloudBackend, concurrency int, initial, max time.Duration) *Uploader {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	return &Uploader{pageID: pageID, source: source, backend: backend, concurrency: concurrency, backoff: b}
}

// Run uploads the full backlog once, retrying with exponential backoff on
// network errors, and returns when the backlog is empty or ctx is
// cancelled.
func (u *Uploader) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		empty, err := u.uploadOnce(ctx)
		if err != nil {
			if ledgererr.IsCode(err, ledgererr.NetworkError) {
				wait := u.backoff.NextBackOff()
				metrics.SyncRetriesTotal.WithLabelValues("upload").Inc()
				log.Errorf("upload backlog, retrying", err)
				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return err
		}
		u.backoff.Reset()
		if empty {
			return nil
		}
	}
}

func (u *Uploader) uploadOnce(ctx context.Context) (empty bool, err error) {
	pieces, err := u.source.UnsyncedPieces()
	if err != nil {
		return false, err
	}
	if len(pieces) > 0 {
		if err := u.uploadPieces(ctx, pieces); err != nil {
			return false, err
		}
	}

	commits, err := u.source.UnsyncedCommits()
	if err != nil {
		return false, err
	}
	if len(commits) == 0 {
		return len(pieces) == 0, nil
	}

	heads, err := u.source.Heads()
	if err != nil {
		return false, err
	}
	if len(heads) > 1 {
		// The page has diverged locally; hold commit upload until the
		// merge resolver collapses it back to one head, so the backend
		// never sees a head that a later local merge will discard.
		// Pieces still upload eagerly since they're addressed by content
		// and useful to the backend regardless of which head wins.
		metrics.SyncRetriesTotal.WithLabelValues("upload-held-diverged").Inc()
		return true, nil
	}

	remote := make([]RemoteCommit, len(commits))
	for i, c := range commits {
		remote[i] = RemoteCommit{ID: c.ID, StorageBytes: commitdag.ToStorageBytes(c)}
	}
	timer := metricsTimer()
	if err := u.backend.UploadCommits(ctx, u.pageID, remote); err != nil {
		return false, ledgererr.Wrap(ledgererr.NetworkError, "cloudsync.Uploader.uploadOnce", err)
	}
	timer.observe()
	for _, c := range commits {
		if err := u.source.MarkCommitSynced(c.ID); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (u *Uploader) uploadPieces(ctx context.Context, ids []types.ObjectID) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			content, err := u.source.GetPiece(id)
			if err != nil {
				return err
			}
			if err := u.backend.UploadPiece(ctx, u.pageID, id, content); err != nil {
				return ledgererr.Wrap(ledgererr.NetworkError, "cloudsync.Uploader.uploadPieces", err)
			}
			return u.source.MarkPieceSynced(id)
		})
	}
	return g.Wait()
}

type timer struct{ start time.Time }

func metricsTimer() timer { return timer{start: time.Now()} }

func (t timer) observe() { metrics.SyncUploadLatency.Observe(time.Since(t.start).Seconds()) }
