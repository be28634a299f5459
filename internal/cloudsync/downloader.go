package cloudsync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/log"
	"github.com/cuemby/ledger/pkg/metrics"
	"github.com/cuemby/ledger/pkg/types"
)

// DownloadSink is the subset of pagestorage.Storage the downloader writes
// into.
type DownloadSink interface {
	AddCommitsFromSync(commits []commitdag.Commit) (applied, orphans []commitdag.Commit, err error)
	AddPieceFromSync(id types.ObjectID, content []byte) error
	SyncMetadata(key string) ([]byte, bool, error)
	PersistSyncCursor(cursor []byte) error
}

const syncCursorKey = "download_cursor"

// Downloader pulls new commits for a page from the cloud backend and
// applies them locally. Commits that arrive before their parent (because
// the backend's ordering is only a hint, not a guarantee) are buffered and
// retried on the next batch rather than rejected, matching
// pagestorage.Storage's orphan-deferral contract.
type Downloader struct {
	pageID  string
	sink    DownloadSink
	backend CloudBackend
	backoff *backoff.ExponentialBackOff

	buffered []commitdag.Commit
}

// NewDownloader builds a Downloader for one page.
func NewDownloader(pageID string, sink DownloadSink, backend CloudBackend, initial, max time.Duration) *Downloader {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	return &Downloader{pageID: pageID, sink: sink, backend: backend, backoff: b}
}

// Run pulls and applies commits whenever notify fires (or, absent a push
// channel, falls back to polling every max-backoff interval) until ctx is
// cancelled.
func (d *Downloader) Run(ctx context.Context) error {
	return d.run(ctx, nil)
}

// RunWithStartupSignal behaves like Run, additionally closing startupDone
// once the first backlog poll (success or failure) has completed, so a
// page bind can bound how long it waits for an initial sync pass before
// serving from local state.
func (d *Downloader) RunWithStartupSignal(ctx context.Context, startupDone chan struct{}) error {
	return d.run(ctx, startupDone)
}

func (d *Downloader) run(ctx context.Context, startupDone chan struct{}) error {
	notify, err := d.backend.Watch(ctx, d.pageID)
	if err != nil {
		if startupDone != nil {
			close(startupDone)
		}
		return ledgererr.Wrap(ledgererr.NetworkError, "cloudsync.Downloader.Run", err)
	}

	poll := time.NewTicker(d.backoff.MaxInterval)
	defer poll.Stop()

	first := true
	for {
		if err := d.pollOnce(ctx); err != nil {
			log.Errorf("download backlog", err)
		}
		if first {
			first = false
			if startupDone != nil {
				close(startupDone)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		case <-poll.C:
		}
	}
}

func (d *Downloader) pollOnce(ctx context.Context) error {
	cursor, _, err := d.sink.SyncMetadata(syncCursorKey)
	if err != nil {
		return err
	}

	timer := metricsTimer()
	remote, nextCursor, err := d.backend.DownloadCommits(ctx, d.pageID, cursor)
	if err != nil {
		return ledgererr.Wrap(ledgererr.NetworkError, "cloudsync.Downloader.pollOnce", err)
	}
	timer.observeDownload()

	if len(remote) == 0 && len(d.buffered) == 0 {
		return nil
	}

	commits := make([]commitdag.Commit, 0, len(remote)+len(d.buffered))
	commits = append(commits, d.buffered...)
	for _, rc := range remote {
		c, err := commitdag.FromStorageBytes(rc.ID, rc.StorageBytes)
		if err != nil {
			return ledgererr.Wrap(ledgererr.FormatError, "cloudsync.Downloader.pollOnce", err)
		}
		commits = append(commits, c)
	}

	applied, orphans, err := d.sink.AddCommitsFromSync(commits)
	if err != nil {
		return err
	}
	d.buffered = orphans
	metrics.CommitsAddedTotal.WithLabelValues("sync-download").Add(float64(len(applied)))

	// Persisting applied commits happens inside AddCommitsFromSync before
	// we get here, so advancing the cursor now can never leave a commit
	// acknowledged-but-lost if the process crashes immediately after.
	if nextCursor != nil {
		if err := d.sink.PersistSyncCursor(nextCursor); err != nil {
			return err
		}
	}
	return nil
}

func (t timer) observeDownload() { metrics.SyncDownloadLatency.Observe(time.Since(t.start).Seconds()) }
