package cloudsync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cuemby/ledger/pkg/metrics"
)

// Engine runs the upload and download loops for one page's sync lifecycle
// and tracks whether the page currently has anything outstanding, so a
// page-bind call can wait out a short startup grace period before falling
// back to serving purely local state.
type Engine struct {
	pageID     string
	uploader   *Uploader
	downloader *Downloader
	idle       atomic.Bool

	firstPollDone chan struct{}
}

// NewEngine wires an uploader and downloader into one per-page lifecycle.
func NewEngine(pageID string, uploader *Uploader, downloader *Downloader) *Engine {
	e := &Engine{pageID: pageID, uploader: uploader, downloader: downloader, firstPollDone: make(chan struct{})}
	e.idle.Store(true)
	return e
}

// Run drives both the downloader (continuous) and the uploader (re-run
// whenever new local commits may exist, signalled via trigger) until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context, trigger <-chan struct{}) {
	go func() {
		if err := e.downloader.RunWithStartupSignal(ctx, e.firstPollDone); err != nil && ctx.Err() == nil {
			metrics.SyncRetriesTotal.WithLabelValues("download-fatal").Inc()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			e.idle.Store(false)
			metrics.SyncIdleGauge.WithLabelValues(e.pageID).Set(0)
			_ = e.uploader.Run(ctx)
			e.idle.Store(true)
			metrics.SyncIdleGauge.WithLabelValues(e.pageID).Set(1)
		}
	}
}

// WaitStartupGrace blocks until the downloader has made at least one pass
// (successful or not) or grace elapses, whichever comes first, so GetPage
// can offer a best-effort "recent enough" view without holding clients
// hostage to a slow or unreachable backend. Run must have been called
// first, since the first pass is driven by its background goroutine.
func (e *Engine) WaitStartupGrace(ctx context.Context, grace time.Duration) {
	select {
	case <-e.firstPollDone:
	case <-time.After(grace):
	case <-ctx.Done():
	}
}

// Idle reports whether the page's sync engine currently has no outstanding
// upload work.
func (e *Engine) Idle() bool { return e.idle.Load() }
