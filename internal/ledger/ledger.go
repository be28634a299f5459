package ledger

import (
	"context"
	"os"
	"sync"

	"github.com/cuemby/ledger/internal/cloudsync"
	"github.com/cuemby/ledger/internal/merge"
	"github.com/cuemby/ledger/pkg/config"
	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/log"
)

// Ledger is the process-wide entry point for opening and closing pages. A
// single Ledger typically backs one daemon process and is shared by every
// client connection it serves.
type Ledger struct {
	cfg      config.Config
	backend  cloudsync.CloudBackend
	resolver merge.ConflictResolver

	mu    sync.Mutex
	pages map[string]*Page
}

// New constructs a Ledger rooted at cfg.StorageRoot. backend may be nil to
// run fully offline; resolver may be nil unless cfg.Merge.Strategy is
// "custom" or "auto" and a fallback to Last-One-Wins is not desired.
func New(cfg config.Config, backend cloudsync.CloudBackend, resolver merge.ConflictResolver) *Ledger {
	return &Ledger{cfg: cfg, backend: backend, resolver: resolver, pages: make(map[string]*Page)}
}

// GetPage opens (or returns the already-open) page identified by
// ledgerID/pageID, creating its on-disk directory on first use. If a sync
// backend is configured, the call waits up to cfg.Sync.StartupGrace for the
// initial backlog download before returning, so a freshly-opened page
// reflects a recent remote state rather than only whatever was on disk.
func (l *Ledger) GetPage(ctx context.Context, ledgerID, pageID string) (*Page, error) {
	key := pageKey(ledgerID, pageID)

	l.mu.Lock()
	if p, ok := l.pages[key]; ok {
		l.mu.Unlock()
		return p, nil
	}
	l.mu.Unlock()

	p, err := openPage(l.cfg, l.backend, l.resolver, ledgerID, pageID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if existing, ok := l.pages[key]; ok {
		l.mu.Unlock()
		if closeErr := p.Close(); closeErr != nil {
			log.Errorf("close redundant page open", closeErr)
		}
		return existing, nil
	}
	l.pages[key] = p
	l.mu.Unlock()

	if p.syncEngine != nil {
		p.syncEngine.WaitStartupGrace(ctx, l.cfg.Sync.StartupGrace)
	}
	return p, nil
}

// DeletePage closes a page (if open) and removes its on-disk directory
// entirely.
func (l *Ledger) DeletePage(ledgerID, pageID string) error {
	const op = "ledger.Ledger.DeletePage"
	key := pageKey(ledgerID, pageID)

	l.mu.Lock()
	p, ok := l.pages[key]
	delete(l.pages, key)
	l.mu.Unlock()

	if ok {
		if err := p.Close(); err != nil {
			return ledgererr.Wrap(ledgererr.IOError, op, err)
		}
	}

	dir := pageDir(l.cfg.StorageRoot, l.cfg.SerializationVersion, ledgerID, pageID)
	if err := os.RemoveAll(dir); err != nil {
		return ledgererr.Wrap(ledgererr.IOError, op, err)
	}
	return nil
}

// Close shuts down every currently open page.
func (l *Ledger) Close() error {
	l.mu.Lock()
	pages := make([]*Page, 0, len(l.pages))
	for _, p := range l.pages {
		pages = append(pages, p)
	}
	l.pages = make(map[string]*Page)
	l.mu.Unlock()

	var first error
	for _, p := range pages {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func pageKey(ledgerID, pageID string) string {
	return ledgerID + "\x00" + pageID
}
