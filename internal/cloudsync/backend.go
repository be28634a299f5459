// Package cloudsync drives upload and download of a page's commits and
// pieces against an abstract cloud backend. The wire format and transport
// used to actually reach that backend are outside this package's concern:
// CloudBackend is the seam an embedding application implements once per
// backend it supports.
package cloudsync

import (
	"context"

	"github.com/cuemby/ledger/pkg/types"
)

// RemoteCommit is a commit as delivered by or sent to the cloud backend:
// its serialized bytes plus the id the backend should index it under.
type RemoteCommit struct {
	ID           types.CommitID
	StorageBytes []byte
}

// CloudBackend is the capability a page's sync engine needs from whatever
// cloud service backs it. Implementations own authentication, batching,
// and the wire encoding; this package only calls the methods below in the
// order a crash-safe sync protocol requires.
type CloudBackend interface {
	// UploadCommits sends a batch of commits, already ordered so that a
	// parent always precedes its children.
	UploadCommits(ctx context.Context, pageID string, commits []RemoteCommit) error

	// UploadPiece sends one object's bytes.
	UploadPiece(ctx context.Context, pageID string, id types.ObjectID, content []byte) error

	// DownloadCommits returns commits added to the page since cursor
	// (opaque, backend-defined; empty means "from the beginning"), along
	// with a new cursor to resume from on the next call.
	DownloadCommits(ctx context.Context, pageID string, cursor []byte) (commits []RemoteCommit, nextCursor []byte, err error)

	// FetchPiece retrieves a single object's bytes on demand, used for lazy
	// entries and network reads that fall through local storage.
	FetchPiece(ctx context.Context, pageID string, id types.ObjectID) ([]byte, error)

	// Watch subscribes to a push notification fired whenever the backend
	// has new commits for pageID, so the downloader doesn't have to poll.
	// Implementations that only support polling may return a channel that
	// never fires; the downloader still polls DownloadCommits periodically
	// as a fallback.
	Watch(ctx context.Context, pageID string) (<-chan struct{}, error)
}
