// Package types defines the data vocabulary shared by every ledger
// subsystem: object identifiers, entries, commit metadata, sync status and
// the small set of enums that the storage, merge, sync and runtime packages
// all need to agree on.
package types

import (
	"crypto/sha256"
	"fmt"
)

// HashSize is the size in bytes of the content hash used to derive
// value-hash and index-hash object ids.
const HashSize = sha256.Size

// Prefix bytes that mark the kind of a non-inline ObjectID.
const (
	valueHashPrefix byte = 0x01
	indexHashPrefix byte = 0x02
)

// ObjectID is the content-derived name of an immutable byte sequence. It is
// either the raw bytes themselves (an inline object, at most HashSize long)
// or a one-byte kind prefix followed by the SHA-256 of the object's content.
type ObjectID string

// ObjectIDKind classifies an ObjectID by how it names its content.
type ObjectIDKind int

const (
	// ObjectIDInline means the id is the literal content.
	ObjectIDInline ObjectIDKind = iota
	// ObjectIDValueHash means the id is a hash of a value chunk.
	ObjectIDValueHash
	// ObjectIDIndexHash means the id is a hash of a serialized file index.
	ObjectIDIndexHash
)

// Kind reports how id names its content.
func (id ObjectID) Kind() ObjectIDKind {
	if len(id) <= HashSize {
		return ObjectIDInline
	}
	switch id[0] {
	case indexHashPrefix:
		return ObjectIDIndexHash
	default:
		return ObjectIDValueHash
	}
}

// IsIndex reports whether id names a file-index object rather than a value
// chunk (inline ids are always values).
func (id ObjectID) IsIndex() bool {
	return id.Kind() == ObjectIDIndexHash
}

// String renders the id as a hex string for logging; inline ids render as
// the quoted raw bytes since they may not be valid hash-length data.
func (id ObjectID) String() string {
	if id.Kind() == ObjectIDInline {
		return fmt.Sprintf("inline:%q", string(id))
	}
	return fmt.Sprintf("%x", []byte(id))
}

// ValueObjectID computes the id for a value chunk: the content itself if it
// fits inline, otherwise the prefixed SHA-256 of the content.
func ValueObjectID(content []byte) ObjectID {
	if len(content) <= HashSize {
		return ObjectID(content)
	}
	return prefixedHash(valueHashPrefix, content)
}

// IndexObjectID computes the id for a serialized file index. Index objects
// are never inlined, even when small, so that Kind can always distinguish
// a file index from a value chunk of the same size.
func IndexObjectID(content []byte) ObjectID {
	return prefixedHash(indexHashPrefix, content)
}

func prefixedHash(prefix byte, content []byte) ObjectID {
	sum := sha256.Sum256(content)
	buf := make([]byte, 0, 1+HashSize)
	buf = append(buf, prefix)
	buf = append(buf, sum[:]...)
	return ObjectID(buf)
}

// Priority controls when the sync engine fetches an entry's object.
type Priority int

const (
	// PriorityEager entries are downloaded as soon as the commit that
	// introduces them is persisted.
	PriorityEager Priority = iota
	// PriorityLazy entries are fetched on demand, the first time a client
	// reads them over the network.
	PriorityLazy
)

func (p Priority) String() string {
	if p == PriorityEager {
		return "EAGER"
	}
	return "LAZY"
}

// Entry is a single mapping from a key to the object holding its value,
// ordered by Key within a tree node.
type Entry struct {
	Key      []byte
	ObjectID ObjectID
	Priority Priority
}

// CommitID identifies a Commit; it is the SHA-256 of the commit's
// serialized bytes, except for the sentinel empty first commit.
type CommitID string

// EmptyCommitID is the sentinel id of the synthetic first commit of a page,
// the one with no parents and an empty root tree.
const EmptyCommitID CommitID = "0000000000000000000000000000000000000000000000000000000000000000"

func (id CommitID) String() string { return string(id) }

// SyncStatus is the monotone lifecycle of an object with respect to the
// cloud backend.
type SyncStatus int

const (
	// SyncUnknown objects are not present in the local database.
	SyncUnknown SyncStatus = iota
	// SyncTransient objects were created locally but are not yet
	// referenced by any committed tree.
	SyncTransient
	// SyncLocal objects are referenced by a commit and await upload.
	SyncLocal
	// SyncSynced objects have been acknowledged by the cloud backend.
	SyncSynced
)

func (s SyncStatus) String() string {
	switch s {
	case SyncTransient:
		return "TRANSIENT"
	case SyncLocal:
		return "LOCAL"
	case SyncSynced:
		return "SYNCED"
	default:
		return "UNKNOWN"
	}
}

// Max returns the greater of two sync statuses, implementing the monotone
// status-transition rule used when two writers race to set an object's
// status.
func (s SyncStatus) Max(other SyncStatus) SyncStatus {
	if other > s {
		return other
	}
	return s
}

// JournalType distinguishes client-driven transactions from single-op
// mutations that must survive a restart.
type JournalType int

const (
	// JournalImplicit journals are auto-committed and persisted so they
	// can be replayed after a crash.
	JournalImplicit JournalType = iota
	// JournalExplicit journals are committed only on client request. Their
	// entries are persisted but never replayed, so an uncommitted one has
	// no effect after a restart; its entries are not deleted at open.
	JournalExplicit
)

// ChangeSource identifies where a batch of commits originated, for
// telemetry and for the watcher notification source field.
type ChangeSource int

const (
	ChangeSourceLocal ChangeSource = iota
	ChangeSourceSync
)

func (s ChangeSource) String() string {
	if s == ChangeSourceSync {
		return "SYNC"
	}
	return "LOCAL"
}

// FetchLocation controls where ObjectStore.GetObject is allowed to read
// missing pieces from.
type FetchLocation int

const (
	// LocationLocal restricts resolution to locally stored pieces.
	LocationLocal FetchLocation = iota
	// LocationNetwork allows fetching missing pieces from the cloud
	// backend via the sync engine's object-fetch delegate.
	LocationNetwork
)
