// Package objectstore is the content-addressed piece store for a page: it
// splits values into rolling-hash chunks, names each piece by its content,
// and tracks every piece's sync status until the cloud backend acknowledges
// it.
package objectstore

import (
	"bytes"
	"io"

	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/metrics"
	"github.com/cuemby/ledger/pkg/types"
)

// pageDB is the subset of pagedb.DB the object store needs; declared here so
// this package does not import pagedb directly, keeping the dependency
// pointed the other way (pagedb has no notion of pieces or splitting).
type pageDB interface {
	ReadObject(id types.ObjectID) ([]byte, error)
	HasObject(id types.ObjectID) (bool, error)
	GetObjectStatus(id types.ObjectID) (types.SyncStatus, error)
	WriteObject(id types.ObjectID, content []byte, status types.SyncStatus) error
	SetObjectStatus(id types.ObjectID, status types.SyncStatus) error
}

// NetworkFetcher retrieves a single piece's bytes from the cloud backend
// when a read falls through local storage; the sync engine supplies the
// concrete implementation once a page is bound for sync.
type NetworkFetcher interface {
	FetchPiece(id types.ObjectID) ([]byte, error)
}

// Store is the content-addressed object store for one page.
type Store struct {
	db      pageDB
	network NetworkFetcher
}

// New constructs a Store over db. network may be nil, in which case
// GetObject(LocationNetwork) fails with NotConnected.
func New(db pageDB, network NetworkFetcher) *Store {
	return &Store{db: db, network: network}
}

// AddFromLocal splits content read from r and writes every new piece with
// SyncStatus TRANSIENT, returning the id of the root piece that names the
// whole value. Pieces already present keep their existing status.
func (s *Store) AddFromLocal(r io.Reader) (types.ObjectID, error) {
	const op = "objectstore.AddFromLocal"
	pieces, root, err := Split(r)
	if err != nil {
		return "", ledgererr.Wrap(ledgererr.IOError, op, err)
	}
	for _, p := range pieces {
		if err := s.writeIfAbsent(p, types.SyncTransient); err != nil {
			return "", err
		}
	}
	metrics.ObjectsWrittenTotal.WithLabelValues(types.SyncTransient.String()).Add(float64(len(pieces)))
	return root, nil
}

// WriteIndexPiece stores a single already-serialized index-shaped object
// (a B-tree node or a file index built outside the splitter) with
// SyncStatus TRANSIENT, addressing it the same way Split addresses file
// indexes, and returns the id the object store assigns it.
func (s *Store) WriteIndexPiece(content []byte) (types.ObjectID, error) {
	id := types.IndexObjectID(content)
	if err := s.writeIfAbsent(Piece{ID: id, Content: content}, types.SyncTransient); err != nil {
		return "", err
	}
	return id, nil
}

// AddFromSync stores a single piece received from the cloud backend,
// verifying that its content hashes to the claimed id, and marks it SYNCED.
func (s *Store) AddFromSync(id types.ObjectID, content []byte) error {
	const op = "objectstore.AddFromSync"
	if id.Kind() != types.ObjectIDInline {
		var want types.ObjectID
		if id.IsIndex() {
			want = types.IndexObjectID(content)
		} else {
			want = types.ValueObjectID(content)
		}
		if want != id {
			return ledgererr.New(ledgererr.ObjectIDMismatch, op, "claimed %s, computed %s", id, want)
		}
	}
	if err := s.writeIfAbsent(Piece{ID: id, Content: content}, types.SyncSynced); err != nil {
		return err
	}
	metrics.ObjectsWrittenTotal.WithLabelValues(types.SyncSynced.String()).Inc()
	return nil
}

func (s *Store) writeIfAbsent(p Piece, status types.SyncStatus) error {
	const op = "objectstore.writeIfAbsent"
	if p.ID.Kind() == types.ObjectIDInline {
		return nil
	}
	has, err := s.db.HasObject(p.ID)
	if err != nil {
		return ledgererr.Wrap(ledgererr.IOError, op, err)
	}
	if has {
		existing, err := s.db.GetObjectStatus(p.ID)
		if err != nil {
			return ledgererr.Wrap(ledgererr.IOError, op, err)
		}
		if status > existing {
			return s.db.SetObjectStatus(p.ID, status)
		}
		return nil
	}
	if err := s.db.WriteObject(p.ID, p.Content, status); err != nil {
		return ledgererr.Wrap(ledgererr.IOError, op, err)
	}
	metrics.ObjectBytesWrittenTotal.Add(float64(len(p.Content)))
	return nil
}

// GetPiece returns the raw bytes of a single piece (a value chunk or a file
// index), reading from local storage only.
func (s *Store) GetPiece(id types.ObjectID) ([]byte, error) {
	if id.Kind() == types.ObjectIDInline {
		return []byte(id), nil
	}
	return s.db.ReadObject(id)
}

// GetObject reassembles the full value named by root, recursively resolving
// file-index pieces and concatenating their children's content. location
// controls whether a missing piece may be fetched over the network.
func (s *Store) GetObject(root types.ObjectID, location types.FetchLocation) ([]byte, error) {
	const op = "objectstore.GetObject"
	var buf bytes.Buffer
	if err := s.writeValue(&buf, root, location); err != nil {
		return nil, ledgererr.Wrap(ledgererr.IOError, op, err)
	}
	return buf.Bytes(), nil
}

func (s *Store) writeValue(w io.Writer, id types.ObjectID, location types.FetchLocation) error {
	data, err := s.resolve(id, location)
	if err != nil {
		return err
	}
	if !id.IsIndex() {
		_, err := w.Write(data)
		return err
	}
	idx, err := decodeFileIndex(data)
	if err != nil {
		return err
	}
	for _, child := range idx.Children {
		if err := s.writeValue(w, child.ID, location); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) resolve(id types.ObjectID, location types.FetchLocation) ([]byte, error) {
	const op = "objectstore.resolve"
	if id.Kind() == types.ObjectIDInline {
		return []byte(id), nil
	}
	has, err := s.db.HasObject(id)
	if err != nil {
		return nil, err
	}
	if has {
		return s.db.ReadObject(id)
	}
	if location != types.LocationNetwork {
		return nil, ledgererr.New(ledgererr.NotFound, op, "piece %s not stored locally", id)
	}
	if s.network == nil {
		return nil, ledgererr.New(ledgererr.NotConnected, op, "no sync delegate attached")
	}
	content, err := s.network.FetchPiece(id)
	if err != nil {
		return nil, err
	}
	if err := s.AddFromSync(id, content); err != nil {
		return nil, err
	}
	return content, nil
}

// GetRange reassembles only the [offset, offset+length) slice of the value
// named by root, skipping whole child subtrees that fall outside the
// requested range using each file-index child's recorded size. A leaf value
// (root is not an index) is simply sliced after a full resolve, since it is
// already one contiguous chunk.
func (s *Store) GetRange(root types.ObjectID, offset, length int64, location types.FetchLocation) ([]byte, error) {
	const op = "objectstore.GetRange"
	if offset < 0 || length < 0 {
		return nil, ledgererr.New(ledgererr.IllegalState, op, "negative offset/length")
	}
	var buf bytes.Buffer
	if err := s.writeRange(&buf, root, offset, length, location); err != nil {
		return nil, ledgererr.Wrap(ledgererr.IOError, op, err)
	}
	return buf.Bytes(), nil
}

func (s *Store) writeRange(w io.Writer, id types.ObjectID, offset, length int64, location types.FetchLocation) error {
	if length == 0 {
		return nil
	}
	if !id.IsIndex() {
		data, err := s.resolve(id, location)
		if err != nil {
			return err
		}
		end := offset + length
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if offset >= int64(len(data)) {
			return nil
		}
		_, err = w.Write(data[offset:end])
		return err
	}

	data, err := s.resolve(id, location)
	if err != nil {
		return err
	}
	idx, err := decodeFileIndex(data)
	if err != nil {
		return err
	}

	rangeStart, rangeEnd := offset, offset+length
	var pos int64
	for _, child := range idx.Children {
		childStart, childEnd := pos, pos+int64(child.Size)
		pos = childEnd
		overlapStart, overlapEnd := max64(childStart, rangeStart), min64(childEnd, rangeEnd)
		if overlapStart >= overlapEnd {
			continue
		}
		if err := s.writeRange(w, child.ID, overlapStart-childStart, overlapEnd-overlapStart, location); err != nil {
			return err
		}
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// MarkSynced transitions a piece to SYNCED once the cloud backend has
// acknowledged it; the transition is monotone, so marking an already-synced
// piece is a no-op.
func (s *Store) MarkSynced(id types.ObjectID) error {
	if id.Kind() == types.ObjectIDInline {
		return nil
	}
	existing, err := s.db.GetObjectStatus(id)
	if err != nil {
		return err
	}
	if existing == types.SyncSynced {
		return nil
	}
	return s.db.SetObjectStatus(id, types.SyncSynced)
}

// MarkLocal transitions a piece from TRANSIENT to LOCAL once it is
// referenced by a committed tree; the transition is monotone, so a piece
// already LOCAL or SYNCED is left unchanged.
func (s *Store) MarkLocal(id types.ObjectID) error {
	if id.Kind() == types.ObjectIDInline {
		return nil
	}
	existing, err := s.db.GetObjectStatus(id)
	if err != nil {
		return err
	}
	if existing >= types.SyncLocal {
		return nil
	}
	return s.db.SetObjectStatus(id, types.SyncLocal)
}

// IsUntracked reports whether a piece is unreferenced by any committed tree
// (status TRANSIENT): such pieces are eligible for garbage collection once
// their originating journal is discarded.
func (s *Store) IsUntracked(id types.ObjectID) (bool, error) {
	if id.Kind() == types.ObjectIDInline {
		return false, nil
	}
	status, err := s.db.GetObjectStatus(id)
	if err != nil {
		return false, err
	}
	return status == types.SyncTransient, nil
}
