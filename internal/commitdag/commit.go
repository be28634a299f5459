// Package commitdag implements the commit graph: immutable, content-addressed
// nodes each naming a root tree and up to two parents, with generation
// numbers that make common-ancestor search a simple frontier walk.
package commitdag

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/types"
)

// Commit is one immutable node of a page's history.
type Commit struct {
	ID         types.CommitID
	Parents    []types.CommitID // 0, 1, or 2 entries, sorted
	Generation uint64
	Timestamp  int64 // unix nanoseconds
	RootID     types.ObjectID
}

// Empty returns the synthetic sentinel first commit of a page: no parents,
// generation 0, and an empty root tree.
func Empty(emptyRootID types.ObjectID) Commit {
	return Commit{
		ID:         types.EmptyCommitID,
		Generation: 0,
		Timestamp:  0,
		RootID:     emptyRootID,
	}
}

// FromContentAndParents constructs a new commit over rootID with the given
// parents (1 for a normal commit, 2 for a merge), deriving its generation,
// timestamp and id per the rules used throughout the graph: generation is
// one more than the max parent generation; timestamp is wall-clock `now` for
// a single-parent commit, or the max of the parents' timestamps for a merge
// (so that rebasing a merge onto a newer ancestor can never move time
// backwards for descendants).
func FromContentAndParents(rootID types.ObjectID, parents []Commit, now int64) (Commit, error) {
	const op = "commitdag.FromContentAndParents"
	if len(parents) == 0 || len(parents) > 2 {
		return Commit{}, ledgererr.New(ledgererr.IllegalState, op, "commit must have 1 or 2 parents, got %d", len(parents))
	}

	ids := make([]types.CommitID, len(parents))
	for i, p := range parents {
		ids[i] = p.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	maxGen := parents[0].Generation
	maxTS := parents[0].Timestamp
	for _, p := range parents[1:] {
		if p.Generation > maxGen {
			maxGen = p.Generation
		}
		if p.Timestamp > maxTS {
			maxTS = p.Timestamp
		}
	}

	ts := now
	if len(parents) == 2 {
		ts = maxTS
	}

	c := Commit{
		Parents:    ids,
		Generation: maxGen + 1,
		Timestamp:  ts,
		RootID:     rootID,
	}
	c.ID = deriveID(c)
	return c, nil
}

// storageBytes is the canonical serialization a commit's id is derived from
// and the form persisted to pagedb.
func storageBytes(c Commit) []byte {
	buf := make([]byte, 0, 32+len(c.Parents)*40+len(c.RootID)+16)
	var tmp [8]byte

	binary.BigEndian.PutUint64(tmp[:], c.Generation)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(c.Timestamp))
	buf = append(buf, tmp[:]...)

	binary.BigEndian.PutUint32(tmp[:4], uint32(len(c.RootID)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, []byte(c.RootID)...)

	buf = append(buf, byte(len(c.Parents)))
	for _, p := range c.Parents {
		binary.BigEndian.PutUint32(tmp[:4], uint32(len(p)))
		buf = append(buf, tmp[:4]...)
		buf = append(buf, []byte(p)...)
	}
	return buf
}

func deriveID(c Commit) types.CommitID {
	data := storageBytes(c)
	sum := sha256.Sum256(data)
	return types.CommitID(hexEncode(sum[:]))
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0xf]
	}
	return string(out)
}

// ToStorageBytes serializes c for persistence.
func ToStorageBytes(c Commit) []byte {
	return storageBytes(c)
}

// FromStorageBytes reconstructs a Commit from persisted bytes, recomputing
// and verifying its id so corruption is caught at load time rather than
// silently propagating through the graph.
func FromStorageBytes(id types.CommitID, data []byte) (Commit, error) {
	const op = "commitdag.FromStorageBytes"
	if len(data) < 20 {
		return Commit{}, ledgererr.New(ledgererr.FormatError, op, "short commit record: %d bytes", len(data))
	}
	c := Commit{ID: id}
	c.Generation = binary.BigEndian.Uint64(data[0:8])
	c.Timestamp = int64(binary.BigEndian.Uint64(data[8:16]))

	rootLen := int(binary.BigEndian.Uint32(data[16:20]))
	off := 20
	if len(data) < off+rootLen+1 {
		return Commit{}, ledgererr.New(ledgererr.FormatError, op, "truncated root id")
	}
	c.RootID = types.ObjectID(data[off : off+rootLen])
	off += rootLen

	nParents := int(data[off])
	off++
	for i := 0; i < nParents; i++ {
		if len(data) < off+4 {
			return Commit{}, ledgererr.New(ledgererr.FormatError, op, "truncated parent header")
		}
		pLen := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if len(data) < off+pLen {
			return Commit{}, ledgererr.New(ledgererr.FormatError, op, "truncated parent id")
		}
		c.Parents = append(c.Parents, types.CommitID(data[off:off+pLen]))
		off += pLen
	}

	if id != types.EmptyCommitID {
		if want := deriveID(c); want != id {
			return Commit{}, ledgererr.New(ledgererr.FormatError, op, "id mismatch: stored %s, computed %s", id, want)
		}
	}
	return c, nil
}
