// Package btree implements the page's persistent, copy-on-write B-tree: the
// data structure a commit's root object names. Mutating a tree never
// touches an existing node; it produces a new root and the minimal set of
// new interior/leaf nodes needed to reach it, leaving every node reachable
// from an older commit untouched and still content-addressed.
package btree

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/types"
)

// maxFanout is the expected number of entries a non-root node holds; it is
// not a hard cap. It follows from levelOf: about one key hash in 256 starts
// with a zero byte, so about one key in that many moves up a level.
const maxFanout = 255

// Node is one persistent B-tree node: a sorted run of entries, interleaved
// with child subtree ids one wider than the entry list (children[i] holds
// keys strictly between entries[i-1] and entries[i]).
type Node struct {
	Level    int
	Entries  []types.Entry
	Children []types.ObjectID // len(Children) == len(Entries)+1 for interior nodes, 0 for leaves
}

func (n Node) isLeaf() bool { return len(n.Children) == 0 }

// ID returns the content-derived id of n, which is also its serialization's
// IndexObjectID: a tree node is itself a file index over the entries it
// owns plus the subtrees it points to.
func (n Node) ID() types.ObjectID {
	return types.IndexObjectID(encodeNode(n))
}

// Encode returns n's canonical serialized bytes, for Store implementations
// outside this package that need to address and persist a node themselves.
func (n Node) Encode() []byte {
	return encodeNode(n)
}

// levelOf derives the level a key belongs at from a hash of the key, the
// same way every replica independently agrees on tree shape without
// communicating it: a key whose hash has L leading zero bytes belongs at
// level L.
func levelOf(key []byte) int {
	sum := sha256.Sum256(key)
	level := 0
	for level < len(sum) && sum[level] == 0 {
		level++
	}
	return level
}

func encodeNode(n Node) []byte {
	buf := make([]byte, 0, 64+len(n.Entries)*48)
	var tmp [8]byte

	buf = append(buf, byte(n.Level))
	if n.isLeaf() {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
	}
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(n.Entries)))
	buf = append(buf, tmp[:4]...)

	for i, e := range n.Entries {
		if !n.isLeaf() {
			appendID(&buf, n.Children[i])
		}
		binary.BigEndian.PutUint32(tmp[:4], uint32(len(e.Key)))
		buf = append(buf, tmp[:4]...)
		buf = append(buf, e.Key...)
		appendID(&buf, e.ObjectID)
		buf = append(buf, byte(e.Priority))
	}
	if !n.isLeaf() {
		appendID(&buf, n.Children[len(n.Entries)])
	}
	return buf
}

func appendID(buf *[]byte, id types.ObjectID) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(id)))
	*buf = append(*buf, tmp[:]...)
	*buf = append(*buf, []byte(id)...)
}

func readID(data []byte, off int) (types.ObjectID, int, error) {
	if len(data) < off+4 {
		return "", 0, ledgererr.New(ledgererr.FormatError, "btree.readID", "truncated id length")
	}
	n := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if len(data) < off+n {
		return "", 0, ledgererr.New(ledgererr.FormatError, "btree.readID", "truncated id bytes")
	}
	return types.ObjectID(data[off : off+n]), off + n, nil
}

func decodeNode(data []byte) (Node, error) {
	const op = "btree.decodeNode"
	if len(data) < 6 {
		return Node{}, ledgererr.New(ledgererr.FormatError, op, "short node: %d bytes", len(data))
	}
	n := Node{Level: int(data[0])}
	interior := data[1] == 1
	count := int(binary.BigEndian.Uint32(data[2:6]))
	off := 6

	var err error
	for i := 0; i < count; i++ {
		var entry types.Entry
		if interior {
			var childID types.ObjectID
			childID, off, err = readID(data, off)
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, childID)
		}
		if len(data) < off+4 {
			return Node{}, ledgererr.New(ledgererr.FormatError, op, "truncated key length")
		}
		keyLen := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if len(data) < off+keyLen {
			return Node{}, ledgererr.New(ledgererr.FormatError, op, "truncated key")
		}
		entry.Key = append([]byte(nil), data[off:off+keyLen]...)
		off += keyLen

		entry.ObjectID, off, err = readID(data, off)
		if err != nil {
			return Node{}, err
		}
		if len(data) < off+1 {
			return Node{}, ledgererr.New(ledgererr.FormatError, op, "truncated priority")
		}
		entry.Priority = types.Priority(data[off])
		off++

		n.Entries = append(n.Entries, entry)
	}
	if interior {
		lastChild, _, err := readID(data, off)
		if err != nil {
			return Node{}, err
		}
		n.Children = append(n.Children, lastChild)
	}
	return n, nil
}

func cloneEntries(entries []types.Entry) []types.Entry {
	out := make([]types.Entry, len(entries))
	copy(out, entries)
	return out
}

func sortEntries(entries []types.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].Key) < string(entries[j].Key)
	})
}
