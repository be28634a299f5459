package objectstore

import (
	"bufio"
	"io"

	"github.com/cuemby/ledger/pkg/types"
)

// Size bounds for rolling-hash chunks, carried over from the bup-style
// splitter this algorithm is based on: chunk sizes must fit in a uint16 so
// that a full index level can itself be serialized and content-addressed
// without overflowing a single value chunk.
const (
	minChunkSize = 4096
	maxChunkSize = 65535

	// bitsPerLevel extra trailing zero bits required to promote a cut point
	// from level N to level N+1 of the index tree, so higher levels are
	// geometrically rarer.
	bitsPerLevel = 4

	// avgBitsBase is the number of trailing zero bits a digest needs to cut
	// a level-0 chunk; chosen so expected chunk size is well above
	// minChunkSize while staying far under maxChunkSize.
	avgBitsBase = 13

	// maxIdentifiersPerIndex bounds how many children an index object may
	// list before it must itself be split into a higher index level, so
	// that a fully-populated index never exceeds maxChunkSize once
	// serialized (a child record is at most 45 bytes: 8 size + 4 length +
	// up to 33 id bytes for an index-hash id; 61 bytes per child leaves
	// headroom above that).
	maxIdentifiersPerIndex = maxChunkSize / 61
)

// Piece is one content-addressed unit produced by splitting a value: either
// a leaf value chunk or an index object naming further pieces.
type Piece struct {
	ID      types.ObjectID
	Content []byte
}

// Split reads content from r and partitions it into content-defined pieces
// using a rolling checksum over minChunkSize..maxChunkSize windows, then
// builds a tree of file-index objects over those pieces so it can be named
// by a single root ObjectID. It returns every piece produced, in the order
// they should be written to storage (leaves before the indexes that
// reference them), with the final element always the root.
func Split(r io.Reader) ([]Piece, types.ObjectID, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	leaves, err := splitLeaves(br)
	if err != nil {
		return nil, "", err
	}

	if len(leaves) == 1 && leaves[0].level == 0 {
		p := leaves[0].piece
		return []Piece{p}, p.ID, nil
	}

	var allPieces []Piece
	for _, l := range leaves {
		allPieces = append(allPieces, l.piece)
	}

	root, indexPieces, err := buildIndexTree(leaves)
	if err != nil {
		return nil, "", err
	}
	allPieces = append(allPieces, indexPieces...)
	return allPieces, root, nil
}

type leafChunk struct {
	piece Piece
	level int
	size  uint64
}

// splitLeaves scans the stream once, cutting level-0 chunks at rolling-hash
// boundaries and assigning each a level based on how many extra trailing
// zero bits its cut digest has beyond the level-0 threshold.
func splitLeaves(r io.Reader) ([]leafChunk, error) {
	var leaves []leafChunk
	var buf []byte
	rc := newRollingChecksum()

	one := make([]byte, 1)
	for {
		n, err := r.Read(one)
		if n == 1 {
			b := one[0]
			buf = append(buf, b)
			digest := rc.roll(b)

			cut := len(buf) >= minChunkSize && isCutPoint(digest, 0)
			forced := len(buf) >= maxChunkSize
			if cut || forced {
				level := 0
				if cut && !forced {
					level = levelOf(digest)
				}
				piece := makePiece(buf)
				leaves = append(leaves, leafChunk{piece: piece, level: level, size: uint64(len(buf))})
				buf = nil
				rc = newRollingChecksum()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if len(buf) > 0 || len(leaves) == 0 {
		piece := makePiece(buf)
		leaves = append(leaves, leafChunk{piece: piece, level: 0, size: uint64(len(buf))})
	}
	return leaves, nil
}

func makePiece(content []byte) Piece {
	c := append([]byte(nil), content...)
	return Piece{ID: types.ValueObjectID(c), Content: c}
}

// isCutPoint reports whether digest has at least the trailing zero bits
// required to cut at the given index-tree level.
func isCutPoint(digest uint32, level int) bool {
	bits := avgBitsBase + level*bitsPerLevel
	mask := uint32(1)<<uint(bits) - 1
	return digest&mask == 0
}

// levelOf returns the highest level whose cut threshold digest still
// satisfies, capped so pathological inputs cannot recurse unboundedly.
func levelOf(digest uint32) int {
	level := 0
	for level < 8 && isCutPoint(digest, level+1) {
		level++
	}
	return level
}

// buildIndexTree groups leaves into file indexes level by level: all
// consecutive leaves/indexes at the current level are collected into runs,
// each run becomes one index object at the next level, capped at
// maxIdentifiersPerIndex children, and the process repeats until a single
// root remains.
func buildIndexTree(leaves []leafChunk) (types.ObjectID, []Piece, error) {
	type node = struct {
		id    types.ObjectID
		size  uint64
		level int
	}
	current := make([]node, len(leaves))
	for i, l := range leaves {
		current[i] = node{id: l.piece.ID, size: l.size, level: l.level}
	}

	var produced []Piece
	for len(current) > 1 {
		var next []node
		var run []node
		flush := func() {
			if len(run) == 0 {
				return
			}
			idx := fileIndex{}
			var total uint64
			for _, n := range run {
				idx.Children = append(idx.Children, indexChild{ID: n.id, Size: n.size})
				total += n.size
			}
			idx.Size = total
			data := encodeFileIndex(idx)
			id := types.IndexObjectID(data)
			produced = append(produced, Piece{ID: id, Content: data})
			next = append(next, node{id: id, size: total, level: maxLevel(run) + 1})
			run = nil
		}

		targetLevel := minLevel(current)
		for _, n := range current {
			if n.level > targetLevel {
				flush()
				next = append(next, n)
				continue
			}
			if len(run) >= maxIdentifiersPerIndex {
				flush()
			}
			run = append(run, n)
		}
		flush()
		current = next
	}
	return current[0].id, produced, nil
}

func minLevel(nodes []struct {
	id    types.ObjectID
	size  uint64
	level int
}) int {
	m := nodes[0].level
	for _, n := range nodes[1:] {
		if n.level < m {
			m = n.level
		}
	}
	return m
}

func maxLevel(nodes []struct {
	id    types.ObjectID
	size  uint64
	level int
}) int {
	m := nodes[0].level
	for _, n := range nodes[1:] {
		if n.level > m {
			m = n.level
		}
	}
	return m
}
