package objectstore

import (
	"encoding/binary"

	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/types"
)

// indexChild is one entry in a file index: the id of a child piece (a value
// chunk or a nested index) and the total size of the content it names.
type indexChild struct {
	ID   types.ObjectID
	Size uint64
}

// fileIndex is the content of an index object: an ordered list of children
// whose concatenation reconstitutes a value, plus its total size so readers
// can preallocate.
type fileIndex struct {
	Children []indexChild
	Size     uint64
}

// encodeFileIndex serializes an index as a flat, length-prefixed record list
// so it can be content-addressed like any other object.
func encodeFileIndex(idx fileIndex) []byte {
	buf := make([]byte, 0, 16+len(idx.Children)*40)
	var tmp [8]byte

	binary.BigEndian.PutUint64(tmp[:], idx.Size)
	buf = append(buf, tmp[:]...)

	binary.BigEndian.PutUint64(tmp[:], uint64(len(idx.Children)))
	buf = append(buf, tmp[:]...)

	for _, c := range idx.Children {
		binary.BigEndian.PutUint64(tmp[:], c.Size)
		buf = append(buf, tmp[:]...)

		binary.BigEndian.PutUint32(tmp[:4], uint32(len(c.ID)))
		buf = append(buf, tmp[:4]...)
		buf = append(buf, []byte(c.ID)...)
	}
	return buf
}

func decodeFileIndex(data []byte) (fileIndex, error) {
	const op = "objectstore.decodeFileIndex"
	if len(data) < 16 {
		return fileIndex{}, ledgererr.New(ledgererr.FormatError, op, "short index: %d bytes", len(data))
	}
	idx := fileIndex{Size: binary.BigEndian.Uint64(data[:8])}
	count := binary.BigEndian.Uint64(data[8:16])
	off := 16
	for i := uint64(0); i < count; i++ {
		if len(data) < off+12 {
			return fileIndex{}, ledgererr.New(ledgererr.FormatError, op, "truncated child header at %d", off)
		}
		size := binary.BigEndian.Uint64(data[off : off+8])
		idLen := int(binary.BigEndian.Uint32(data[off+8 : off+12]))
		off += 12
		if len(data) < off+idLen {
			return fileIndex{}, ledgererr.New(ledgererr.FormatError, op, "truncated child id at %d", off)
		}
		idx.Children = append(idx.Children, indexChild{
			ID:   types.ObjectID(data[off : off+idLen]),
			Size: size,
		})
		off += idLen
	}
	return idx, nil
}
