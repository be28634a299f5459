package btree

import "github.com/cuemby/ledger/pkg/types"

// pieceStore is the subset of objectstore.Store this package needs; kept
// narrow so btree never imports objectstore directly.
type pieceStore interface {
	GetPiece(id types.ObjectID) ([]byte, error)
}

// ObjectStoreAdapter adapts a piece store into a btree.Store by addressing
// and writing an encoded node through WriteIndex (typically
// objectstore.Store.WriteIndexPiece).
type ObjectStoreAdapter struct {
	pieceStore
	WriteIndex func(content []byte) (types.ObjectID, error)
}

// NewObjectStoreAdapter builds a Store that reads pieces through reader and
// writes encoded nodes through writeIndex.
func NewObjectStoreAdapter(reader pieceStore, writeIndex func(content []byte) (types.ObjectID, error)) ObjectStoreAdapter {
	return ObjectStoreAdapter{pieceStore: reader, WriteIndex: writeIndex}
}

// PutNode encodes n and writes it through WriteIndex, returning the id the
// object store assigned (which must equal n.ID() for content-addressing to
// hold).
func (a ObjectStoreAdapter) PutNode(n Node) (types.ObjectID, error) {
	return a.WriteIndex(encodeNode(n))
}
