package ledger

import (
	"bytes"

	"github.com/cuemby/ledger/internal/journal"
	"github.com/cuemby/ledger/pkg/ledgererr"
	"github.com/cuemby/ledger/pkg/types"
)

// Transaction groups several Put/Delete calls into one EXPLICIT journal:
// nothing becomes visible to readers or other clients until Commit, and
// Rollback (or simply abandoning the transaction) discards every buffered
// change.
type Transaction struct {
	page *Page
	j    *journal.Journal
	done bool
}

// Put buffers key=value with EAGER priority.
func (tx *Transaction) Put(key, value []byte) error {
	return tx.PutWithPriority(key, value, types.PriorityEager)
}

// PutWithPriority buffers key=value with the given fetch priority.
func (tx *Transaction) PutWithPriority(key, value []byte, priority types.Priority) error {
	const op = "ledger.Transaction.Put"
	if tx.done {
		return ledgererr.New(ledgererr.IllegalState, op, "transaction already committed or rolled back")
	}
	objID, err := tx.page.os.AddFromLocal(bytes.NewReader(value))
	if err != nil {
		return err
	}
	return tx.j.Put(key, objID, priority)
}

// Delete buffers key's removal.
func (tx *Transaction) Delete(key []byte) error {
	const op = "ledger.Transaction.Delete"
	if tx.done {
		return ledgererr.New(ledgererr.IllegalState, op, "transaction already committed or rolled back")
	}
	return tx.j.Delete(key)
}

// Commit collapses every buffered mutation into a single new commit on the
// page's branch. A journal poisoned by an earlier write failure can never
// commit, matching the contract that a client observing a write error must
// not be able to silently commit a partial transaction.
func (tx *Transaction) Commit() error {
	const op = "ledger.Transaction.Commit"
	if tx.done {
		return ledgererr.New(ledgererr.IllegalState, op, "transaction already committed or rolled back")
	}
	if tx.j.IsPoisoned() {
		return ledgererr.New(ledgererr.IllegalState, op, "journal %s is poisoned by a prior write failure", tx.j.ID())
	}
	tx.done = true
	var err error
	tx.page.storage.Serializer().SubmitSync(func() {
		commit, ok, applyErr := tx.page.applyJournal(tx.j)
		if applyErr != nil {
			err = applyErr
			tx.page.branch.RollbackTransaction()
			return
		}
		if ok {
			tx.page.branch.CommitTransaction(commit)
		} else {
			tx.page.branch.RollbackTransaction()
		}
	})
	return err
}

// Rollback discards every buffered mutation without committing. Calling it
// twice, or after Commit, is a no-op.
func (tx *Transaction) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.page.branch.RollbackTransaction()
	return tx.j.Discard()
}
