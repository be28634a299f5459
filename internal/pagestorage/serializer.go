package pagestorage

import (
	"sync"

	"github.com/cuemby/ledger/pkg/metrics"
)

// OperationSerializer runs client-submitted operations one at a time, in
// the order Submit was called, even though each operation itself may
// complete asynchronously (it signals completion by returning from the
// function passed to Submit). This gives callers FIFO semantics for a page
// without forcing every PageStorage method to be reentrant-safe under
// concurrent commit construction.
type OperationSerializer struct {
	pageID string
	queue  chan func()
	once   sync.Once
}

func newOperationSerializer() *OperationSerializer {
	s := &OperationSerializer{queue: make(chan func(), 256)}
	return s
}

// Run starts the serializer's worker goroutine; callers must invoke it
// exactly once before the first Submit.
func (s *OperationSerializer) Run() {
	s.once.Do(func() {
		go func() {
			for op := range s.queue {
				op()
			}
		}()
	})
}

// Submit enqueues op to run after every previously submitted operation has
// finished, blocking only if the queue is full.
func (s *OperationSerializer) Submit(op func()) {
	s.queue <- op
	metrics.OperationQueueDepth.WithLabelValues(s.pageID).Set(float64(len(s.queue)))
}

// SubmitSync enqueues op and blocks until it has run, for callers that need
// the result before proceeding.
func (s *OperationSerializer) SubmitSync(op func()) {
	done := make(chan struct{})
	s.Submit(func() {
		defer close(done)
		op()
	})
	<-done
}
