package memory

import (
	"context"
	"sync"

	"github.com/leshachaplin/tracker/internal/domain"
)

// Storage keeps received events in memory. It backs the collector in tests
// and local runs.
type Storage struct {
	mu       sync.Mutex
	batches  []domain.ReceivedBatch
	failNext []error
}

func New() *Storage {
	return &Storage{}
}

func (s *Storage) StoreEvents(_ context.Context, batch domain.ReceivedBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		return err
	}
	s.batches = append(s.batches, batch)
	return nil
}

// FailNext makes the next len(errs) calls return errs in order.
func (s *Storage) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, errs...)
}

func (s *Storage) Batches() []domain.ReceivedBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ReceivedBatch(nil), s.batches...)
}

// Events returns every stored event in arrival order.
func (s *Storage) Events() []domain.Received {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Received
	for _, b := range s.batches {
		out = append(out, b.Events...)
	}
	return out
}
