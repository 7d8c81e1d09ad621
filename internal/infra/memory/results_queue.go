package memory

import (
	"context"
	"sync"

	"quiz-arena-service/internal/domain"
)

// ResultsQueue is a bounded in-process dead-letter queue for game results
// that could not be delivered upstream. Oldest entries are evicted when the
// bound is hit; a result that old has lost its audience anyway.
type ResultsQueue struct {
	mu      sync.Mutex
	pending []*domain.Result
	limit   int
}

func NewResultsQueue(limit int) *ResultsQueue {
	if limit <= 0 {
		limit = 1024
	}
	return &ResultsQueue{limit: limit}
}

func (q *ResultsQueue) Enqueue(_ context.Context, result *domain.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.limit {
		q.pending = q.pending[1:]
	}
	q.pending = append(q.pending, result)
	return nil
}

// Dequeue pops the oldest pending result, or nil when the queue is empty.
func (q *ResultsQueue) Dequeue(_ context.Context) (*domain.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	result := q.pending[0]
	q.pending = q.pending[1:]
	return result, nil
}

func (q *ResultsQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
