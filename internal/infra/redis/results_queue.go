package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"quiz-arena-service/internal/domain"
)

const resultsKey = "results:pending"

// ResultsQueue is a Redis list of results awaiting redelivery. Surviving a
// process restart is the point; the in-memory queue covers deployments
// without Redis.
type ResultsQueue struct {
	client *redis.Client
}

func NewResultsQueue(client *redis.Client) *ResultsQueue {
	return &ResultsQueue{client: client}
}

func (q *ResultsQueue) Enqueue(ctx context.Context, result *domain.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, resultsKey, raw).Err()
}

// Dequeue pops the oldest pending result, or nil when the queue is empty.
func (q *ResultsQueue) Dequeue(ctx context.Context) (*domain.Result, error) {
	raw, err := q.client.RPop(ctx, resultsKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result domain.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
