// Package results delivers finished-game summaries to the upstream results
// API. Delivery is retried with exponential backoff; results that exhaust
// their retries park in a queue and get replayed by the flusher.
package results

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"quiz-arena-service/internal/domain"
)

// Store accepts one result. Implementations decide transport.
type Store interface {
	Submit(ctx context.Context, result *domain.Result) error
}

// Queue parks results that could not be delivered.
type Queue interface {
	Enqueue(ctx context.Context, result *domain.Result) error
	Dequeue(ctx context.Context) (*domain.Result, error)
}

// HTTPStore posts results to the platform's internal results endpoint.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPStore) Submit(ctx context.Context, result *domain.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/internal/game-results", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: results API returned %d", domain.ErrUpstreamUnavailable, resp.StatusCode)
	}
	return nil
}

// Publisher is the rooms' result sink.
type Publisher struct {
	store      Store
	queue      Queue
	logger     *zap.Logger
	maxElapsed time.Duration
}

func NewPublisher(store Store, queue Queue, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:      store,
		queue:      queue,
		logger:     logger.With(zap.String("component", "results")),
		maxElapsed: 30 * time.Second,
	}
}

// Publish submits with bounded exponential backoff. A result that still
// fails is parked, never dropped.
func (p *Publisher) Publish(ctx context.Context, result *domain.Result) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = p.maxElapsed

	err := backoff.Retry(func() error {
		return p.store.Submit(ctx, result)
	}, backoff.WithContext(policy, ctx))
	if err == nil {
		p.logger.Info("result delivered", zap.String("room_id", result.RoomID))
		return
	}

	p.logger.Warn("result delivery failed, parking",
		zap.String("room_id", result.RoomID), zap.Error(err))
	if p.queue == nil {
		p.logger.Error("no result queue configured, result lost", zap.String("room_id", result.RoomID))
		return
	}
	if qerr := p.queue.Enqueue(ctx, result); qerr != nil {
		p.logger.Error("failed to park result", zap.String("room_id", result.RoomID), zap.Error(qerr))
	}
}

// Flush replays parked results. It stops on the first delivery failure and
// puts that result back; the upstream is evidently still down.
func (p *Publisher) Flush(ctx context.Context) error {
	if p.queue == nil {
		return nil
	}
	for {
		result, err := p.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if result == nil {
			return nil
		}
		if err := p.store.Submit(ctx, result); err != nil {
			if qerr := p.queue.Enqueue(ctx, result); qerr != nil {
				p.logger.Error("dropped result on re-park failure",
					zap.String("room_id", result.RoomID), zap.Error(qerr))
			}
			return err
		}
		p.logger.Info("parked result delivered", zap.String("room_id", result.RoomID))
	}
}

// RunFlusher retries parked results on a fixed interval until ctx ends.
func (p *Publisher) RunFlusher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				p.logger.Debug("flush attempt failed", zap.Error(err))
			}
		}
	}
}
