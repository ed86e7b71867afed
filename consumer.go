package qnode

import (
	"context"
	"fmt"
	"time"
)

// StreamMessage is one record handed to a Consumer's ProcessFunc.
type StreamMessage struct {
	Channel    string
	Subscriber string
	Data       []byte
}

// ProcessFunc handles a batch of messages, returning an error to
// trigger a retry of the whole batch.
type ProcessFunc func(ctx context.Context, messages []StreamMessage) error

// ProcessOption configures Consumer.Process.
type ProcessOption func(*processConfig)

type processConfig struct {
	handler      ProcessFunc
	onError      func(err error, retryCount int)
	onBatch      func(size int, duration time.Duration)
	batchSize    int
	maxRetries   int
	pollInterval time.Duration
	retryDelay   time.Duration
}

// WithBatchSize sets how many records Process tries to gather before
// invoking the handler.
func WithBatchSize(size int) ProcessOption {
	return func(cfg *processConfig) { cfg.batchSize = size }
}

// WithPollInterval sets how long Process waits before retrying an
// empty storage.
func WithPollInterval(interval time.Duration) ProcessOption {
	return func(cfg *processConfig) { cfg.pollInterval = interval }
}

// WithMaxRetries sets how many times a failed batch is retried before
// Process gives up and returns an error.
func WithMaxRetries(retries int) ProcessOption {
	return func(cfg *processConfig) { cfg.maxRetries = retries }
}

// WithRetryDelay sets the delay between retries of a failed batch.
func WithRetryDelay(delay time.Duration) ProcessOption {
	return func(cfg *processConfig) { cfg.retryDelay = delay }
}

// WithErrorHandler registers a callback invoked on every failed
// attempt, including ones that will be retried.
func WithErrorHandler(handler func(err error, retryCount int)) ProcessOption {
	return func(cfg *processConfig) { cfg.onError = handler }
}

// WithBatchCallback registers a callback invoked after every
// successfully processed batch.
func WithBatchCallback(callback func(size int, duration time.Duration)) ProcessOption {
	return func(cfg *processConfig) { cfg.onBatch = callback }
}

func buildProcessConfig(handler ProcessFunc, opts []ProcessOption) *processConfig {
	cfg := &processConfig{
		handler:      handler,
		batchSize:    100,
		maxRetries:   3,
		pollInterval: 200 * time.Millisecond,
		retryDelay:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Consumer drives a polling read loop against one subscriber's
// storage. Every record it delivers is already gone from the storage
// by the time the handler sees it — there is no separate ack step, the
// same way SubscriberHandle.Pop is already destructive.
type Consumer struct {
	handle     *SubscriberHandle
	channel    string
	subscriber string
}

// NewConsumer binds a Consumer to an already-subscribed storage.
func NewConsumer(handle *SubscriberHandle, channel, subscriber string) *Consumer {
	return &Consumer{handle: handle, channel: channel, subscriber: subscriber}
}

// Process runs until ctx is canceled or the handler exhausts its
// retries, gathering up to batchSize records per call, sleeping
// pollInterval whenever the storage is empty.
func (c *Consumer) Process(ctx context.Context, handler ProcessFunc, opts ...ProcessOption) error {
	cfg := buildProcessConfig(handler, opts)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := c.gatherBatch(cfg.batchSize)
		if err != nil {
			return err
		}

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.pollInterval):
			}
			continue
		}

		start := time.Now()
		if err := c.runWithRetries(ctx, cfg, batch); err != nil {
			return err
		}
		if cfg.onBatch != nil {
			cfg.onBatch(len(batch), time.Since(start))
		}
	}
}

func (c *Consumer) gatherBatch(batchSize int) ([]StreamMessage, error) {
	batch := make([]StreamMessage, 0, batchSize)
	for len(batch) < batchSize {
		payload, ok, err := c.handle.Pop()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		batch = append(batch, StreamMessage{Channel: c.channel, Subscriber: c.subscriber, Data: payload})
	}
	return batch, nil
}

func (c *Consumer) runWithRetries(ctx context.Context, cfg *processConfig, batch []StreamMessage) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		err := cfg.handler(ctx, batch)
		if err == nil {
			return nil
		}
		lastErr = err
		if cfg.onError != nil {
			cfg.onError(err, attempt)
		}
		if attempt == cfg.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.retryDelay):
		}
	}
	return fmt.Errorf("qnode: batch processing failed after %d retries: %w", cfg.maxRetries, lastErr)
}
