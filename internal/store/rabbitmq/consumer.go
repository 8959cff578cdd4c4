package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/logger"
)

const (
	retryHeader = "x-retry-count"
	maxRetries  = 3
	retryDelay  = 5 * time.Second
)

type HandlerFunc func(ctx context.Context, m VideoChanged) error

// acker is the part of amqp.Delivery the workers need.
type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int
}

func NewConsumer(url, queue string, concurrency int) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, concurrency: concurrency}, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run consumes until ctx is cancelled or the broker closes the delivery channel.
func (c *Consumer) Run(ctx context.Context, h HandlerFunc) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	logger.Info("consumer started", "queue", c.queue, "concurrency", c.concurrency)

	jobs := make(chan amqp.Delivery, c.concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				process(ctx, workerID, d.Body, d.Headers, d, h, c.retry)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Info("consumer shutting down", "queue", c.queue)
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

// retry parks the message on the retry queue; its TTL dead-letters it back
// onto the main queue.
func (c *Consumer) retry(ctx context.Context, body []byte, attempt int) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.ch.PublishWithContext(cctx, "", c.queue+".retry", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Expiration:   strconv.FormatInt(retryDelay.Milliseconds(), 10),
		Headers:      amqp.Table{retryHeader: int32(attempt)},
		Timestamp:    time.Now(),
	})
}

type retryFunc func(ctx context.Context, body []byte, attempt int) error

// process handles one delivery. Malformed messages go straight to the DLQ;
// handler failures are retried through the retry queue up to maxRetries.
func process(ctx context.Context, workerID int, body []byte, headers amqp.Table, d acker, h HandlerFunc, retry retryFunc) {
	var m VideoChanged
	if err := json.Unmarshal(body, &m); err != nil || m.Validate() != nil {
		logger.Warn("bad message", "worker", workerID, "body", string(body), "err", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err := h(ctx, m)
	if err == nil {
		if err := d.Ack(false); err != nil {
			logger.Warn("ack failed", "worker", workerID, "video_id", m.VideoID, "err", err)
		}
		return
	}

	attempt := retryCount(headers) + 1
	logger.Warn("handle message failed", "worker", workerID, "video_id", m.VideoID,
		"attempt", attempt, "cost", time.Since(start), "err", err)
	if attempt > maxRetries || retry == nil {
		_ = d.Nack(false, false)
		return
	}
	if rerr := retry(ctx, body, attempt); rerr != nil {
		logger.Error("retry publish failed", "worker", workerID, "video_id", m.VideoID, "err", rerr)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
