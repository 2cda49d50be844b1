// Package ingest records events consumed from Kafka topics. Message values
// use the same JSON payload as POST /v1/events.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/counter"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/event"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

// Message outcomes reported on ingest_messages_total.
const (
	OutcomeRecorded = "recorded"
	OutcomeInvalid  = "invalid"
	OutcomeFailed   = "failed"
)

// Recorder is the part of counter.Service the consumer needs.
type Recorder interface {
	Record(ctx context.Context, dataset, distinctID string, fields map[string]string) (int, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	GroupID string
	Topics  []string
	// Workers is the number of group members per topic. Partitions are
	// spread across them by the group coordinator.
	Workers          int
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
}

// Consumer fetches, records and commits messages. An offset is committed
// only after every event of the message is recorded, or when the message
// can never be recorded.
type Consumer struct {
	readers  []messageReader
	rec      Recorder
	metrics  *metrics.Metrics
	retry    time.Duration
	maxRetry time.Duration
	wg       sync.WaitGroup
}

func NewConsumer(cfg Config, rec Recorder, m *metrics.Metrics) *Consumer {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	readers := make([]messageReader, 0, len(cfg.Topics)*workers)
	for _, topic := range cfg.Topics {
		for i := 0; i < workers; i++ {
			readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
				Brokers:     cfg.Brokers,
				GroupID:     cfg.GroupID,
				Topic:       topic,
				MinBytes:    1024,     // 1KB
				MaxBytes:    10485760, // 10MB
				MaxWait:     100 * time.Millisecond,
				StartOffset: kafka.FirstOffset,

				WatchPartitionChanges: true,
			}))
		}
	}

	log.WithFields(log.Fields{
		"brokers": cfg.Brokers,
		"group":   cfg.GroupID,
		"topics":  cfg.Topics,
		"workers": workers,
	}).Info("Kafka consumer created")

	return newConsumer(readers, rec, m, cfg.RetryInterval, cfg.MaxRetryInterval)
}

func newConsumer(readers []messageReader, rec Recorder, m *metrics.Metrics, retry, maxRetry time.Duration) *Consumer {
	if retry <= 0 {
		retry = 500 * time.Millisecond
	}
	if maxRetry < retry {
		maxRetry = 30 * time.Second
	}
	return &Consumer{
		readers:  readers,
		rec:      rec,
		metrics:  m,
		retry:    retry,
		maxRetry: maxRetry,
	}
}

// Run consumes until ctx is cancelled, then closes the readers.
func (c *Consumer) Run(ctx context.Context) error {
	for i, r := range c.readers {
		c.wg.Add(1)
		go c.consume(ctx, r, i)
	}
	c.wg.Wait()

	var errs []error
	for _, r := range c.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	log.Info("Kafka consumer closed")
	return errors.Join(errs...)
}

func (c *Consumer) consume(ctx context.Context, r messageReader, workerID int) {
	defer c.wg.Done()

	for {
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msg, err := r.FetchMessage(fetchCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				log.Warnf("Worker %d: failed to fetch message: %v", workerID, err)
				select {
				case <-time.After(c.retry):
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		if !c.handle(ctx, msg) {
			return
		}
		if err := r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("Worker %d: failed to commit offset %d of %s/%d: %v",
				workerID, msg.Offset, msg.Topic, msg.Partition, err)
		}
	}
}

// handle records msg and reports whether its offset may be committed. It
// returns false only when ctx is cancelled before the message is recorded.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	events, err := event.Parse(msg.Value, messageID(msg))
	if err != nil {
		log.WithFields(log.Fields{
			"topic":     msg.Topic,
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).WithError(err).Warn("Skipping malformed message")
		c.count(msg.Topic, OutcomeInvalid)
		return true
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry
	b.MaxInterval = c.maxRetry
	b.MaxElapsedTime = 0

	// Recording is idempotent per distinct id, so a retry replays the
	// whole message.
	op := func() error {
		for _, e := range events {
			if _, err := c.rec.Record(ctx, e.Dataset, e.DistinctID, e.Fields); err != nil {
				if errors.Is(err, counter.ErrInvalidInput) {
					return backoff.Permanent(err)
				}
				return err
			}
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.count(msg.Topic, OutcomeFailed)
		log.WithFields(log.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
			"retry":  wait,
		}).WithError(err).Warn("Recording message failed, retrying")
	}

	err = backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	switch {
	case err == nil:
		c.count(msg.Topic, OutcomeRecorded)
		return true
	case errors.Is(err, counter.ErrInvalidInput):
		log.WithError(err).WithField("offset", msg.Offset).Warn("Skipping message with invalid event")
		c.count(msg.Topic, OutcomeInvalid)
		return true
	default:
		return false
	}
}

// messageID derives distinct ids from the message position so that a
// redelivered message records the same ids again.
func messageID(msg kafka.Message) event.IDFunc {
	return func(i int) string {
		return fmt.Sprintf("%s/%d/%d/%d", msg.Topic, msg.Partition, msg.Offset, i)
	}
}

func (c *Consumer) count(topic, outcome string) {
	if c.metrics != nil {
		c.metrics.IngestMessages.WithLabelValues(topic, outcome).Inc()
	}
}
