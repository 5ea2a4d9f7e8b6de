package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/thought-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/thought-analyzer/internal/config"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
	"github.com/fairyhunter13/thought-analyzer/internal/event"
)

// Handler processes one decoded thought job. A nil return or a permanent
// error acknowledges the record; a transient error leaves it for
// redelivery.
type Handler interface {
	Process(ctx context.Context, env event.Envelope) error
}

// dlqWriter is the slice of the Kafka client the dead letter path uses.
type dlqWriter interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Consumer polls the work topic with a consumer group and manual commits.
// Records within a partition are handled strictly in order; an offset is
// committed only after the handler's outcome reached the database.
type Consumer struct {
	client  *kgo.Client
	dlq     dlqWriter
	cfg     config.Config
	handler Handler

	draining chan struct{}
	once     sync.Once
}

// NewConsumer constructs a consumer group member for the work topic.
func NewConsumer(cfg config.Config, handler Handler) (*Consumer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewConsumer: no seed brokers provided")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("op=kafka.NewConsumer: missing consumer group")
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.WorkTopic),
		kgo.DisableAutoCommit(),
		// SessionTimeout must outlast the slowest pipeline run or the
		// group coordinator reassigns the partition mid-thought.
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.WithHooks(kotelService.Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewConsumer: %w", err)
	}
	slog.Info("kafka consumer created",
		slog.String("group_id", cfg.ConsumerGroup),
		slog.String("topic", cfg.WorkTopic))
	return &Consumer{
		client:   client,
		dlq:      client,
		cfg:      cfg,
		handler:  handler,
		draining: make(chan struct{}),
	}, nil
}

// Run polls until the context is cancelled, then drains in-flight records
// and commits their offsets before returning.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-c.draining:
			c.shutdown()
			return nil
		default:
		}

		fetches := c.client.PollRecords(ctx, c.cfg.BatchSize)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			c.shutdown()
			return err
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				continue
			}
			slog.Error("kafka fetch error",
				slog.String("topic", fe.Topic),
				slog.Int("partition", int(fe.Partition)),
				slog.Any("error", fe.Err))
		}

		var (
			mu       sync.Mutex
			toCommit []*kgo.Record
			wg       sync.WaitGroup
		)
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				done := c.consumePartition(ctx, p)
				if len(done) > 0 {
					mu.Lock()
					toCommit = append(toCommit, done...)
					mu.Unlock()
				}
			}()
		})
		wg.Wait()

		if len(toCommit) > 0 {
			if err := c.client.CommitRecords(context.WithoutCancel(ctx), toCommit...); err != nil {
				slog.Error("kafka commit failed", slog.Any("error", err))
			}
		}
	}
}

// consumePartition handles one partition's records in order. On a
// transient failure it rewinds the partition to the failed record and
// stops, so the next poll redelivers from there.
func (c *Consumer) consumePartition(ctx context.Context, p kgo.FetchTopicPartition) []*kgo.Record {
	done := make([]*kgo.Record, 0, len(p.Records))
	for _, rec := range p.Records {
		if ctx.Err() != nil {
			return done
		}
		if err := c.handleRecord(ctx, rec); err != nil {
			c.rewind(rec)
			slog.Warn("transient failure, partition rewound for redelivery",
				slog.String("topic", rec.Topic),
				slog.Int("partition", int(rec.Partition)),
				slog.Int64("offset", rec.Offset),
				slog.Any("error", err))
			// Let the broker breathe before the redelivery loop spins.
			select {
			case <-time.After(c.cfg.RetryBackoff):
			case <-ctx.Done():
			}
			return done
		}
		done = append(done, rec)
	}
	return done
}

// handleRecord resolves one delivery. Only a transient handler error is
// returned; everything else is absorbed so the record gets committed.
func (c *Consumer) handleRecord(ctx context.Context, rec *kgo.Record) error {
	env, err := event.Decode(rec.Value)
	if err != nil {
		slog.Error("malformed job record routed to dead letter topic",
			slog.String("topic", rec.Topic),
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		c.deadLetter(ctx, event.Envelope{EventType: event.TypeThoughtCreated, SchemaVersion: event.SchemaVersion}, rec.Value, err.Error())
		return nil
	}

	err = c.handler.Process(ctx, env)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case domain.IsTransient(err):
		return err
	default:
		slog.Error("thought failed permanently, routing to dead letter topic",
			slog.String("thought_id", env.ThoughtID),
			slog.String("user_id", env.UserID),
			slog.String("kind", domain.Kind(err)),
			slog.Any("error", err))
		c.deadLetter(ctx, env, nil, err.Error())
		return nil
	}
}

// deadLetter writes the original envelope plus a failure reason onto the
// DLQ topic. rawFallback carries the original bytes when the envelope
// never decoded.
func (c *Consumer) deadLetter(ctx context.Context, env event.Envelope, rawFallback []byte, reason string) {
	env.FailureReason = reason
	b, err := env.Encode()
	if err != nil {
		b = rawFallback
	}
	record := &kgo.Record{
		Topic: c.cfg.DLQTopic,
		Key:   []byte(env.UserID),
		Value: b,
	}
	if rawFallback != nil {
		// The original bytes never decoded into an envelope; keep them on
		// the record so the dead letter retains the full payload.
		record.Headers = append(record.Headers, kgo.RecordHeader{
			Key:   "original_payload",
			Value: rawFallback,
		})
	}
	res := c.dlq.ProduceSync(context.WithoutCancel(ctx), record)
	if err := res.FirstErr(); err != nil {
		// The work record stays uncommitted only for transient handler
		// errors, so a DLQ write failure can lose the dead letter. Log
		// loudly; the thoughts row still holds the failure.
		slog.Error("dead letter publish failed",
			slog.String("thought_id", env.ThoughtID),
			slog.Any("error", err))
		return
	}
	observability.ThoughtsDeadLetteredTotal.Inc()
}

// rewind points the partition back at the failed record.
func (c *Consumer) rewind(rec *kgo.Record) {
	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		rec.Topic: {
			rec.Partition: {Epoch: rec.LeaderEpoch, Offset: rec.Offset},
		},
	})
}

// Drain asks Run to stop after the current batch.
func (c *Consumer) Drain() {
	c.once.Do(func() { close(c.draining) })
}

func (c *Consumer) shutdown() {
	// Offsets for finished records were committed per batch; anything
	// still uncommitted must be redelivered, so close without committing.
	c.client.Close()
	slog.Info("kafka consumer closed")
}
