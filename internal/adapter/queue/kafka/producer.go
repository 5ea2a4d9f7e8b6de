// Package kafka provides the broker integration: a producer that
// publishes thought jobs keyed by user, and a consumer group that
// processes them with manual commits so a job is only acknowledged after
// the database accepted its outcome.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/thought-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/thought-analyzer/internal/config"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
	"github.com/fairyhunter13/thought-analyzer/internal/event"
	obsctx "github.com/fairyhunter13/thought-analyzer/internal/observability"
)

// publishAttempts bounds synchronous publish retries before the caller
// falls back to deferred mode.
const publishAttempts = 3

// Producer wraps a Kafka producer and implements domain.Queue.
type Producer struct {
	client  *kgo.Client
	cfg     config.Config
	enabled bool
}

// NewProducer constructs a producer with acks=all. When cfg disables the
// producer no client is created and every submit reports deferred mode.
func NewProducer(cfg config.Config) (*Producer, error) {
	if !cfg.ProducerEnabled {
		slog.Info("kafka producer disabled, submissions will defer to the sweeper")
		return &Producer{cfg: cfg, enabled: false}, nil
	}
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewProducer: no seed brokers provided")
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.WithHooks(kotelService.Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewProducer: %w", err)
	}
	slog.Info("kafka producer created",
		slog.Any("brokers", cfg.KafkaBrokers),
		slog.String("topic", cfg.WorkTopic))
	return &Producer{client: client, cfg: cfg, enabled: true}, nil
}

// SubmitThought publishes a thought_created event keyed by user id so all
// of a user's thoughts land on the same partition in submission order.
func (p *Producer) SubmitThought(ctx domain.Context, thoughtID, userID, text, priorityHint string) (domain.SubmitMode, error) {
	if !p.enabled {
		return domain.ModeDeferred, nil
	}
	env := event.NewThoughtCreated(thoughtID, userID, text, priorityHint)
	b, err := env.Encode()
	if err != nil {
		return "", fmt.Errorf("op=kafka.SubmitThought: %w", err)
	}
	record := &kgo.Record{
		Topic: p.cfg.WorkTopic,
		Key:   []byte(userID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "thought_id", Value: []byte(thoughtID)},
			{Key: "event_type", Value: []byte(event.TypeThoughtCreated)},
		},
	}
	if rid := obsctx.RequestIDFromContext(ctx); rid != "" {
		// Carried so worker logs can be correlated back to the HTTP request
		// that submitted the thought.
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: "request_id", Value: []byte(rid)})
	}

	op := func() error {
		res := p.client.ProduceSync(ctx, record)
		if err := res.FirstErr(); err != nil {
			if !retriablePublishError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.cfg.RetryBackoff
	expo.RandomizationFactor = 0.25
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, publishAttempts-1), ctx)

	if err := backoff.Retry(op, bo); err != nil {
		slog.Error("kafka publish failed",
			slog.String("thought_id", thoughtID),
			slog.String("user_id", userID),
			slog.Any("error", err))
		return "", fmt.Errorf("op=kafka.SubmitThought: %w: %v", domain.ErrNetwork, err)
	}
	observability.EnqueueThought()
	slog.Info("thought enqueued",
		slog.String("thought_id", thoughtID),
		slog.String("user_id", userID),
		slog.String("topic", p.cfg.WorkTopic))
	return domain.ModeStream, nil
}

// retriablePublishError reports whether a publish failure is worth another
// attempt. kerr covers broker protocol errors (leader elections, not-enough
// replicas); dial failures and timeouts never reach kerr, so transport
// errors are classified separately.
func retriablePublishError(err error) bool {
	if kerr.IsRetriable(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Ping checks broker connectivity. A deferred-mode producer has no client
// and reports an error so readiness reflects the disabled publish path.
func (p *Producer) Ping(ctx domain.Context) error {
	if p.client == nil {
		return fmt.Errorf("op=kafka.Ping: producer disabled")
	}
	return p.client.Ping(ctx)
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.client.Flush(ctx); err != nil {
			slog.Warn("kafka producer flush on close", slog.Any("error", err))
		}
		p.client.Close()
	}
	return nil
}
