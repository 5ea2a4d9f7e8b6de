package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// topicAlreadyExists is Kafka protocol error code 36.
const topicAlreadyExists = 36

// createTopicIfNotExists creates a topic via the admin API, treating
// "already exists" as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 {
		return fmt.Errorf("partitions must be greater than 0")
	}
	if replicationFactor <= 0 {
		return fmt.Errorf("replication factor must be greater than 0")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=kafka.create_topic: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=kafka.create_topic: unexpected response type %T", resp)
	}
	for _, t := range createResp.Topics {
		if t.ErrorCode != 0 {
			if t.ErrorCode == topicAlreadyExists {
				slog.Debug("topic already exists", slog.String("topic", t.Topic))
				continue
			}
			msg := ""
			if t.ErrorMessage != nil {
				msg = *t.ErrorMessage
			}
			return fmt.Errorf("op=kafka.create_topic: %s (code %d)", msg, t.ErrorCode)
		}
		slog.Info("topic created",
			slog.String("topic", t.Topic),
			slog.Int("partitions", int(partitions)))
	}
	return nil
}

// EnsureTopics creates the work topic with the configured partition count
// and a single-partition dead letter topic.
func EnsureTopics(ctx context.Context, brokers []string, workTopic, dlqTopic string, partitions int) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("op=kafka.EnsureTopics: %w", err)
	}
	defer client.Close()
	if err := createTopicIfNotExists(ctx, client, workTopic, int32(partitions), 1); err != nil {
		return err
	}
	return createTopicIfNotExists(ctx, client, dlqTopic, 1, 1)
}
