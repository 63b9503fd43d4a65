package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"otp-auth-service/internal/bucketing"
)

type messageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink produces events keyed by phone hash so one phone's events stay
// ordered within a partition.
type KafkaSink struct {
	producer messageProducer
	topic    string
	buckets  *bucketing.BucketingManager
}

func NewKafkaSink(producer messageProducer, topic string, buckets *bucketing.BucketingManager) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic, buckets: buckets}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	headers := map[string]string{
		"event_type": string(event.Type),
		"event_id":   event.ID,
	}
	if s.buckets != nil {
		headers["bucket"] = strconv.Itoa(s.buckets.EventBucket(event.PhoneHash))
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(event.PhoneHash), value, headers)
}
