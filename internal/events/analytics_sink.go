package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/util"
)

type batchInserter interface {
	BatchInsert(ctx context.Context, query string, data [][]any) error
}

type schemaExecer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// AnalyticsSchema is the ClickHouse DDL for the events table.
func AnalyticsSchema(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		event_id String,
		event_type LowCardinality(String),
		phone_hash String,
		subject_id String,
		record_id String,
		ip_address String,
		reason String,
		remaining_attempts Int32,
		bucket UInt16,
		occurred_at DateTime64(3, 'UTC'),
		event_date Date
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(event_date)
	ORDER BY (event_type, occurred_at)`, table)
}

func EnsureAnalyticsSchema(ctx context.Context, db schemaExecer, table string) error {
	if err := db.Exec(ctx, AnalyticsSchema(table)); err != nil {
		return fmt.Errorf("failed to create analytics table: %w", err)
	}
	return nil
}

// AnalyticsSink buffers events and inserts them into ClickHouse in batches,
// on size or on a timer, whichever comes first.
type AnalyticsSink struct {
	inserter  batchInserter
	table     string
	batchSize int
	buckets   *bucketing.BucketingManager

	mu     sync.Mutex
	buffer [][]any

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewAnalyticsSink(inserter batchInserter, table string, batchSize int, interval time.Duration, buckets *bucketing.BucketingManager) *AnalyticsSink {
	if batchSize <= 0 {
		batchSize = 500
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &AnalyticsSink{
		inserter:  inserter,
		table:     table,
		batchSize: batchSize,
		buckets:   buckets,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.loop(interval)
	return s
}

func (s *AnalyticsSink) Name() string { return "clickhouse" }

func (s *AnalyticsSink) Write(ctx context.Context, event Event) error {
	bucket := 0
	if s.buckets != nil {
		bucket = s.buckets.EventBucket(event.PhoneHash)
	}
	row := []any{
		event.ID,
		string(event.Type),
		event.PhoneHash,
		event.SubjectID,
		event.RecordID,
		event.IPAddress,
		event.Reason,
		int32(event.Remaining),
		uint16(bucket),
		event.OccurredAt,
		event.OccurredAt.UTC().Truncate(24 * time.Hour),
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, row)
	full := len(s.buffer) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush sends whatever is buffered. Rows from a failed insert are dropped.
func (s *AnalyticsSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	rows := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	query := fmt.Sprintf("INSERT INTO %s", s.table)
	if err := s.inserter.BatchInsert(ctx, query, rows); err != nil {
		return fmt.Errorf("failed to insert %d events: %w", len(rows), err)
	}
	return nil
}

func (s *AnalyticsSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *AnalyticsSink) loop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.Flush(ctx); err != nil {
				util.Warn("Analytics flush failed", zap.Error(err))
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

// Close stops the flush loop and sends the remaining buffer.
func (s *AnalyticsSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = s.Flush(ctx)
	})
	return err
}
