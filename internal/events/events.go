// Package events publishes OTP lifecycle events to the optional Kafka,
// Elasticsearch and ClickHouse sinks.
package events

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"otp-auth-service/internal/util"
)

type Type string

const (
	OTPRequested      Type = "otp.requested"
	OTPDeliveryFailed Type = "otp.delivery_failed"
	OTPVerified       Type = "otp.verified"
	OTPVerifyFailed   Type = "otp.verify_failed"
	OTPExhausted      Type = "otp.exhausted"
)

// Event is one step in the life of an OTP. Phone is kept off the wire;
// sinks use PhoneHash or encrypt it themselves.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Phone      string    `json:"-"`
	PhoneHash  string    `json:"phone_hash"`
	SubjectID  string    `json:"subject_id,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Remaining  int       `json:"remaining_attempts,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Sink is a single event destination.
type Sink interface {
	Name() string
	Write(ctx context.Context, event Event) error
}

// Dispatcher fans each event out to every sink concurrently. Sink failures
// are logged and never reach the caller.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	now     func() time.Time
}

func NewDispatcher(timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) Sinks() int {
	return len(d.sinks)
}

func (d *Dispatcher) Publish(ctx context.Context, event Event) {
	if len(d.sinks) == 0 {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now()
	}
	if event.PhoneHash == "" && event.Phone != "" {
		event.PhoneHash = util.HashPhone(event.Phone)
	}

	// Sinks outlive a cancelled request but not the dispatch timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range d.sinks {
		g.Go(func() error {
			if err := sink.Write(ctx, event); err != nil {
				util.Warn("Failed to publish event",
					zap.String("sink", sink.Name()),
					zap.String("event_type", string(event.Type)),
					zap.String("event_id", event.ID),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close closes every sink that holds resources.
func (d *Dispatcher) Close() error {
	var firstErr error
	for _, sink := range d.sinks {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
