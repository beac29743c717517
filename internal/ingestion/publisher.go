package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStreamName    = "POOL_EVENTS"
	EventSubjectPrefix = "pool.events"
)

// Publisher is the subset of jetstream.JetStream used for notifications
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Notification is the outbound JSON form of a committed event
type Notification struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Account        *string         `json:"account,omitempty"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
	Event          json.RawMessage `json:"event"`
}

// NewNotification builds the notification for a committed output
func NewNotification(out core.CoreOutput) Notification {
	env := out.Envelope
	n := Notification{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
		Event:          json.RawMessage(env.Payload),
	}
	if env.Account != nil {
		acct := strings.ToLower(env.Account.Hex())
		n.Account = &acct
	}
	return n
}

// OutboundPublisher publishes persisted events to NATS for downstream
// consumers, on pool.events.<EventType>.
type OutboundPublisher struct {
	js      Publisher
	queue   chan core.CoreOutput
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewOutboundPublisher(js Publisher, capacity int, metrics *observability.Metrics, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:      js,
		queue:   make(chan core.CoreOutput, capacity),
		metrics: metrics,
		log:     log,
	}
}

// Enqueue queues outputs without blocking; outputs that do not fit are
// dropped. Its signature matches the persistence flush hook.
func (op *OutboundPublisher) Enqueue(_ context.Context, outputs []core.CoreOutput) {
	for _, out := range outputs {
		select {
		case op.queue <- out:
		default:
			if op.metrics != nil {
				op.metrics.PublishDrops.Inc()
			}
			op.log.Warn().Int64("sequence", out.Envelope.Sequence).Msg("publish queue full, dropping notification")
		}
	}
	if op.metrics != nil {
		op.metrics.SetChannelMetrics("publish", len(op.queue), cap(op.queue))
	}
}

// Run publishes queued notifications until ctx is cancelled, then drains
// what is already queued.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			op.drain()
			return ctx.Err()

		case out := <-op.queue:
			if err := op.publish(ctx, out); err != nil {
				op.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case out := <-op.queue:
			if err := op.publish(ctx, out); err != nil {
				op.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		default:
			return
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	n := NewNotification(out)
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", EventSubjectPrefix, n.EventType)
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(fmt.Sprintf("pool-event-%d", n.Sequence)))
	return err
}

// EnsureOutboundStream creates the notification stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStreamName,
		Subjects:   []string{EventSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
