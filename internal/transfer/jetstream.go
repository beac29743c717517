package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/core"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	PayoutStreamName    = "POOL_PAYOUTS"
	PayoutSubjectPrefix = "pool.payouts"

	// PayoutDedupWindow is how long the stream remembers a message ID.
	// A payout retried with the same ref inside it is stored once.
	PayoutDedupWindow = 10 * time.Minute

	DefaultRetryWindow = 30 * time.Second
	defaultBackoff     = 100 * time.Millisecond
	maxBackoff         = 2 * time.Second
)

// Publisher is the subset of jetstream.JetStream used to hand off payouts
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// PayoutInstruction is the settlement message consumed by the custody
// service. All legs travel in one message so they settle together.
type PayoutInstruction struct {
	Ref      string          `json:"ref"`
	Legs     []core.Transfer `json:"legs"`
	IssuedAt time.Time       `json:"issued_at"`
}

// JetStreamPayer hands payouts to the custody service over JetStream. A
// payout counts as transferred once the stream has acknowledged it; the
// message ID is the operation ref so a retried publish is deduplicated.
//
// A publish without a definitive answer (timeout, lost ack, dropped
// connection) may or may not have been stored. Pay keeps publishing under
// the same message ID until the stream answers or the retry window closes.
type JetStreamPayer struct {
	js          Publisher
	timeout     time.Duration
	retryWindow time.Duration
	backoff     time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

func NewJetStreamPayer(js Publisher, timeout time.Duration, log zerolog.Logger) *JetStreamPayer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &JetStreamPayer{
		js:          js,
		timeout:     timeout,
		retryWindow: DefaultRetryWindow,
		backoff:     defaultBackoff,
		now:         time.Now,
		log:         log,
	}
}

// SetRetryPolicy overrides how long an unanswered publish is retried and the
// first pause between attempts. The window must stay inside
// PayoutDedupWindow or a late retry could be stored twice.
func (p *JetStreamPayer) SetRetryPolicy(window, backoff time.Duration) error {
	if window < 0 || window >= PayoutDedupWindow {
		return fmt.Errorf("retry window %s must be in [0, %s)", window, PayoutDedupWindow)
	}
	if backoff <= 0 {
		return fmt.Errorf("retry backoff must be positive, got %s", backoff)
	}
	p.retryWindow = window
	p.backoff = backoff
	return nil
}

func (p *JetStreamPayer) Pay(ctx context.Context, ref string, legs []core.Transfer) error {
	if len(legs) == 0 {
		return fmt.Errorf("payout %s has no legs", ref)
	}

	data, err := json.Marshal(PayoutInstruction{Ref: ref, Legs: legs, IssuedAt: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal payout %s: %w", ref, err)
	}

	// The caller going away does not settle whether the payout was stored.
	ctx = context.WithoutCancel(ctx)
	subject := fmt.Sprintf("%s.%s", PayoutSubjectPrefix, ref)
	deadline := p.now().Add(p.retryWindow)
	wait := p.backoff

	for attempt := 1; ; attempt++ {
		ack, err := p.publish(ctx, subject, ref, data)
		if err == nil {
			if ack.Duplicate {
				p.log.Warn().Str("ref", ref).Uint64("stream_seq", ack.Sequence).Msg("payout already published")
			}
			p.log.Debug().Str("ref", ref).Int("legs", len(legs)).Int("attempt", attempt).
				Uint64("stream_seq", ack.Sequence).Msg("payout handed off")
			return nil
		}
		if definitive(err) {
			return fmt.Errorf("publish payout %s: %w", ref, err)
		}
		if p.now().Add(wait).After(deadline) {
			return fmt.Errorf("publish payout %s: unacknowledged after %d attempts: %w", ref, attempt, err)
		}

		p.log.Warn().Str("ref", ref).Int("attempt", attempt).Dur("backoff", wait).Err(err).
			Msg("payout publish unacknowledged, retrying")
		time.Sleep(wait)
		wait = min(2*wait, maxBackoff)
	}
}

func (p *JetStreamPayer) publish(ctx context.Context, subject, ref string, data []byte) (*jetstream.PubAck, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.js.Publish(ctx, subject, data, jetstream.WithMsgID(ref))
}

// definitive reports whether a publish error means the message was not
// stored. Anything else leaves the outcome open.
func definitive(err error) bool {
	var apiErr *jetstream.APIError
	switch {
	case errors.As(err, &apiErr):
		return true
	case errors.Is(err, jetstream.ErrNoStreamResponse), errors.Is(err, nats.ErrNoResponders):
		return true
	default:
		return false
	}
}

// EnsurePayoutStream creates the payout stream. Messages are work items for
// the custody service and are removed once acknowledged there.
func EnsurePayoutStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       PayoutStreamName,
		Subjects:   []string{PayoutSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: PayoutDedupWindow,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create payout stream: %w", err)
	}
	return nil
}
