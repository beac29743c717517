package transfer_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/testutil"
	"PoolLedger/internal/transfer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	investor = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	treasury = common.HexToAddress("0x0000000000000000000000000000000000fee001")
)

func legs() []core.Transfer {
	return []core.Transfer{
		{To: investor, Amount: 1_122_500, Kind: core.TransferPayout},
		{To: treasury, Amount: 2_500, Kind: core.TransferPlatformFee},
	}
}

func TestMemoryPayer_DeliversAllLegs(t *testing.T) {
	p := transfer.NewMemoryPayer()

	require.NoError(t, p.Pay(context.Background(), "ref-1", legs()))

	assert.Equal(t, int64(1_122_500), p.Received(investor))
	assert.Equal(t, int64(2_500), p.Received(treasury))
	require.Len(t, p.Payments(), 1)
	assert.Equal(t, "ref-1", p.Payments()[0].Ref)
}

func TestMemoryPayer_FailureDeliversNothing(t *testing.T) {
	p := transfer.NewMemoryPayer()
	p.FailWith(errors.New("custody offline"))

	err := p.Pay(context.Background(), "ref-1", legs())
	require.Error(t, err)
	assert.Zero(t, p.Received(investor))
	assert.Zero(t, p.Received(treasury))
	assert.Empty(t, p.Payments())
}

func TestMemoryPayer_OnReceiveRefusal(t *testing.T) {
	p := transfer.NewMemoryPayer()
	p.OnReceive(func(ctx context.Context, l []core.Transfer) error {
		return errors.New("recipient rejected")
	})

	require.Error(t, p.Pay(context.Background(), "ref-1", legs()))
	assert.Zero(t, p.Received(investor))
}

// fakePublisher records publishes and returns a canned ack or error.
// failures are returned one per call before err and the ack.
type fakePublisher struct {
	subjects []string
	data     []byte
	failures []error
	err      error
	dup      bool
}

func (f *fakePublisher) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.subjects = append(f.subjects, subject)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.data = data
	return &jetstream.PubAck{Stream: transfer.PayoutStreamName, Sequence: 7, Duplicate: f.dup}, nil
}

func fastRetry(t *testing.T, p *transfer.JetStreamPayer, window time.Duration) {
	t.Helper()
	require.NoError(t, p.SetRetryPolicy(window, time.Millisecond))
}

func TestJetStreamPayer_PublishesInstruction(t *testing.T) {
	pub := &fakePublisher{}
	p := transfer.NewJetStreamPayer(pub, 0, zerolog.Nop())

	require.NoError(t, p.Pay(context.Background(), "op-123", legs()))
	assert.Equal(t, []string{"pool.payouts.op-123"}, pub.subjects)

	var instr transfer.PayoutInstruction
	require.NoError(t, json.Unmarshal(pub.data, &instr))
	assert.Equal(t, "op-123", instr.Ref)
	require.Len(t, instr.Legs, 2)
	assert.Equal(t, investor, instr.Legs[0].To)
	assert.Equal(t, core.TransferPlatformFee, instr.Legs[1].Kind)
}

func TestJetStreamPayer_DefinitiveErrorIsNotRetried(t *testing.T) {
	for name, err := range map[string]error{
		"no stream":    jetstream.ErrNoStreamResponse,
		"no responder": nats.ErrNoResponders,
		"api error":    fmt.Errorf("nats: %w", &jetstream.APIError{Code: 503, Description: "jetstream not available"}),
	} {
		t.Run(name, func(t *testing.T) {
			pub := &fakePublisher{err: err}
			p := transfer.NewJetStreamPayer(pub, 0, zerolog.Nop())
			fastRetry(t, p, time.Second)

			assert.ErrorIs(t, p.Pay(context.Background(), "op-1", legs()), err)
			assert.Len(t, pub.subjects, 1)
		})
	}
}

func TestJetStreamPayer_LostAckRetriedWithSameRef(t *testing.T) {
	pub := &fakePublisher{
		failures: []error{context.DeadlineExceeded, nats.ErrTimeout},
		dup:      true,
	}
	p := transfer.NewJetStreamPayer(pub, 0, zerolog.Nop())
	fastRetry(t, p, time.Second)

	require.NoError(t, p.Pay(context.Background(), "op-9", legs()))
	assert.Equal(t, []string{"pool.payouts.op-9", "pool.payouts.op-9", "pool.payouts.op-9"}, pub.subjects)
}

func TestJetStreamPayer_RetryIgnoresCallerCancel(t *testing.T) {
	pub := &fakePublisher{failures: []error{context.DeadlineExceeded}}
	p := transfer.NewJetStreamPayer(pub, 0, zerolog.Nop())
	fastRetry(t, p, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Pay(ctx, "op-10", legs()))
	assert.Len(t, pub.subjects, 2)
}

func TestJetStreamPayer_RetryWindowExhausted(t *testing.T) {
	pub := &fakePublisher{err: context.DeadlineExceeded}
	p := transfer.NewJetStreamPayer(pub, 0, zerolog.Nop())
	fastRetry(t, p, 20*time.Millisecond)

	err := p.Pay(context.Background(), "op-11", legs())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, len(pub.subjects), 1)
	for _, s := range pub.subjects {
		assert.Equal(t, "pool.payouts.op-11", s)
	}
}

func TestJetStreamPayer_RetryPolicyBounds(t *testing.T) {
	p := transfer.NewJetStreamPayer(&fakePublisher{}, 0, zerolog.Nop())
	assert.Error(t, p.SetRetryPolicy(transfer.PayoutDedupWindow, time.Millisecond))
	assert.Error(t, p.SetRetryPolicy(time.Second, 0))
	assert.NoError(t, p.SetRetryPolicy(0, time.Millisecond))
}

func TestJetStreamPayer_RejectsEmpty(t *testing.T) {
	p := transfer.NewJetStreamPayer(&fakePublisher{}, 0, zerolog.Nop())
	assert.Error(t, p.Pay(context.Background(), "op-1", nil))
}

func TestIntegration_JetStreamPayerDedup(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, err := nats.Connect(testutil.TestNATSURL(), nats.Timeout(2*time.Second))
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, transfer.EnsurePayoutStream(ctx, js))

	stream, err := js.Stream(ctx, transfer.PayoutStreamName)
	require.NoError(t, err)
	before, err := stream.Info(ctx)
	require.NoError(t, err)

	ref := "it-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	p := transfer.NewJetStreamPayer(js, 0, zerolog.Nop())
	require.NoError(t, p.Pay(ctx, ref, legs()))
	// same ref again is absorbed by the stream's duplicate window
	require.NoError(t, p.Pay(ctx, ref, legs()))

	after, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.State.LastSeq+1, after.State.LastSeq)
}
