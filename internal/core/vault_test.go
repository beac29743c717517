package core_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/state"
	"PoolLedger/internal/testutil"
	"PoolLedger/internal/transfer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const (
	minInvestment = 400_000 // 0.004
	period        = 7 * 24 * time.Hour
)

var (
	owner    = common.HexToAddress("0x000000000000000000000000000000000000b055")
	treasury = common.HexToAddress("0x0000000000000000000000000000000000fee001")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type harness struct {
	vault   *core.Vault
	clock   *testutil.FakeClock
	payer   *transfer.MemoryPayer
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
}

func testConfig() core.Config {
	assetID, _ := ledger.GetAssetID("ETH")
	return core.Config{
		Owner:                  owner,
		Rates:                  state.RateConfig{InterestRateBps: 1250, PlatformFeeBps: 200, FeeRecipient: treasury},
		MinInvestment:          minInvestment,
		InvestmentPeriod:       period,
		AssetID:                assetID,
		InvariantCheckInterval: 1,
	}
}

func newHarness(t *testing.T, cfg core.Config) *harness {
	t.Helper()
	h := &harness{
		clock:   testutil.NewFakeClock(testutil.Epoch),
		payer:   transfer.NewMemoryPayer(),
		persist: make(chan core.CoreOutput, 1024),
		proj:    make(chan core.CoreOutput, 1024),
	}
	v, err := core.New(cfg, core.Deps{
		Clock:          h.clock,
		Payer:          h.payer,
		Logger:         zerolog.Nop(),
		PersistChan:    h.persist,
		ProjectionChan: h.proj,
	})
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	h.vault = v
	return h
}

func newTestVault(t *testing.T) *harness {
	return newHarness(t, testConfig())
}

func (h *harness) mustInvest(t *testing.T, account common.Address, amount int64) core.InvestResult {
	t.Helper()
	res, err := h.vault.Invest(context.Background(), core.InvestRequest{Account: account, Amount: amount})
	if err != nil {
		t.Fatalf("Invest(%s, %d): %v", account.Hex(), amount, err)
	}
	return res
}

func (h *harness) mustFund(t *testing.T, amount int64) {
	t.Helper()
	if _, err := h.vault.DepositFunds(context.Background(), owner, amount); err != nil {
		t.Fatalf("DepositFunds: %v", err)
	}
}

func (h *harness) drain() []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case out := <-h.persist:
			outs = append(outs, out)
		default:
			return outs
		}
	}
}

func expectKind(t *testing.T, err error, target error, kind core.ErrorKind) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("got error %v, want %v", err, target)
	}
	if got := core.KindOf(err); got != kind {
		t.Errorf("kind: got %s, want %s", got, kind)
	}
}

// ============================================================================
// Test: Invest
// ============================================================================

func TestInvest_BelowMinimumRejected(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()

	_, err := h.vault.Invest(ctx, core.InvestRequest{Account: alice, Amount: minInvestment - 1})
	expectKind(t, err, core.ErrBelowMinimum, core.KindValidation)

	stats := h.vault.GetPoolStats(ctx)
	if stats.TotalInvested != 0 || stats.TotalActiveInvestments != 0 || stats.CurrentBalance != 0 {
		t.Errorf("rejected invest changed state: %+v", stats)
	}
	if stats.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", stats.Sequence)
	}
	if len(h.drain()) != 0 {
		t.Error("rejected invest must not emit")
	}
}

func TestInvest_AtMinimumAccepted(t *testing.T) {
	h := newTestVault(t)

	res := h.mustInvest(t, alice, minInvestment)
	if res.Index != 0 {
		t.Errorf("index: got %d, want 0", res.Index)
	}
	if !res.MaturityTime.Equal(testutil.Epoch.Add(period)) {
		t.Errorf("maturity: got %v, want %v", res.MaturityTime, testutil.Epoch.Add(period))
	}
	// 0.004 * 12.5% = 0.0005 interest, fee 0.00001, payout 0.00449
	if res.EstimatedReturn != 449_000 {
		t.Errorf("estimated return: got %d, want 449_000", res.EstimatedReturn)
	}
}

func TestInvest_ZeroAccountRejected(t *testing.T) {
	h := newTestVault(t)
	_, err := h.vault.Invest(context.Background(), core.InvestRequest{Amount: 1_000_000})
	expectKind(t, err, core.ErrInvalidAddress, core.KindValidation)
}

func TestInvest_DuplicateRequestIDRejected(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()
	req := core.InvestRequest{Account: alice, Amount: 1_000_000, RequestID: "req-1"}

	if _, err := h.vault.Invest(ctx, req); err != nil {
		t.Fatalf("first invest: %v", err)
	}
	_, err := h.vault.Invest(ctx, req)
	expectKind(t, err, core.ErrDuplicateRequest, core.KindState)

	if got := h.vault.GetUserInvestments(ctx, alice).TotalCount; got != 1 {
		t.Errorf("records: got %d, want 1", got)
	}
}

func TestInvest_TwoAccountsAggregate(t *testing.T) {
	h := newTestVault(t)

	h.mustInvest(t, alice, 1_000_000)
	h.mustInvest(t, bob, 2_000_000)

	stats := h.vault.GetPoolStats(context.Background())
	if stats.TotalInvested != 3_000_000 {
		t.Errorf("totalInvested: got %d, want 3_000_000", stats.TotalInvested)
	}
	if stats.TotalActiveInvestments != 2 {
		t.Errorf("totalActiveInvestments: got %d, want 2", stats.TotalActiveInvestments)
	}
	if stats.CurrentBalance != 3_000_000 {
		t.Errorf("currentBalance: got %d, want 3_000_000", stats.CurrentBalance)
	}
}

func TestInvest_ConcurrentCallsSerialize(t *testing.T) {
	h := newTestVault(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			account := alice
			if i%2 == 1 {
				account = bob
			}
			if _, err := h.vault.Invest(context.Background(), core.InvestRequest{Account: account, Amount: 1_000_000}); err != nil {
				t.Errorf("invest: %v", err)
			}
		}(i)
	}
	wg.Wait()

	stats := h.vault.GetPoolStats(context.Background())
	if stats.TotalInvested != 50_000_000 || stats.TotalActiveInvestments != 50 {
		t.Errorf("got invested=%d active=%d", stats.TotalInvested, stats.TotalActiveInvestments)
	}
	if err := h.vault.CheckInvariants(context.Background()); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

// ============================================================================
// Test: Withdraw
// ============================================================================

func TestWithdraw_ReferenceScenario(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()

	h.mustFund(t, 1_000_000)
	h.mustInvest(t, alice, 1_000_000)
	h.clock.Advance(period)

	res, err := h.vault.Withdraw(ctx, alice, 0)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if res.Payout != 1_122_500 {
		t.Errorf("payout: got %d, want 1_122_500", res.Payout)
	}
	if res.Fee != 2_500 {
		t.Errorf("fee: got %d, want 2_500", res.Fee)
	}
	if got := h.payer.Received(alice); got != 1_122_500 {
		t.Errorf("alice received %d", got)
	}
	if got := h.payer.Received(treasury); got != 2_500 {
		t.Errorf("treasury received %d", got)
	}

	stats := h.vault.GetPoolStats(ctx)
	if stats.CurrentBalance != 2_000_000-1_125_000 {
		t.Errorf("balance: got %d, want %d", stats.CurrentBalance, 2_000_000-1_125_000)
	}
	if stats.TotalActiveInvestments != 0 {
		t.Errorf("active: got %d, want 0", stats.TotalActiveInvestments)
	}
	if stats.TotalInvested != 1_000_000 {
		t.Errorf("totalInvested must not decrease: got %d", stats.TotalInvested)
	}

	view, err := h.vault.GetInvestment(ctx, alice, 0)
	if err != nil {
		t.Fatalf("GetInvestment: %v", err)
	}
	if !view.Withdrawn || !view.WithdrawnAt.Equal(h.clock.Now()) {
		t.Errorf("record not marked withdrawn: %+v", view)
	}
}

func TestWithdraw_BeforeMaturityRejected(t *testing.T) {
	h := newTestVault(t)
	h.mustFund(t, 1_000_000)
	h.mustInvest(t, alice, 1_000_000)

	h.clock.Advance(period - time.Second)
	_, err := h.vault.Withdraw(context.Background(), alice, 0)
	expectKind(t, err, core.ErrNotMatured, core.KindState)

	h.clock.Advance(time.Second)
	if _, err := h.vault.Withdraw(context.Background(), alice, 0); err != nil {
		t.Errorf("withdraw at maturity: %v", err)
	}
}

func TestWithdraw_DoubleWithdrawRejected(t *testing.T) {
	h := newTestVault(t)
	h.mustFund(t, 5_000_000)
	h.mustInvest(t, alice, 1_000_000)
	h.clock.Advance(period)

	if _, err := h.vault.Withdraw(context.Background(), alice, 0); err != nil {
		t.Fatalf("first withdraw: %v", err)
	}
	balance := h.vault.GetBalance(context.Background())

	_, err := h.vault.Withdraw(context.Background(), alice, 0)
	expectKind(t, err, core.ErrAlreadyWithdrawn, core.KindState)

	if h.vault.GetBalance(context.Background()) != balance {
		t.Error("second withdraw changed the balance")
	}
	if len(h.payer.Payments()) != 1 {
		t.Errorf("payments: got %d, want 1", len(h.payer.Payments()))
	}
}

func TestWithdraw_InvalidIndexAndCrossAccount(t *testing.T) {
	h := newTestVault(t)
	h.mustInvest(t, alice, 1_000_000)
	h.clock.Advance(period)

	_, err := h.vault.Withdraw(context.Background(), alice, 1)
	expectKind(t, err, core.ErrInvalidIndex, core.KindValidation)

	_, err = h.vault.Withdraw(context.Background(), alice, -1)
	expectKind(t, err, core.ErrInvalidIndex, core.KindValidation)

	// bob has no index space of his own; alice's index 0 is not reachable
	_, err = h.vault.Withdraw(context.Background(), bob, 0)
	expectKind(t, err, core.ErrInvalidIndex, core.KindValidation)
}

func TestWithdraw_InsufficientPoolRejected(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()
	h.mustInvest(t, alice, 1_000_000)
	h.clock.Advance(period)

	// principal alone is in the pool; interest is not covered
	_, err := h.vault.Withdraw(ctx, alice, 0)
	expectKind(t, err, core.ErrInsufficientPoolBalance, core.KindResource)

	view, _ := h.vault.GetInvestment(ctx, alice, 0)
	if view.Withdrawn {
		t.Error("record must stay active after solvency rejection")
	}
	if h.vault.GetBalance(ctx) != 1_000_000 {
		t.Error("balance must be unchanged")
	}
}

func TestWithdraw_UsesRateAtWithdrawalTime(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()
	h.mustFund(t, 5_000_000)
	h.mustInvest(t, alice, 1_000_000)

	if err := h.vault.SetInterestRate(ctx, owner, 2000); err != nil {
		t.Fatalf("SetInterestRate: %v", err)
	}
	h.clock.Advance(period)

	res, err := h.vault.Withdraw(ctx, alice, 0)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	// interest 200_000, fee 4_000
	if res.Payout != 1_196_000 || res.Fee != 4_000 {
		t.Errorf("got payout=%d fee=%d, want 1_196_000 and 4_000", res.Payout, res.Fee)
	}
}

func TestWithdraw_AllowedWhilePaused(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()
	h.mustFund(t, 1_000_000)
	h.mustInvest(t, alice, 1_000_000)
	h.clock.Advance(period)

	if err := h.vault.Pause(ctx, owner); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := h.vault.Withdraw(ctx, alice, 0); err != nil {
		t.Errorf("withdraw while paused: %v", err)
	}
}

// ============================================================================
// Test: Transfer failure and reentrancy
// ============================================================================

func TestWithdraw_TransferFailureRollsBack(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()
	h.mustFund(t, 1_000_000)
	h.mustInvest(t, alice, 1_000_000)
	h.clock.Advance(period)
	h.drain()

	before := h.vault.GetPoolStats(ctx)
	hashBefore := h.vault.GetStateHash()

	h.payer.FailWith(errors.New("custody offline"))
	_, err := h.vault.Withdraw(ctx, alice, 0)
	expectKind(t, err, core.ErrTransferFailed, core.KindTransfer)

	after := h.vault.GetPoolStats(ctx)
	if after != before {
		t.Errorf("state changed after failed transfer:\nbefore %+v\nafter  %+v", before, after)
	}
	if h.vault.GetStateHash() != hashBefore {
		t.Error("state hash advanced after failed transfer")
	}
	view, _ := h.vault.GetInvestment(ctx, alice, 0)
	if view.Withdrawn {
		t.Error("withdrawn flag must be restored")
	}
	if len(h.drain()) != 0 {
		t.Error("failed withdraw must not emit")
	}
	if err := h.vault.CheckInvariants(ctx); err != nil {
		t.Errorf("invariants after rollback: %v", err)
	}

	h.payer.FailWith(nil)
	if _, err := h.vault.Withdraw(ctx, alice, 0); err != nil {
		t.Errorf("retry after recovery: %v", err)
	}
}

func TestWithdraw_ReentrantWithdrawRejected(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()
	h.mustFund(t, 5_000_000)
	h.mustInvest(t, alice, 1_000_000)
	h.clock.Advance(period)

	var (
		reentrantErr      error
		balanceInCallback int64
		calls             int
	)
	h.payer.OnReceive(func(cbCtx context.Context, legs []core.Transfer) error {
		calls++
		if calls > 1 {
			return nil
		}
		balanceInCallback = h.vault.GetBalance(cbCtx)
		_, reentrantErr = h.vault.Withdraw(cbCtx, alice, 0)
		return nil
	})

	res, err := h.vault.Withdraw(ctx, alice, 0)
	if err != nil {
		t.Fatalf("outer withdraw: %v", err)
	}

	expectKind(t, reentrantErr, core.ErrAlreadyWithdrawn, core.KindState)
	if balanceInCallback != 6_000_000-1_125_000 {
		t.Errorf("callback saw balance %d, want already reduced %d", balanceInCallback, 6_000_000-1_125_000)
	}
	if got := h.payer.Received(alice); got != res.Payout {
		t.Errorf("alice received %d, want exactly one payout %d", got, res.Payout)
	}
}

func TestWithdraw_ReentrantMutationRejected(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()
	h.mustFund(t, 5_000_000)
	h.mustInvest(t, alice, 1_000_000)
	h.mustInvest(t, alice, 1_000_000)
	h.clock.Advance(period)

	var investErr, otherIndexErr error
	h.payer.OnReceive(func(cbCtx context.Context, legs []core.Transfer) error {
		h.payer.OnReceive(nil)
		_, investErr = h.vault.Invest(cbCtx, core.InvestRequest{Account: bob, Amount: 1_000_000})
		_, otherIndexErr = h.vault.Withdraw(cbCtx, alice, 1)
		return nil
	})

	if _, err := h.vault.Withdraw(ctx, alice, 0); err != nil {
		t.Fatalf("outer withdraw: %v", err)
	}
	expectKind(t, investErr, core.ErrReentrantCall, core.KindState)
	expectKind(t, otherIndexErr, core.ErrReentrantCall, core.KindState)

	view, _ := h.vault.GetInvestment(ctx, alice, 1)
	if view.Withdrawn {
		t.Error("reentrant withdrawal of another index must not apply")
	}
}

// ============================================================================
// Test: WithdrawAll
// ============================================================================

func TestWithdrawAll_OnlyMaturedRecords(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()
	h.mustFund(t, 10_000_000)

	h.mustInvest(t, alice, 1_000_000)
	h.mustInvest(t, alice, 2_000_000)
	h.clock.Advance(24 * time.Hour)
	h.mustInvest(t, alice, 4_000_000)
	h.clock.Advance(period - 24*time.Hour)

	res, err := h.vault.WithdrawAll(ctx, alice)
	if err != nil {
		t.Fatalf("WithdrawAll: %v", err)
	}
	if len(res.Indices) != 2 || res.Indices[0] != 0 || res.Indices[1] != 1 {
		t.Errorf("indices: got %v, want [0 1]", res.Indices)
	}
	// 1_122_500 + 2_245_000
	if res.Payout != 3_367_500 || res.Fee != 7_500 {
		t.Errorf("got payout=%d fee=%d", res.Payout, res.Fee)
	}
	if n := len(h.payer.Payments()); n != 1 {
		t.Errorf("aggregated payments: got %d, want 1", n)
	}

	summary := h.vault.GetUserInvestments(ctx, alice)
	if summary.ActiveCount != 1 || summary.TotalCount != 3 {
		t.Errorf("summary: %+v", summary)
	}
}

func TestWithdrawAll_NothingEligible(t *testing.T) {
	h := newTestVault(t)
	h.mustInvest(t, alice, 1_000_000)

	_, err := h.vault.WithdrawAll(context.Background(), alice)
	expectKind(t, err, core.ErrNothingToWithdraw, core.KindState)

	_, err = h.vault.WithdrawAll(context.Background(), bob)
	expectKind(t, err, core.ErrNothingToWithdraw, core.KindState)
}

func TestWithdrawAll_AllOrNothing(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()
	// Enough to cover one record's interest but not both
	h.mustFund(t, 150_000)
	h.mustInvest(t, alice, 1_000_000)
	h.mustInvest(t, alice, 1_000_000)
	h.clock.Advance(period)

	_, err := h.vault.WithdrawAll(ctx, alice)
	expectKind(t, err, core.ErrInsufficientPoolBalance, core.KindResource)

	for i := 0; i < 2; i++ {
		view, _ := h.vault.GetInvestment(ctx, alice, i)
		if view.Withdrawn {
			t.Errorf("index %d modified by rejected WithdrawAll", i)
		}
	}

	// a single record is still individually coverable
	if _, err := h.vault.Withdraw(ctx, alice, 0); err != nil {
		t.Errorf("single withdraw: %v", err)
	}
}

// ============================================================================
// Test: Admin
// ============================================================================

func TestSetInterestRate_NonOwnerRejected(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()

	err := h.vault.SetInterestRate(ctx, alice, 5000)
	expectKind(t, err, core.ErrNotOwner, core.KindAuthorization)

	if got := h.vault.GetPoolStats(ctx).InterestRateBps; got != 1250 {
		t.Errorf("rate changed to %d", got)
	}
}

func TestSetPlatformFee_Cap(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()

	err := h.vault.SetPlatformFee(ctx, owner, 501, treasury)
	expectKind(t, err, core.ErrFeeTooHigh, core.KindValidation)

	if err := h.vault.SetPlatformFee(ctx, owner, 500, bob); err != nil {
		t.Fatalf("500 bps: %v", err)
	}
	stats := h.vault.GetPoolStats(ctx)
	if stats.PlatformFeeBps != 500 || stats.FeeRecipient != bob {
		t.Errorf("got fee=%d recipient=%s", stats.PlatformFeeBps, stats.FeeRecipient.Hex())
	}

	err = h.vault.SetPlatformFee(ctx, alice, 100, alice)
	expectKind(t, err, core.ErrNotOwner, core.KindAuthorization)
}

func TestPause_BlocksInvestOnly(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()

	err := h.vault.Pause(ctx, alice)
	expectKind(t, err, core.ErrNotOwner, core.KindAuthorization)

	if err := h.vault.Pause(ctx, owner); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	expectKind(t, h.vault.Pause(ctx, owner), core.ErrAlreadyPaused, core.KindState)

	_, err = h.vault.Invest(ctx, core.InvestRequest{Account: alice, Amount: 1_000_000})
	expectKind(t, err, core.ErrPaused, core.KindState)

	if _, err := h.vault.DepositFunds(ctx, owner, 1_000); err != nil {
		t.Errorf("funding while paused: %v", err)
	}

	if err := h.vault.Unpause(ctx, owner); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	h.mustInvest(t, alice, 1_000_000)
}

func TestDepositFunds_OwnerOnlyByDefault(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()

	_, err := h.vault.DepositFunds(ctx, alice, 1_000)
	expectKind(t, err, core.ErrNotOwner, core.KindAuthorization)

	_, err = h.vault.DepositFunds(ctx, owner, 0)
	expectKind(t, err, core.ErrInvalidAmount, core.KindValidation)

	balance, err := h.vault.DepositFunds(ctx, owner, 1_000)
	if err != nil || balance != 1_000 {
		t.Errorf("got balance=%d err=%v", balance, err)
	}
}

func TestDepositFunds_OpenFunding(t *testing.T) {
	cfg := testConfig()
	cfg.OpenFunding = true
	h := newHarness(t, cfg)

	if _, err := h.vault.DepositFunds(context.Background(), alice, 1_000); err != nil {
		t.Errorf("open funding: %v", err)
	}
}

func TestTransferOwnership(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()

	if err := h.vault.TransferOwnership(ctx, owner, bob); err != nil {
		t.Fatalf("TransferOwnership: %v", err)
	}
	expectKind(t, h.vault.SetInterestRate(ctx, owner, 1), core.ErrNotOwner, core.KindAuthorization)
	if err := h.vault.SetInterestRate(ctx, bob, 1); err != nil {
		t.Errorf("new owner: %v", err)
	}
}

// ============================================================================
// Test: Queries
// ============================================================================

func TestGetUserInvestments_Summary(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()
	h.mustFund(t, 10_000_000)

	h.mustInvest(t, alice, 1_000_000)
	h.mustInvest(t, alice, 2_000_000)
	h.clock.Advance(period)
	h.mustInvest(t, alice, 4_000_000)
	if _, err := h.vault.Withdraw(ctx, alice, 0); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	s := h.vault.GetUserInvestments(ctx, alice)
	if s.TotalCount != 3 || s.ActiveCount != 2 {
		t.Errorf("counts: %+v", s)
	}
	if s.TotalInvestedAmount != 7_000_000 {
		t.Errorf("invested: got %d, want 7_000_000", s.TotalInvestedAmount)
	}
	// only index 1 is matured and active
	if s.TotalAvailableToWithdraw != 2_245_000 {
		t.Errorf("available: got %d, want 2_245_000", s.TotalAvailableToWithdraw)
	}

	views := h.vault.ListInvestments(ctx, alice)
	if len(views) != 3 || !views[0].Withdrawn || views[2].Matured {
		t.Errorf("list: %+v", views)
	}

	empty := h.vault.GetUserInvestments(ctx, bob)
	if empty.TotalCount != 0 || empty.TotalAvailableToWithdraw != 0 {
		t.Errorf("unknown account: %+v", empty)
	}
}

func TestGetInvestment_InvalidIndex(t *testing.T) {
	h := newTestVault(t)
	_, err := h.vault.GetInvestment(context.Background(), alice, 0)
	expectKind(t, err, core.ErrInvalidIndex, core.KindValidation)
}

// ============================================================================
// Test: Outputs, hash chain, snapshot and replay
// ============================================================================

func TestOutputs_HashChain(t *testing.T) {
	h := newTestVault(t)
	h.mustFund(t, 1_000_000)
	h.mustInvest(t, alice, 1_000_000)
	h.clock.Advance(period)
	if _, err := h.vault.Withdraw(context.Background(), alice, 0); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	outs := h.drain()
	if len(outs) != 3 {
		t.Fatalf("outputs: got %d, want 3", len(outs))
	}
	if outs[0].Envelope.PrevHash != core.GenesisHash() {
		t.Error("first envelope must chain from genesis")
	}
	for i, out := range outs {
		if out.Envelope.Sequence != int64(i+1) {
			t.Errorf("output %d: sequence %d", i, out.Envelope.Sequence)
		}
		if i > 0 && out.Envelope.PrevHash != outs[i-1].Envelope.StateHash {
			t.Errorf("output %d: broken chain", i)
		}
	}

	wd, ok := outs[2].Event.(*event.Withdrawal)
	if !ok {
		t.Fatalf("last event: got %T", outs[2].Event)
	}
	if wd.Payout != 1_122_500 || wd.Fee != 2_500 || wd.FeeRecipient != treasury {
		t.Errorf("withdrawal event: %+v", wd)
	}
	if outs[2].Batch == nil || len(outs[2].Batch.Journals) != 2 {
		t.Error("withdrawal output should carry payout and fee journals")
	}
	if len(h.proj) != 3 {
		t.Errorf("projection outputs: got %d, want 3", len(h.proj))
	}
}

func runScenario(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	h.mustFund(t, 3_000_000)
	h.mustInvest(t, alice, 1_000_000)
	if _, err := h.vault.Invest(ctx, core.InvestRequest{Account: bob, Amount: 2_000_000, RequestID: "bob-1"}); err != nil {
		t.Fatalf("Invest: %v", err)
	}
	if err := h.vault.SetPlatformFee(ctx, owner, 300, treasury); err != nil {
		t.Fatalf("SetPlatformFee: %v", err)
	}
	h.clock.Advance(period)
	if _, err := h.vault.Withdraw(ctx, alice, 0); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if err := h.vault.Pause(ctx, owner); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := h.vault.WithdrawAll(ctx, bob); err != nil {
		t.Fatalf("WithdrawAll: %v", err)
	}
}

func TestReplay_ReproducesState(t *testing.T) {
	live := newTestVault(t)
	runScenario(t, live)
	outs := live.drain()

	replica := newTestVault(t)
	for _, out := range outs {
		if err := replica.vault.ApplyEvent(out.Envelope); err != nil {
			t.Fatalf("ApplyEvent seq %d: %v", out.Envelope.Sequence, err)
		}
	}

	ctx := context.Background()
	if replica.vault.GetStateHash() != live.vault.GetStateHash() {
		t.Error("replayed state hash differs")
	}
	if replica.vault.GetPoolStats(ctx) != live.vault.GetPoolStats(ctx) {
		t.Errorf("stats differ:\nlive    %+v\nreplica %+v", live.vault.GetPoolStats(ctx), replica.vault.GetPoolStats(ctx))
	}
	if len(replica.payer.Payments()) != 0 {
		t.Error("replay must not pay out")
	}

	// request IDs seen during replay stay deduplicated
	if err := replica.vault.Unpause(ctx, owner); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	_, err := replica.vault.Invest(ctx, core.InvestRequest{Account: bob, Amount: 2_000_000, RequestID: "bob-1"})
	expectKind(t, err, core.ErrDuplicateRequest, core.KindState)
}

func TestReplay_RejectsTamperedHash(t *testing.T) {
	live := newTestVault(t)
	live.mustInvest(t, alice, 1_000_000)
	outs := live.drain()

	env := *outs[0].Envelope
	env.StateHash[0] ^= 0xff

	replica := newTestVault(t)
	if err := replica.vault.ApplyEvent(&env); err == nil {
		t.Error("expected hash mismatch")
	}
}

func TestReplay_RejectsSequenceGap(t *testing.T) {
	live := newTestVault(t)
	live.mustInvest(t, alice, 1_000_000)
	live.mustInvest(t, alice, 1_000_000)
	outs := live.drain()

	replica := newTestVault(t)
	if err := replica.vault.ApplyEvent(outs[1].Envelope); err == nil {
		t.Error("expected sequence error")
	}
}

func TestSnapshot_RestoreThenReplay(t *testing.T) {
	live := newTestVault(t)
	ctx := context.Background()

	live.mustFund(t, 3_000_000)
	live.mustInvest(t, alice, 1_000_000)
	snap := live.vault.CreateSnapshotState(ctx)
	live.drain()

	live.clock.Advance(period)
	if _, err := live.vault.Withdraw(ctx, alice, 0); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	tail := live.drain()

	restored := newTestVault(t)
	restored.vault.RestoreFromSnapshot(snap)
	if restored.vault.GetSequence() != snap.Sequence+1 {
		t.Errorf("sequence after restore: got %d", restored.vault.GetSequence())
	}
	for _, out := range tail {
		if err := restored.vault.ApplyEvent(out.Envelope); err != nil {
			t.Fatalf("ApplyEvent: %v", err)
		}
	}

	if restored.vault.GetStateHash() != live.vault.GetStateHash() {
		t.Error("restored state hash differs")
	}
	if err := restored.vault.CheckInvariants(ctx); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

// ============================================================================
// Test: construction
// ============================================================================

func TestNew_RejectsBadConfig(t *testing.T) {
	deps := core.Deps{Clock: core.SystemClock{}, Payer: transfer.NewMemoryPayer(), Logger: zerolog.Nop()}

	cfg := testConfig()
	cfg.Owner = common.Address{}
	if _, err := core.New(cfg, deps); err == nil {
		t.Error("expected error for zero owner")
	}

	cfg = testConfig()
	cfg.Rates.PlatformFeeBps = 600
	if _, err := core.New(cfg, deps); err == nil {
		t.Error("expected error for fee above cap")
	}

	cfg = testConfig()
	cfg.InvestmentPeriod = 0
	if _, err := core.New(cfg, deps); err == nil {
		t.Error("expected error for zero period")
	}

	if _, err := core.New(testConfig(), core.Deps{Clock: core.SystemClock{}}); err == nil {
		t.Error("expected error for missing payer")
	}
}

// ============================================================================
// Test: Amount limits
// ============================================================================

// maxPrincipal is the largest principal that still settles at the highest
// interest rate the owner can set: principal * 11 fits in int64.
const maxPrincipal = math.MaxInt64 / 11

func TestInvest_UnsettleableAmountRejected(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()
	before := h.vault.GetPoolStats(ctx)
	hashBefore := h.vault.GetStateHash()

	for _, amount := range []int64{math.MaxInt64/2 + 1, math.MaxInt64 - 1_000_000_000, math.MaxInt64, maxPrincipal + 1} {
		_, err := h.vault.Invest(ctx, core.InvestRequest{Account: alice, Amount: amount})
		expectKind(t, err, core.ErrAmountTooLarge, core.KindValidation)
	}

	if after := h.vault.GetPoolStats(ctx); after != before {
		t.Errorf("rejected invest changed state:\nbefore %+v\nafter  %+v", before, after)
	}
	if h.vault.GetStateHash() != hashBefore {
		t.Error("state hash advanced after rejected invest")
	}
	if len(h.drain()) != 0 {
		t.Error("rejected invest must not emit")
	}

	res := h.mustInvest(t, alice, maxPrincipal)
	if res.EstimatedReturn <= maxPrincipal {
		t.Errorf("estimated return %d must exceed principal %d", res.EstimatedReturn, int64(maxPrincipal))
	}
}

func TestInvest_TotalInvestedOverflowRejected(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()

	// 11 * maxPrincipal <= MaxInt64 < 12 * maxPrincipal
	for i := 0; i < 11; i++ {
		h.mustInvest(t, alice, maxPrincipal)
	}
	before := h.vault.GetPoolStats(ctx)
	hashBefore := h.vault.GetStateHash()
	h.drain()

	_, err := h.vault.Invest(ctx, core.InvestRequest{Account: bob, Amount: maxPrincipal})
	expectKind(t, err, core.ErrAmountTooLarge, core.KindValidation)

	if after := h.vault.GetPoolStats(ctx); after != before {
		t.Errorf("rejected invest changed state:\nbefore %+v\nafter  %+v", before, after)
	}
	if h.vault.GetStateHash() != hashBefore {
		t.Error("state hash advanced after rejected invest")
	}
	if n := len(h.vault.ListInvestments(ctx, bob)); n != 0 {
		t.Errorf("bob holds %d records, want 0", n)
	}
	if len(h.drain()) != 0 {
		t.Error("rejected invest must not emit")
	}
	if err := h.vault.CheckInvariants(ctx); err != nil {
		t.Errorf("invariants: %v", err)
	}

	// the vault keeps serving after the rejection
	if err := h.vault.Pause(ctx, owner); err != nil {
		t.Errorf("pause after rejection: %v", err)
	}
}

func TestDepositFunds_OverflowRejected(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()
	h.mustFund(t, math.MaxInt64-10)
	hashBefore := h.vault.GetStateHash()

	_, err := h.vault.DepositFunds(ctx, owner, 11)
	expectKind(t, err, core.ErrAmountTooLarge, core.KindValidation)
	_, err = h.vault.Invest(ctx, core.InvestRequest{Account: alice, Amount: minInvestment})
	expectKind(t, err, core.ErrAmountTooLarge, core.KindValidation)

	if got := h.vault.GetBalance(ctx); got != math.MaxInt64-10 {
		t.Errorf("balance: got %d, want %d", got, int64(math.MaxInt64-10))
	}
	if h.vault.GetStateHash() != hashBefore {
		t.Error("state hash advanced after rejected deposit")
	}
	if stats := h.vault.GetPoolStats(ctx); stats.TotalInvested != 0 || stats.TotalActiveInvestments != 0 {
		t.Errorf("rejected invest recorded: %+v", stats)
	}

	balance, err := h.vault.DepositFunds(ctx, owner, 10)
	if err != nil {
		t.Fatalf("exact fit: %v", err)
	}
	if balance != math.MaxInt64 {
		t.Errorf("balance: got %d", balance)
	}
}

func TestSetInterestRate_CapEnforced(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()

	err := h.vault.SetInterestRate(ctx, owner, math.MaxInt64/1000)
	expectKind(t, err, core.ErrRateTooHigh, core.KindValidation)
	err = h.vault.SetInterestRate(ctx, owner, fpmath.MaxInterestRateBps+1)
	expectKind(t, err, core.ErrRateTooHigh, core.KindValidation)
	if got := h.vault.GetPoolStats(ctx).InterestRateBps; got != 1250 {
		t.Fatalf("rate changed to %d", got)
	}

	if err := h.vault.SetInterestRate(ctx, owner, fpmath.MaxInterestRateBps); err != nil {
		t.Fatalf("rate at cap: %v", err)
	}

	// 1000% interest on 10.0, 2% of it to the platform
	res := h.mustInvest(t, alice, 1_000_000_000)
	if res.EstimatedReturn != 10_800_000_000 {
		t.Errorf("estimated return: got %d, want %d", res.EstimatedReturn, int64(10_800_000_000))
	}

	h.mustFund(t, 10_000_000_000)
	h.clock.Advance(period)
	out, err := h.vault.Withdraw(ctx, alice, 0)
	if err != nil {
		t.Fatalf("withdraw at cap: %v", err)
	}
	if out.Payout != 10_800_000_000 || out.Fee != 200_000_000 {
		t.Errorf("got payout=%d fee=%d", out.Payout, out.Fee)
	}
}

func TestWithdrawAll_AggregateOverflowRejected(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()
	h.mustInvest(t, alice, maxPrincipal)
	h.mustInvest(t, alice, maxPrincipal)
	// each record now needs 11 * maxPrincipal, the pair more than int64
	if err := h.vault.SetInterestRate(ctx, owner, fpmath.MaxInterestRateBps); err != nil {
		t.Fatalf("rate at cap: %v", err)
	}
	h.clock.Advance(period)
	hashBefore := h.vault.GetStateHash()

	_, err := h.vault.WithdrawAll(ctx, alice)
	expectKind(t, err, core.ErrInsufficientPoolBalance, core.KindResource)
	for i := 0; i < 2; i++ {
		view, _ := h.vault.GetInvestment(ctx, alice, i)
		if view.Withdrawn {
			t.Errorf("index %d modified by rejected WithdrawAll", i)
		}
	}
	if h.vault.GetStateHash() != hashBefore {
		t.Error("state hash advanced after rejected WithdrawAll")
	}
	if sum := h.vault.GetUserInvestments(ctx, alice); sum.TotalAvailableToWithdraw != math.MaxInt64 {
		t.Errorf("available must saturate, got %d", sum.TotalAvailableToWithdraw)
	}

	// one record at a time settles once the pool is topped up
	h.mustFund(t, 9*maxPrincipal)
	res, err := h.vault.Withdraw(ctx, alice, 0)
	if err != nil {
		t.Fatalf("single withdraw: %v", err)
	}
	if res.Payout+res.Fee != 11*maxPrincipal {
		t.Errorf("required: got %d, want %d", res.Payout+res.Fee, int64(11*maxPrincipal))
	}
	if err := h.vault.CheckInvariants(ctx); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

// ============================================================================
// Test: Payout refs and payer failures
// ============================================================================

// refRecorder records the ref of every Pay call, accepted or not
type refRecorder struct {
	core.Payer
	refs []string
}

func (r *refRecorder) Pay(ctx context.Context, ref string, legs []core.Transfer) error {
	r.refs = append(r.refs, ref)
	return r.Payer.Pay(ctx, ref, legs)
}

func TestWithdraw_RetryAfterFailedPayoutReusesRef(t *testing.T) {
	clock := testutil.NewFakeClock(testutil.Epoch)
	mem := transfer.NewMemoryPayer()
	rec := &refRecorder{Payer: mem}
	v, err := core.New(testConfig(), core.Deps{
		Clock:          clock,
		Payer:          rec,
		Logger:         zerolog.Nop(),
		PersistChan:    make(chan core.CoreOutput, 64),
		ProjectionChan: make(chan core.CoreOutput, 64),
	})
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	ctx := context.Background()
	if _, err := v.DepositFunds(ctx, owner, 5_000_000); err != nil {
		t.Fatalf("fund: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := v.Invest(ctx, core.InvestRequest{Account: alice, Amount: 1_000_000}); err != nil {
			t.Fatalf("invest: %v", err)
		}
	}
	clock.Advance(period)

	// the payout may have landed even though Pay reported an error
	mem.FailWith(context.DeadlineExceeded)
	_, err = v.Withdraw(ctx, alice, 0)
	expectKind(t, err, core.ErrTransferFailed, core.KindTransfer)

	mem.FailWith(nil)
	if _, err := v.Withdraw(ctx, alice, 0); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := v.Withdraw(ctx, alice, 1); err != nil {
		t.Fatalf("second record: %v", err)
	}

	if len(rec.refs) != 3 {
		t.Fatalf("got %d Pay calls, want 3", len(rec.refs))
	}
	if rec.refs[0] != rec.refs[1] {
		t.Errorf("retry used a new ref: %s then %s", rec.refs[0], rec.refs[1])
	}
	if rec.refs[2] == rec.refs[0] {
		t.Error("different records must not share a ref")
	}
}

func TestWithdraw_PayerPanicRollsBack(t *testing.T) {
	h := newTestVault(t)
	ctx := context.Background()
	h.mustFund(t, 5_000_000)
	h.mustInvest(t, alice, 1_000_000)
	h.clock.Advance(period)
	h.drain()
	hashBefore := h.vault.GetStateHash()

	h.payer.OnReceive(func(context.Context, []core.Transfer) error {
		panic("custody client bug")
	})
	_, err := h.vault.Withdraw(ctx, alice, 0)
	expectKind(t, err, core.ErrTransferFailed, core.KindTransfer)

	if h.vault.GetStateHash() != hashBefore {
		t.Error("state hash advanced after payer panic")
	}
	if view, _ := h.vault.GetInvestment(ctx, alice, 0); view.Withdrawn {
		t.Error("withdrawn flag must be restored")
	}
	if len(h.drain()) != 0 {
		t.Error("failed withdraw must not emit")
	}

	h.payer.OnReceive(nil)
	if _, err := h.vault.Invest(ctx, core.InvestRequest{Account: bob, Amount: 1_000_000}); err != nil {
		t.Errorf("invest after panic: %v", err)
	}
	if _, err := h.vault.Withdraw(ctx, alice, 0); err != nil {
		t.Errorf("withdraw after panic: %v", err)
	}
}
