package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const (
	opInvest            = "invest"
	opWithdraw          = "withdraw"
	opWithdrawAll       = "withdraw_all"
	opDepositFunds      = "deposit_funds"
	opSetInterestRate   = "set_interest_rate"
	opSetPlatformFee    = "set_platform_fee"
	opPause             = "pause"
	opUnpause           = "unpause"
	opTransferOwnership = "transfer_ownership"
)

// Config is the static configuration of a vault
type Config struct {
	Owner            common.Address
	Rates            state.RateConfig
	MinInvestment    int64
	InvestmentPeriod time.Duration
	// OpenFunding lets any address top up the pool; otherwise owner only
	OpenFunding bool
	AssetID     ledger.AssetID
	// DedupCapacity bounds the in-memory request-ID cache
	DedupCapacity int
	// InvariantCheckInterval runs the full zero-sum and active-count sweep
	// every N commits (0 disables the periodic sweep)
	InvariantCheckInterval int64
}

// Deps are the collaborators of a vault. Clock and Payer are required.
type Deps struct {
	Clock          Clock
	Payer          Payer
	Dedup          DurableDedupStore
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

// CoreOutput is emitted once per committed operation
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event
	// Batch is nil for operations that move no value
	Batch *ledger.Batch
}

// Vault is the time-locked investment pool. Every public method is
// serialized by one mutex; the payout transfer is the last step of a
// withdrawal and every mutation before it is undone if it fails.
type Vault struct {
	mu       sync.Mutex
	inFlight bool

	cfg     Config
	clock   Clock
	payer   Payer
	log     zerolog.Logger
	metrics *observability.Metrics

	sequence    int64
	hasher      *StateHasher
	balances    *ledger.BalanceTracker
	journalGen  *ledger.JournalGenerator
	validator   *ledger.InvariantValidator
	book        *ledger.InvestmentBook
	pool        state.PoolState
	rates       *state.RateManager
	access      *state.AccessControl
	pause       state.PauseSwitch
	idempotency *IdempotencyChecker

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func New(cfg Config, deps Deps) (*Vault, error) {
	if deps.Clock == nil {
		return nil, errors.New("vault: clock is required")
	}
	if deps.Payer == nil {
		return nil, errors.New("vault: payer is required")
	}
	if cfg.MinInvestment <= 0 {
		return nil, fmt.Errorf("vault: min investment must be positive, got %d", cfg.MinInvestment)
	}
	if cfg.InvestmentPeriod <= 0 {
		return nil, fmt.Errorf("vault: investment period must be positive, got %s", cfg.InvestmentPeriod)
	}
	if _, ok := ledger.GetAssetName(cfg.AssetID); !ok {
		return nil, fmt.Errorf("vault: unknown asset id %d", cfg.AssetID)
	}

	access, err := state.NewAccessControl(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	rates, err := state.NewRateManager(cfg.Rates)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	capacity := cfg.DedupCapacity
	if capacity <= 0 {
		capacity = 100_000
	}

	balances := ledger.NewBalanceTracker()

	return &Vault{
		cfg:            cfg,
		clock:          deps.Clock,
		payer:          deps.Payer,
		log:            deps.Logger,
		metrics:        deps.Metrics,
		sequence:       1,
		hasher:         NewStateHasher(),
		balances:       balances,
		journalGen:     ledger.NewJournalGenerator(cfg.AssetID),
		validator:      ledger.NewInvariantValidator(balances),
		book:           ledger.NewInvestmentBook(),
		rates:          rates,
		access:         access,
		idempotency:    NewIdempotencyChecker(capacity, deps.Dedup, deps.Metrics),
		persistChan:    deps.PersistChan,
		projectionChan: deps.ProjectionChan,
	}, nil
}

// --- Serialization ---

type lockTokenKey struct{}

type lockToken struct {
	vault *Vault
	held  atomic.Bool
}

// acquire takes the vault lock unless ctx already carries this vault's
// live token, in which case the caller is re-entering from inside an
// operation (a payer callback) and already runs under the lock.
func (v *Vault) acquire(ctx context.Context) (context.Context, func()) {
	if tok, ok := ctx.Value(lockTokenKey{}).(*lockToken); ok && tok.vault == v && tok.held.Load() {
		return ctx, func() {}
	}

	v.mu.Lock()
	tok := &lockToken{vault: v}
	tok.held.Store(true)
	return context.WithValue(ctx, lockTokenKey{}, tok), func() {
		tok.held.Store(false)
		v.mu.Unlock()
	}
}

// guardReentry rejects a mutation attempted while another one is waiting
// on its payout transfer.
func (v *Vault) guardReentry() error {
	if v.inFlight {
		return ErrReentrantCall
	}
	return nil
}

// --- Commit pipeline ---

// applyBatch validates and applies journals. An unbalanced batch is a
// programming error.
// checkBatch rejects a batch that would push a ledger balance past int64.
// It runs before any effect of the operation is applied.
func (v *Vault) checkBatch(batch *ledger.Batch) error {
	if err := v.balances.CheckBatch(batch); err != nil {
		return fmt.Errorf("%w: %w", ErrAmountTooLarge, err)
	}
	return nil
}

func (v *Vault) applyBatch(batch *ledger.Batch) {
	if err := v.validator.ValidateBatchBalance(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	if err := v.balances.ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: apply batch: %v", err))
	}
}

// commit seals an applied operation: state hash, envelope, invariant
// post-checks and, when emit is set, delivery to the persist and
// projection channels.
func (v *Vault) commit(evt event.Event, batch *ledger.Batch, emit bool) *event.EventEnvelope {
	payload, err := event.Encode(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}

	hashStart := time.Now()
	digest := v.computeStateDigest(batch)
	prevHash := v.hasher.GetPrevHash()
	stateHash := v.hasher.ComputeHash(v.sequence, digest)
	if v.metrics != nil {
		v.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       v.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Account:        evt.Subject(),
		Timestamp:      evt.OccurredAt(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	if err := v.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	v.sequence++

	if emit {
		v.emit(CoreOutput{Envelope: envelope, Event: evt, Batch: batch})
	}

	v.recordState(batch)
	return envelope
}

// emit delivers an output. Persistence is a blocking send so no committed
// operation is lost; projections are best-effort and rebuilt from the log
// when they fall behind.
func (v *Vault) emit(out CoreOutput) {
	if v.persistChan != nil {
		select {
		case v.persistChan <- out:
		default:
			if v.metrics != nil {
				v.metrics.PersistBackpressure.Inc()
			}
			v.persistChan <- out
		}
	}

	if v.projectionChan != nil {
		select {
		case v.projectionChan <- out:
		default:
			if v.metrics != nil {
				v.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

// computeStateDigest serialises the state touched by an operation: the
// balances of affected accounts in path order, then the pool counters,
// rates, owner and pause flag.
func (v *Vault) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*72+96)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, v.balances.GetBalance(key))
	}

	rates := v.rates.Get()
	digest = appendInt64LE(digest, v.pool.TotalInvested)
	digest = appendInt64LE(digest, v.pool.TotalActiveInvestments)
	digest = appendInt64LE(digest, rates.InterestRateBps)
	digest = appendInt64LE(digest, rates.PlatformFeeBps)
	digest = append(digest, rates.FeeRecipient.Bytes()...)
	digest = append(digest, v.access.Owner().Bytes()...)
	if v.pause.IsPaused() {
		digest = append(digest, 1)
	} else {
		digest = append(digest, 0)
	}

	return digest
}

func appendInt64LE(buf []byte, val int64) []byte {
	return append(buf,
		byte(val),
		byte(val>>8),
		byte(val>>16),
		byte(val>>24),
		byte(val>>32),
		byte(val>>40),
		byte(val>>48),
		byte(val>>56),
	)
}

// postCheckInvariants runs after every commit. The pool balance check is
// cheap and always on; the full sweep runs every InvariantCheckInterval.
func (v *Vault) postCheckInvariants() error {
	if err := v.validator.ValidatePoolNonNegative(v.cfg.AssetID); err != nil {
		return err
	}

	interval := v.cfg.InvariantCheckInterval
	if interval > 0 && v.sequence%interval == 0 {
		if err := v.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("at seq %d: %w", v.sequence, err)
		}
		if live := v.book.CountActive(); live != v.pool.TotalActiveInvestments {
			return fmt.Errorf("at seq %d: active counter %d != live records %d",
				v.sequence, v.pool.TotalActiveInvestments, live)
		}
	}
	return nil
}

func (v *Vault) recordState(batch *ledger.Batch) {
	if v.metrics == nil {
		return
	}
	v.metrics.Sequence.Set(float64(v.sequence))
	v.metrics.PoolBalance.Set(float64(v.currentBalance()))
	v.metrics.ActiveInvestments.Set(float64(v.pool.TotalActiveInvestments))
	v.metrics.TotalInvested.Set(float64(v.pool.TotalInvested))
	if v.pause.IsPaused() {
		v.metrics.Paused.Set(1)
	} else {
		v.metrics.Paused.Set(0)
	}
	if batch != nil {
		for _, j := range batch.Journals {
			v.metrics.Journals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
}

// observe records the outcome of a public operation
func (v *Vault) observe(op string, start time.Time, err error) {
	if err != nil {
		kind := KindOf(err)
		v.log.Debug().Str("op", op).Str("kind", kind.String()).Err(err).Msg("operation rejected")
		if v.metrics != nil {
			v.metrics.OpsRejected.WithLabelValues(op, kind.String()).Inc()
		}
		return
	}
	if v.metrics != nil {
		v.metrics.OpsApplied.WithLabelValues(op).Inc()
		v.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (v *Vault) currentBalance() int64 {
	return v.balances.GetBalance(ledger.PoolAccountKey(v.cfg.AssetID))
}

func requireAddress(addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrInvalidAddress
	}
	return nil
}
