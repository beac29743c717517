package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// WorkerID names this worker's row in projections.watermark
const WorkerID = "main"

// ProjectionWorker updates projection tables from committed operations.
// The projection channel drops when full, so projections are eventually
// consistent and RebuildProjections restores them from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// LastSequence returns the last sequence the worker applied
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run consumes outputs until the channel closes or ctx is cancelled.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.Apply(ctx, output); err != nil {
				pw.log.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
			}
		}
	}
}

// Apply writes one output to the projections in a single transaction.
// Outputs at or below the watermark are ignored.
func (pw *ProjectionWorker) Apply(ctx context.Context, output core.CoreOutput) error {
	seq := output.Envelope.Sequence
	if seq <= pw.lastSeq {
		return nil
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := updateBalance(ctx, tx, j.DebitAccount.AccountPath(), uint16(j.AssetID), j.Amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
			if err := updateBalance(ctx, tx, j.CreditAccount.AccountPath(), uint16(j.AssetID), -j.Amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if err := applyInvestmentEvent(ctx, tx, output.Event, seq); err != nil {
		return fmt.Errorf("investment projection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WorkerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	pw.lastSeq = seq
	return nil
}

// updateBalance adds delta to an account's projected balance. Debits are
// positive, matching the in-memory balance tracker.
func updateBalance(ctx context.Context, tx *sql.Tx, path string, assetID uint16, delta, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, path, assetID, delta, seq)
	return err
}

func applyInvestmentEvent(ctx context.Context, tx *sql.Tx, evt event.Event, seq int64) error {
	switch e := evt.(type) {
	case *event.InvestmentMade:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.investments
				(account, idx, amount, deposit_time, maturity_time, withdrawn, last_sequence)
			VALUES ($1, $2, $3, $4, $5, FALSE, $6)
			ON CONFLICT (account, idx) DO NOTHING
		`, accountKey(e.Account), e.Index, e.Amount, e.DepositTime, e.MaturityTime, seq)
		return err

	case *event.Withdrawal:
		// Per-record amounts are only known for a single-index withdrawal;
		// a batch records its totals on the event alone.
		var payout, fee sql.NullInt64
		if len(e.Indices) == 1 {
			payout = sql.NullInt64{Int64: e.Payout, Valid: true}
			fee = sql.NullInt64{Int64: e.Fee, Valid: true}
		}
		for _, idx := range e.Indices {
			if _, err := tx.ExecContext(ctx, `
				UPDATE projections.investments
				SET withdrawn = TRUE, withdrawn_at = $3, payout = $4, fee = $5, last_sequence = $6
				WHERE account = $1 AND idx = $2
			`, accountKey(e.Account), idx, e.Timestamp, payout, fee, seq); err != nil {
				return err
			}
		}
	}
	return nil
}

func accountKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// RebuildProjections rebuilds every projection table from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.investments`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset_id, -amount, sequence FROM event_log.journal
		) legs
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.investments
			(account, idx, amount, deposit_time, maturity_time, withdrawn, last_sequence)
		SELECT account,
		       (payload->>'index')::INTEGER,
		       (payload->>'amount')::BIGINT,
		       (payload->>'deposit_time')::TIMESTAMPTZ,
		       (payload->>'maturity_time')::TIMESTAMPTZ,
		       FALSE,
		       sequence
		FROM event_log.events
		WHERE event_type = 'InvestmentMade'
	`); err != nil {
		return fmt.Errorf("rebuild investments: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.investments i
		SET withdrawn = TRUE,
		    withdrawn_at = (w.payload->>'timestamp')::TIMESTAMPTZ,
		    payout = CASE WHEN jsonb_array_length(w.payload->'indices') = 1 THEN (w.payload->>'payout')::BIGINT END,
		    fee = CASE WHEN jsonb_array_length(w.payload->'indices') = 1 THEN (w.payload->>'fee')::BIGINT END,
		    last_sequence = w.sequence
		FROM event_log.events w,
		     jsonb_array_elements_text(w.payload->'indices') AS idx
		WHERE w.event_type = 'Withdrawal'
		  AND i.account = w.account
		  AND i.idx = idx::INTEGER
	`); err != nil {
		return fmt.Errorf("rebuild withdrawals: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', COALESCE(MAX(sequence), 0), NOW() FROM event_log.events
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info().Msg("projection rebuild complete")
	return nil
}
