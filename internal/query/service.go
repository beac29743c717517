package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"PoolLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// QueryService provides read-only access to the event log and projection
// tables. Projected responses carry as_of_sequence, the projection
// watermark they were read at.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// Watermark returns the last sequence applied to the projections.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// GetBalance returns an account's projected payout and fee balances.
func (qs *QueryService) GetBalance(ctx context.Context, account common.Address, asset string) (*BalanceResponse, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset %q", asset)
	}
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	payouts, err := qs.projectedBalance(ctx, ledger.NewAddressAccountKey(account, ledger.SubTypePayouts, assetID))
	if err != nil {
		return nil, err
	}
	fees, err := qs.projectedBalance(ctx, ledger.NewAddressAccountKey(account, ledger.SubTypeFees, assetID))
	if err != nil {
		return nil, err
	}

	name, _ := ledger.GetAssetName(assetID)
	return &BalanceResponse{
		Account:      accountKey(account),
		Asset:        name,
		Payouts:      payouts,
		Fees:         fees,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetPoolBalance returns the projected balance of the pool account.
func (qs *QueryService) GetPoolBalance(ctx context.Context, asset string) (*PoolBalanceResponse, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset %q", asset)
	}
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	balance, err := qs.projectedBalance(ctx, ledger.PoolAccountKey(assetID))
	if err != nil {
		return nil, err
	}
	name, _ := ledger.GetAssetName(assetID)
	return &PoolBalanceResponse{Asset: name, Balance: balance, AsOfSequence: asOfSeq}, nil
}

// GetInvestmentHistory pages through an account's projected investments,
// newest first. afterIndex is the cursor returned by the previous page.
func (qs *QueryService) GetInvestmentHistory(
	ctx context.Context,
	account common.Address,
	limit int,
	afterIndex *int,
) ([]InvestmentHistoryEntry, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT idx, amount, deposit_time, maturity_time, withdrawn,
		       withdrawn_at, payout, fee, last_sequence
		FROM projections.investments
		WHERE account = $1
	`
	args := []interface{}{accountKey(account)}
	argIdx := 2

	if afterIndex != nil {
		query += fmt.Sprintf(" AND idx < $%d", argIdx)
		args = append(args, *afterIndex)
		argIdx++
	}

	query += " ORDER BY idx DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []InvestmentHistoryEntry
	for rows.Next() {
		var h InvestmentHistoryEntry
		var withdrawnAt sql.NullTime
		var payout, fee sql.NullInt64
		if err := rows.Scan(
			&h.Index, &h.Amount, &h.DepositTime, &h.MaturityTime, &h.Withdrawn,
			&withdrawnAt, &payout, &fee, &h.LastSequence,
		); err != nil {
			return nil, err
		}
		h.Account = accountKey(account)
		h.AsOfSequence = asOfSeq
		if withdrawnAt.Valid {
			t := withdrawnAt.Time.UTC()
			h.WithdrawnAt = &t
		}
		if payout.Valid {
			h.Payout = &payout.Int64
		}
		if fee.Valid {
			h.Fee = &fee.Int64
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching any of an account's
// ledger accounts, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account common.Address,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("account:%s:%%", accountKey(account))

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the event log hash chain and sequence continuity,
// and that projected balances sum to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM event_log.events`,
	).Scan(&report.HeadSequence); err != nil {
		return nil, fmt.Errorf("head sequence: %w", err)
	}

	breaks, err := qs.collectSequences(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}
	report.HashChainBreaks = breaks

	gaps, err := qs.collectSequences(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 1 AND e2.sequence IS NULL
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}
	report.SequenceGaps = gaps

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	watermark, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	report.ProjectionLag = report.HeadSequence - watermark

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.UnbalancedAssets) == 0
	return report, nil
}

// Ping reports whether the read side is reachable
func (qs *QueryService) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return qs.db.PingContext(ctx)
}

// --- helpers ---

func (qs *QueryService) collectSequences(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

func (qs *QueryService) projectedBalance(ctx context.Context, key ledger.AccountKey) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, key.AccountPath(), uint16(key.AssetID)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func accountKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
