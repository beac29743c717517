package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// SnapshotFormatVersion identifies the JSON layout of SnapshotData
const SnapshotFormatVersion int32 = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialised form of core.SnapshotState. Map keys are
// account paths and lower-case hex addresses so the document is stable.
type SnapshotData struct {
	Sequence        int64                           `json:"sequence"`
	StateHash       string                          `json:"state_hash"`
	Balances        map[string]int64                `json:"balances"`
	Investments     map[string][]InvestmentSnapshot `json:"investments"`
	TotalInvested   int64                           `json:"total_invested"`
	ActiveCount     int64                           `json:"total_active_investments"`
	InterestRateBps int64                           `json:"interest_rate_bps"`
	PlatformFeeBps  int64                           `json:"platform_fee_bps"`
	FeeRecipient    string                          `json:"fee_recipient"`
	Owner           string                          `json:"owner"`
	Paused          bool                            `json:"paused"`
	IdempotencyKeys []string                        `json:"idempotency_keys"`
	CreatedAt       time.Time                       `json:"created_at"`
}

// InvestmentSnapshot is a serialisable investment record
type InvestmentSnapshot struct {
	Amount       int64     `json:"amount"`
	DepositTime  time.Time `json:"deposit_time"`
	MaturityTime time.Time `json:"maturity_time"`
	Withdrawn    bool      `json:"withdrawn"`
	WithdrawnAt  time.Time `json:"withdrawn_at,omitempty"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// EncodeSnapshot converts vault state into its stored form
func EncodeSnapshot(st *core.SnapshotState, createdAt time.Time) *SnapshotData {
	data := &SnapshotData{
		Sequence:        st.Sequence,
		StateHash:       hex.EncodeToString(st.StateHash[:]),
		Balances:        make(map[string]int64, len(st.Balances)),
		Investments:     make(map[string][]InvestmentSnapshot, len(st.Investments)),
		TotalInvested:   st.Pool.TotalInvested,
		ActiveCount:     st.Pool.TotalActiveInvestments,
		InterestRateBps: st.Rates.InterestRateBps,
		PlatformFeeBps:  st.Rates.PlatformFeeBps,
		FeeRecipient:    addressKey(st.Rates.FeeRecipient),
		Owner:           addressKey(st.Owner),
		Paused:          st.Paused,
		IdempotencyKeys: st.IdempotencyKeys,
		CreatedAt:       createdAt,
	}

	for key, balance := range st.Balances {
		data.Balances[key.AccountPath()] = balance
	}
	for addr, recs := range st.Investments {
		out := make([]InvestmentSnapshot, len(recs))
		for i, r := range recs {
			out[i] = InvestmentSnapshot{
				Amount:       r.Amount,
				DepositTime:  r.DepositTime,
				MaturityTime: r.MaturityTime,
				Withdrawn:    r.Withdrawn,
				WithdrawnAt:  r.WithdrawnAt,
			}
		}
		data.Investments[addressKey(addr)] = out
	}
	return data
}

// Decode converts a stored snapshot back into vault state
func (d *SnapshotData) Decode() (*core.SnapshotState, error) {
	st := &core.SnapshotState{
		Sequence:        d.Sequence,
		Balances:        make(map[ledger.AccountKey]int64, len(d.Balances)),
		Investments:     make(map[common.Address][]ledger.Investment, len(d.Investments)),
		Pool:            state.PoolState{TotalInvested: d.TotalInvested, TotalActiveInvestments: d.ActiveCount},
		Paused:          d.Paused,
		IdempotencyKeys: d.IdempotencyKeys,
	}

	hash, err := hex.DecodeString(d.StateHash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("snapshot %d: malformed state hash", d.Sequence)
	}
	copy(st.StateHash[:], hash)

	if st.Owner, err = parseAddress(d.Owner); err != nil {
		return nil, fmt.Errorf("snapshot owner: %w", err)
	}
	recipient, err := parseAddress(d.FeeRecipient)
	if err != nil {
		return nil, fmt.Errorf("snapshot fee recipient: %w", err)
	}
	st.Rates = state.RateConfig{
		InterestRateBps: d.InterestRateBps,
		PlatformFeeBps:  d.PlatformFeeBps,
		FeeRecipient:    recipient,
	}

	for path, balance := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot balance: %w", err)
		}
		st.Balances[key] = balance
	}
	for hexAddr, recs := range d.Investments {
		addr, err := parseAddress(hexAddr)
		if err != nil {
			return nil, fmt.Errorf("snapshot investments: %w", err)
		}
		out := make([]ledger.Investment, len(recs))
		for i, r := range recs {
			out[i] = ledger.Investment{
				Amount:       r.Amount,
				DepositTime:  r.DepositTime.UTC(),
				MaturityTime: r.MaturityTime.UTC(),
				Withdrawn:    r.Withdrawn,
				WithdrawnAt:  r.WithdrawnAt.UTC(),
			}
			if !r.Withdrawn {
				out[i].WithdrawnAt = time.Time{}
			}
		}
		st.Investments[addr] = out
	}
	return st, nil
}

// SaveSnapshot persists a snapshot, unverified. Returns the encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash, SnapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, SnapshotFormatVersion).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// VerifyPersisted marks a pending snapshot verified once the logged event
// at its sequence carries the same state hash. A snapshot ahead of the log,
// or one that disagrees with it, is never loaded.
func (sm *SnapshotManager) VerifyPersisted(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s SET verified = TRUE
		FROM event_log.events e
		WHERE s.verified = FALSE
		  AND e.sequence = s.sequence
		  AND encode(e.state_hash, 'hex') = s.state_hash
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, account, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var account sql.NullString
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &account,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if account.Valid {
			e.Account = &account.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

func addressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
