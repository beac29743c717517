package query

import "time"

// InvestmentHistoryEntry is one projected investment record.
type InvestmentHistoryEntry struct {
	Account      string     `json:"account"`
	Index        int        `json:"index"`
	Amount       int64      `json:"amount"`
	DepositTime  time.Time  `json:"deposit_time"`
	MaturityTime time.Time  `json:"maturity_time"`
	Withdrawn    bool       `json:"withdrawn"`
	WithdrawnAt  *time.Time `json:"withdrawn_at,omitempty"`
	// Payout and Fee are set for single-record withdrawals only
	Payout       *int64 `json:"payout,omitempty"`
	Fee          *int64 `json:"fee,omitempty"`
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HeadSequence     int64             `json:"head_sequence"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	ProjectionLag    int64             `json:"projection_lag"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
