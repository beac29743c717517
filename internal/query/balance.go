package query

// BalanceResponse is an account's projected ledger balances for one asset
type BalanceResponse struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`

	// Sum of principal plus net interest paid out
	Payouts int64 `json:"payouts"`
	// Fees received as fee recipient
	Fees int64 `json:"fees"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// PoolBalanceResponse is the projected balance of the pool account
type PoolBalanceResponse struct {
	Asset        string `json:"asset"`
	Balance      int64  `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}
