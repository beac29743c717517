package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for pool operations.
// It is stateless apart from the asset it books in; the caller supplies the
// sequence so that a rolled-back operation never consumes one.
type JournalGenerator struct {
	assetID AssetID
}

func NewJournalGenerator(assetID AssetID) *JournalGenerator {
	return &JournalGenerator{assetID: assetID}
}

// AssetID returns the asset all journals are booked in
func (jg *JournalGenerator) AssetID() AssetID {
	return jg.assetID
}

func (jg *JournalGenerator) newBatch(sequence int64, ref string, timestamp int64, legs int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  ref,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, legs),
	}
}

func (jg *JournalGenerator) appendLeg(batch *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		Sequence:      batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       jg.assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     batch.Timestamp,
	})
}

// GenerateInvestment books a new investment.
// Moves funds: external:deposits → system:pool
func (jg *JournalGenerator) GenerateInvestment(sequence int64, ref string, amount int64, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("investment amount must be positive: %d", amount)
	}

	batch := jg.newBatch(sequence, ref, timestamp, 1)
	jg.appendLeg(batch,
		PoolAccountKey(jg.assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, jg.assetID),
		amount, JournalTypeInvestment)

	return batch, nil
}

// GeneratePoolFunding books an owner top-up of the pool.
// Moves funds: external:funding → system:pool
func (jg *JournalGenerator) GeneratePoolFunding(sequence int64, ref string, amount int64, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("funding amount must be positive: %d", amount)
	}

	batch := jg.newBatch(sequence, ref, timestamp, 1)
	jg.appendLeg(batch,
		PoolAccountKey(jg.assetID),
		NewExternalAccountKey(SubTypeExternalFunding, jg.assetID),
		amount, JournalTypePoolFunding)

	return batch, nil
}

// GenerateSettlement books a withdrawal: the payout to the investor and the
// platform fee to the fee recipient, both drawn from the pool.
// A zero fee produces no fee leg.
func (jg *JournalGenerator) GenerateSettlement(
	sequence int64,
	ref string,
	account common.Address,
	payout int64,
	feeRecipient common.Address,
	fee int64,
	timestamp int64,
) (*Batch, error) {
	if payout <= 0 {
		return nil, fmt.Errorf("payout must be positive: %d", payout)
	}
	if fee < 0 {
		return nil, fmt.Errorf("fee must not be negative: %d", fee)
	}

	pool := PoolAccountKey(jg.assetID)
	batch := jg.newBatch(sequence, ref, timestamp, 2)

	jg.appendLeg(batch,
		NewAddressAccountKey(account, SubTypePayouts, jg.assetID),
		pool, payout, JournalTypePayout)

	if fee > 0 {
		jg.appendLeg(batch,
			NewAddressAccountKey(feeRecipient, SubTypeFees, jg.assetID),
			pool, fee, JournalTypePlatformFee)
	}

	return batch, nil
}
