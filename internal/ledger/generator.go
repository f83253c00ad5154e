package ledger

import (
	"github.com/google/uuid"

	"PerpEngine/internal/event"
)

// JournalGenerator creates balanced journal batches from commands. It keeps
// its own journal sequence, independent of the engine command sequence, so
// multi-batch commands still produce uniquely numbered batches.
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
	}
}

// GenerateDepositReceived creates journals for an inbound collateral deposit.
// Moves funds: external:deposits → trader:collateral
func (jg *JournalGenerator) GenerateDepositReceived(cmd *event.DepositAndOpen) (*Batch, error) {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  cmd.IdempotencyKey(),
		Sequence:  jg.sequence,
		Timestamp: cmd.Timestamp.UnixMicro(),
		Journals:  make([]Journal, 0, 1),
	}

	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      cmd.IdempotencyKey(),
		Sequence:      jg.sequence,
		DebitAccount:  NewTraderAccountKey(cmd.From, SubTypeCollateral, cmd.Asset),
		CreditAccount: NewExternalAccountKey(SubTypeExternalDeposits, cmd.Asset),
		Asset:         cmd.Asset,
		Amount:        cmd.Amount,
		JournalType:   JournalTypeDepositReceived,
		Timestamp:     cmd.Timestamp.UnixMicro(),
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateMarginPost creates journals locking collateral as position margin
// when an increase lands. Moves funds: trader:collateral → trader:margin_posted.
// A zero margin amount generates no batch.
func (jg *JournalGenerator) GenerateMarginPost(
	eventRef string,
	trader string,
	asset string,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	if amount == 0 {
		return nil, nil
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewTraderAccountKey(trader, SubTypeMarginPosted, asset),
		CreditAccount: NewTraderAccountKey(trader, SubTypeCollateral, asset),
		Asset:         asset,
		Amount:        amount,
		JournalType:   JournalTypeMarginPost,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GetSequence returns the next journal sequence (for snapshot creation)
func (jg *JournalGenerator) GetSequence() int64 {
	return jg.sequence
}

// SetSequence restores the journal sequence (snapshot restore only)
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}
