package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ReceiptLogWriter writes receipts and journals to Postgres using multi-row
// INSERT. COPY via pgx CopyFrom is the throughput upgrade path; multi-row
// INSERT stays portable across drivers.
type ReceiptLogWriter struct {
	db *sql.DB
}

// ReceiptRow represents a row in event_log.receipts
type ReceiptRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	MarketID       *string
	Trader         string
	Payload        []byte // JSON-encoded command payload, replayed on restart
	Attributes     []byte // JSON-encoded outcome attributes
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

func NewReceiptLogWriter(db *sql.DB) *ReceiptLogWriter {
	return &ReceiptLogWriter{db: db}
}

// WriteReceiptBatch writes a batch of receipts inside the given transaction.
// Conflicting sequences are skipped, so rewrites after a crash are harmless.
func (w *ReceiptLogWriter) WriteReceiptBatch(ctx context.Context, tx *sql.Tx, receipts []ReceiptRow) error {
	if len(receipts) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.receipts
		(sequence, command_type, idempotency_key, market_id, trader, payload, attributes, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(receipts))
	args := make([]interface{}, 0, len(receipts)*11)

	for i, r := range receipts {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			r.Sequence, r.CommandType, r.IdempotencyKey, r.MarketID, r.Trader,
			r.Payload, r.Attributes, r.StateHash, r.PrevHash, r.Timestamp,
			r.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries inside the given
// transaction.
func (w *ReceiptLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
