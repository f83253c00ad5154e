package persistence

import (
	"PerpEngine/internal/observability"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// CoreOutput mirrors the persistable slice of core.CoreOutput. The
// orchestrator (cmd/perpengine) bridges between the two so this package
// stays decoupled from the core types.
type CoreOutput struct {
	ReceiptRow  ReceiptRow
	JournalRows []JournalRow
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// This goroutine runs independently from the deterministic core. The persist
// channel uses BLOCKING sends from the core, so if this worker falls behind,
// the core stalls — guaranteeing no committed command is lost.
type PersistenceWorker struct {
	writer       *ReceiptLogWriter
	db           *sql.DB
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewReceiptLogWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run starts the persistence worker loop. It batches incoming outputs and
// flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
//
// Outputs at or below the persisted watermark are dropped: startup replay
// re-emits committed outputs, their receipts are already in the log, and
// journal ids are regenerated on replay so rewriting them would duplicate
// ledger rows.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	watermark, err := pw.persistedWatermark(ctx)
	if err != nil {
		return fmt.Errorf("load persisted watermark: %w", err)
	}
	if watermark >= 0 {
		log.Printf("INFO: persistence worker starting above watermark %d", watermark)
	}

	receiptBatch := make([]ReceiptRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*2)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(receiptBatch) > 0 {
				if err := pw.flush(context.Background(), receiptBatch, journalBatch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				// Channel closed — the orchestrator is draining the pipeline.
				// This is the durability-critical exit, so the final flush
				// keeps retrying for a bounded window.
				if len(receiptBatch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
					err := pw.flushWithRetry(flushCtx, receiptBatch, journalBatch)
					cancel()
					if err != nil {
						return fmt.Errorf("final flush: %w", err)
					}
				}
				return nil
			}

			if output.ReceiptRow.Sequence <= watermark {
				continue
			}

			receiptBatch = append(receiptBatch, output.ReceiptRow)
			journalBatch = append(journalBatch, output.JournalRows...)

			// Flush if batch is full
			if len(receiptBatch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, receiptBatch, journalBatch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				receiptBatch = receiptBatch[:0]
				journalBatch = journalBatch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			// Flush timeout — write whatever we have
			if len(receiptBatch) > 0 {
				if err := pw.flushWithRetry(ctx, receiptBatch, journalBatch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				receiptBatch = receiptBatch[:0]
				journalBatch = journalBatch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// persistedWatermark returns the highest sequence already in the receipt log,
// or -1 for an empty log.
func (pw *PersistenceWorker) persistedWatermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := pw.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log.receipts`,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// flushWithRetry attempts to flush with exponential backoff. The worker NEVER
// drops committed outputs — it retries until the write succeeds or the
// context is cancelled (graceful shutdown attempts one final flush).
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, receipts []ReceiptRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, receipts=%d)",
				attempt, backoff, len(receipts))
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				finalErr := pw.flush(context.Background(), receipts, journals)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, receipts, journals)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, receipts []ReceiptRow, journals []JournalRow) error {
	start := time.Now()

	// Receipts and journals commit atomically
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteReceiptBatch(ctx, tx, receipts); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_receipts").Inc()
		}
		return err
	}

	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_journals").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(receipts)))
		pw.metrics.PersistReceiptsWritten.Add(float64(len(receipts)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(receipts) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(receipts[len(receipts)-1].Sequence))
		}
	}

	return nil
}

// MarshalPayload is a convenience wrapper for JSON-encoding row payloads.
func MarshalPayload(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("WARN: failed to marshal payload: %v", err)
		return []byte("{}")
	}
	return data
}
