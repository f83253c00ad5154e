package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"PerpEngine/internal/observability"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence    int64
	CommandType string
	MarketID    *string
	Trader      string
	Journals    []JournalEntry
	Positions   []PositionUpdate
	Markets     []AmmUpdate
	Config      *ConfigUpdate
	Timestamp   int64 // microseconds
}

// JournalEntry is a simplified journal row for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
	JournalType   int32
}

// PositionUpdate is the post-command state of one touched position.
type PositionUpdate struct {
	Market      string
	Trader      string
	Direction   string
	Size        int64
	Margin      int64
	Notional    int64
	UpdatedAtUs int64
}

// AmmUpdate is the post-command reserve state of one touched market.
type AmmUpdate struct {
	Market       string
	QuoteReserve int64
	BaseReserve  int64
}

// ConfigUpdate is the post-command engine config, set when it changed.
type ConfigUpdate struct {
	Owner                  string
	CollateralAsset        string
	Decimals               int64
	InitMarginRatio        int64
	MaintenanceMarginRatio int64
	LiquidationFee         int64
}

// ProjectionWorker folds committed command outputs into the read-model
// tables. Its channel is non-blocking with drop on the core side; if it
// falls behind, the tables can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	watermark int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		watermark: -1,
	}
}

// Run starts the projection worker loop. It loads the durable watermark
// first: replay after restart re-emits outputs the tables already
// absorbed, and those must be skipped, not double-applied.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	pw.watermark = pw.loadWatermark(ctx)
	log.Printf("INFO: projection worker starting above watermark %d", pw.watermark)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if output.Sequence <= pw.watermark {
				continue
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
			}

			pw.watermark = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) loadWatermark(ctx context.Context) int64 {
	var seq int64
	err := pw.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1
	}
	if err != nil {
		// Unlike the persist path this is survivable: worst case the
		// tables double-apply and get rebuilt.
		log.Printf("WARN: load projection watermark: %v", err)
		return -1
	}
	return seq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.Journals {
		if err := pw.applyJournal(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for _, p := range output.Positions {
		if err := pw.applyPosition(ctx, tx, p, output.Sequence); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}

	for _, m := range output.Markets {
		if err := pw.applyAmmState(ctx, tx, m, output.Sequence); err != nil {
			return fmt.Errorf("amm projection: %w", err)
		}
	}

	if output.Config != nil {
		if err := pw.applyConfig(ctx, tx, *output.Config, output.Sequence); err != nil {
			return fmt.Errorf("config projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
	}
	return nil
}

// applyJournal folds one journal row into the balance table. Orientation
// matches the core tracker: a debit increases the account, a credit
// decreases it.
func (pw *ProjectionWorker) applyJournal(ctx context.Context, tx *sql.Tx, j JournalEntry, sequence int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount, j.Asset, j.Amount, sequence); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.CreditAccount, j.Asset, j.Amount, sequence); err != nil {
		return err
	}

	return nil
}

func (pw *ProjectionWorker) applyPosition(ctx context.Context, tx *sql.Tx, p PositionUpdate, sequence int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(market_id, trader, direction, size, margin, notional, last_sequence, updated_at_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (market_id, trader)
		DO UPDATE SET direction = $3, size = $4, margin = $5, notional = $6,
		              last_sequence = $7, updated_at_us = $8
	`, p.Market, p.Trader, p.Direction, p.Size, p.Margin, p.Notional, sequence, p.UpdatedAtUs)
	return err
}

func (pw *ProjectionWorker) applyAmmState(ctx context.Context, tx *sql.Tx, m AmmUpdate, sequence int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.amm_state (market_id, quote_reserve, base_reserve, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (market_id)
		DO UPDATE SET quote_reserve = $2, base_reserve = $3, last_sequence = $4
	`, m.Market, m.QuoteReserve, m.BaseReserve, sequence)
	return err
}

func (pw *ProjectionWorker) applyConfig(ctx context.Context, tx *sql.Tx, c ConfigUpdate, sequence int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.engine_config
			(id, owner, collateral_asset, decimals, init_margin_ratio, maintenance_margin_ratio, liquidation_fee, last_sequence)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET owner = $1, collateral_asset = $2, decimals = $3,
		              init_margin_ratio = $4, maintenance_margin_ratio = $5,
		              liquidation_fee = $6, last_sequence = $7
	`, c.Owner, c.CollateralAsset, c.Decimals, c.InitMarginRatio,
		c.MaintenanceMarginRatio, c.LiquidationFee, sequence)
	return err
}

// RebuildProjections wipes the read-model tables and refolds balances
// from the journal. Positions, reserves, and config repopulate from
// replay on the next engine start, since the watermark row is gone.
// Run it while ingestion is quiesced; the fold sees only what the
// persistence worker has committed.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.amm_state`,
		`TRUNCATE projections.engine_config`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debit side first: replaces whatever is there.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account, asset
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Credit side subtracts.
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account, asset
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
