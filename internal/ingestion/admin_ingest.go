package ingestion

import (
	"PerpEngine/internal/event"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AdminIngestService provides admin/manual command injection through the
// serving surface. It is for operator use and smoke testing, not for
// high-throughput ingestion (use NATS for that).
type AdminIngestService struct {
	commandChan chan<- event.Command
}

func NewAdminIngestService(commandChan chan<- event.Command) *AdminIngestService {
	return &AdminIngestService{commandChan: commandChan}
}

// InjectOpenPosition manually injects an OpenPosition command.
func (s *AdminIngestService) InjectOpenPosition(
	ctx context.Context,
	market, trader string,
	side event.Side,
	quoteAmount, leverage int64,
) error {
	if quoteAmount < 0 {
		return fmt.Errorf("quote_amount must be non-negative")
	}
	if leverage <= 0 {
		return fmt.Errorf("leverage must be positive")
	}

	cmd := &event.OpenPosition{
		CommandID:   uuid.New(),
		Market:      market,
		Trader:      trader,
		TradeSide:   side,
		QuoteAmount: quoteAmount,
		Leverage:    leverage,
		Sequence:    time.Now().UnixMicro(), // Admin-injected: use timestamp as sequence
		Timestamp:   time.Now(),
	}

	select {
	case s.commandChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectClosePosition manually injects a ClosePosition command.
func (s *AdminIngestService) InjectClosePosition(
	ctx context.Context,
	market, trader string,
) error {
	cmd := &event.ClosePosition{
		CommandID: uuid.New(),
		Market:    market,
		Trader:    trader,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	}

	select {
	case s.commandChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectDepositAndOpen manually injects a DepositAndOpen command.
func (s *AdminIngestService) InjectDepositAndOpen(
	ctx context.Context,
	from, asset string,
	amount int64,
	market string,
	side event.Side,
	leverage int64,
) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if leverage <= 0 {
		return fmt.Errorf("leverage must be positive")
	}

	cmd := &event.DepositAndOpen{
		CommandID: uuid.New(),
		Asset:     asset,
		From:      from,
		Amount:    amount,
		Market:    market,
		TradeSide: side,
		Leverage:  leverage,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	}

	select {
	case s.commandChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectUpdateConfig manually injects an UpdateConfig command.
func (s *AdminIngestService) InjectUpdateConfig(
	ctx context.Context,
	sender, newOwner string,
) error {
	if newOwner == "" {
		return fmt.Errorf("new_owner must be set")
	}

	cmd := &event.UpdateConfig{
		CommandID: uuid.New(),
		Sender:    sender,
		NewOwner:  newOwner,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	}

	select {
	case s.commandChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
