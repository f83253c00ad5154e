package ingestion

import (
	"PerpEngine/internal/event"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command type string) into
// a typed event.Command. The ingestion shell validates, parses, and converts
// raw messages before sending anything to the deterministic core.
func ParseRawCommand(raw RawCommand, commandType string) (event.Command, error) {
	switch commandType {
	case "OpenPosition":
		return parseOpenPosition(raw.Data)
	case "ClosePosition":
		return parseClosePosition(raw.Data)
	case "DepositAndOpen":
		return parseDepositAndOpen(raw.Data)
	case "UpdateConfig":
		return parseUpdateConfig(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

// parseSide maps the wire side string. Anything unrecognized becomes
// SideUnknown; the core rejects it, not the parser.
func parseSide(s string) event.Side {
	switch s {
	case "buy":
		return event.SideBuy
	case "sell":
		return event.SideSell
	default:
		return event.SideUnknown
	}
}

type openPositionJSON struct {
	CommandID   string `json:"command_id"`
	Market      string `json:"market"`
	Trader      string `json:"trader"`
	Side        string `json:"side"` // "buy" or "sell"
	QuoteAmount int64  `json:"quote_amount"`
	Leverage    int64  `json:"leverage"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseOpenPosition(data []byte) (*event.OpenPosition, error) {
	var j openPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenPosition: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}

	return &event.OpenPosition{
		CommandID:   commandID,
		Market:      j.Market,
		Trader:      j.Trader,
		TradeSide:   parseSide(j.Side),
		QuoteAmount: j.QuoteAmount,
		Leverage:    j.Leverage,
		Sequence:    j.Sequence,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

type closePositionJSON struct {
	CommandID   string `json:"command_id"`
	Market      string `json:"market"`
	Trader      string `json:"trader"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseClosePosition(data []byte) (*event.ClosePosition, error) {
	var j closePositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClosePosition: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}

	return &event.ClosePosition{
		CommandID: commandID,
		Market:    j.Market,
		Trader:    j.Trader,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type depositAndOpenJSON struct {
	CommandID   string `json:"command_id"`
	Asset       string `json:"asset"`
	From        string `json:"from"`
	Amount      int64  `json:"amount"`
	Market      string `json:"market"`
	Side        string `json:"side"`
	Leverage    int64  `json:"leverage"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositAndOpen(data []byte) (*event.DepositAndOpen, error) {
	var j depositAndOpenJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositAndOpen: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}

	return &event.DepositAndOpen{
		CommandID: commandID,
		Asset:     j.Asset,
		From:      j.From,
		Amount:    j.Amount,
		Market:    j.Market,
		TradeSide: parseSide(j.Side),
		Leverage:  j.Leverage,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type updateConfigJSON struct {
	CommandID   string `json:"command_id"`
	Sender      string `json:"sender"`
	NewOwner    string `json:"new_owner"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseUpdateConfig(data []byte) (*event.UpdateConfig, error) {
	var j updateConfigJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdateConfig: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}

	return &event.UpdateConfig{
		CommandID: commandID,
		Sender:    j.Sender,
		NewOwner:  j.NewOwner,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
