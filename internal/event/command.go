package event

import (
	"time"

	"github.com/google/uuid"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeOpenPosition
	CommandTypeClosePosition
	CommandTypeDepositAndOpen
	CommandTypeUpdateConfig
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeOpenPosition:
		return "OpenPosition"
	case CommandTypeClosePosition:
		return "ClosePosition"
	case CommandTypeDepositAndOpen:
		return "DepositAndOpen"
	case CommandTypeUpdateConfig:
		return "UpdateConfig"
	default:
		return "Unknown"
	}
}

// Side is the trader-facing request side.
type Side int32

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite flips buy to sell and sell to buy.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

// Command is the interface all inbound command payloads implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// MarketID returns the market context (nil for global commands)
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

// OpenPosition opens, increases, decreases, or reverses a margin position
// depending on the book's current state.
// Idempotency key: command_id.
type OpenPosition struct {
	CommandID   uuid.UUID // Idempotency key
	Market      string
	Trader      string
	TradeSide   Side
	QuoteAmount int64 // Quote posted as margin, scaled by decimals
	Leverage    int64 // Scaled by decimals (1x == decimals)
	Sequence    int64 // Source sequence from the upstream scheduler
	Timestamp   time.Time
}

func (o *OpenPosition) IdempotencyKey() string { return o.CommandID.String() }
func (o *OpenPosition) CommandType() CommandType {
	return CommandTypeOpenPosition
}
func (o *OpenPosition) MarketID() *string {
	m := o.Market
	return &m
}
func (o *OpenPosition) SourceSequence() int64 { return o.Sequence }

// ClosePosition unwinds the trader's full position in a market.
type ClosePosition struct {
	CommandID uuid.UUID
	Market    string
	Trader    string
	Sequence  int64
	Timestamp time.Time
}

func (c *ClosePosition) IdempotencyKey() string { return c.CommandID.String() }
func (c *ClosePosition) CommandType() CommandType {
	return CommandTypeClosePosition
}
func (c *ClosePosition) MarketID() *string {
	m := c.Market
	return &m
}
func (c *ClosePosition) SourceSequence() int64 { return c.Sequence }

// DepositAndOpen is the collateral-transfer notification that bundles an
// open request. Asset carries the notifying asset identity and must match
// the configured collateral asset; From is the depositing trader.
type DepositAndOpen struct {
	CommandID uuid.UUID
	Asset     string
	From      string
	Amount    int64 // Deposited quote, used directly as the posted margin
	Market    string
	TradeSide Side
	Leverage  int64
	Sequence  int64
	Timestamp time.Time
}

func (d *DepositAndOpen) IdempotencyKey() string { return d.CommandID.String() }
func (d *DepositAndOpen) CommandType() CommandType {
	return CommandTypeDepositAndOpen
}
func (d *DepositAndOpen) MarketID() *string {
	m := d.Market
	return &m
}
func (d *DepositAndOpen) SourceSequence() int64 { return d.Sequence }

// UpdateConfig replaces the engine owner. Sender must be the current owner.
type UpdateConfig struct {
	CommandID uuid.UUID
	Sender    string
	NewOwner  string
	Sequence  int64
	Timestamp time.Time
}

func (u *UpdateConfig) IdempotencyKey() string { return u.CommandID.String() }
func (u *UpdateConfig) CommandType() CommandType {
	return CommandTypeUpdateConfig
}
func (u *UpdateConfig) MarketID() *string     { return nil }
func (u *UpdateConfig) SourceSequence() int64 { return u.Sequence }
