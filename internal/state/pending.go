package state

import (
	"fmt"

	"PerpEngine/internal/event"
)

// PendingSwap records one in-flight pricing call. It is written immediately
// before the sub-call is issued and consumed by the resumption handler that
// receives the call's result. Each position flow has its own record type so
// a resumption can only read back a record of its own kind.
type PendingSwap interface {
	Continuation() event.Continuation
	MarketID() string
	TraderID() string
}

// PendingIncrease awaits an input-priced swap growing an existing exposure
// (or opening a fresh one).
type PendingIncrease struct {
	Market       string     `json:"market"`
	Trader       string     `json:"trader"`
	Side         event.Side `json:"side"`
	Margin       int64      `json:"margin"`
	Leverage     int64      `json:"leverage"`
	OpenNotional int64      `json:"open_notional"`
}

func (p *PendingIncrease) Continuation() event.Continuation { return event.ContinuationIncrease }
func (p *PendingIncrease) MarketID() string                 { return p.Market }
func (p *PendingIncrease) TraderID() string                 { return p.Trader }

// PendingDecrease awaits an input-priced swap shrinking an exposure that is
// larger than the opposing order. The notional subtraction is staged on the
// position before the call resolves; NotionalAfter carries the speculative
// remainder for the resumption side.
type PendingDecrease struct {
	Market        string     `json:"market"`
	Trader        string     `json:"trader"`
	Side          event.Side `json:"side"`
	Margin        int64      `json:"margin"`
	Leverage      int64      `json:"leverage"`
	OpenNotional  int64      `json:"open_notional"`
	NotionalAfter int64      `json:"notional_after"`
}

func (p *PendingDecrease) Continuation() event.Continuation { return event.ContinuationDecrease }
func (p *PendingDecrease) MarketID() string                 { return p.Market }
func (p *PendingDecrease) TraderID() string                 { return p.Trader }

// PendingReverse awaits an output-priced swap unwinding the full current
// exposure ahead of an opposing order at least as large.
type PendingReverse struct {
	Market       string     `json:"market"`
	Trader       string     `json:"trader"`
	Side         event.Side `json:"side"`
	Margin       int64      `json:"margin"`
	Leverage     int64      `json:"leverage"`
	OpenNotional int64      `json:"open_notional"`
}

func (p *PendingReverse) Continuation() event.Continuation { return event.ContinuationReverse }
func (p *PendingReverse) MarketID() string                 { return p.Market }
func (p *PendingReverse) TraderID() string                 { return p.Trader }

// PendingClose awaits an output-priced swap unwinding the full position.
type PendingClose struct {
	Market string `json:"market"`
	Trader string `json:"trader"`
	Size   int64  `json:"size"`
}

func (p *PendingClose) Continuation() event.Continuation { return event.ContinuationClose }
func (p *PendingClose) MarketID() string                 { return p.Market }
func (p *PendingClose) TraderID() string                 { return p.Trader }

// PendingSlot holds at most one PendingSwap for the whole engine instance.
// The slot must be empty before a new record is written and occupied when a
// resumption consumes it; either violation means a call was issued or
// resumed out of protocol.
type PendingSlot struct {
	record PendingSwap
}

func NewPendingSlot() *PendingSlot {
	return &PendingSlot{}
}

// Put stores a record into an empty slot.
func (s *PendingSlot) Put(rec PendingSwap) error {
	if rec == nil {
		return fmt.Errorf("pending swap record must not be nil")
	}
	if s.record != nil {
		return fmt.Errorf("pending swap slot occupied by %s for %s/%s",
			s.record.Continuation(), s.record.MarketID(), s.record.TraderID())
	}
	s.record = rec
	return nil
}

// Take removes and returns the stored record.
func (s *PendingSlot) Take() (PendingSwap, error) {
	if s.record == nil {
		return nil, fmt.Errorf("pending swap slot empty on resumption")
	}
	rec := s.record
	s.record = nil
	return rec, nil
}

// Peek returns the stored record without clearing it, or nil.
func (s *PendingSlot) Peek() PendingSwap {
	return s.record
}

// Restore overwrites the slot unconditionally (snapshot restore only).
func (s *PendingSlot) Restore(rec PendingSwap) {
	s.record = rec
}
