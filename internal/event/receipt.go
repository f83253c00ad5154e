package event

import (
	"time"
)

// Receipt wraps every committed transaction in the command log
type Receipt struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream (command id)
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Market context (nullable for global commands)
	MarketID *string

	// Trader context (empty for admin commands)
	Trader string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command payload, replayed on restart
	Payload []byte

	// Observable outcome attributes (continuation tag, swap amounts)
	Attributes []Attribute

	// SHA-256 of state AFTER committing this transaction
	StateHash [32]byte

	// Previous receipt's state hash (chain integrity)
	PrevHash [32]byte
}

// Attribute returns the first outcome attribute for key, if present.
func (r *Receipt) Attribute(key string) (string, bool) {
	for _, a := range r.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}
