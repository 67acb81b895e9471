package ports

import "context"

type ChainEventKind int

const (
	EventInitialize ChainEventKind = iota
	EventClaim
	EventRefund
	EventSpvFront
	EventSpvClaim
	EventSpvClose
)

func (k ChainEventKind) String() string {
	switch k {
	case EventInitialize:
		return "initialize"
	case EventClaim:
		return "claim"
	case EventRefund:
		return "refund"
	case EventSpvFront:
		return "spv_front"
	case EventSpvClaim:
		return "spv_claim"
	case EventSpvClose:
		return "spv_close"
	default:
		return "unknown"
	}
}

type ChainEvent struct {
	Kind       ChainEventKind
	ChainID    string
	TxID       string
	EscrowHash string
	ClaimHash  string
	// Witness is the claim witness of claim events.
	Witness string
	// BtcTxID, VaultOwner and VaultID are set on SPV vault events.
	BtcTxID    string
	VaultOwner string
	VaultID    uint64
}

// EventHandler processes a batch of events. Returning an error makes the
// source deliver the batch again.
type EventHandler func(ctx context.Context, events []ChainEvent) error

type ChainEvents interface {
	ChainID() string
	// Subscribe delivers events to handler until ctx is done.
	Subscribe(ctx context.Context, handler EventHandler) error
}
