package domain

import "context"

type SwapIndex string

const (
	IndexID             SwapIndex = "Id"
	IndexType           SwapIndex = "Type"
	IndexChain          SwapIndex = "ChainId"
	IndexState          SwapIndex = "State"
	IndexEscrowHash     SwapIndex = "EscrowHash"
	IndexClaimHash      SwapIndex = "ClaimHash"
	IndexIdentifierHash SwapIndex = "IdentifierHash"
	IndexUrl            SwapIndex = "Url"
	IndexBtcTxID        SwapIndex = "BtcTxId"
	IndexInitiated      SwapIndex = "Initiated"
)

// QueryCondition matches swaps whose index equals any of Values.
type QueryCondition struct {
	Key    SwapIndex
	Values []any
}

func Where(key SwapIndex, values ...any) QueryCondition {
	return QueryCondition{Key: key, Values: values}
}

// SwapRepository is the persistence facade. Query takes groups of conditions:
// conditions within a group are ANDed and groups are ORed. No group matches
// every swap.
type SwapRepository interface {
	Query(ctx context.Context, orGroups ...[]QueryCondition) ([]Swap, error)
	Get(ctx context.Context, id string) (Swap, error)
	Save(ctx context.Context, swap Swap) error
	SaveAll(ctx context.Context, swaps []Swap) error
	Remove(ctx context.Context, swap Swap) error
	RemoveAll(ctx context.Context, swaps []Swap) error
	Close()
}

// IndexValues returns the indexed attributes of a swap as stored by the
// repository.
func IndexValues(s Swap) map[SwapIndex]any {
	return map[SwapIndex]any{
		IndexID:             s.ID(),
		IndexType:           int(s.Type()),
		IndexChain:          s.Base().ChainIdentifier,
		IndexState:          s.RawState(),
		IndexEscrowHash:     s.EscrowHash(),
		IndexClaimHash:      s.ClaimHash(),
		IndexIdentifierHash: s.IdentifierHash(),
		IndexUrl:            s.Base().Url,
		IndexBtcTxID:        btcTxIDOf(s),
		IndexInitiated:      s.Base().Initiated,
	}
}

func btcTxIDOf(s Swap) string {
	switch v := s.(type) {
	case *FromBTCSwap:
		return v.BtcTxID
	case *SpvFromBTCSwap:
		return v.BtcTxID
	default:
		return ""
	}
}
