package domain

import (
	"encoding/json"
	"fmt"
)

// EncodeSwap serializes a swap, escrow data included.
func EncodeSwap(s Swap) ([]byte, error) {
	if escrow := escrowStateOf(s); escrow != nil {
		if err := escrow.encode(); err != nil {
			return nil, fmt.Errorf("failed to serialize escrow data: %w", err)
		}
	}
	return json.Marshal(s)
}

// SwapDecoder restores persisted swaps. Escrow data is decoded by the chain
// the swap lives on.
type SwapDecoder struct {
	escrowDecoders map[string]EscrowDecoder
}

func NewSwapDecoder(escrowDecoders map[string]EscrowDecoder) *SwapDecoder {
	return &SwapDecoder{escrowDecoders}
}

// Decode restores a swap and upgrades it to the current version.
func (d *SwapDecoder) Decode(swapType SwapType, raw []byte) (Swap, error) {
	var s Swap
	switch swapType {
	case SwapTypeFromBTC:
		s = &FromBTCSwap{}
	case SwapTypeFromBTCLN:
		s = &FromBTCLNSwap{}
	case SwapTypeToBTC:
		s = &ToBTCSwap{}
	case SwapTypeToBTCLN:
		s = &ToBTCLNSwap{}
	case SwapTypeSpvFromBTC:
		s = &SpvFromBTCSwap{}
	default:
		return nil, fmt.Errorf("unknown swap type %d", swapType)
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("failed to decode %s swap: %w", swapType, err)
	}
	if escrow := escrowStateOf(s); escrow != nil && len(escrow.RawData) > 0 {
		decoder, ok := d.escrowDecoders[s.Base().ChainIdentifier]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChain, s.Base().ChainIdentifier)
		}
		if err := escrow.decode(decoder); err != nil {
			return nil, fmt.Errorf("failed to decode escrow data: %w", err)
		}
	}
	s.upgradeVersion()
	return s, nil
}

func escrowStateOf(s Swap) *EscrowState {
	switch v := s.(type) {
	case *FromBTCSwap:
		return &v.EscrowState
	case *FromBTCLNSwap:
		return &v.EscrowState
	case *ToBTCSwap:
		return &v.EscrowState
	case *ToBTCLNSwap:
		return &v.EscrowState
	default:
		return nil
	}
}

// EscrowOf returns the escrow part of a swap, nil for swaps without one.
func EscrowOf(s Swap) *EscrowState {
	return escrowStateOf(s)
}
