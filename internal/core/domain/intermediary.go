package domain

import "math/big"

// ServiceInfo describes one swap service offered by an LP. Bounds are in
// sats.
type ServiceInfo struct {
	SwapBaseFee uint64
	SwapFeePPM  uint64
	Min         uint64
	Max         uint64
	// ChainTokens lists the supported tokens per chain identifier.
	ChainTokens map[string][]string
}

func (s ServiceInfo) SupportsToken(chainID, token string) bool {
	for _, t := range s.ChainTokens[chainID] {
		if t == token {
			return true
		}
	}
	return false
}

type Reputation struct {
	Successes uint64
	Fails     uint64
	CoopClose uint64
}

type Intermediary struct {
	Url string
	// Addresses maps chain identifier to the LP's address on that chain.
	Addresses map[string]string
	Services  map[SwapType]ServiceInfo
	// Reputation and Liquidity are keyed by chain identifier then token.
	Reputation map[string]map[string]Reputation
	Liquidity  map[string]map[string]*big.Int
}

func (i *Intermediary) Address(chainID string) string {
	return i.Addresses[chainID]
}

// Supports reports whether the LP offers swapType for token on chainID and,
// when amountSats is non zero, whether the amount is within its bounds.
func (i *Intermediary) Supports(swapType SwapType, chainID, token string, amountSats uint64) bool {
	service, ok := i.Services[swapType]
	if !ok {
		return false
	}
	if _, ok := i.Addresses[chainID]; !ok {
		return false
	}
	if !service.SupportsToken(chainID, token) {
		return false
	}
	if amountSats > 0 && (amountSats < service.Min || amountSats > service.Max) {
		return false
	}
	return true
}
