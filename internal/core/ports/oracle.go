package ports

import (
	"context"
	"math/big"
)

// PriceOracle quotes smart chain tokens against bitcoin.
type PriceOracle interface {
	// GetPrice returns the price of one whole token in micro-sats.
	GetPrice(ctx context.Context, chainID, token string) (*big.Int, error)
	// GetUsdPrice returns the price of one sat in USD.
	GetUsdPrice(ctx context.Context) (float64, error)
	Decimals(chainID, token string) (int, error)
}
