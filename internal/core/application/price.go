package application

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/utils"
)

const DefaultMaxPriceDifferencePPM = 10_000

var ppm = big.NewInt(1_000_000)

// PriceValidator checks LP quoted amounts against the oracle price.
type PriceValidator struct {
	oracle           ports.PriceOracle
	maxDifferencePPM *big.Int
}

func NewPriceValidator(oracle ports.PriceOracle, maxDifferencePPM uint64) *PriceValidator {
	if maxDifferencePPM == 0 {
		maxDifferencePPM = DefaultMaxPriceDifferencePPM
	}
	return &PriceValidator{oracle, new(big.Int).SetUint64(maxDifferencePPM)}
}

// PreFetchPrice starts fetching the price of token so that it is ready once
// the LP answers.
func (v *PriceValidator) PreFetchPrice(ctx context.Context, chainID, token string) *utils.Future[*big.Int] {
	return utils.Go(ctx, func(ctx context.Context) (*big.Int, error) {
		return v.oracle.GetPrice(ctx, chainID, token)
	})
}

// IsValidAmountReceive validates a quote where the user pays amountSats and
// receives quotedTokens.
func (v *PriceValidator) IsValidAmountReceive(
	ctx context.Context, chainID, token string, amountSats, baseFee, feePPM uint64,
	quotedTokens *big.Int, prefetched *utils.Future[*big.Int],
) (domain.PricingInfo, error) {
	totalSats := new(big.Int).SetUint64(amountSats)
	totalSats.Mul(totalSats, new(big.Int).Sub(ppm, new(big.Int).SetUint64(feePPM)))
	totalSats.Quo(totalSats, ppm)
	totalSats.Sub(totalSats, new(big.Int).SetUint64(baseFee))

	return v.pricing(ctx, chainID, token, totalSats, baseFee, feePPM, quotedTokens, prefetched, false)
}

// IsValidAmountSend validates a quote where the user pays quotedTokens and
// receives amountSats.
func (v *PriceValidator) IsValidAmountSend(
	ctx context.Context, chainID, token string, amountSats, baseFee, feePPM uint64,
	quotedTokens *big.Int, prefetched *utils.Future[*big.Int],
) (domain.PricingInfo, error) {
	totalSats := new(big.Int).SetUint64(amountSats)
	totalSats.Mul(totalSats, new(big.Int).Add(ppm, new(big.Int).SetUint64(feePPM)))
	totalSats.Quo(totalSats, ppm)
	totalSats.Add(totalSats, new(big.Int).SetUint64(baseFee))

	return v.pricing(ctx, chainID, token, totalSats, baseFee, feePPM, quotedTokens, prefetched, true)
}

func (v *PriceValidator) pricing(
	ctx context.Context, chainID, token string, totalSats *big.Int, baseFee, feePPM uint64,
	quotedTokens *big.Int, prefetched *utils.Future[*big.Int], send bool,
) (domain.PricingInfo, error) {
	info := domain.PricingInfo{SatsBaseFee: baseFee, FeePPM: feePPM}
	if quotedTokens == nil || quotedTokens.Sign() <= 0 || totalSats.Sign() <= 0 {
		info.DifferencePPM = new(big.Int).Set(ppm)
		return info, nil
	}

	var (
		price *big.Int
		err   error
	)
	if prefetched != nil {
		price, err = prefetched.Get(ctx)
	}
	if prefetched == nil || err != nil {
		price, err = v.oracle.GetPrice(ctx, chainID, token)
	}
	if err != nil {
		return info, fmt.Errorf("failed to get price of %s: %w", token, err)
	}
	decimals, err := v.oracle.Decimals(chainID, token)
	if err != nil {
		return info, err
	}

	expected := TokensForSats(totalSats, price, decimals)
	if expected.Sign() <= 0 {
		return info, fmt.Errorf("oracle returned an invalid price for %s", token)
	}

	diff := new(big.Int)
	if send {
		diff.Sub(quotedTokens, expected)
	} else {
		diff.Sub(expected, quotedTokens)
	}
	diff.Mul(diff, ppm)
	diff.Quo(diff, expected)

	info.DifferencePPM = diff
	info.IsValid = diff.Cmp(v.maxDifferencePPM) <= 0
	info.RealPriceUSatPerToken = price
	info.SwapPriceUSatPerToken = domain.SwapPriceUSatPerToken(totalSats.Uint64(), quotedTokens, uint8(decimals))
	return info, nil
}

// TokensForSats converts sats to base units of a token priced in micro sats
// per whole token.
func TokensForSats(sats, priceUSat *big.Int, decimals int) *big.Int {
	if priceUSat == nil || priceUSat.Sign() <= 0 {
		return big.NewInt(0)
	}
	tokens := new(big.Int).Mul(sats, ppm)
	tokens.Mul(tokens, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	return tokens.Quo(tokens, priceUSat)
}

// RefreshPriceData recomputes the pricing snapshot of swap against the live
// oracle price. The swap state is left untouched.
func (v *PriceValidator) RefreshPriceData(ctx context.Context, swap domain.Swap) error {
	swap.Base().Lock()
	base := swap.Base()
	chainID := base.ChainIdentifier
	baseFee, feePPM := base.Pricing.SatsBaseFee, base.Pricing.FeePPM

	var (
		token        string
		amountSats   uint64
		quotedTokens *big.Int
		send         bool
	)
	switch s := swap.(type) {
	case *domain.FromBTCSwap:
		out := s.OutputAmount()
		token, amountSats, quotedTokens = out.Token, s.AmountSats, out.Value
	case *domain.FromBTCLNSwap:
		out := s.OutputAmount()
		token, amountSats, quotedTokens = out.Token, s.AmountSats, out.Value
	case *domain.SpvFromBTCSwap:
		token, amountSats, quotedTokens = s.Token, s.BtcAmountSwap, new(big.Int).Set(s.OutputTokens)
	case *domain.ToBTCSwap:
		in := s.InputAmount()
		token, amountSats, send = in.Token, s.AmountSats, true
		quotedTokens = in.Value.Sub(in.Value, nilToZero(s.NetworkFee))
	case *domain.ToBTCLNSwap:
		in := s.InputAmount()
		token, amountSats, send = in.Token, s.AmountSats, true
		quotedTokens = in.Value.Sub(in.Value, nilToZero(s.RoutingFee))
	}
	swap.Base().Unlock()

	var (
		info domain.PricingInfo
		err  error
	)
	if send {
		info, err = v.IsValidAmountSend(ctx, chainID, token, amountSats, baseFee, feePPM, quotedTokens, nil)
	} else {
		info, err = v.IsValidAmountReceive(ctx, chainID, token, amountSats, baseFee, feePPM, quotedTokens, nil)
	}
	if err != nil {
		return err
	}

	swap.Base().Lock()
	swap.Base().Pricing = info
	swap.Base().Unlock()
	return nil
}

func nilToZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
