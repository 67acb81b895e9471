package domain

import "math/big"

// PricingInfo is the snapshot of LP quoted price against the oracle price
// taken at quote time.
type PricingInfo struct {
	IsValid               bool     `json:"isValid"`
	DifferencePPM         *big.Int `json:"differencePPM"`
	SatsBaseFee           uint64   `json:"satsBaseFee"`
	FeePPM                uint64   `json:"feePPM"`
	RealPriceUSatPerToken *big.Int `json:"realPriceUSatPerToken,omitempty"`
	SwapPriceUSatPerToken *big.Int `json:"swapPriceUSatPerToken,omitempty"`
}

// SwapPriceUSatPerToken computes the effective price paid for a token in
// micro sats per whole token.
func SwapPriceUSatPerToken(sats uint64, tokens *big.Int, decimals uint8) *big.Int {
	if tokens == nil || tokens.Sign() == 0 {
		return nil
	}
	price := new(big.Int).SetUint64(sats)
	price.Mul(price, big.NewInt(1_000_000))
	price.Mul(price, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	return price.Quo(price, tokens)
}

type FeeType int

const (
	FeeTypeSwap FeeType = iota
	FeeTypeNetworkOutput
	FeeTypeLightningRouting
)

func (t FeeType) String() string {
	switch t {
	case FeeTypeSwap:
		return "SWAP"
	case FeeTypeNetworkOutput:
		return "NETWORK_OUTPUT"
	case FeeTypeLightningRouting:
		return "LIGHTNING_ROUTING"
	default:
		return "UNKNOWN"
	}
}

// Fee is a fee expressed both in the token the user pays with and in the
// token the user receives.
type Fee struct {
	AmountInSrcToken Amount
	AmountInDstToken Amount
}

type FeeComponent struct {
	Type FeeType
	Fee  Fee
}

func tokenFee(srcToken string, tokens *big.Int, dstToken string, sats uint64) Fee {
	return Fee{
		AmountInSrcToken: Amount{Token: srcToken, Value: copyOrZero(tokens)},
		AmountInDstToken: SatsAmount(dstToken, sats),
	}
}

func btcFee(srcToken string, sats uint64, dstToken string, tokens *big.Int) Fee {
	return Fee{
		AmountInSrcToken: SatsAmount(srcToken, sats),
		AmountInDstToken: Amount{Token: dstToken, Value: copyOrZero(tokens)},
	}
}

func sumFees(fees ...Fee) Fee {
	if len(fees) == 0 {
		return Fee{}
	}
	total := Fee{
		AmountInSrcToken: Amount{Token: fees[0].AmountInSrcToken.Token, Value: big.NewInt(0)},
		AmountInDstToken: Amount{Token: fees[0].AmountInDstToken.Token, Value: big.NewInt(0)},
	}
	for _, f := range fees {
		total.AmountInSrcToken.Value.Add(total.AmountInSrcToken.Value, copyOrZero(f.AmountInSrcToken.Value))
		total.AmountInDstToken.Value.Add(total.AmountInDstToken.Value, copyOrZero(f.AmountInDstToken.Value))
	}
	return total
}

func copyOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
