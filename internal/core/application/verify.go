package application

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/utils"
)

// escrowExpectation is the escrow the client derives on its own for a quote.
// Optional fields are skipped when nil or empty.
type escrowExpectation struct {
	kind             domain.ChainSwapType
	offerer          string
	claimer          string
	token            string
	amount           *big.Int
	claimHash        string
	sequence         *big.Int
	depositToken     string
	claimerBounty    *big.Int
	securityDeposit  *big.Int
	maxConfirmations uint32
	payIn            bool
	payOut           bool
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

func sameInt(a, b *big.Int) bool {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	return a.Cmp(b) == 0
}

// check compares the LP returned escrow with the expectation. Any mismatch
// is an IntermediaryError.
func (e escrowExpectation) check(url string, data domain.EscrowData) error {
	switch {
	case data.Kind() != e.kind:
		return domain.NewIntermediaryError(url, "invalid escrow type %d", data.Kind())
	case !sameAddress(data.Offerer(), e.offerer):
		return domain.NewIntermediaryError(url, "invalid offerer %s", data.Offerer())
	case !sameAddress(data.Claimer(), e.claimer):
		return domain.NewIntermediaryError(url, "invalid claimer %s", data.Claimer())
	case !sameAddress(data.Token(), e.token):
		return domain.NewIntermediaryError(url, "invalid token %s", data.Token())
	case e.amount != nil && !sameInt(data.Amount(), e.amount):
		return domain.NewIntermediaryError(url, "invalid amount %s, expected %s", data.Amount(), e.amount)
	case !strings.EqualFold(data.ClaimHash(), e.claimHash):
		return domain.NewIntermediaryError(url, "invalid claim hash %s", data.ClaimHash())
	case e.sequence != nil && !sameInt(data.Sequence(), e.sequence):
		return domain.NewIntermediaryError(url, "invalid sequence %s", data.Sequence())
	case e.depositToken != "" && !sameAddress(data.DepositToken(), e.depositToken):
		return domain.NewIntermediaryError(url, "invalid deposit token %s", data.DepositToken())
	case e.claimerBounty != nil && !sameInt(data.ClaimerBounty(), e.claimerBounty):
		return domain.NewIntermediaryError(url, "invalid claimer bounty %s", data.ClaimerBounty())
	case e.securityDeposit != nil && !sameInt(data.SecurityDeposit(), e.securityDeposit):
		return domain.NewIntermediaryError(url, "invalid security deposit %s", data.SecurityDeposit())
	case e.maxConfirmations > 0 && (data.Confirmations() == 0 || data.Confirmations() > e.maxConfirmations):
		return domain.NewIntermediaryError(url, "invalid confirmations %d", data.Confirmations())
	case data.IsPayIn() != e.payIn:
		return domain.NewIntermediaryError(url, "invalid pay in flag")
	case data.IsPayOut() != e.payOut:
		return domain.NewIntermediaryError(url, "invalid pay out flag")
	case data.ExtraData() != "":
		return domain.NewIntermediaryError(url, "unexpected extra data")
	}
	return nil
}

// verifyInitAuthorization checks the LP signature over the escrow, using the
// chain data prefetched while the LP was computing the quote.
func verifyInitAuthorization(
	ctx context.Context, chain ports.ChainInterface, signer string, data domain.EscrowData,
	sig *domain.SignatureData, feeRate string, prefetch *utils.Future[*ports.SignaturePrefetch],
) error {
	var prefetched *ports.SignaturePrefetch
	if prefetch != nil {
		// A failed prefetch only means the chain is queried again.
		prefetched, _ = prefetch.Get(ctx)
	}
	return chain.IsValidInitAuthorization(ctx, signer, data, sig, feeRate, prefetched)
}

// prefetchSignatureData resolves the LP's sign data prefetch into the chain
// state needed to verify its authorization.
func prefetchSignatureData(
	ctx context.Context, chain ports.ChainInterface, raw *utils.Future[json.RawMessage],
) *utils.Future[*ports.SignaturePrefetch] {
	if raw == nil {
		return nil
	}
	return utils.Go(ctx, func(ctx context.Context) (*ports.SignaturePrefetch, error) {
		data, err := raw.Get(ctx)
		if err != nil {
			return nil, err
		}
		return chain.PrefetchSignatureData(ctx, data)
	})
}

func checkPricing(url string, pricing domain.PricingInfo) error {
	if !pricing.IsValid {
		return domain.NewIntermediaryError(url, "price differs from oracle by %s ppm", pricing.DifferencePPM)
	}
	return nil
}

func checkLiquidity(ctx context.Context, url string, liquidity *utils.Future[*big.Int], required *big.Int) error {
	if liquidity == nil {
		return nil
	}
	available, err := liquidity.Get(ctx)
	if err != nil {
		return err
	}
	if available.Cmp(required) < 0 {
		return domain.NewIntermediaryError(url, "not enough liquidity: has %s, needs %s", available, required)
	}
	return nil
}
