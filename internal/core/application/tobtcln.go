package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/utils"
)

const (
	defaultRoutingFeeBase = 10
	defaultRoutingFeePPM  = 2000
	defaultLNExpiry       = 5 * 24 * time.Hour
)

type ToBTCLNRequest struct {
	Token   string
	Invoice string
	// MaxFeeSats caps the routing fee, derived from the invoice amount when
	// zero.
	MaxFeeSats uint64
	// Expiry is when the escrow becomes refundable, defaults to five days.
	Expiry time.Time
}

// ToBTCLNWrapper drives smart chain -> Lightning BTC swaps.
type ToBTCLNWrapper struct {
	*toBTCFlow[*domain.ToBTCLNSwap]
}

func NewToBTCLNWrapper(cfg WrapperConfig) *ToBTCLNWrapper {
	w := &ToBTCLNWrapper{}
	w.toBTCFlow = newToBTCFlow[*domain.ToBTCLNSwap](cfg, domain.SwapTypeToBTCLN, checkPreimage)
	return w
}

// checkPreimage accepts the payment once the LP revealed the preimage of the
// invoice payment hash.
func checkPreimage(
	_ context.Context, swap *domain.ToBTCLNSwap, auth *ports.RefundAuthorization,
) (string, bool, error) {
	var url, paymentHash string
	read(swap, func(s *domain.ToBTCLNSwap) { url, paymentHash = s.Url, s.PaymentHash })

	secret, err := hex.DecodeString(auth.Secret)
	if err != nil {
		return "", false, domain.NewIntermediaryError(url, "invalid secret encoding")
	}
	hash := sha256.Sum256(secret)
	if hex.EncodeToString(hash[:]) != paymentHash {
		return "", false, domain.NewIntermediaryError(url, "secret does not match payment hash")
	}
	return auth.Secret, true, nil
}

func defaultMaxRoutingFee(amountSats uint64) uint64 {
	return defaultRoutingFeeBase + amountSats*defaultRoutingFeePPM/1_000_000
}

func (w *ToBTCLNWrapper) Create(ctx context.Context, req ToBTCLNRequest) ([]*domain.ToBTCLNSwap, error) {
	if req.Token == "" {
		return nil, &domain.ValidationError{Field: "token", Reason: "cannot be empty"}
	}
	invoice, err := utils.DecodeInvoice(req.Invoice)
	if err != nil {
		return nil, &domain.ValidationError{Field: "invoice", Reason: err.Error()}
	}
	if invoice.AmountSats == 0 {
		return nil, &domain.ValidationError{Field: "invoice", Reason: "must specify an amount"}
	}
	if invoice.IsExpired(time.Now()) {
		return nil, &domain.ValidationError{Field: "invoice", Reason: "already expired"}
	}
	if req.MaxFeeSats == 0 {
		req.MaxFeeSats = defaultMaxRoutingFee(invoice.AmountSats)
	}
	if req.Expiry.IsZero() {
		req.Expiry = time.Now().Add(defaultLNExpiry)
	}
	paymentHash := invoice.PaymentHashHex()

	lps, err := w.candidates(ctx, req.Token, invoice.AmountSats)
	if err != nil {
		return nil, err
	}
	price := w.Prices.PreFetchPrice(ctx, w.ChainID(), req.Token)

	return negotiate(ctx, w.wrapperBase, lps, false,
		func(ctx context.Context, lp domain.Intermediary) (*domain.ToBTCLNSwap, error) {
			lpAddress := lp.Address(w.ChainID())
			feeRate := utils.Go(ctx, func(ctx context.Context) (string, error) {
				return w.Chain.GetInitFeeRate(ctx, w.Signer.Address(), lpAddress, req.Token)
			})

			stream, err := w.Intermediary.InitToBTCLN(ctx, lp.Url, ports.ToBTCLNRequest{
				ChainID:         w.ChainID(),
				Offerer:         w.Signer.Address(),
				Token:           req.Token,
				Invoice:         req.Invoice,
				MaxFeeSats:      req.MaxFeeSats,
				ExpiryTimestamp: req.Expiry.Unix(),
				FeeRate:         feeRate,
			})
			if err != nil {
				return nil, err
			}
			prefetch := prefetchSignatureData(ctx, w.Chain, stream.SignDataPrefetch)

			resp, err := stream.Response.Get(ctx)
			if err != nil {
				return nil, err
			}

			data, err := w.Chain.DecodeLPEscrow(resp.Data)
			if err != nil {
				return nil, domain.NewIntermediaryError(lp.Url, "invalid escrow data: %s", err)
			}
			expected := escrowExpectation{
				kind:      domain.ChainSwapTypeHTLC,
				offerer:   w.Signer.Address(),
				claimer:   lpAddress,
				token:     req.Token,
				amount:    resp.Total,
				claimHash: w.Chain.HashForHtlc(invoice.PaymentHash),
				payIn:     true,
			}
			if err := expected.check(lp.Url, data); err != nil {
				return nil, err
			}
			if resp.RoutingFeeSats > req.MaxFeeSats {
				return nil, domain.NewIntermediaryError(lp.Url, "routing fee %d above max %d", resp.RoutingFeeSats, req.MaxFeeSats)
			}

			rate, err := feeRate.Get(ctx)
			if err != nil {
				return nil, err
			}
			sig := resp.SignatureData()
			if err := verifyInitAuthorization(ctx, w.Chain, w.Signer.Address(), data, sig, rate, prefetch); err != nil {
				return nil, err
			}

			service := lp.Services[domain.SwapTypeToBTCLN]
			maxFee := nilToZero(resp.MaxFee)
			pricing, err := w.Prices.IsValidAmountSend(
				ctx, w.ChainID(), req.Token, invoice.AmountSats, service.SwapBaseFee, service.SwapFeePPM,
				new(big.Int).Sub(resp.Total, maxFee), price,
			)
			if err != nil {
				return nil, err
			}
			if err := checkPricing(lp.Url, pricing); err != nil {
				return nil, err
			}

			escrowHash, err := w.Chain.EscrowHash(data)
			if err != nil {
				return nil, err
			}
			routingFeeSats := resp.RoutingFeeSats
			if routingFeeSats == 0 {
				routingFeeSats = req.MaxFeeSats
			}
			return domain.NewToBTCLNSwap(domain.ToBTCLNQuote{
				QuoteParams: domain.QuoteParams{
					Url:             lp.Url,
					ChainIdentifier: w.ChainID(),
					Expiry:          sig.Deadline(),
					Pricing:         pricing,
					SwapFee:         resp.SwapFee,
					SwapFeeBtc:      satsFromTokens(resp.SwapFee, resp.Total, invoice.AmountSats),
				},
				Invoice:        req.Invoice,
				PaymentHash:    paymentHash,
				AmountSats:     invoice.AmountSats,
				Confidence:     resp.Confidence,
				RoutingFee:     maxFee,
				RoutingFeeSats: routingFeeSats,
				Data:           data,
				EscrowHash:     escrowHash,
				Signature:      sig,
				FeeRate:        rate,
			})
		},
	)
}
