package application

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/utils"
	"github.com/lightningnetwork/lnd/lntypes"
)

type FromBTCLNRequest struct {
	Token string
	// Amount is in sats, or in token base units when ExactOut.
	Amount          *big.Int
	ExactOut        bool
	DescriptionHash string
}

// FromBTCLNWrapper drives Lightning BTC -> smart chain swaps.
type FromBTCLNWrapper struct {
	*wrapperBase[*domain.FromBTCLNSwap]
}

func NewFromBTCLNWrapper(cfg WrapperConfig) *FromBTCLNWrapper {
	w := &FromBTCLNWrapper{}
	w.wrapperBase = newWrapperBase(cfg, domain.SwapTypeFromBTCLN, wrapperHooks[*domain.FromBTCLNSwap]{
		sync:  w.syncSwap,
		tick:  w.tickSwap,
		event: w.processEvent,
	})
	return w
}

func newPreimage() (lntypes.Preimage, error) {
	var preimage lntypes.Preimage
	if _, err := rand.Read(preimage[:]); err != nil {
		return preimage, err
	}
	return preimage, nil
}

// Create asks every capable LP for a hold invoice. Each quote is locked to
// its own freshly generated preimage.
func (w *FromBTCLNWrapper) Create(ctx context.Context, req FromBTCLNRequest) ([]*domain.FromBTCLNSwap, error) {
	if req.Token == "" {
		return nil, &domain.ValidationError{Field: "token", Reason: "cannot be empty"}
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if req.DescriptionHash != "" {
		if b, err := hex.DecodeString(req.DescriptionHash); err != nil || len(b) != 32 {
			return nil, &domain.ValidationError{Field: "description hash", Reason: "must be 32 bytes hex encoded"}
		}
	}

	var amountSats uint64
	if !req.ExactOut {
		amountSats = req.Amount.Uint64()
	}
	lps, err := w.candidates(ctx, req.Token, amountSats)
	if err != nil {
		return nil, err
	}
	price := w.Prices.PreFetchPrice(ctx, w.ChainID(), req.Token)

	return negotiate(ctx, w.wrapperBase, lps, !req.ExactOut,
		func(ctx context.Context, lp domain.Intermediary) (*domain.FromBTCLNSwap, error) {
			preimage, err := newPreimage()
			if err != nil {
				return nil, err
			}
			paymentHash := preimage.Hash()

			lpAddress := lp.Address(w.ChainID())
			liquidity := utils.Go(ctx, func(ctx context.Context) (*big.Int, error) {
				return w.Chain.GetLiquidity(ctx, lpAddress, req.Token)
			})
			feeRate := utils.Go(ctx, func(ctx context.Context) (string, error) {
				return w.Chain.GetInitFeeRate(ctx, lpAddress, w.Signer.Address(), req.Token)
			})

			resp, err := w.Intermediary.InitFromBTCLN(ctx, lp.Url, ports.FromBTCLNRequest{
				ChainID:         w.ChainID(),
				Claimer:         w.Signer.Address(),
				Token:           req.Token,
				Amount:          req.Amount,
				ExactOut:        req.ExactOut,
				PaymentHash:     paymentHash.String(),
				DescriptionHash: req.DescriptionHash,
				FeeRate:         feeRate,
			})
			if err != nil {
				return nil, err
			}

			invoice, err := utils.DecodeInvoice(resp.Invoice)
			if err != nil {
				return nil, domain.NewIntermediaryError(lp.Url, "invalid invoice: %s", err)
			}
			if invoice.PaymentHashHex() != paymentHash.String() {
				return nil, domain.NewIntermediaryError(lp.Url, "invalid invoice payment hash")
			}
			if !req.ExactOut && req.Amount.Cmp(new(big.Int).SetUint64(invoice.AmountSats)) != 0 {
				return nil, domain.NewIntermediaryError(lp.Url, "invalid invoice amount %d", invoice.AmountSats)
			}
			if req.ExactOut && !sameInt(resp.Total, req.Amount) {
				return nil, domain.NewIntermediaryError(lp.Url, "invalid output amount %s", resp.Total)
			}
			if invoice.IsExpired(time.Now()) {
				return nil, domain.NewIntermediaryError(lp.Url, "invoice already expired")
			}

			service := lp.Services[domain.SwapTypeFromBTCLN]
			pricing, err := w.Prices.IsValidAmountReceive(
				ctx, w.ChainID(), req.Token, invoice.AmountSats,
				service.SwapBaseFee, service.SwapFeePPM, resp.Total, price,
			)
			if err != nil {
				return nil, err
			}
			if err := checkPricing(lp.Url, pricing); err != nil {
				return nil, err
			}
			if err := checkLiquidity(ctx, lp.Url, liquidity, resp.Total); err != nil {
				return nil, err
			}
			rate, err := feeRate.Get(ctx)
			if err != nil {
				return nil, err
			}

			swap, err := domain.NewFromBTCLNSwap(domain.FromBTCLNQuote{
				QuoteParams: domain.QuoteParams{
					Url:             lp.Url,
					ChainIdentifier: w.ChainID(),
					Expiry:          invoice.Expiry,
					Pricing:         pricing,
					SwapFee:         resp.SwapFee,
					SwapFeeBtc:      resp.SwapFeeBtc,
					ExactIn:         !req.ExactOut,
				},
				Invoice:         resp.Invoice,
				PaymentHash:     paymentHash.String(),
				Secret:          preimage.String(),
				AmountSats:      invoice.AmountSats,
				Token:           req.Token,
				OutputTokens:    resp.Total,
				LpAddress:       lpAddress,
				SecurityDeposit: resp.SecurityDeposit,
			})
			if err != nil {
				return nil, err
			}
			swap.FeeRate = rate
			return swap, nil
		},
	)
}

// WaitForPayment polls the LP until the invoice is paid and the escrow
// authorization is verified. It returns false when the quote died.
func (w *FromBTCLNWrapper) WaitForPayment(
	ctx context.Context, swap *domain.FromBTCLNSwap, interval time.Duration,
) (bool, error) {
	if interval <= 0 {
		interval = w.Options.WatchdogInterval
	}
	swap, err := w.initiate(ctx, swap)
	if err != nil {
		return false, err
	}

	err = utils.Retry(ctx, interval, func(ctx context.Context) (bool, error) {
		var state domain.FromBTCLNState
		read(swap, func(s *domain.FromBTCLNSwap) { state = s.State })
		if state != domain.FromBTCLNStateCreated && state != domain.FromBTCLNStateQuoteSoftExpired {
			return true, nil
		}

		u, done, err := w.checkPayment(ctx, swap)
		if err != nil {
			var ierr *domain.IntermediaryError
			if errors.As(err, &ierr) {
				return false, err
			}
			w.logger(swap).WithError(err).Debug("failed to get payment authorization")
			return false, nil
		}
		if _, err := w.apply(ctx, swap, u); err != nil {
			return false, err
		}
		return done, nil
	})
	if err != nil {
		return false, err
	}

	var paid bool
	read(swap, func(s *domain.FromBTCLNSwap) { paid = s.Data != nil && !s.IsFinished() || s.IsSuccessful() })
	return paid, nil
}

// checkPayment queries the LP for the escrow authorization. done reports
// whether the LP gave a final answer.
func (w *FromBTCLNWrapper) checkPayment(
	ctx context.Context, swap *domain.FromBTCLNSwap,
) (update[*domain.FromBTCLNSwap], bool, error) {
	var (
		url, paymentHash string
		expiry           time.Time
	)
	read(swap, func(s *domain.FromBTCLNSwap) {
		url, paymentHash, expiry = s.Url, s.PaymentHash, s.QuoteExpiry()
	})

	auth, err := w.Intermediary.GetPaymentAuthorization(ctx, url, paymentHash)
	if err != nil {
		return nil, false, err
	}

	switch auth.Status {
	case ports.PaymentAuthPaid:
		u, err := w.verifyPaymentAuthorization(ctx, swap, auth.EscrowInitData)
		return u, true, err
	case ports.PaymentAuthExpired:
		return fromBTCLNQuoteExpired, true, nil
	case ports.PaymentAuthNotFound:
		if time.Now().After(expiry) {
			return fromBTCLNQuoteExpired, true, nil
		}
		return func(s *domain.FromBTCLNSwap) (bool, error) {
			if s.State != domain.FromBTCLNStateCreated {
				return false, nil
			}
			return s.Failed("")
		}, true, nil
	}
	return nil, false, nil
}

func fromBTCLNQuoteExpired(s *domain.FromBTCLNSwap) (bool, error) {
	if s.State != domain.FromBTCLNStateCreated && s.State != domain.FromBTCLNStateQuoteSoftExpired &&
		s.State != domain.FromBTCLNStatePaid {
		return false, nil
	}
	return s.QuoteExpired()
}

// verifyPaymentAuthorization checks the escrow the LP wants to initialize
// against what was agreed in the quote.
func (w *FromBTCLNWrapper) verifyPaymentAuthorization(
	ctx context.Context, swap *domain.FromBTCLNSwap, init ports.EscrowInitData,
) (update[*domain.FromBTCLNSwap], error) {
	var snapshot domain.FromBTCLNSwap
	read(swap, func(s *domain.FromBTCLNSwap) {
		snapshot.Url, snapshot.PaymentHash, snapshot.Token = s.Url, s.PaymentHash, s.Token
		snapshot.OutputTokens, snapshot.LpAddress = s.OutputTokens, s.LpAddress
		snapshot.SecurityDeposit, snapshot.FeeRate = s.SecurityDeposit, s.FeeRate
	})

	data, err := w.Chain.DecodeLPEscrow(init.Data)
	if err != nil {
		return nil, domain.NewIntermediaryError(snapshot.Url, "invalid escrow data: %s", err)
	}
	paymentHash, err := hex.DecodeString(snapshot.PaymentHash)
	if err != nil {
		return nil, err
	}
	expected := escrowExpectation{
		kind:            domain.ChainSwapTypeHTLC,
		offerer:         snapshot.LpAddress,
		claimer:         w.Signer.Address(),
		token:           snapshot.Token,
		amount:          snapshot.OutputTokens,
		claimHash:       w.Chain.HashForHtlc(paymentHash),
		depositToken:    w.Chain.NativeToken(),
		securityDeposit: snapshot.SecurityDeposit,
		payOut:          true,
	}
	if err := expected.check(snapshot.Url, data); err != nil {
		return nil, err
	}

	sig := init.SignatureData()
	if err := verifyInitAuthorization(
		ctx, w.Chain, w.Signer.Address(), data, sig, snapshot.FeeRate, nil,
	); err != nil {
		var sigErr *domain.SignatureVerificationError
		if errors.As(err, &sigErr) {
			return nil, domain.NewIntermediaryError(snapshot.Url, "invalid escrow authorization: %s", err)
		}
		return nil, err
	}
	escrowHash, err := w.Chain.EscrowHash(data)
	if err != nil {
		return nil, err
	}

	return func(s *domain.FromBTCLNSwap) (bool, error) {
		if s.State != domain.FromBTCLNStateCreated && s.State != domain.FromBTCLNStateQuoteSoftExpired {
			return false, nil
		}
		if s.Data != nil {
			return false, nil
		}
		return s.Paid(data, escrowHash, sig)
	}, nil
}

// Commit initializes the escrow the LP authorized after the invoice was
// paid.
func (w *FromBTCLNWrapper) Commit(ctx context.Context, swap *domain.FromBTCLNSwap, skipChecks bool) error {
	swap, err := w.initiate(ctx, swap)
	if err != nil {
		return err
	}

	var (
		state   domain.FromBTCLNState
		data    domain.EscrowData
		sig     *domain.SignatureData
		feeRate string
	)
	read(swap, func(s *domain.FromBTCLNSwap) {
		state, data, sig, feeRate = s.State, s.Data, s.Signature, s.FeeRate
	})
	if data == nil || (state != domain.FromBTCLNStatePaid && state != domain.FromBTCLNStateQuoteSoftExpired) {
		return fmt.Errorf("swap must be in %s state, got %s", domain.FromBTCLNStatePaid, state)
	}

	if !skipChecks {
		expired, err := w.Chain.IsInitAuthorizationExpired(ctx, data, sig)
		if err != nil {
			return err
		}
		if expired {
			if _, err := w.apply(ctx, swap, fromBTCLNQuoteExpired); err != nil {
				return err
			}
			return &domain.SignatureVerificationError{Reason: "init authorization expired"}
		}
	}

	txs, err := w.Chain.TxsInit(ctx, w.Signer.Address(), data, sig, feeRate)
	if err != nil {
		return err
	}
	txID, err := w.send(ctx, txs)
	if err != nil {
		status, statusErr := w.Chain.GetCommitStatus(ctx, w.Signer.Address(), data)
		if statusErr != nil || status.Type != domain.CommitStatusCommitted {
			return err
		}
		txID = ""
	}
	_, err = w.apply(ctx, swap, func(s *domain.FromBTCLNSwap) (bool, error) {
		return s.Committed(txID)
	})
	return err
}

// Claim reveals the preimage on the smart chain, settling the escrow to the
// user and letting the LP settle the hold invoice.
func (w *FromBTCLNWrapper) Claim(ctx context.Context, swap *domain.FromBTCLNSwap) error {
	var (
		state  domain.FromBTCLNState
		data   domain.EscrowData
		secret string
	)
	read(swap, func(s *domain.FromBTCLNSwap) { state, data, secret = s.State, s.Data, s.Secret })
	if state != domain.FromBTCLNStateCommitted {
		return fmt.Errorf("swap must be in %s state, got %s", domain.FromBTCLNStateCommitted, state)
	}

	txs, err := w.Chain.TxsClaimWithSecret(ctx, w.Signer.Address(), data, secret)
	if err != nil {
		return err
	}
	txID, err := w.send(ctx, txs)
	if err != nil {
		status, statusErr := w.Chain.GetCommitStatus(ctx, w.Signer.Address(), data)
		if statusErr != nil || status.Type != domain.CommitStatusPaid {
			return err
		}
		txID = status.ClaimTxID
	}
	_, err = w.apply(ctx, swap, func(s *domain.FromBTCLNSwap) (bool, error) {
		return s.Claimed(txID)
	})
	return err
}

// CommitAndClaim initializes and immediately claims the escrow.
func (w *FromBTCLNWrapper) CommitAndClaim(ctx context.Context, swap *domain.FromBTCLNSwap, skipChecks bool) error {
	if err := w.Commit(ctx, swap, skipChecks); err != nil {
		return err
	}
	return w.Claim(ctx, swap)
}

func (w *FromBTCLNWrapper) WaitTillClaimed(ctx context.Context, swap *domain.FromBTCLNSwap) error {
	var data domain.EscrowData
	read(swap, func(s *domain.FromBTCLNSwap) { data = s.Data })
	if data == nil {
		return fmt.Errorf("swap escrow is not known yet")
	}

	err := w.waitRace(ctx, swap, int(domain.FromBTCLNStateClaimed), domain.StateEq,
		func(ctx context.Context) (update[*domain.FromBTCLNSwap], error) {
			status, err := watchdogWaitTillResult(ctx, w.Chain, w.Signer.Address(), data, w.Options.WatchdogInterval)
			if err != nil {
				return nil, err
			}
			return fromBTCLNStatusUpdate(status), nil
		},
	)
	if err != nil {
		return err
	}
	var state domain.FromBTCLNState
	read(swap, func(s *domain.FromBTCLNSwap) { state = s.State })
	if state != domain.FromBTCLNStateClaimed {
		return fmt.Errorf("swap ended in %s state", state)
	}
	return nil
}

func fromBTCLNStatusUpdate(status *domain.CommitStatus) update[*domain.FromBTCLNSwap] {
	return func(s *domain.FromBTCLNSwap) (bool, error) {
		if s.IsFinished() || s.Data == nil {
			return false, nil
		}
		uncommitted := s.State == domain.FromBTCLNStatePaid || s.State == domain.FromBTCLNStateQuoteSoftExpired
		switch status.Type {
		case domain.CommitStatusPaid:
			return s.Claimed(status.ClaimTxID)
		case domain.CommitStatusCommitted:
			if uncommitted {
				return s.Committed("")
			}
		case domain.CommitStatusExpired:
			if uncommitted {
				return s.QuoteExpired()
			}
			if s.State == domain.FromBTCLNStateCommitted {
				return s.Expired()
			}
		case domain.CommitStatusNotCommitted:
			if s.State == domain.FromBTCLNStateCommitted || s.State == domain.FromBTCLNStateExpired {
				return s.Failed(status.RefundTxID)
			}
		}
		return false, nil
	}
}

func (w *FromBTCLNWrapper) syncSwap(
	ctx context.Context, swap *domain.FromBTCLNSwap,
) (update[*domain.FromBTCLNSwap], error) {
	var (
		state domain.FromBTCLNState
		data  domain.EscrowData
		sig   *domain.SignatureData
	)
	read(swap, func(s *domain.FromBTCLNSwap) { state, data, sig = s.State, s.Data, s.Signature })

	if data == nil {
		if state != domain.FromBTCLNStateCreated && state != domain.FromBTCLNStateQuoteSoftExpired {
			return nil, nil
		}
		u, _, err := w.checkPayment(ctx, swap)
		return u, err
	}

	status, err := w.Chain.GetCommitStatus(ctx, w.Signer.Address(), data)
	if err != nil {
		return nil, err
	}
	updates := []update[*domain.FromBTCLNSwap]{fromBTCLNStatusUpdate(status)}

	uncommitted := state == domain.FromBTCLNStatePaid || state == domain.FromBTCLNStateQuoteSoftExpired
	if uncommitted && status.Type == domain.CommitStatusNotCommitted {
		expired, err := w.Chain.IsInitAuthorizationExpired(ctx, data, sig)
		if err != nil {
			return nil, err
		}
		if expired {
			updates = append(updates, fromBTCLNQuoteExpired)
		}
	}
	return chainUpdates(updates...), nil
}

func (w *FromBTCLNWrapper) tickSwap(
	_ context.Context, _ *domain.FromBTCLNSwap, _ bool,
) (update[*domain.FromBTCLNSwap], error) {
	now := time.Now()
	return func(s *domain.FromBTCLNSwap) (bool, error) {
		switch s.State {
		case domain.FromBTCLNStateCreated:
			if now.After(s.QuoteExpiry()) {
				return s.QuoteSoftExpired()
			}
		case domain.FromBTCLNStatePaid:
			if s.Signature != nil && now.After(s.Signature.Deadline()) {
				return s.QuoteSoftExpired()
			}
		case domain.FromBTCLNStateCommitted:
			if s.Data != nil && now.After(s.Data.Expiry()) {
				return s.Expired()
			}
		}
		return false, nil
	}, nil
}

func (w *FromBTCLNWrapper) processEvent(
	_ context.Context, _ *domain.FromBTCLNSwap, event ports.ChainEvent,
) (update[*domain.FromBTCLNSwap], error) {
	return func(s *domain.FromBTCLNSwap) (bool, error) {
		if s.IsFinished() || s.Data == nil {
			return false, nil
		}
		switch event.Kind {
		case ports.EventInitialize:
			if s.State == domain.FromBTCLNStatePaid || s.State == domain.FromBTCLNStateQuoteSoftExpired {
				return s.Committed(event.TxID)
			}
		case ports.EventClaim:
			return s.Claimed(event.TxID)
		case ports.EventRefund:
			if s.State == domain.FromBTCLNStateCommitted || s.State == domain.FromBTCLNStateExpired {
				return s.Failed(event.TxID)
			}
		}
		return false, nil
	}, nil
}
