package application

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/utils"
)

// toBTCVariant is satisfied by the on-chain and Lightning smart chain -> BTC
// swaps, which share states and escrow handling.
type toBTCVariant interface {
	domain.Swap
	Common() *domain.ToBTCCommon
}

// paymentProofCheck validates the proof an LP gave for paying out. ok false
// with a nil error means the proof cannot be verified yet.
type paymentProofCheck[S toBTCVariant] func(
	ctx context.Context, s S, auth *ports.RefundAuthorization,
) (proof string, ok bool, err error)

// toBTCFlow implements the lifecycle shared by smart chain -> BTC swaps: the
// user escrows tokens, then either the LP proves the payment and claims, or
// the user refunds.
type toBTCFlow[S toBTCVariant] struct {
	*wrapperBase[S]
	checkProof paymentProofCheck[S]
}

func newToBTCFlow[S toBTCVariant](
	cfg WrapperConfig, swapType domain.SwapType, checkProof paymentProofCheck[S],
) *toBTCFlow[S] {
	f := &toBTCFlow[S]{checkProof: checkProof}
	f.wrapperBase = newWrapperBase(cfg, swapType, wrapperHooks[S]{
		sync:  f.syncSwap,
		tick:  f.tickSwap,
		event: f.processEvent,
	})
	return f
}

func isUncommitted(state domain.ToBTCState) bool {
	return state == domain.ToBTCStateCreated || state == domain.ToBTCStateQuoteSoftExpired
}

// Commit escrows the user's tokens. Unless skipChecks is set the LP
// authorization is first checked for expiry.
func (f *toBTCFlow[S]) Commit(ctx context.Context, swap S, skipChecks bool) error {
	swap, err := f.initiate(ctx, swap)
	if err != nil {
		return err
	}

	var (
		state   domain.ToBTCState
		data    domain.EscrowData
		sig     *domain.SignatureData
		feeRate string
	)
	read(swap, func(s S) {
		c := s.Common()
		state, data, sig, feeRate = c.State, c.Data, c.Signature, c.FeeRate
	})
	if !isUncommitted(state) {
		return fmt.Errorf("swap must be in %s state, got %s", domain.ToBTCStateCreated, state)
	}

	if !skipChecks {
		expired, err := f.Chain.IsInitAuthorizationExpired(ctx, data, sig)
		if err != nil {
			return err
		}
		if expired {
			if _, err := f.apply(ctx, swap, toBTCQuoteExpired[S]); err != nil {
				return err
			}
			return &domain.SignatureVerificationError{Reason: "init authorization expired"}
		}
	}

	txs, err := f.Chain.TxsInit(ctx, f.Signer.Address(), data, sig, feeRate)
	if err != nil {
		return err
	}
	txID, err := f.send(ctx, txs)
	if err != nil {
		status, statusErr := f.Chain.GetCommitStatus(ctx, f.Signer.Address(), data)
		if statusErr != nil || status.Type != domain.CommitStatusCommitted {
			return err
		}
		txID = ""
	}
	_, err = f.apply(ctx, swap, func(s S) (bool, error) {
		return s.Common().Committed(txID)
	})
	return err
}

func toBTCQuoteExpired[S toBTCVariant](s S) (bool, error) {
	c := s.Common()
	if !isUncommitted(c.State) {
		return false, nil
	}
	return c.QuoteExpired()
}

// WaitForPayment waits for the LP to pay out. It returns true once the LP
// proved the payment and false when the swap became refundable instead.
func (f *toBTCFlow[S]) WaitForPayment(ctx context.Context, swap S, interval time.Duration) (bool, error) {
	if interval <= 0 {
		interval = f.Options.WatchdogInterval
	}

	var state domain.ToBTCState
	read(swap, func(s S) { state = s.Common().State })
	if state == domain.ToBTCStateCommitted {
		err := f.waitRace(ctx, swap, int(domain.ToBTCStateCommitted), domain.StateNeq,
			func(ctx context.Context) (update[S], error) {
				return f.pollRefundAuthorization(ctx, swap, interval)
			},
		)
		if err != nil {
			return false, err
		}
		read(swap, func(s S) { state = s.Common().State })
	}

	switch state {
	case domain.ToBTCStateSoftClaimed, domain.ToBTCStateClaimed:
		return true, nil
	case domain.ToBTCStateRefundable, domain.ToBTCStateRefunded:
		return false, nil
	default:
		return false, fmt.Errorf("swap is in %s state", state)
	}
}

// pollRefundAuthorization asks the LP for the outcome of the payment until it
// either proves it paid or hands over a cooperative refund authorization.
func (f *toBTCFlow[S]) pollRefundAuthorization(ctx context.Context, swap S, interval time.Duration) (update[S], error) {
	var (
		url, identifier string
		data            domain.EscrowData
	)
	read(swap, func(s S) {
		url, identifier, data = s.Base().Url, s.IdentifierHash(), s.Common().Data
	})

	var result update[S]
	err := utils.Retry(ctx, interval, func(ctx context.Context) (bool, error) {
		auth, err := f.Intermediary.GetRefundAuthorization(ctx, url, identifier, data.Sequence())
		if err != nil {
			var ierr *domain.IntermediaryError
			if errors.As(err, &ierr) {
				return false, err
			}
			f.logger(swap).WithError(err).Debug("failed to get refund authorization")
			return false, nil
		}

		switch auth.Status {
		case ports.RefundAuthPaid:
			proof, ok, err := f.checkProof(ctx, swap, auth)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			result = func(s S) (bool, error) {
				c := s.Common()
				if c.State != domain.ToBTCStateCommitted {
					return false, nil
				}
				return c.SoftClaimed(proof)
			}
			return true, nil
		case ports.RefundAuthRefundData:
			if auth.Refund == nil {
				return false, domain.NewIntermediaryError(url, "refund data without authorization")
			}
			if err := f.Chain.IsValidRefundAuthorization(ctx, data, auth.Refund); err != nil {
				return false, domain.NewIntermediaryError(url, "invalid refund authorization: %s", err)
			}
			result = toBTCRefundable[S](auth.Refund)
			return true, nil
		case ports.RefundAuthNotFound:
			return false, domain.NewIntermediaryError(url, "swap not found")
		}
		return false, nil
	})
	return result, err
}

func toBTCRefundable[S toBTCVariant](auth *domain.SignatureData) update[S] {
	return func(s S) (bool, error) {
		c := s.Common()
		if c.IsFinished() || isUncommitted(c.State) {
			return false, nil
		}
		return c.BecomeRefundable(auth)
	}
}

// Refund returns the escrowed tokens to the user, cooperatively when the LP
// signed a refund authorization, otherwise after the escrow timed out.
func (f *toBTCFlow[S]) Refund(ctx context.Context, swap S) error {
	var (
		state domain.ToBTCState
		data  domain.EscrowData
		auth  *domain.SignatureData
	)
	read(swap, func(s S) {
		c := s.Common()
		state, data, auth = c.State, c.Data, c.RefundAuthorization
	})
	if state != domain.ToBTCStateRefundable && state != domain.ToBTCStateCommitted &&
		state != domain.ToBTCStateSoftClaimed {
		return fmt.Errorf("swap is not refundable in %s state", state)
	}

	var (
		txs []ports.Tx
		err error
	)
	if auth != nil {
		txs, err = f.Chain.TxsRefundWithAuthorization(ctx, f.Signer.Address(), data, auth)
	} else {
		expired, expErr := f.Chain.IsExpired(ctx, data)
		if expErr != nil {
			return expErr
		}
		if !expired {
			return fmt.Errorf("swap is not refundable yet")
		}
		txs, err = f.Chain.TxsRefund(ctx, f.Signer.Address(), data)
	}
	if err != nil {
		return err
	}

	txID, err := f.send(ctx, txs)
	if err != nil {
		status, statusErr := f.Chain.GetCommitStatus(ctx, f.Signer.Address(), data)
		if statusErr != nil || status.Type != domain.CommitStatusNotCommitted {
			return err
		}
		txID = status.RefundTxID
	}
	_, err = f.apply(ctx, swap, func(s S) (bool, error) {
		return s.Common().Refunded(txID)
	})
	return err
}

func (f *toBTCFlow[S]) WaitTillRefunded(ctx context.Context, swap S) error {
	var data domain.EscrowData
	read(swap, func(s S) { data = s.Common().Data })

	err := f.waitRace(ctx, swap, int(domain.ToBTCStateRefunded), domain.StateEq,
		func(ctx context.Context) (update[S], error) {
			status, err := watchdogWaitTillResult(ctx, f.Chain, f.Signer.Address(), data, f.Options.WatchdogInterval)
			if err != nil {
				return nil, err
			}
			return toBTCStatusUpdate[S](status), nil
		},
	)
	if err != nil {
		return err
	}
	var state domain.ToBTCState
	read(swap, func(s S) { state = s.Common().State })
	if state != domain.ToBTCStateRefunded {
		return fmt.Errorf("swap ended in %s state", state)
	}
	return nil
}

// toBTCStatusUpdate maps the on-chain escrow status to the swap state. An
// escrow no longer committed after the user committed was refunded, since a
// claim leaves it paid.
func toBTCStatusUpdate[S toBTCVariant](status *domain.CommitStatus) update[S] {
	return func(s S) (bool, error) {
		c := s.Common()
		if c.IsFinished() {
			return false, nil
		}
		switch status.Type {
		case domain.CommitStatusPaid:
			return c.Claimed(status.ClaimTxID, status.Witness)
		case domain.CommitStatusCommitted:
			if isUncommitted(c.State) {
				return c.Committed("")
			}
		case domain.CommitStatusExpired:
			changed := false
			if isUncommitted(c.State) {
				var err error
				if changed, err = c.Committed(""); err != nil {
					return changed, err
				}
			}
			refundable, err := c.BecomeRefundable(nil)
			return changed || refundable, err
		case domain.CommitStatusNotCommitted:
			if !isUncommitted(c.State) {
				return c.Refunded(status.RefundTxID)
			}
		}
		return false, nil
	}
}

func (f *toBTCFlow[S]) syncSwap(ctx context.Context, swap S) (update[S], error) {
	var (
		state domain.ToBTCState
		data  domain.EscrowData
		sig   *domain.SignatureData
	)
	read(swap, func(s S) {
		c := s.Common()
		state, data, sig = c.State, c.Data, c.Signature
	})

	status, err := f.Chain.GetCommitStatus(ctx, f.Signer.Address(), data)
	if err != nil {
		return nil, err
	}
	updates := []update[S]{toBTCStatusUpdate[S](status)}

	if isUncommitted(state) && status.Type == domain.CommitStatusNotCommitted {
		expired, err := f.Chain.IsInitAuthorizationExpired(ctx, data, sig)
		if err != nil {
			return nil, err
		}
		if expired {
			updates = append(updates, toBTCQuoteExpired[S])
		}
	}
	return chainUpdates(updates...), nil
}

func (f *toBTCFlow[S]) tickSwap(_ context.Context, _ S, _ bool) (update[S], error) {
	now := time.Now()
	return func(s S) (bool, error) {
		c := s.Common()
		switch c.State {
		case domain.ToBTCStateCreated:
			if c.Signature != nil && now.After(c.Signature.Deadline()) {
				return c.QuoteSoftExpired()
			}
		case domain.ToBTCStateCommitted, domain.ToBTCStateSoftClaimed:
			if c.Data != nil && now.After(c.Data.Expiry()) {
				return c.BecomeRefundable(nil)
			}
		}
		return false, nil
	}, nil
}

func (f *toBTCFlow[S]) processEvent(_ context.Context, _ S, event ports.ChainEvent) (update[S], error) {
	return func(s S) (bool, error) {
		c := s.Common()
		if c.IsFinished() {
			return false, nil
		}
		switch event.Kind {
		case ports.EventInitialize:
			if isUncommitted(c.State) {
				return c.Committed(event.TxID)
			}
		case ports.EventClaim:
			return c.Claimed(event.TxID, event.Witness)
		case ports.EventRefund:
			if !isUncommitted(c.State) {
				return c.Refunded(event.TxID)
			}
		}
		return false, nil
	}, nil
}

const defaultToBTCConfirmations = 3

type ToBTCRequest struct {
	Token   string
	Address string
	// Amount is in sats, or in token base units when ExactIn.
	Amount        *big.Int
	ExactIn       bool
	Confirmations uint32
}

// ToBTCWrapper drives smart chain -> on-chain BTC swaps.
type ToBTCWrapper struct {
	*toBTCFlow[*domain.ToBTCSwap]
}

func NewToBTCWrapper(cfg WrapperConfig) *ToBTCWrapper {
	w := &ToBTCWrapper{}
	w.toBTCFlow = newToBTCFlow[*domain.ToBTCSwap](cfg, domain.SwapTypeToBTC, w.checkPayout)
	return w
}

// checkPayout looks the LP's bitcoin transaction up and requires it to pay
// the swap amount to the swap address.
func (w *ToBTCWrapper) checkPayout(
	ctx context.Context, swap *domain.ToBTCSwap, auth *ports.RefundAuthorization,
) (string, bool, error) {
	var (
		url, address string
		amount       uint64
	)
	read(swap, func(s *domain.ToBTCSwap) { url, address, amount = s.Url, s.BtcAddress, s.AmountSats })

	if auth.TxID == "" {
		return "", false, domain.NewIntermediaryError(url, "payment reported without txid")
	}
	tx, err := w.Bitcoin.GetTransaction(ctx, auth.TxID)
	if err != nil || tx == nil {
		return "", false, err
	}
	script, err := utils.OutputScript(address, w.Network)
	if err != nil {
		return "", false, err
	}
	if _, ok := findOutput(tx, script, amount); !ok {
		return "", false, domain.NewIntermediaryError(url, "bitcoin tx %s does not pay the swap", auth.TxID)
	}
	return auth.TxID, true, nil
}

func (w *ToBTCWrapper) Create(ctx context.Context, req ToBTCRequest) ([]*domain.ToBTCSwap, error) {
	if req.Token == "" {
		return nil, &domain.ValidationError{Field: "token", Reason: "cannot be empty"}
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !utils.IsValidBtcAddress(req.Address, w.Network) {
		return nil, &domain.ValidationError{Field: "address", Reason: fmt.Sprintf("%s is not valid on %s", req.Address, w.Network.Name)}
	}
	if req.Confirmations == 0 {
		req.Confirmations = defaultToBTCConfirmations
	}
	if req.Confirmations > w.Options.MaxConfirmations {
		return nil, &domain.ValidationError{Field: "confirmations", Reason: fmt.Sprintf("must be at most %d", w.Options.MaxConfirmations)}
	}
	script, err := utils.OutputScript(req.Address, w.Network)
	if err != nil {
		return nil, &domain.ValidationError{Field: "address", Reason: err.Error()}
	}

	var amountSats uint64
	if !req.ExactIn {
		amountSats = req.Amount.Uint64()
	}
	lps, err := w.candidates(ctx, req.Token, amountSats)
	if err != nil {
		return nil, err
	}
	nonce, err := randomUint64()
	if err != nil {
		return nil, err
	}
	price := w.Prices.PreFetchPrice(ctx, w.ChainID(), req.Token)

	return negotiate(ctx, w.wrapperBase, lps, req.ExactIn,
		func(ctx context.Context, lp domain.Intermediary) (*domain.ToBTCSwap, error) {
			lpAddress := lp.Address(w.ChainID())
			feeRate := utils.Go(ctx, func(ctx context.Context) (string, error) {
				return w.Chain.GetInitFeeRate(ctx, w.Signer.Address(), lpAddress, req.Token)
			})

			stream, err := w.Intermediary.InitToBTC(ctx, lp.Url, ports.ToBTCRequest{
				ChainID:       w.ChainID(),
				Offerer:       w.Signer.Address(),
				Token:         req.Token,
				Address:       req.Address,
				Amount:        req.Amount,
				ExactIn:       req.ExactIn,
				Confirmations: req.Confirmations,
				Nonce:         nonce,
				FeeRate:       feeRate,
			})
			if err != nil {
				return nil, err
			}
			prefetch := prefetchSignatureData(ctx, w.Chain, stream.SignDataPrefetch)

			resp, err := stream.Response.Get(ctx)
			if err != nil {
				return nil, err
			}

			if !req.ExactIn && req.Amount.Cmp(new(big.Int).SetUint64(resp.Amount)) != 0 {
				return nil, domain.NewIntermediaryError(lp.Url, "invalid amount %d", resp.Amount)
			}
			if req.ExactIn && !sameInt(resp.Total, req.Amount) {
				return nil, domain.NewIntermediaryError(lp.Url, "invalid input amount %s", resp.Total)
			}

			data, err := w.Chain.DecodeLPEscrow(resp.Data)
			if err != nil {
				return nil, domain.NewIntermediaryError(lp.Url, "invalid escrow data: %s", err)
			}
			expected := escrowExpectation{
				kind:      domain.ChainSwapTypeChainNonced,
				offerer:   w.Signer.Address(),
				claimer:   lpAddress,
				token:     req.Token,
				amount:    resp.Total,
				claimHash: w.Chain.HashForOnchain(script, resp.Amount, req.Confirmations, nonce),
				payIn:     true,
			}
			if err := expected.check(lp.Url, data); err != nil {
				return nil, err
			}

			rate, err := feeRate.Get(ctx)
			if err != nil {
				return nil, err
			}
			sig := resp.SignatureData()
			if err := verifyInitAuthorization(ctx, w.Chain, w.Signer.Address(), data, sig, rate, prefetch); err != nil {
				return nil, err
			}

			service := lp.Services[domain.SwapTypeToBTC]
			networkFee := nilToZero(resp.NetworkFee)
			pricing, err := w.Prices.IsValidAmountSend(
				ctx, w.ChainID(), req.Token, resp.Amount, service.SwapBaseFee, service.SwapFeePPM,
				new(big.Int).Sub(resp.Total, networkFee), price,
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
			return domain.NewToBTCSwap(domain.ToBTCQuote{
				QuoteParams: domain.QuoteParams{
					Url:             lp.Url,
					ChainIdentifier: w.ChainID(),
					Expiry:          sig.Deadline(),
					Pricing:         pricing,
					SwapFee:         resp.SwapFee,
					SwapFeeBtc:      satsFromTokens(resp.SwapFee, resp.Total, resp.Amount),
					ExactIn:         req.ExactIn,
				},
				Address:       req.Address,
				AmountSats:    resp.Amount,
				Confirmations: req.Confirmations,
				Nonce:         nonce,
				SatsPerVByte:  resp.SatsPerVByte,
				NetworkFee:    networkFee,
				NetworkFeeBtc: satsFromTokens(networkFee, resp.Total, resp.Amount),
				Data:          data,
				EscrowHash:    escrowHash,
				Signature:     sig,
				FeeRate:       rate,
			})
		},
	)
}

// satsFromTokens converts a token fee into sats at the rate implied by the
// quote itself.
func satsFromTokens(fee, totalTokens *big.Int, totalSats uint64) uint64 {
	if fee == nil || totalTokens == nil || totalTokens.Sign() <= 0 {
		return 0
	}
	sats := new(big.Int).Mul(fee, new(big.Int).SetUint64(totalSats))
	return sats.Quo(sats, totalTokens).Uint64()
}
