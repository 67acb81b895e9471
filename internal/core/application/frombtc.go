package application

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/utils"
)

const (
	bountySafetyFactor = 2
	bountyAddBlocks    = 3
)

type FromBTCRequest struct {
	Token string
	// Amount is in sats, or in token base units when ExactOut.
	Amount   *big.Int
	ExactOut bool
}

// FromBTCWrapper drives on-chain BTC -> smart chain swaps.
type FromBTCWrapper struct {
	*wrapperBase[*domain.FromBTCSwap]
}

func NewFromBTCWrapper(cfg WrapperConfig) *FromBTCWrapper {
	w := &FromBTCWrapper{}
	w.wrapperBase = newWrapperBase(cfg, domain.SwapTypeFromBTC, wrapperHooks[*domain.FromBTCSwap]{
		sync:  w.syncSwap,
		tick:  w.tickSwap,
		event: w.processEvent,
	})
	return w
}

// Create negotiates the swap with every capable LP and returns the verified
// quotes, best first.
func (w *FromBTCWrapper) Create(ctx context.Context, req FromBTCRequest) ([]*domain.FromBTCSwap, error) {
	if req.Token == "" {
		return nil, &domain.ValidationError{Field: "token", Reason: "cannot be empty"}
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	var amountSats uint64
	if !req.ExactOut {
		amountSats = req.Amount.Uint64()
	}
	lps, err := w.candidates(ctx, req.Token, amountSats)
	if err != nil {
		return nil, err
	}

	sequence, err := randomSequence()
	if err != nil {
		return nil, err
	}
	price := w.Prices.PreFetchPrice(ctx, w.ChainID(), req.Token)
	bounty := utils.Go(ctx, w.claimerBounty)

	return negotiate(ctx, w.wrapperBase, lps, !req.ExactOut,
		func(ctx context.Context, lp domain.Intermediary) (*domain.FromBTCSwap, error) {
			lpAddress := lp.Address(w.ChainID())
			liquidity := utils.Go(ctx, func(ctx context.Context) (*big.Int, error) {
				return w.Chain.GetLiquidity(ctx, lpAddress, req.Token)
			})
			feeRate := utils.Go(ctx, func(ctx context.Context) (string, error) {
				return w.Chain.GetInitFeeRate(ctx, lpAddress, w.Signer.Address(), req.Token)
			})

			stream, err := w.Intermediary.InitFromBTC(ctx, lp.Url, ports.FromBTCRequest{
				ChainID:       w.ChainID(),
				Claimer:       w.Signer.Address(),
				Token:         req.Token,
				Amount:        req.Amount,
				ExactOut:      req.ExactOut,
				Sequence:      sequence,
				ClaimerBounty: bounty,
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
			return w.verifyQuote(ctx, lp, req, sequence, resp, quoteFutures{
				price: price, bounty: bounty, liquidity: liquidity, feeRate: feeRate, prefetch: prefetch,
			})
		},
	)
}

type quoteFutures struct {
	price     *utils.Future[*big.Int]
	bounty    *utils.Future[*ports.ClaimerBounty]
	liquidity *utils.Future[*big.Int]
	feeRate   *utils.Future[string]
	prefetch  *utils.Future[*ports.SignaturePrefetch]
}

func (w *FromBTCWrapper) verifyQuote(
	ctx context.Context, lp domain.Intermediary, req FromBTCRequest, sequence *big.Int,
	resp ports.FromBTCResponse, f quoteFutures,
) (*domain.FromBTCSwap, error) {
	if !req.ExactOut && req.Amount.Cmp(new(big.Int).SetUint64(resp.Amount)) != 0 {
		return nil, domain.NewIntermediaryError(lp.Url, "invalid amount %d", resp.Amount)
	}
	if req.ExactOut && !sameInt(resp.Total, req.Amount) {
		return nil, domain.NewIntermediaryError(lp.Url, "invalid output amount %s", resp.Total)
	}

	data, err := w.Chain.DecodeLPEscrow(resp.Data)
	if err != nil {
		return nil, domain.NewIntermediaryError(lp.Url, "invalid escrow data: %s", err)
	}
	script, err := utils.OutputScript(resp.BtcAddress, w.Network)
	if err != nil {
		return nil, domain.NewIntermediaryError(lp.Url, "invalid bitcoin address: %s", err)
	}
	bounty, err := f.bounty.Get(ctx)
	if err != nil {
		return nil, err
	}

	expected := escrowExpectation{
		kind:             domain.ChainSwapTypeChain,
		offerer:          lp.Address(w.ChainID()),
		claimer:          w.Signer.Address(),
		token:            req.Token,
		amount:           resp.Total,
		claimHash:        w.Chain.HashForOnchain(script, resp.Amount, data.Confirmations(), 0),
		sequence:         sequence,
		depositToken:     w.Chain.NativeToken(),
		claimerBounty:    expectedClaimerBounty(bounty, data.Confirmations()),
		maxConfirmations: w.Options.MaxConfirmations,
		payOut:           true,
	}
	if err := expected.check(lp.Url, data); err != nil {
		return nil, err
	}

	feeRate, err := f.feeRate.Get(ctx)
	if err != nil {
		return nil, err
	}
	sig := resp.SignatureData()
	if err := verifyInitAuthorization(ctx, w.Chain, w.Signer.Address(), data, sig, feeRate, f.prefetch); err != nil {
		return nil, err
	}

	service := lp.Services[domain.SwapTypeFromBTC]
	pricing, err := w.Prices.IsValidAmountReceive(
		ctx, w.ChainID(), req.Token, resp.Amount, service.SwapBaseFee, service.SwapFeePPM, resp.Total, f.price,
	)
	if err != nil {
		return nil, err
	}
	if err := checkPricing(lp.Url, pricing); err != nil {
		return nil, err
	}
	if err := checkLiquidity(ctx, lp.Url, f.liquidity, resp.Total); err != nil {
		return nil, err
	}

	escrowHash, err := w.Chain.EscrowHash(data)
	if err != nil {
		return nil, err
	}
	return domain.NewFromBTCSwap(domain.FromBTCQuote{
		QuoteParams: domain.QuoteParams{
			Url:             lp.Url,
			ChainIdentifier: w.ChainID(),
			Expiry:          sig.Deadline(),
			Pricing:         pricing,
			SwapFee:         resp.SwapFee,
			SwapFeeBtc:      resp.SwapFeeBtc,
			ExactIn:         !req.ExactOut,
		},
		Address:               resp.BtcAddress,
		AmountSats:            resp.Amount,
		RequiredConfirmations: data.Confirmations(),
		Data:                  data,
		EscrowHash:            escrowHash,
		Signature:             sig,
		FeeRate:               feeRate,
	})
}

// claimerBounty is the fee offered to watchtowers claiming on the user's
// behalf, derived from the current claim cost.
func (w *FromBTCWrapper) claimerBounty(ctx context.Context) (*ports.ClaimerBounty, error) {
	claimFee, err := w.Chain.GetClaimFee(ctx, "")
	if err != nil {
		return nil, err
	}
	return &ports.ClaimerBounty{
		FeePerBlock:    new(big.Int).Quo(claimFee, big.NewInt(100)),
		SafetyFactor:   bountySafetyFactor,
		StartTimestamp: time.Now().Unix(),
		AddBlock:       bountyAddBlocks,
		AddFee:         new(big.Int).Mul(claimFee, big.NewInt(bountySafetyFactor)),
	}, nil
}

func expectedClaimerBounty(b *ports.ClaimerBounty, confirmations uint32) *big.Int {
	blocks := new(big.Int).SetUint64(b.AddBlock + uint64(confirmations))
	bounty := new(big.Int).Mul(b.FeePerBlock, blocks)
	bounty.Mul(bounty, new(big.Int).SetUint64(b.SafetyFactor))
	return bounty.Add(bounty, b.AddFee)
}

// Commit initializes the escrow on the smart chain. Unless skipChecks is set
// the LP authorization is first checked for expiry.
func (w *FromBTCWrapper) Commit(ctx context.Context, swap *domain.FromBTCSwap, skipChecks bool) error {
	swap, err := w.initiate(ctx, swap)
	if err != nil {
		return err
	}

	var (
		state   domain.FromBTCState
		data    domain.EscrowData
		sig     *domain.SignatureData
		feeRate string
	)
	read(swap, func(s *domain.FromBTCSwap) {
		state, data, sig, feeRate = s.State, s.Data, s.Signature, s.FeeRate
	})
	if state != domain.FromBTCStateCreated && state != domain.FromBTCStateQuoteSoftExpired {
		return fmt.Errorf("swap must be in %s state, got %s", domain.FromBTCStateCreated, state)
	}

	if !skipChecks {
		expired, err := w.Chain.IsInitAuthorizationExpired(ctx, data, sig)
		if err != nil {
			return err
		}
		if expired {
			if _, err := w.apply(ctx, swap, (*domain.FromBTCSwap).QuoteExpired); err != nil {
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
	_, err = w.apply(ctx, swap, func(s *domain.FromBTCSwap) (bool, error) {
		return s.Committed(txID)
	})
	return err
}

// WaitTillCommitted waits for the escrow to be initialized, either by this
// client or observed on chain. It returns false when the quote died.
func (w *FromBTCWrapper) WaitTillCommitted(ctx context.Context, swap *domain.FromBTCSwap) (bool, error) {
	var (
		data domain.EscrowData
		sig  *domain.SignatureData
	)
	read(swap, func(s *domain.FromBTCSwap) { data, sig = s.Data, s.Signature })

	err := w.waitRace(ctx, swap, int(domain.FromBTCStateCommitted), domain.StateGte,
		func(ctx context.Context) (update[*domain.FromBTCSwap], error) {
			committed, err := watchdogWaitTillCommitted(
				ctx, w.Chain, w.Signer.Address(), data, sig, w.Options.WatchdogInterval,
			)
			if err != nil {
				return nil, err
			}
			if !committed {
				return func(s *domain.FromBTCSwap) (bool, error) {
					if s.State > domain.FromBTCStateCreated {
						return false, nil
					}
					return s.QuoteExpired()
				}, nil
			}
			return func(s *domain.FromBTCSwap) (bool, error) {
				if s.State > domain.FromBTCStateCreated {
					return false, nil
				}
				return s.Committed("")
			}, nil
		},
	)
	if err != nil {
		return false, err
	}

	var state domain.FromBTCState
	read(swap, func(s *domain.FromBTCSwap) { state = s.State })
	return state >= domain.FromBTCStateCommitted, nil
}

// WaitForBitcoinTransaction polls bitcoin until the payment to the swap
// address reaches the required confirmations. onUpdate, when set, is called
// on every poll that found the transaction.
func (w *FromBTCWrapper) WaitForBitcoinTransaction(
	ctx context.Context, swap *domain.FromBTCSwap, interval time.Duration,
	onUpdate func(txID string, confirmations, required uint32),
) (string, error) {
	if interval <= 0 {
		interval = w.Options.WatchdogInterval
	}

	var txID string
	err := utils.Retry(ctx, interval, func(ctx context.Context) (bool, error) {
		var state domain.FromBTCState
		read(swap, func(s *domain.FromBTCSwap) { state = s.State })
		if state != domain.FromBTCStateCommitted && state != domain.FromBTCStateBtcConfirmed {
			return false, fmt.Errorf("swap is in %s state", state)
		}

		payment, u, err := w.checkBitcoinPayment(ctx, swap)
		if err != nil {
			w.logger(swap).WithError(err).Debug("failed to look up bitcoin payment")
			return false, nil
		}
		if payment == nil {
			return false, nil
		}
		if onUpdate != nil {
			onUpdate(payment.tx.TxID, payment.tx.Confirmations, swap.RequiredConfirmations)
		}
		if _, err := w.apply(ctx, swap, u); err != nil {
			return false, err
		}
		txID = payment.tx.TxID
		return payment.tx.Confirmations >= swap.RequiredConfirmations, nil
	})
	return txID, err
}

// checkBitcoinPayment looks up the payment to the swap address and returns
// the update recording it.
func (w *FromBTCWrapper) checkBitcoinPayment(
	ctx context.Context, swap *domain.FromBTCSwap,
) (*bitcoinPayment, update[*domain.FromBTCSwap], error) {
	var (
		address string
		amount  uint64
	)
	read(swap, func(s *domain.FromBTCSwap) { address, amount = s.BtcAddress, s.AmountSats })

	script, err := utils.OutputScript(address, w.Network)
	if err != nil {
		return nil, nil, err
	}
	payment, err := findPayment(ctx, w.Bitcoin, address, script, amount)
	if err != nil || payment == nil {
		return nil, nil, err
	}
	return payment, func(s *domain.FromBTCSwap) (bool, error) {
		if s.State != domain.FromBTCStateCommitted {
			return false, nil
		}
		if payment.tx.Confirmations >= s.RequiredConfirmations {
			return s.BitcoinConfirmed(payment.tx.TxID, payment.vout, payment.tx.Confirmations)
		}
		return s.BitcoinTxSeen(payment.tx.TxID, payment.vout, payment.tx.Confirmations), nil
	}, nil
}

// Claim claims the escrow with a proof of the confirmed bitcoin payment. If a
// watchtower claimed first the swap is still reported as claimed.
func (w *FromBTCWrapper) Claim(ctx context.Context, swap *domain.FromBTCSwap) error {
	var (
		claimable bool
		data      domain.EscrowData
		btcTxID   string
		vout      uint32
	)
	read(swap, func(s *domain.FromBTCSwap) {
		claimable, data, btcTxID, vout = s.IsClaimable(), s.Data, s.BtcTxID, s.BtcVout
	})
	if !claimable {
		return fmt.Errorf("swap is not claimable")
	}

	tx, err := w.Bitcoin.GetTransaction(ctx, btcTxID)
	if err != nil {
		return err
	}
	if tx == nil {
		return fmt.Errorf("bitcoin tx %s not found", btcTxID)
	}
	txs, err := w.Chain.TxsClaimWithBitcoinTx(ctx, w.Signer.Address(), data, proofOf(tx, vout))
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
	_, err = w.apply(ctx, swap, func(s *domain.FromBTCSwap) (bool, error) {
		return s.Claimed(txID)
	})
	return err
}

// WaitTillClaimed waits for the escrow to be claimed, by this client or by a
// watchtower.
func (w *FromBTCWrapper) WaitTillClaimed(ctx context.Context, swap *domain.FromBTCSwap) error {
	var data domain.EscrowData
	read(swap, func(s *domain.FromBTCSwap) { data = s.Data })

	err := w.waitRace(ctx, swap, int(domain.FromBTCStateClaimed), domain.StateEq,
		func(ctx context.Context) (update[*domain.FromBTCSwap], error) {
			status, err := watchdogWaitTillResult(ctx, w.Chain, w.Signer.Address(), data, w.Options.WatchdogInterval)
			if err != nil {
				return nil, err
			}
			return fromBTCStatusUpdate(status), nil
		},
	)
	if err != nil {
		return err
	}
	var state domain.FromBTCState
	read(swap, func(s *domain.FromBTCSwap) { state = s.State })
	if state != domain.FromBTCStateClaimed {
		return fmt.Errorf("swap ended in %s state", state)
	}
	return nil
}

// fromBTCStatusUpdate maps the on-chain escrow status to the swap state.
func fromBTCStatusUpdate(status *domain.CommitStatus) update[*domain.FromBTCSwap] {
	return func(s *domain.FromBTCSwap) (bool, error) {
		if s.IsFinished() {
			return false, nil
		}
		switch status.Type {
		case domain.CommitStatusPaid:
			return s.Claimed(status.ClaimTxID)
		case domain.CommitStatusCommitted:
			if s.State == domain.FromBTCStateCreated || s.State == domain.FromBTCStateQuoteSoftExpired {
				return s.Committed("")
			}
		case domain.CommitStatusExpired:
			if s.State == domain.FromBTCStateCreated || s.State == domain.FromBTCStateQuoteSoftExpired {
				return s.QuoteExpired()
			}
			if s.State == domain.FromBTCStateCommitted || s.State == domain.FromBTCStateBtcConfirmed {
				return s.Expired()
			}
		case domain.CommitStatusNotCommitted:
			if s.State >= domain.FromBTCStateCommitted || s.State == domain.FromBTCStateExpired {
				return s.Failed(status.RefundTxID)
			}
		}
		return false, nil
	}
}

func (w *FromBTCWrapper) syncSwap(ctx context.Context, swap *domain.FromBTCSwap) (update[*domain.FromBTCSwap], error) {
	var (
		state domain.FromBTCState
		data  domain.EscrowData
		sig   *domain.SignatureData
	)
	read(swap, func(s *domain.FromBTCSwap) { state, data, sig = s.State, s.Data, s.Signature })

	status, err := w.Chain.GetCommitStatus(ctx, w.Signer.Address(), data)
	if err != nil {
		return nil, err
	}
	updates := []update[*domain.FromBTCSwap]{fromBTCStatusUpdate(status)}

	uncommitted := state == domain.FromBTCStateCreated || state == domain.FromBTCStateQuoteSoftExpired
	if uncommitted && status.Type == domain.CommitStatusNotCommitted {
		expired, err := w.Chain.IsInitAuthorizationExpired(ctx, data, sig)
		if err != nil {
			return nil, err
		}
		if expired {
			updates = append(updates, func(s *domain.FromBTCSwap) (bool, error) {
				if s.State > domain.FromBTCStateCreated {
					return false, nil
				}
				return s.QuoteExpired()
			})
		}
	}

	committed := state == domain.FromBTCStateCommitted ||
		(uncommitted && status.Type == domain.CommitStatusCommitted)
	if committed {
		_, u, err := w.checkBitcoinPayment(ctx, swap)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return chainUpdates(updates...), nil
}

func (w *FromBTCWrapper) tickSwap(
	ctx context.Context, swap *domain.FromBTCSwap, pollBitcoin bool,
) (update[*domain.FromBTCSwap], error) {
	now := time.Now()
	updates := []update[*domain.FromBTCSwap]{func(s *domain.FromBTCSwap) (bool, error) {
		switch s.State {
		case domain.FromBTCStateCreated:
			if s.Signature != nil && now.After(s.Signature.Deadline()) {
				return s.QuoteSoftExpired()
			}
		case domain.FromBTCStateCommitted, domain.FromBTCStateBtcConfirmed:
			if s.Data != nil && now.After(s.Data.Expiry()) {
				return s.Expired()
			}
		}
		return false, nil
	}}

	var state domain.FromBTCState
	read(swap, func(s *domain.FromBTCSwap) { state = s.State })
	if pollBitcoin && state == domain.FromBTCStateCommitted {
		_, u, err := w.checkBitcoinPayment(ctx, swap)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return chainUpdates(updates...), nil
}

func (w *FromBTCWrapper) processEvent(
	_ context.Context, _ *domain.FromBTCSwap, event ports.ChainEvent,
) (update[*domain.FromBTCSwap], error) {
	return func(s *domain.FromBTCSwap) (bool, error) {
		if s.IsFinished() {
			return false, nil
		}
		switch event.Kind {
		case ports.EventInitialize:
			if s.State == domain.FromBTCStateCreated || s.State == domain.FromBTCStateQuoteSoftExpired {
				return s.Committed(event.TxID)
			}
		case ports.EventClaim:
			return s.Claimed(event.TxID)
		case ports.EventRefund:
			return s.Failed(event.TxID)
		}
		return false, nil
	}, nil
}
