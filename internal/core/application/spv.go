package application

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/utils"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

type SpvFromBTCRequest struct {
	Token string
	// Amount is in sats, or in token base units when ExactOut.
	Amount   *big.Int
	ExactOut bool
	GasToken string
	// GasAmount of native token to receive alongside the swap, optional.
	GasAmount *big.Int
}

// SpvFromBTCWrapper drives BTC -> smart chain swaps settled through an LP's
// SPV vault.
type SpvFromBTCWrapper struct {
	*wrapperBase[*domain.SpvFromBTCSwap]
	vaults ports.SpvVaultContract
}

func NewSpvFromBTCWrapper(cfg WrapperConfig, vaults ports.SpvVaultContract) *SpvFromBTCWrapper {
	w := &SpvFromBTCWrapper{vaults: vaults}
	w.wrapperBase = newWrapperBase(cfg, domain.SwapTypeSpvFromBTC, wrapperHooks[*domain.SpvFromBTCSwap]{
		sync:  w.syncSwap,
		tick:  w.tickSwap,
		event: w.processEvent,
	})
	return w
}

func (w *SpvFromBTCWrapper) Create(ctx context.Context, req SpvFromBTCRequest) ([]*domain.SpvFromBTCSwap, error) {
	if req.Token == "" {
		return nil, &domain.ValidationError{Field: "token", Reason: "cannot be empty"}
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if req.GasToken == "" {
		req.GasToken = w.Chain.NativeToken()
	}
	gasAmount := nilToZero(req.GasAmount)

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
		func(ctx context.Context, lp domain.Intermediary) (*domain.SpvFromBTCSwap, error) {
			resp, err := w.Intermediary.PrepareSpv(ctx, lp.Url, ports.SpvQuoteRequest{
				ChainID:   w.ChainID(),
				Recipient: w.Signer.Address(),
				Token:     req.Token,
				GasToken:  req.GasToken,
				Amount:    req.Amount,
				ExactOut:  req.ExactOut,
				GasAmount: gasAmount,
			})
			if err != nil {
				return nil, err
			}
			return w.verifyQuote(ctx, lp, req, gasAmount, resp, price)
		},
	)
}

func (w *SpvFromBTCWrapper) verifyQuote(
	ctx context.Context, lp domain.Intermediary, req SpvFromBTCRequest, gasAmount *big.Int,
	resp *ports.SpvQuoteResponse, price *utils.Future[*big.Int],
) (*domain.SpvFromBTCSwap, error) {
	if !req.ExactOut && req.Amount.Cmp(new(big.Int).SetUint64(resp.BtcAmount)) != 0 {
		return nil, domain.NewIntermediaryError(lp.Url, "invalid amount %d", resp.BtcAmount)
	}
	if req.ExactOut && !sameInt(resp.Total, req.Amount) {
		return nil, domain.NewIntermediaryError(lp.Url, "invalid output amount %s", resp.Total)
	}
	if !sameInt(resp.TotalGas, gasAmount) {
		return nil, domain.NewIntermediaryError(lp.Url, "invalid gas amount %s", resp.TotalGas)
	}
	if resp.BtcAmountSwap+resp.BtcAmountGas > resp.BtcAmount {
		return nil, domain.NewIntermediaryError(lp.Url, "btc amounts do not add up")
	}
	if !utils.IsValidBtcAddress(resp.Address, w.Network) {
		return nil, domain.NewIntermediaryError(lp.Url, "invalid bitcoin address %s", resp.Address)
	}

	vault, err := w.vaults.GetVault(ctx, resp.VaultOwner, resp.VaultID)
	if err != nil {
		return nil, err
	}
	switch {
	case vault == nil:
		return nil, domain.NewIntermediaryError(lp.Url, "vault %d not found", resp.VaultID)
	case vault.BtcAddress != resp.VaultBtcAddress:
		return nil, domain.NewIntermediaryError(lp.Url, "invalid vault address %s", resp.VaultBtcAddress)
	case vault.Utxo != resp.Utxo:
		return nil, domain.NewIntermediaryError(lp.Url, "invalid vault utxo %s", resp.Utxo)
	case !sameAddress(vault.Token, req.Token):
		return nil, domain.NewIntermediaryError(lp.Url, "vault holds %s", vault.Token)
	case !sameAddress(vault.GasToken, req.GasToken):
		return nil, domain.NewIntermediaryError(lp.Url, "vault gas token is %s", vault.GasToken)
	case vault.Confirmations != resp.RequiredConfirmations:
		return nil, domain.NewIntermediaryError(lp.Url, "invalid confirmations %d", resp.RequiredConfirmations)
	case nilToZero(vault.TokenBalance).Cmp(nilToZero(resp.Total)) < 0:
		return nil, domain.NewIntermediaryError(lp.Url, "vault balance too low")
	case nilToZero(vault.GasBalance).Cmp(gasAmount) < 0:
		return nil, domain.NewIntermediaryError(lp.Url, "vault gas balance too low")
	}

	service := lp.Services[domain.SwapTypeSpvFromBTC]
	pricing, err := w.Prices.IsValidAmountReceive(
		ctx, w.ChainID(), req.Token, resp.BtcAmountSwap, service.SwapBaseFee, service.SwapFeePPM, resp.Total, price,
	)
	if err != nil {
		return nil, err
	}
	if err := checkPricing(lp.Url, pricing); err != nil {
		return nil, err
	}

	return domain.NewSpvFromBTCSwap(domain.SpvFromBTCQuote{
		QuoteParams: domain.QuoteParams{
			Url:             lp.Url,
			ChainIdentifier: w.ChainID(),
			Expiry:          time.Unix(resp.Expiry, 0),
			Pricing:         pricing,
			SwapFee:         resp.SwapFee,
			SwapFeeBtc:      resp.SwapFeeBtc,
			ExactIn:         !req.ExactOut,
		},
		QuoteID:               resp.QuoteID,
		VaultOwner:            resp.VaultOwner,
		VaultID:               resp.VaultID,
		VaultAddress:          resp.VaultBtcAddress,
		VaultUtxo:             resp.Utxo,
		LpBtcAddress:          resp.Address,
		Recipient:             w.Signer.Address(),
		Token:                 req.Token,
		GasToken:              req.GasToken,
		OutputTokens:          resp.Total,
		OutputGas:             resp.TotalGas,
		BtcAmount:             resp.BtcAmount,
		BtcAmountSwap:         resp.BtcAmountSwap,
		BtcAmountGas:          resp.BtcAmountGas,
		BtcFeeRate:            resp.BtcFeeRate,
		RequiredConfirmations: resp.RequiredConfirmations,
	})
}

// spvTemplate is the part of the withdrawal transaction fixed by the quote.
type spvTemplate struct {
	vaultInput   wire.OutPoint
	vaultOutput  *wire.TxOut
	opReturn     *wire.TxOut
	lpOutput     *wire.TxOut
	quoteExpired bool
}

func (w *SpvFromBTCWrapper) template(ctx context.Context, swap *domain.SpvFromBTCSwap) (*spvTemplate, error) {
	var s domain.SpvFromBTCSwap
	read(swap, func(sw *domain.SpvFromBTCSwap) {
		s.VaultUtxo, s.VaultAddress, s.LpBtcAddress = sw.VaultUtxo, sw.VaultAddress, sw.LpBtcAddress
		s.Recipient, s.OutputTokens, s.OutputGas = sw.Recipient, sw.OutputTokens, sw.OutputGas
		s.BtcAmount, s.Expiry = sw.BtcAmount, sw.Expiry
	})

	outpoint, err := wire.NewOutPointFromString(s.VaultUtxo)
	if err != nil {
		return nil, fmt.Errorf("invalid vault utxo: %w", err)
	}
	prev, err := w.Bitcoin.GetTransaction(ctx, outpoint.Hash.String())
	if err != nil {
		return nil, err
	}
	if prev == nil || int(outpoint.Index) >= len(prev.Outputs) {
		return nil, fmt.Errorf("vault utxo %s not found", s.VaultUtxo)
	}

	vaultScript, err := utils.OutputScript(s.VaultAddress, w.Network)
	if err != nil {
		return nil, err
	}
	data, err := w.vaults.WithdrawalData(s.Recipient, s.OutputTokens, s.OutputGas)
	if err != nil {
		return nil, err
	}
	opReturn, err := txscript.NullDataScript(data)
	if err != nil {
		return nil, err
	}

	lpScript, err := utils.OutputScript(s.LpBtcAddress, w.Network)
	if err != nil {
		return nil, err
	}

	return &spvTemplate{
		vaultInput:   *outpoint,
		vaultOutput:  wire.NewTxOut(int64(prev.Outputs[outpoint.Index].Value), vaultScript),
		opReturn:     wire.NewTxOut(0, opReturn),
		lpOutput:     wire.NewTxOut(int64(s.BtcAmount), lpScript),
		quoteExpired: time.Now().After(s.QuoteExpiry()),
	}, nil
}

// FundedPsbt returns the withdrawal transaction skeleton the user has to
// fund and sign, base64 encoded.
func (w *SpvFromBTCWrapper) FundedPsbt(ctx context.Context, swap *domain.SpvFromBTCSwap) (string, error) {
	t, err := w.template(ctx, swap)
	if err != nil {
		return "", err
	}
	p, err := psbt.New(
		[]*wire.OutPoint{&t.vaultInput}, []*wire.TxOut{t.vaultOutput, t.opReturn, t.lpOutput},
		2, 0, []uint32{wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return "", err
	}
	return p.B64Encode()
}

// SubmitPsbt verifies the user signed withdrawal transaction and hands it
// to the LP, which co-signs the vault input and broadcasts it.
func (w *SpvFromBTCWrapper) SubmitPsbt(ctx context.Context, swap *domain.SpvFromBTCSwap, psbtB64 string) error {
	p, err := psbt.NewFromRawBytes(strings.NewReader(psbtB64), true)
	if err != nil {
		return &domain.ValidationError{Field: "psbt", Reason: err.Error()}
	}
	t, err := w.template(ctx, swap)
	if err != nil {
		return err
	}
	if t.quoteExpired {
		seen, err := w.followBroadcast(ctx, swap)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
		if _, err := w.apply(ctx, swap, spvQuoteExpired); err != nil {
			return err
		}
		return fmt.Errorf("quote expired")
	}
	if err := t.check(p); err != nil {
		return err
	}

	swap, err = w.initiate(ctx, swap)
	if err != nil {
		return err
	}
	txID := p.UnsignedTx.TxHash().String()
	if _, err := w.apply(ctx, swap, func(s *domain.SpvFromBTCSwap) (bool, error) {
		return s.Signed(psbtB64, txID)
	}); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return err
	}
	var url, quoteID string
	read(swap, func(s *domain.SpvFromBTCSwap) { url, quoteID = s.Url, s.QuoteID })

	if _, err := w.Intermediary.PostSpvPsbt(ctx, url, quoteID, hex.EncodeToString(buf.Bytes())); err != nil {
		var ierr *domain.IntermediaryError
		if errors.As(err, &ierr) {
			if _, applyErr := w.apply(ctx, swap, (*domain.SpvFromBTCSwap).Declined); applyErr != nil {
				return applyErr
			}
			return err
		}
		// The answer may have been lost after the LP broadcast the tx.
		if seen, checkErr := w.followBroadcast(ctx, swap); checkErr == nil && seen {
			return nil
		}
		return err
	}
	_, err = w.apply(ctx, swap, (*domain.SpvFromBTCSwap).Posted)
	return err
}

// followBroadcast applies what bitcoin knows about the withdrawal tx of a
// swap the LP never acknowledged, reporting whether the tx was seen.
func (w *SpvFromBTCWrapper) followBroadcast(ctx context.Context, swap *domain.SpvFromBTCSwap) (bool, error) {
	tx, u, err := w.checkBitcoinTx(ctx, swap)
	if err != nil || u == nil {
		return false, err
	}
	if _, err := w.apply(ctx, swap, u); err != nil {
		return false, err
	}
	return tx != nil, nil
}

// check validates the user's transaction against the quote: the vault input
// comes first and stays unsigned, the vault keeps its funds, the OP_RETURN
// names our withdrawal and every other input is finalized.
func (t *spvTemplate) check(p *psbt.Packet) error {
	tx := p.UnsignedTx
	if len(tx.TxIn) < 2 || len(tx.TxOut) < 2 {
		return &domain.ValidationError{Field: "psbt", Reason: "missing inputs or outputs"}
	}
	if tx.TxIn[0].PreviousOutPoint != t.vaultInput {
		return &domain.ValidationError{Field: "psbt", Reason: "first input must spend the vault utxo"}
	}
	if !sameTxOut(tx.TxOut[0], t.vaultOutput) {
		return &domain.ValidationError{Field: "psbt", Reason: "first output must pay back the vault"}
	}
	if !sameTxOut(tx.TxOut[1], t.opReturn) {
		return &domain.ValidationError{Field: "psbt", Reason: "second output must carry the withdrawal data"}
	}
	found := false
	for _, out := range tx.TxOut[2:] {
		if sameTxOut(out, t.lpOutput) {
			found = true
			break
		}
	}
	if !found {
		return &domain.ValidationError{Field: "psbt", Reason: "missing payment to the intermediary"}
	}
	for i := 1; i < len(p.Inputs); i++ {
		in := p.Inputs[i]
		if len(in.FinalScriptWitness) == 0 && len(in.FinalScriptSig) == 0 {
			return &domain.ValidationError{Field: "psbt", Reason: fmt.Sprintf("input %d is not finalized", i)}
		}
	}
	return nil
}

func sameTxOut(a, b *wire.TxOut) bool {
	return a.Value == b.Value && bytes.Equal(a.PkScript, b.PkScript)
}

func spvQuoteExpired(s *domain.SpvFromBTCSwap) (bool, error) {
	if s.State > domain.SpvFromBTCStateSigned {
		return false, nil
	}
	return s.QuoteExpired()
}

// WaitForBitcoinTransaction follows the withdrawal transaction until it has
// the confirmations the vault requires, or until the LP fronted it.
func (w *SpvFromBTCWrapper) WaitForBitcoinTransaction(
	ctx context.Context, swap *domain.SpvFromBTCSwap, interval time.Duration,
	onUpdate func(txID string, confirmations, required uint32),
) error {
	if interval <= 0 {
		interval = w.Options.WatchdogInterval
	}
	return utils.Retry(ctx, interval, func(ctx context.Context) (bool, error) {
		var state domain.SpvFromBTCState
		read(swap, func(s *domain.SpvFromBTCSwap) { state = s.State })
		switch {
		case state == domain.SpvFromBTCStateBtcConfirmed, state == domain.SpvFromBTCStateClaimed:
			return true, nil
		case state < domain.SpvFromBTCStatePosted:
			return false, fmt.Errorf("swap is in %s state", state)
		}

		tx, u, err := w.checkBitcoinTx(ctx, swap)
		if err != nil {
			w.logger(swap).WithError(err).Debug("failed to look up withdrawal tx")
			return false, nil
		}
		if _, err := w.apply(ctx, swap, u); err != nil {
			return false, err
		}
		if tx != nil && onUpdate != nil {
			onUpdate(tx.TxID, tx.Confirmations, swap.RequiredConfirmations)
		}
		return false, nil
	})
}

// checkBitcoinTx looks the withdrawal transaction up. When it is unknown
// the vault UTXO is checked for a conflicting spend.
func (w *SpvFromBTCWrapper) checkBitcoinTx(
	ctx context.Context, swap *domain.SpvFromBTCSwap,
) (*ports.BitcoinTx, update[*domain.SpvFromBTCSwap], error) {
	var txID, utxo string
	read(swap, func(s *domain.SpvFromBTCSwap) { txID, utxo = s.BtcTxID, s.VaultUtxo })
	if txID == "" {
		return nil, nil, nil
	}

	tx, err := w.Bitcoin.GetTransaction(ctx, txID)
	if err != nil {
		return nil, nil, err
	}
	if tx != nil {
		return tx, func(s *domain.SpvFromBTCSwap) (bool, error) {
			changed := false
			switch s.State {
			case domain.SpvFromBTCStateSigned, domain.SpvFromBTCStatePosted, domain.SpvFromBTCStateQuoteSoftExpired:
				c, err := s.Broadcasted()
				if err != nil {
					return c, err
				}
				changed = c
			}
			if tx.Confirmations >= s.RequiredConfirmations &&
				(s.State == domain.SpvFromBTCStateBroadcasted || s.State == domain.SpvFromBTCStateFronted) {
				c, err := s.BitcoinConfirmed(tx.Confirmations)
				return changed || c, err
			}
			return changed, nil
		}, nil
	}

	outpoint, err := wire.NewOutPointFromString(utxo)
	if err != nil {
		return nil, nil, err
	}
	outspend, err := w.Bitcoin.GetOutspend(ctx, outpoint.Hash.String(), outpoint.Index)
	if err != nil {
		return nil, nil, err
	}
	if !outspend.Spent || outspend.TxID == txID {
		return nil, nil, nil
	}
	return nil, func(s *domain.SpvFromBTCSwap) (bool, error) {
		if s.IsFinished() || s.State >= domain.SpvFromBTCStateBtcConfirmed {
			return false, nil
		}
		return s.InputDoubleSpent()
	}, nil
}

// Claim proves the confirmed withdrawal to the vault contract. When the LP
// or a watchtower got there first the swap still ends up claimed.
func (w *SpvFromBTCWrapper) Claim(ctx context.Context, swap *domain.SpvFromBTCSwap) error {
	var (
		claimable bool
		owner     string
		vaultID   uint64
		txID      string
	)
	read(swap, func(s *domain.SpvFromBTCSwap) {
		claimable, owner, vaultID, txID = s.IsClaimable(), s.VaultOwner, s.VaultID, s.BtcTxID
	})
	if !claimable {
		return fmt.Errorf("swap is not claimable")
	}

	vault, err := w.vaults.GetVault(ctx, owner, vaultID)
	if err != nil {
		return err
	}
	tx, err := w.Bitcoin.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if tx == nil {
		return fmt.Errorf("bitcoin tx %s not found", txID)
	}
	txs, err := w.vaults.TxsClaim(ctx, w.Signer.Address(), vault, proofOf(tx, 0))
	if err != nil {
		return err
	}
	claimTxID, err := w.send(ctx, txs)
	if err != nil {
		state, stateErr := w.vaults.GetWithdrawalState(ctx, owner, vaultID, txID)
		if stateErr != nil || state.Status == ports.SpvWithdrawalNotFound {
			return err
		}
		_, applyErr := w.apply(ctx, swap, spvWithdrawalUpdate(state))
		return applyErr
	}
	_, err = w.apply(ctx, swap, func(s *domain.SpvFromBTCSwap) (bool, error) {
		return s.Claimed(claimTxID)
	})
	return err
}

// WaitTillClaimedOrFronted resolves once the user received the tokens,
// either fronted by the LP or claimed from the vault.
func (w *SpvFromBTCWrapper) WaitTillClaimedOrFronted(ctx context.Context, swap *domain.SpvFromBTCSwap) error {
	var (
		owner   string
		vaultID uint64
		txID    string
	)
	read(swap, func(s *domain.SpvFromBTCSwap) { owner, vaultID, txID = s.VaultOwner, s.VaultID, s.BtcTxID })

	u, _, err := utils.Race(ctx,
		func(ctx context.Context) (update[*domain.SpvFromBTCSwap], error) {
			for {
				var (
					state domain.SpvFromBTCState
					done  bool
				)
				read(swap, func(s *domain.SpvFromBTCSwap) { state, done = s.State, s.IsSuccessful() || s.IsFinished() })
				if done {
					return nil, nil
				}
				if err := w.Swaps.WaitTillState(ctx, swap, int(state), domain.StateNeq); err != nil {
					return nil, err
				}
			}
		},
		func(ctx context.Context) (update[*domain.SpvFromBTCSwap], error) {
			var result update[*domain.SpvFromBTCSwap]
			err := utils.Retry(ctx, w.Options.WatchdogInterval, func(ctx context.Context) (bool, error) {
				state, err := w.vaults.GetWithdrawalState(ctx, owner, vaultID, txID)
				if err != nil {
					w.logger(swap).WithError(err).Debug("failed to get withdrawal state")
					return false, nil
				}
				if state.Status == ports.SpvWithdrawalNotFound {
					return false, nil
				}
				result = spvWithdrawalUpdate(state)
				return true, nil
			})
			return result, err
		},
	)
	if err != nil {
		return err
	}
	if _, err := w.apply(ctx, swap, u); err != nil {
		return err
	}

	var state domain.SpvFromBTCState
	read(swap, func(s *domain.SpvFromBTCSwap) { state = s.State })
	if state != domain.SpvFromBTCStateFronted && state != domain.SpvFromBTCStateClaimed {
		return fmt.Errorf("swap ended in %s state", state)
	}
	return nil
}

func spvWithdrawalUpdate(state *ports.SpvWithdrawalState) update[*domain.SpvFromBTCSwap] {
	return func(s *domain.SpvFromBTCSwap) (bool, error) {
		if s.IsFinished() || s.State < domain.SpvFromBTCStatePosted {
			return false, nil
		}
		switch state.Status {
		case ports.SpvWithdrawalClaimed:
			return s.Claimed(state.TxID)
		case ports.SpvWithdrawalFronted:
			if s.State != domain.SpvFromBTCStateFronted {
				return s.Fronted(state.TxID)
			}
		case ports.SpvWithdrawalClosed:
			return s.Closed()
		}
		return false, nil
	}
}

func (w *SpvFromBTCWrapper) syncSwap(
	ctx context.Context, swap *domain.SpvFromBTCSwap,
) (update[*domain.SpvFromBTCSwap], error) {
	var (
		state   domain.SpvFromBTCState
		owner   string
		vaultID uint64
		txID    string
		expiry  time.Time
	)
	read(swap, func(s *domain.SpvFromBTCSwap) {
		state, owner, vaultID, txID, expiry = s.State, s.VaultOwner, s.VaultID, s.BtcTxID, s.QuoteExpiry()
	})

	if state <= domain.SpvFromBTCStateSigned {
		// A signed tx may be on the network even if the LP never answered.
		tx, u, err := w.checkBitcoinTx(ctx, swap)
		if err != nil {
			return nil, err
		}
		if tx != nil || u != nil {
			return u, nil
		}
		if time.Now().After(expiry) {
			return spvQuoteExpired, nil
		}
		return nil, nil
	}

	var updates []update[*domain.SpvFromBTCSwap]
	if txID != "" {
		withdrawal, err := w.vaults.GetWithdrawalState(ctx, owner, vaultID, txID)
		if err != nil {
			return nil, err
		}
		updates = append(updates, spvWithdrawalUpdate(withdrawal))
	}
	tx, u, err := w.checkBitcoinTx(ctx, swap)
	if err != nil {
		return nil, err
	}
	updates = append(updates, u)
	if tx == nil && state == domain.SpvFromBTCStatePosted && time.Now().After(expiry) {
		updates = append(updates, func(s *domain.SpvFromBTCSwap) (bool, error) {
			if s.State != domain.SpvFromBTCStatePosted {
				return false, nil
			}
			return s.QuoteExpired()
		})
	}
	return chainUpdates(updates...), nil
}

func (w *SpvFromBTCWrapper) tickSwap(
	ctx context.Context, swap *domain.SpvFromBTCSwap, pollBitcoin bool,
) (update[*domain.SpvFromBTCSwap], error) {
	now := time.Now()
	var updates []update[*domain.SpvFromBTCSwap]

	var state domain.SpvFromBTCState
	read(swap, func(s *domain.SpvFromBTCSwap) { state = s.State })
	if pollBitcoin && state < domain.SpvFromBTCStateBtcConfirmed {
		_, u, err := w.checkBitcoinTx(ctx, swap)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}

	updates = append(updates, func(s *domain.SpvFromBTCSwap) (bool, error) {
		if (s.State == domain.SpvFromBTCStateCreated || s.State == domain.SpvFromBTCStateSigned) &&
			now.After(s.QuoteExpiry()) {
			return s.QuoteSoftExpired()
		}
		return false, nil
	})
	return chainUpdates(updates...), nil
}

func (w *SpvFromBTCWrapper) processEvent(
	_ context.Context, _ *domain.SpvFromBTCSwap, event ports.ChainEvent,
) (update[*domain.SpvFromBTCSwap], error) {
	var status ports.SpvWithdrawalStatus
	switch event.Kind {
	case ports.EventSpvFront:
		status = ports.SpvWithdrawalFronted
	case ports.EventSpvClaim:
		status = ports.SpvWithdrawalClaimed
	case ports.EventSpvClose:
		status = ports.SpvWithdrawalClosed
	default:
		return nil, nil
	}
	return spvWithdrawalUpdate(&ports.SpvWithdrawalState{Status: status, TxID: event.TxID}), nil
}
