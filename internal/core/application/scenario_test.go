package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/utils"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

const testConfirmations = 2

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func lpBtcScript(t *testing.T) []byte {
	t.Helper()
	script, err := utils.OutputScript(testLpBtcAddr, &chaincfg.MainNetParams)
	require.NoError(t, err)
	return script
}

// fromBTCQuote answers like an honest LP after delay. mutate, when set,
// tampers with the escrow before it is signed.
func (env *testEnv) fromBTCQuote(
	t *testing.T, url string, delay time.Duration, mutate func(*fakeEscrow),
) func(context.Context, ports.FromBTCRequest) (ports.FromBTCResponse, error) {
	script := lpBtcScript(t)
	return func(ctx context.Context, req ports.FromBTCRequest) (ports.FromBTCResponse, error) {
		if err := sleepCtx(ctx, delay); err != nil {
			return ports.FromBTCResponse{}, err
		}
		bounty, err := req.ClaimerBounty.Get(ctx)
		if err != nil {
			return ports.FromBTCResponse{}, err
		}
		amount := req.Amount.Uint64()
		escrow := &fakeEscrow{
			Type:         domain.ChainSwapTypeChain,
			Hash:         env.chain.HashForOnchain(script, amount, testConfirmations, 0),
			From:         "0xlp-" + url,
			To:           req.Claimer,
			Asset:        req.Token,
			Value:        new(big.Int).SetUint64(amount),
			Expire:       time.Now().Add(24 * time.Hour).Unix(),
			Seq:          req.Sequence,
			DepositAsset: testNativeToken,
			Bounty:       expectedClaimerBounty(bounty, testConfirmations),
			Confs:        testConfirmations,
			PayOut:       true,
		}
		if mutate != nil {
			mutate(escrow)
		}
		init := testSignature(time.Hour)
		init.Data = escrow.raw(t)
		return ports.FromBTCResponse{
			EscrowInitData: init,
			Amount:         amount,
			BtcAddress:     testLpBtcAddr,
			Address:        "0xlp-" + url,
			SwapFee:        big.NewInt(0),
			Total:          new(big.Int).SetUint64(amount),
		}, nil
	}
}

func (env *testEnv) toBTCLNQuote(
	t *testing.T, url string, delay time.Duration, mutate func(*fakeEscrow),
) func(context.Context, ports.ToBTCLNRequest) (ports.ToBTCLNResponse, error) {
	return func(ctx context.Context, req ports.ToBTCLNRequest) (ports.ToBTCLNResponse, error) {
		if err := sleepCtx(ctx, delay); err != nil {
			return ports.ToBTCLNResponse{}, err
		}
		invoice, err := utils.DecodeInvoice(req.Invoice)
		if err != nil {
			return ports.ToBTCLNResponse{}, err
		}
		maxFee := new(big.Int).SetUint64(req.MaxFeeSats)
		total := new(big.Int).SetUint64(invoice.AmountSats)
		total.Add(total, maxFee)

		escrow := &fakeEscrow{
			Type:   domain.ChainSwapTypeHTLC,
			Hash:   env.chain.HashForHtlc(invoice.PaymentHash),
			From:   req.Offerer,
			To:     "0xlp-" + url,
			Asset:  req.Token,
			Value:  total,
			Expire: req.ExpiryTimestamp,
			PayIn:  true,
		}
		if mutate != nil {
			mutate(escrow)
		}
		init := testSignature(time.Hour)
		init.Data = escrow.raw(t)
		return ports.ToBTCLNResponse{
			EscrowInitData: init,
			MaxFee:         maxFee,
			SwapFee:        big.NewInt(0),
			Total:          total,
			Confidence:     0.9,
		}, nil
	}
}

// testPreimage derives a deterministic preimage from seed, so that every
// subtest of a swap sees the same payment hash.
func testPreimage(seed byte) ([]byte, [32]byte) {
	preimage := make([]byte, 32)
	for i := range preimage {
		preimage[i] = seed + byte(i)
	}
	return preimage, sha256.Sum256(preimage)
}

func TestFromBTCSwap(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "lp1")
	env.lp.fromBTC["lp1"] = env.fromBTCQuote(t, "lp1", 0, nil)

	w := NewFromBTCWrapper(env.cfg)
	require.NoError(t, w.Init(ctx))
	defer w.Stop()

	quotes, err := w.Create(ctx, FromBTCRequest{Token: testToken, Amount: big.NewInt(100_000)})
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	swap := quotes[0]
	require.Equal(t, domain.FromBTCStateCreated, swap.State)
	require.Equal(t, testLpBtcAddr, swap.Address())
	require.Equal(t, uint32(testConfirmations), swap.RequiredConfirmations)
	require.False(t, swap.Initiated)
	require.True(t, swap.Pricing.IsValid)

	t.Run("commit", func(t *testing.T) {
		require.NoError(t, w.Commit(ctx, swap, false))
		require.Equal(t, domain.FromBTCStateCommitted, swap.State)
		require.True(t, swap.Initiated)
		require.NotEmpty(t, swap.CommitTxID)
		require.Len(t, w.Pending(), 1)

		committed, err := w.WaitTillCommitted(ctx, swap)
		require.NoError(t, err)
		require.True(t, committed)
	})

	tx := ports.BitcoinTx{
		TxID:          "btctx",
		Hex:           "00",
		Confirmations: 1,
		Outputs: []ports.BitcoinTxOutput{
			{Vout: 0, Value: 5_000, ScriptPubKey: []byte{0x00}},
			{Vout: 1, Value: 100_000, ScriptPubKey: lpBtcScript(t), Address: testLpBtcAddr},
		},
	}

	t.Run("sync sees unconfirmed payment", func(t *testing.T) {
		env.bitcoin.pay(testLpBtcAddr, tx)
		require.NoError(t, w.SyncSwaps(ctx))
		require.Equal(t, domain.FromBTCStateCommitted, swap.State)
		require.Equal(t, "btctx", swap.BtcTxID)
		require.Equal(t, uint32(1), swap.BtcVout)
		require.Equal(t, uint32(1), swap.BtcConfirmations)

		saves := env.repo.saveCount(swap.ID())
		require.NoError(t, w.SyncSwaps(ctx))
		require.Equal(t, saves, env.repo.saveCount(swap.ID()))
	})

	t.Run("wait for confirmations", func(t *testing.T) {
		tx.Confirmations = testConfirmations
		env.bitcoin.pay(testLpBtcAddr, tx)

		var seen []uint32
		txID, err := w.WaitForBitcoinTransaction(ctx, swap, time.Millisecond,
			func(_ string, confirmations, _ uint32) { seen = append(seen, confirmations) },
		)
		require.NoError(t, err)
		require.Equal(t, "btctx", txID)
		require.Equal(t, []uint32{testConfirmations}, seen)
		require.Equal(t, domain.FromBTCStateBtcConfirmed, swap.State)
		require.True(t, swap.IsClaimable())
	})

	t.Run("claim", func(t *testing.T) {
		require.NoError(t, w.Claim(ctx, swap))
		require.Equal(t, domain.FromBTCStateClaimed, swap.State)
		require.True(t, swap.IsSuccessful())
		require.NotEmpty(t, swap.ClaimTxID)
		require.Equal(t, int64(100_000), swap.OutputAmount().Value.Int64())
		require.Empty(t, w.Pending())
		require.NoError(t, w.WaitTillClaimed(ctx, swap))

		stored, err := env.repo.Get(ctx, swap.ID())
		require.NoError(t, err)
		require.Equal(t, domain.FromBTCStateClaimed, stored.(*domain.FromBTCSwap).State)
		require.Equal(t, swap.ClaimTxID, stored.(*domain.FromBTCSwap).ClaimTxID)
	})

	t.Run("terminal state is kept", func(t *testing.T) {
		claimTxID := swap.ClaimTxID
		saves := env.repo.saveCount(swap.ID())

		changed, err := w.ProcessEvent(ctx, swap, ports.ChainEvent{
			Kind: ports.EventClaim, ClaimHash: swap.ClaimHash(), TxID: "0xother",
		})
		require.NoError(t, err)
		require.False(t, changed)
		require.Equal(t, claimTxID, swap.ClaimTxID)
		require.Equal(t, saves, env.repo.saveCount(swap.ID()))
	})
}

func TestFromBTCSwapExpiredAuthorization(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "lp1")
	env.lp.fromBTC["lp1"] = env.fromBTCQuote(t, "lp1", 0, nil)

	w := NewFromBTCWrapper(env.cfg)
	quotes, err := w.Create(ctx, FromBTCRequest{Token: testToken, Amount: big.NewInt(50_000)})
	require.NoError(t, err)

	env.chain.authExpired = true
	err = w.Commit(ctx, quotes[0], false)
	var sigErr *domain.SignatureVerificationError
	require.ErrorAs(t, err, &sigErr)
	require.Equal(t, domain.FromBTCStateQuoteExpired, quotes[0].State)
	require.Empty(t, env.chain.sentLabels())
}

func TestToBTCLNSwap(t *testing.T) {
	ctx := context.Background()
	_, hash := testPreimage(1)

	setup := func(t *testing.T, expiry time.Time) (*testEnv, *ToBTCLNWrapper, *domain.ToBTCLNSwap) {
		env := newTestEnv(t, "lp1")
		env.lp.toBTCLN["lp1"] = env.toBTCLNQuote(t, "lp1", 0, nil)

		w := NewToBTCLNWrapper(env.cfg)
		require.NoError(t, w.Init(ctx))
		t.Cleanup(w.Stop)

		quotes, err := w.Create(ctx, ToBTCLNRequest{
			Token:   testToken,
			Invoice: makeInvoice(t, hash, 20_000, time.Hour),
			Expiry:  expiry,
		})
		require.NoError(t, err)
		require.Len(t, quotes, 1)

		swap := quotes[0]
		require.Equal(t, domain.ToBTCStateCreated, swap.State)
		require.Equal(t, hex.EncodeToString(hash[:]), swap.PaymentHash)
		require.Equal(t, defaultMaxRoutingFee(20_000), swap.RoutingFeeSats)

		require.NoError(t, w.Commit(ctx, swap, false))
		require.Equal(t, domain.ToBTCStateCommitted, swap.State)
		return env, w, swap
	}

	t.Run("cooperative refund", func(t *testing.T) {
		env, w, swap := setup(t, time.Time{})
		refund := &domain.SignatureData{Prefix: "refund", Timeout: time.Now().Add(time.Hour).Unix(), Signature: "0xrefund"}
		env.lp.refundAuth = func(string, string) (*ports.RefundAuthorization, error) {
			return &ports.RefundAuthorization{Status: ports.RefundAuthRefundData, Refund: refund}, nil
		}

		paid, err := w.WaitForPayment(ctx, swap, time.Millisecond)
		require.NoError(t, err)
		require.False(t, paid)
		require.Equal(t, domain.ToBTCStateRefundable, swap.State)
		require.True(t, swap.IsRefundable())
		require.False(t, swap.IsFailed())
		require.Equal(t, refund, swap.RefundAuthorization)

		require.NoError(t, w.Refund(ctx, swap))
		require.Equal(t, domain.ToBTCStateRefunded, swap.State)
		require.True(t, swap.IsFailed())
		require.NotEmpty(t, swap.RefundTxID)
		require.Equal(t, []string{"init", "refund"}, env.chain.sentLabels())
		require.NoError(t, w.WaitTillRefunded(ctx, swap))
	})

	t.Run("refund after expiry", func(t *testing.T) {
		env, w, swap := setup(t, time.Now().Add(time.Second))

		// Not expired yet and no authorization from the LP.
		require.Error(t, w.Refund(ctx, swap))

		require.Eventually(t, func() bool {
			w.Tick(ctx)
			swap.Lock()
			defer swap.Unlock()
			return swap.State == domain.ToBTCStateRefundable
		}, 5*time.Second, 50*time.Millisecond)
		require.Nil(t, swap.RefundAuthorization)
		require.True(t, swap.IsRefundable())
		require.False(t, swap.IsFailed())

		require.NoError(t, w.Refund(ctx, swap))
		require.Equal(t, domain.ToBTCStateRefunded, swap.State)
		require.Equal(t, []string{"init", "refund"}, env.chain.sentLabels())
	})

	t.Run("paid", func(t *testing.T) {
		env, w, swap := setup(t, time.Time{})
		preimage, _ := testPreimage(1)
		env.lp.refundAuth = func(string, string) (*ports.RefundAuthorization, error) {
			return &ports.RefundAuthorization{Status: ports.RefundAuthPaid, Secret: hex.EncodeToString(preimage)}, nil
		}

		paid, err := w.WaitForPayment(ctx, swap, time.Millisecond)
		require.NoError(t, err)
		require.True(t, paid)
		require.Equal(t, domain.ToBTCStateSoftClaimed, swap.State)
		require.Equal(t, hex.EncodeToString(preimage), swap.PaymentProof)

		env.chain.setStatus(swap.ClaimHash(), domain.CommitStatus{Type: domain.CommitStatusPaid, ClaimTxID: "0xlpclaim"})
		require.NoError(t, w.SyncSwaps(ctx))
		require.Equal(t, domain.ToBTCStateClaimed, swap.State)
		require.Equal(t, "0xlpclaim", swap.ClaimTxID)
		require.True(t, swap.IsSuccessful())
		require.Empty(t, w.Pending())
	})

	t.Run("wrong preimage", func(t *testing.T) {
		env, w, swap := setup(t, time.Time{})
		env.lp.refundAuth = func(string, string) (*ports.RefundAuthorization, error) {
			return &ports.RefundAuthorization{Status: ports.RefundAuthPaid, Secret: hex.EncodeToString([]byte("nope"))}, nil
		}

		_, err := w.WaitForPayment(ctx, swap, time.Millisecond)
		var ierr *domain.IntermediaryError
		require.ErrorAs(t, err, &ierr)
		require.Equal(t, domain.ToBTCStateCommitted, swap.State)
	})

	t.Run("invalid refund authorization", func(t *testing.T) {
		env, w, swap := setup(t, time.Time{})
		env.chain.refundSigErr = &domain.SignatureVerificationError{Reason: "bad signature"}
		env.lp.refundAuth = func(string, string) (*ports.RefundAuthorization, error) {
			return &ports.RefundAuthorization{Status: ports.RefundAuthRefundData, Refund: &domain.SignatureData{}}, nil
		}

		_, err := w.WaitForPayment(ctx, swap, time.Millisecond)
		var ierr *domain.IntermediaryError
		require.ErrorAs(t, err, &ierr)
		require.Equal(t, domain.ToBTCStateCommitted, swap.State)
	})
}

func TestToBTCLNCreateValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "lp1")
	w := NewToBTCLNWrapper(env.cfg)
	_, hash := testPreimage(1)

	testCases := []struct {
		name string
		req  ToBTCLNRequest
	}{
		{"missing token", ToBTCLNRequest{Invoice: makeInvoice(t, hash, 1_000, time.Hour)}},
		{"invalid invoice", ToBTCLNRequest{Token: testToken, Invoice: "lnbc1invalid"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := w.Create(ctx, tc.req)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestSyncSwapsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, hash := testPreimage(1)
	env := newTestEnv(t, "lp1")
	env.lp.toBTCLN["lp1"] = env.toBTCLNQuote(t, "lp1", 0, nil)

	w := NewToBTCLNWrapper(env.cfg)
	quotes, err := w.Create(ctx, ToBTCLNRequest{Token: testToken, Invoice: makeInvoice(t, hash, 10_000, time.Hour)})
	require.NoError(t, err)
	swap := quotes[0]
	require.NoError(t, w.Commit(ctx, swap, false))

	saves := env.repo.saveCount(swap.ID())
	for i := 0; i < 3; i++ {
		require.NoError(t, w.SyncSwaps(ctx))
		w.Tick(ctx)
	}
	require.Equal(t, saves, env.repo.saveCount(swap.ID()))
	require.Equal(t, domain.ToBTCStateCommitted, swap.State)

	// A refund seen on chain before the event arrives is applied once.
	env.chain.setStatus(swap.ClaimHash(), domain.CommitStatus{Type: domain.CommitStatusNotCommitted, RefundTxID: "0xrefund"})
	require.NoError(t, w.SyncSwaps(ctx))
	require.Equal(t, domain.ToBTCStateRefunded, swap.State)

	changed, err := w.ProcessEvent(ctx, swap, ports.ChainEvent{Kind: ports.EventRefund, TxID: "0xrefund2"})
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, "0xrefund", swap.RefundTxID)
	require.Equal(t, saves+1, env.repo.saveCount(swap.ID()))
}

func TestInitRestoresPendingSwaps(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "lp1")
	env.lp.fromBTC["lp1"] = env.fromBTCQuote(t, "lp1", 0, nil)

	w := NewFromBTCWrapper(env.cfg)
	quotes, err := w.Create(ctx, FromBTCRequest{Token: testToken, Amount: big.NewInt(100_000)})
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx, quotes[0], false))
	w.Stop()
	require.Zero(t, env.swaps.Len())

	// The escrow got claimed by a watchtower while the client was offline.
	env.chain.setStatus(quotes[0].ClaimHash(), domain.CommitStatus{Type: domain.CommitStatusPaid, ClaimTxID: "0xwatchtower"})

	restarted := NewFromBTCWrapper(env.cfg)
	require.NoError(t, restarted.Init(ctx))
	defer restarted.Stop()

	stored, err := env.repo.Get(ctx, quotes[0].ID())
	require.NoError(t, err)
	require.Equal(t, domain.FromBTCStateClaimed, stored.(*domain.FromBTCSwap).State)
	require.Equal(t, "0xwatchtower", stored.(*domain.FromBTCSwap).ClaimTxID)
	require.Empty(t, restarted.Pending())
}

const (
	testSecurityDeposit = 5_000
	testNetworkFee      = 500
)

func hashFromHex(t *testing.T, s string) [32]byte {
	t.Helper()
	raw, err := hex.DecodeString(s)
	require.NoError(t, err)
	require.Len(t, raw, 32)
	var hash [32]byte
	copy(hash[:], raw)
	return hash
}

// fromBTCLNQuote answers with a hold invoice locked to the payment hash the
// client sent. mutate, when set, tampers with the response.
func (env *testEnv) fromBTCLNQuote(
	t *testing.T, mutate func(req ports.FromBTCLNRequest, resp *ports.FromBTCLNResponse),
) func(context.Context, ports.FromBTCLNRequest) (*ports.FromBTCLNResponse, error) {
	return func(_ context.Context, req ports.FromBTCLNRequest) (*ports.FromBTCLNResponse, error) {
		amount := req.Amount.Uint64()
		resp := &ports.FromBTCLNResponse{
			Invoice:         makeInvoice(t, hashFromHex(t, req.PaymentHash), amount, time.Hour),
			SwapFee:         big.NewInt(0),
			Total:           new(big.Int).SetUint64(amount),
			SecurityDeposit: big.NewInt(testSecurityDeposit),
		}
		if mutate != nil {
			mutate(req, resp)
		}
		return resp, nil
	}
}

// paymentAuthorization is the escrow an honest LP authorizes once the
// invoice of swap got paid.
func (env *testEnv) paymentAuthorization(
	t *testing.T, swap *domain.FromBTCLNSwap, mutate func(*fakeEscrow),
) *ports.PaymentAuthorization {
	t.Helper()
	paymentHash := hashFromHex(t, swap.PaymentHash)
	escrow := &fakeEscrow{
		Type:         domain.ChainSwapTypeHTLC,
		Hash:         env.chain.HashForHtlc(paymentHash[:]),
		From:         swap.LpAddress,
		To:           testUser,
		Asset:        swap.Token,
		Value:        new(big.Int).Set(swap.OutputTokens),
		Expire:       time.Now().Add(24 * time.Hour).Unix(),
		DepositAsset: testNativeToken,
		Deposit:      big.NewInt(testSecurityDeposit),
		PayOut:       true,
	}
	if mutate != nil {
		mutate(escrow)
	}
	init := testSignature(time.Hour)
	init.Data = escrow.raw(t)
	return &ports.PaymentAuthorization{Status: ports.PaymentAuthPaid, EscrowInitData: init}
}

func answerPayment(auth *ports.PaymentAuthorization) func(string, string) (*ports.PaymentAuthorization, error) {
	return func(string, string) (*ports.PaymentAuthorization, error) {
		return auth, nil
	}
}

func TestFromBTCLNSwap(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testEnv, *FromBTCLNWrapper, *domain.FromBTCLNSwap) {
		env := newTestEnv(t, "lp1")
		env.lp.fromBTCLN["lp1"] = env.fromBTCLNQuote(t, nil)

		w := NewFromBTCLNWrapper(env.cfg)
		require.NoError(t, w.Init(ctx))
		t.Cleanup(w.Stop)

		quotes, err := w.Create(ctx, FromBTCLNRequest{Token: testToken, Amount: big.NewInt(30_000)})
		require.NoError(t, err)
		require.Len(t, quotes, 1)

		swap := quotes[0]
		require.Equal(t, domain.FromBTCLNStateCreated, swap.State)
		require.Equal(t, uint64(30_000), swap.AmountSats)
		require.Zero(t, big.NewInt(30_000).Cmp(swap.OutputTokens))
		require.Zero(t, big.NewInt(testSecurityDeposit).Cmp(swap.SecurityDeposit))
		require.Equal(t, "0xlp-lp1", swap.LpAddress)
		require.Equal(t, "1000", swap.FeeRate)
		require.Nil(t, swap.Data)
		return env, w, swap
	}

	// paid drives swap to the paid state with an honest authorization.
	paid := func(t *testing.T, env *testEnv, w *FromBTCLNWrapper, swap *domain.FromBTCLNSwap) {
		env.lp.paymentAut = answerPayment(env.paymentAuthorization(t, swap, nil))
		ok, err := w.WaitForPayment(ctx, swap, time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, domain.FromBTCLNStatePaid, swap.State)
	}

	t.Run("invoice locked to the client preimage", func(t *testing.T) {
		_, _, swap := setup(t)

		secret, err := hex.DecodeString(swap.Secret)
		require.NoError(t, err)
		hash := sha256.Sum256(secret)
		require.Equal(t, hex.EncodeToString(hash[:]), swap.PaymentHash)

		invoice, err := utils.DecodeInvoice(swap.Invoice)
		require.NoError(t, err)
		require.Equal(t, swap.PaymentHash, invoice.PaymentHashHex())
		require.Equal(t, swap.Invoice, swap.Address())
		require.Equal(t, "lightning:"+swap.Invoice, swap.HyperlinkURI())
	})

	t.Run("paid, committed and claimed", func(t *testing.T) {
		env, w, swap := setup(t)
		auth := env.paymentAuthorization(t, swap, nil)
		env.lp.paymentAut = func(_, paymentHash string) (*ports.PaymentAuthorization, error) {
			if paymentHash != swap.PaymentHash {
				return &ports.PaymentAuthorization{Status: ports.PaymentAuthNotFound}, nil
			}
			return auth, nil
		}

		ok, err := w.WaitForPayment(ctx, swap, time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, domain.FromBTCLNStatePaid, swap.State)
		require.True(t, swap.IsClaimable())
		require.NotNil(t, swap.Data)
		require.NotEmpty(t, swap.EscrowHash())
		require.Equal(t, auth.Timeout, swap.Signature.Timeout)
		require.Len(t, w.Pending(), 1)

		require.NoError(t, w.CommitAndClaim(ctx, swap, false))
		require.Equal(t, domain.FromBTCLNStateClaimed, swap.State)
		require.True(t, swap.IsSuccessful())
		require.NotEmpty(t, swap.CommitTxID)
		require.NotEmpty(t, swap.ClaimTxID)
		require.Equal(t, []string{"init", "claim"}, env.chain.sentLabels())
		require.Equal(t, swap.ClaimHash()+":"+swap.Secret, string(env.chain.sent[1].Data))
		require.Empty(t, w.Pending())
		require.NoError(t, w.WaitTillClaimed(ctx, swap))
	})

	t.Run("commit then claim", func(t *testing.T) {
		env, w, swap := setup(t)

		// Nothing to commit or claim before the invoice is paid.
		require.Error(t, w.Commit(ctx, swap, false))
		require.Error(t, w.WaitTillClaimed(ctx, swap))

		paid(t, env, w, swap)
		require.Error(t, w.Claim(ctx, swap))

		require.NoError(t, w.Commit(ctx, swap, false))
		require.Equal(t, domain.FromBTCLNStateCommitted, swap.State)
		require.True(t, swap.IsClaimable())
		require.Equal(t, []string{"init"}, env.chain.sentLabels())

		require.NoError(t, w.Claim(ctx, swap))
		require.Equal(t, domain.FromBTCLNStateClaimed, swap.State)
		require.Error(t, w.Claim(ctx, swap))
		require.Equal(t, []string{"init", "claim"}, env.chain.sentLabels())
	})

	t.Run("expired authorization is not committed", func(t *testing.T) {
		env, w, swap := setup(t)
		paid(t, env, w, swap)

		env.chain.authExpired = true
		err := w.Commit(ctx, swap, false)
		var sigErr *domain.SignatureVerificationError
		require.ErrorAs(t, err, &sigErr)
		require.Equal(t, domain.FromBTCLNStateQuoteExpired, swap.State)
		require.Empty(t, env.chain.sentLabels())
		require.Empty(t, w.Pending())
	})

	t.Run("payment outcomes", func(t *testing.T) {
		testCases := []struct {
			name         string
			status       ports.PaymentAuthorizationStatus
			quoteExpired bool
			state        domain.FromBTCLNState
		}{
			{"invoice expired at the intermediary", ports.PaymentAuthExpired, false, domain.FromBTCLNStateQuoteExpired},
			{"unknown to the intermediary", ports.PaymentAuthNotFound, false, domain.FromBTCLNStateFailed},
			{"unknown after the quote expired", ports.PaymentAuthNotFound, true, domain.FromBTCLNStateQuoteExpired},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				env, w, swap := setup(t)
				if tc.quoteExpired {
					swap.Expiry = time.Now().Add(-time.Minute).UnixMilli()
				}
				env.lp.paymentAut = func(string, string) (*ports.PaymentAuthorization, error) {
					return &ports.PaymentAuthorization{Status: tc.status}, nil
				}

				ok, err := w.WaitForPayment(ctx, swap, time.Millisecond)
				require.NoError(t, err)
				require.False(t, ok)
				require.Equal(t, tc.state, swap.State)
				require.True(t, swap.IsFinished())
				require.Empty(t, w.Pending())
			})
		}
	})

	t.Run("rejects a tampered escrow authorization", func(t *testing.T) {
		testCases := []struct {
			name   string
			mutate func(*fakeEscrow)
		}{
			{"wrong offerer", func(e *fakeEscrow) { e.From = "0xother" }},
			{"wrong claimer", func(e *fakeEscrow) { e.To = "0xthief" }},
			{"wrong amount", func(e *fakeEscrow) { e.Value = big.NewInt(1) }},
			{"wrong claim hash", func(e *fakeEscrow) { e.Hash = "00" }},
			{"missing security deposit", func(e *fakeEscrow) { e.Deposit = nil }},
			{"paid in by the claimer", func(e *fakeEscrow) { e.PayIn = true }},
			{"extra data", func(e *fakeEscrow) { e.Extra = "0xdead" }},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				env, w, swap := setup(t)
				env.lp.paymentAut = answerPayment(env.paymentAuthorization(t, swap, tc.mutate))

				ok, err := w.WaitForPayment(ctx, swap, time.Millisecond)
				var ierr *domain.IntermediaryError
				require.ErrorAs(t, err, &ierr)
				require.Equal(t, "lp1", ierr.Url)
				require.False(t, ok)
				require.Equal(t, domain.FromBTCLNStateCreated, swap.State)
				require.Nil(t, swap.Data)
			})
		}
	})

	t.Run("rejects an invalid authorization signature", func(t *testing.T) {
		env, w, swap := setup(t)
		env.chain.sigErr = &domain.SignatureVerificationError{Reason: "bad signature"}
		env.lp.paymentAut = answerPayment(env.paymentAuthorization(t, swap, nil))

		ok, err := w.WaitForPayment(ctx, swap, time.Millisecond)
		var ierr *domain.IntermediaryError
		require.ErrorAs(t, err, &ierr)
		require.False(t, ok)
		require.Equal(t, domain.FromBTCLNStateCreated, swap.State)
	})

	t.Run("tick soft expires stale swaps", func(t *testing.T) {
		env, w, swap := setup(t)
		swap, err := w.initiate(ctx, swap)
		require.NoError(t, err)

		swap.Lock()
		swap.Expiry = time.Now().Add(-time.Minute).UnixMilli()
		swap.Unlock()
		w.Tick(ctx)
		require.Equal(t, domain.FromBTCLNStateQuoteSoftExpired, swap.State)
		require.True(t, swap.IsQuoteSoftExpired())
		require.False(t, swap.IsFinished())

		// A payment seen after the soft expiry still goes through.
		env.lp.paymentAut = answerPayment(env.paymentAuthorization(t, swap, nil))
		require.NoError(t, w.SyncSwaps(ctx))
		require.Equal(t, domain.FromBTCLNStatePaid, swap.State)

		swap.Lock()
		swap.Signature.Timeout = time.Now().Add(-time.Minute).Unix()
		swap.Unlock()
		w.Tick(ctx)
		require.Equal(t, domain.FromBTCLNStateQuoteSoftExpired, swap.State)

		var sigErr *domain.SignatureVerificationError
		require.ErrorAs(t, w.Commit(ctx, swap, false), &sigErr)
		require.Equal(t, domain.FromBTCLNStateQuoteExpired, swap.State)
		require.Empty(t, w.Pending())
	})

	t.Run("tick expires a committed escrow", func(t *testing.T) {
		env, w, swap := setup(t)
		paid(t, env, w, swap)
		require.NoError(t, w.Commit(ctx, swap, false))

		w.Tick(ctx)
		require.Equal(t, domain.FromBTCLNStateCommitted, swap.State)

		swap.Lock()
		swap.Data.(*fakeEscrow).Expire = time.Now().Add(-time.Minute).Unix()
		swap.Unlock()
		w.Tick(ctx)
		require.Equal(t, domain.FromBTCLNStateExpired, swap.State)
		require.True(t, swap.IsFailed())
		require.False(t, swap.IsFinished())

		// The intermediary takes its tokens back.
		env.chain.setStatus(swap.ClaimHash(), domain.CommitStatus{Type: domain.CommitStatusNotCommitted, RefundTxID: "0xlprefund"})
		require.NoError(t, w.SyncSwaps(ctx))
		require.Equal(t, domain.FromBTCLNStateFailed, swap.State)
		require.Equal(t, "0xlprefund", swap.RefundTxID)
		require.Empty(t, w.Pending())
	})

	t.Run("sync follows the escrow on chain", func(t *testing.T) {
		env, w, swap := setup(t)
		swap, err := w.initiate(ctx, swap)
		require.NoError(t, err)

		// The intermediary has not seen the payment yet.
		require.NoError(t, w.SyncSwaps(ctx))
		require.Equal(t, domain.FromBTCLNStateCreated, swap.State)

		env.lp.paymentAut = answerPayment(env.paymentAuthorization(t, swap, nil))
		require.NoError(t, w.SyncSwaps(ctx))
		require.Equal(t, domain.FromBTCLNStatePaid, swap.State)

		env.chain.setStatus(swap.ClaimHash(), domain.CommitStatus{Type: domain.CommitStatusCommitted})
		require.NoError(t, w.SyncSwaps(ctx))
		require.Equal(t, domain.FromBTCLNStateCommitted, swap.State)

		// A watchtower claimed with the revealed secret.
		env.chain.setStatus(swap.ClaimHash(), domain.CommitStatus{Type: domain.CommitStatusPaid, ClaimTxID: "0xwatchtower"})
		require.NoError(t, w.SyncSwaps(ctx))
		require.Equal(t, domain.FromBTCLNStateClaimed, swap.State)
		require.Equal(t, "0xwatchtower", swap.ClaimTxID)
		require.Empty(t, w.Pending())
		require.Empty(t, env.chain.sentLabels())
	})

	t.Run("sync expires an uncommitted authorization", func(t *testing.T) {
		env, w, swap := setup(t)
		paid(t, env, w, swap)

		require.NoError(t, w.SyncSwaps(ctx))
		require.Equal(t, domain.FromBTCLNStatePaid, swap.State)

		env.chain.authExpired = true
		require.NoError(t, w.SyncSwaps(ctx))
		require.Equal(t, domain.FromBTCLNStateQuoteExpired, swap.State)
		require.Empty(t, w.Pending())
	})

	t.Run("events drive the swap", func(t *testing.T) {
		env, w, swap := setup(t)
		paid(t, env, w, swap)

		changed, err := w.ProcessEvent(ctx, swap, ports.ChainEvent{Kind: ports.EventInitialize, TxID: "0xinit"})
		require.NoError(t, err)
		require.True(t, changed)
		require.Equal(t, domain.FromBTCLNStateCommitted, swap.State)
		require.Equal(t, "0xinit", swap.CommitTxID)

		changed, err = w.ProcessEvent(ctx, swap, ports.ChainEvent{Kind: ports.EventClaim, TxID: "0xclaim"})
		require.NoError(t, err)
		require.True(t, changed)
		require.Equal(t, domain.FromBTCLNStateClaimed, swap.State)
		require.Equal(t, "0xclaim", swap.ClaimTxID)
		require.Empty(t, w.Pending())
	})
}

func TestFromBTCLNCreateValidation(t *testing.T) {
	ctx := context.Background()
	_, otherHash := testPreimage(7)

	t.Run("invalid request", func(t *testing.T) {
		env := newTestEnv(t, "lp1")
		w := NewFromBTCLNWrapper(env.cfg)

		testCases := []struct {
			name string
			req  FromBTCLNRequest
		}{
			{"missing token", FromBTCLNRequest{Amount: big.NewInt(10_000)}},
			{"missing amount", FromBTCLNRequest{Token: testToken}},
			{"negative amount", FromBTCLNRequest{Token: testToken, Amount: big.NewInt(-1)}},
			{"short description hash", FromBTCLNRequest{Token: testToken, Amount: big.NewInt(10_000), DescriptionHash: "abcd"}},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := w.Create(ctx, tc.req)
				var verr *domain.ValidationError
				require.ErrorAs(t, err, &verr)
			})
		}
	})

	t.Run("invalid quote", func(t *testing.T) {
		testCases := []struct {
			name      string
			liquidity *big.Int
			mutate    func(req ports.FromBTCLNRequest, resp *ports.FromBTCLNResponse)
		}{
			{
				name: "invoice for another payment hash",
				mutate: func(req ports.FromBTCLNRequest, resp *ports.FromBTCLNResponse) {
					resp.Invoice = makeInvoice(t, otherHash, req.Amount.Uint64(), time.Hour)
				},
			},
			{
				name: "invoice for another amount",
				mutate: func(req ports.FromBTCLNRequest, resp *ports.FromBTCLNResponse) {
					resp.Invoice = makeInvoice(t, hashFromHex(t, req.PaymentHash), req.Amount.Uint64()+1, time.Hour)
				},
			},
			{
				name: "malformed invoice",
				mutate: func(_ ports.FromBTCLNRequest, resp *ports.FromBTCLNResponse) {
					resp.Invoice = "lnbc1invalid"
				},
			},
			{
				name: "output below the oracle price",
				mutate: func(_ ports.FromBTCLNRequest, resp *ports.FromBTCLNResponse) {
					resp.Total = big.NewInt(9_000)
				},
			},
			{
				name:      "not enough liquidity",
				liquidity: big.NewInt(1_000),
			},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				env := newTestEnv(t, "lp1")
				env.lp.fromBTCLN["lp1"] = env.fromBTCLNQuote(t, tc.mutate)
				if tc.liquidity != nil {
					env.chain.liquidity = tc.liquidity
				}
				w := NewFromBTCLNWrapper(env.cfg)

				quotes, err := w.Create(ctx, FromBTCLNRequest{Token: testToken, Amount: big.NewInt(10_000)})
				var ierr *domain.IntermediaryError
				require.ErrorAs(t, err, &ierr)
				require.Empty(t, quotes)
			})
		}
	})
}

// toBTCQuote answers like an honest LP paying out the requested sats, with a
// flat network fee on top. mutate, when set, tampers with the escrow.
func (env *testEnv) toBTCQuote(
	t *testing.T, url string, mutate func(*fakeEscrow),
) func(context.Context, ports.ToBTCRequest) (ports.ToBTCResponse, error) {
	return func(_ context.Context, req ports.ToBTCRequest) (ports.ToBTCResponse, error) {
		script, err := utils.OutputScript(req.Address, &chaincfg.MainNetParams)
		if err != nil {
			return ports.ToBTCResponse{}, err
		}
		amount := req.Amount.Uint64()
		networkFee := big.NewInt(testNetworkFee)
		total := new(big.Int).Add(new(big.Int).SetUint64(amount), networkFee)

		escrow := &fakeEscrow{
			Type:   domain.ChainSwapTypeChainNonced,
			Hash:   env.chain.HashForOnchain(script, amount, req.Confirmations, req.Nonce),
			From:   req.Offerer,
			To:     "0xlp-" + url,
			Asset:  req.Token,
			Value:  total,
			Expire: time.Now().Add(24 * time.Hour).Unix(),
			PayIn:  true,
		}
		if mutate != nil {
			mutate(escrow)
		}
		init := testSignature(time.Hour)
		init.Data = escrow.raw(t)
		return ports.ToBTCResponse{
			EscrowInitData: init,
			Amount:         amount,
			Address:        req.Address,
			SatsPerVByte:   10,
			NetworkFee:     networkFee,
			SwapFee:        big.NewInt(0),
			TotalFee:       networkFee,
			Total:          total,
		}, nil
	}
}

func payoutTx(t *testing.T, txid, address string, sats uint64) ports.BitcoinTx {
	t.Helper()
	script, err := utils.OutputScript(address, &chaincfg.MainNetParams)
	require.NoError(t, err)
	return ports.BitcoinTx{
		TxID:          txid,
		Confirmations: 1,
		Outputs:       []ports.BitcoinTxOutput{{Vout: 0, Value: sats, ScriptPubKey: script, Address: address}},
	}
}

func answerRefund(auth *ports.RefundAuthorization) func(string, string) (*ports.RefundAuthorization, error) {
	return func(string, string) (*ports.RefundAuthorization, error) {
		return auth, nil
	}
}

func TestToBTCSwap(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testEnv, *ToBTCWrapper, *domain.ToBTCSwap) {
		env := newTestEnv(t, "lp1")
		env.lp.toBTC["lp1"] = env.toBTCQuote(t, "lp1", nil)

		w := NewToBTCWrapper(env.cfg)
		require.NoError(t, w.Init(ctx))
		t.Cleanup(w.Stop)

		quotes, err := w.Create(ctx, ToBTCRequest{Token: testToken, Address: testBtcAddress, Amount: big.NewInt(50_000)})
		require.NoError(t, err)
		require.Len(t, quotes, 1)

		swap := quotes[0]
		require.Equal(t, domain.ToBTCStateCreated, swap.State)
		require.Equal(t, testBtcAddress, swap.BtcAddress)
		require.Equal(t, uint64(50_000), swap.AmountSats)
		require.Equal(t, uint32(defaultToBTCConfirmations), swap.Confirmations)
		require.Zero(t, big.NewInt(testNetworkFee).Cmp(swap.NetworkFee))
		require.Zero(t, big.NewInt(50_000+testNetworkFee).Cmp(swap.Data.Amount()))
		require.Equal(t, "0xlp-lp1", swap.Data.Claimer())

		require.NoError(t, w.Commit(ctx, swap, false))
		require.Equal(t, domain.ToBTCStateCommitted, swap.State)
		return env, w, swap
	}

	t.Run("claim hash binds the payout and the nonce", func(t *testing.T) {
		_, _, swap := setup(t)
		script, err := utils.OutputScript(testBtcAddress, &chaincfg.MainNetParams)
		require.NoError(t, err)

		chain := newFakeChain()
		require.Equal(t, chain.HashForOnchain(script, 50_000, defaultToBTCConfirmations, swap.Nonce), swap.ClaimHash())
	})

	t.Run("paid out on bitcoin", func(t *testing.T) {
		env, w, swap := setup(t)
		env.bitcoin.pay(testBtcAddress, payoutTx(t, "btcpayout", testBtcAddress, 50_000))
		env.lp.refundAuth = answerRefund(&ports.RefundAuthorization{Status: ports.RefundAuthPaid, TxID: "btcpayout"})

		ok, err := w.WaitForPayment(ctx, swap, time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, domain.ToBTCStateSoftClaimed, swap.State)
		require.Equal(t, "btcpayout", swap.PaymentProof)

		env.chain.setStatus(swap.ClaimHash(), domain.CommitStatus{Type: domain.CommitStatusPaid, ClaimTxID: "0xlpclaim"})
		require.NoError(t, w.SyncSwaps(ctx))
		require.Equal(t, domain.ToBTCStateClaimed, swap.State)
		require.True(t, swap.IsSuccessful())
		require.Equal(t, "0xlpclaim", swap.ClaimTxID)
		require.Empty(t, w.Pending())
	})

	t.Run("payout not broadcast yet", func(t *testing.T) {
		env, w, swap := setup(t)
		env.lp.refundAuth = answerRefund(&ports.RefundAuthorization{Status: ports.RefundAuthPaid, TxID: "btcpayout"})

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err := w.WaitForPayment(waitCtx, swap, time.Millisecond)
		require.Error(t, err)
		require.Equal(t, domain.ToBTCStateCommitted, swap.State)

		env.bitcoin.pay(testBtcAddress, payoutTx(t, "btcpayout", testBtcAddress, 50_000))
		ok, err := w.WaitForPayment(ctx, swap, time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, domain.ToBTCStateSoftClaimed, swap.State)
	})

	t.Run("rejects a payout that does not pay the swap", func(t *testing.T) {
		testCases := []struct {
			name string
			tx   ports.BitcoinTx
			txid string
		}{
			{"short amount", payoutTx(t, "btcshort", testBtcAddress, 49_000), "btcshort"},
			{"other address", payoutTx(t, "btcother", testLpBtcAddr, 50_000), "btcother"},
			{"missing txid", ports.BitcoinTx{}, ""},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				env, w, swap := setup(t)
				if tc.txid != "" {
					env.bitcoin.pay(testBtcAddress, tc.tx)
				}
				env.lp.refundAuth = answerRefund(&ports.RefundAuthorization{Status: ports.RefundAuthPaid, TxID: tc.txid})

				ok, err := w.WaitForPayment(ctx, swap, time.Millisecond)
				var ierr *domain.IntermediaryError
				require.ErrorAs(t, err, &ierr)
				require.False(t, ok)
				require.Equal(t, domain.ToBTCStateCommitted, swap.State)
				require.Empty(t, swap.PaymentProof)
			})
		}
	})

	t.Run("refund after the payout failed", func(t *testing.T) {
		env, w, swap := setup(t)
		refund := &domain.SignatureData{Prefix: "refund", Timeout: time.Now().Add(time.Hour).Unix(), Signature: "0xrefund"}
		env.lp.refundAuth = answerRefund(&ports.RefundAuthorization{Status: ports.RefundAuthRefundData, Refund: refund})

		ok, err := w.WaitForPayment(ctx, swap, time.Millisecond)
		require.NoError(t, err)
		require.False(t, ok)
		require.True(t, swap.IsRefundable())

		require.NoError(t, w.Refund(ctx, swap))
		require.Equal(t, domain.ToBTCStateRefunded, swap.State)
		require.Equal(t, []string{"init", "refund"}, env.chain.sentLabels())
	})
}

func TestToBTCCreateValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid request", func(t *testing.T) {
		env := newTestEnv(t, "lp1")
		w := NewToBTCWrapper(env.cfg)

		testCases := []struct {
			name string
			req  ToBTCRequest
		}{
			{"missing token", ToBTCRequest{Address: testBtcAddress, Amount: big.NewInt(10_000)}},
			{"missing amount", ToBTCRequest{Token: testToken, Address: testBtcAddress}},
			{"invalid address", ToBTCRequest{Token: testToken, Address: "tb1qnotmainnet", Amount: big.NewInt(10_000)}},
			{"too many confirmations", ToBTCRequest{Token: testToken, Address: testBtcAddress, Amount: big.NewInt(10_000), Confirmations: 100}},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := w.Create(ctx, tc.req)
				var verr *domain.ValidationError
				require.ErrorAs(t, err, &verr)
			})
		}
	})

	t.Run("tampered escrow", func(t *testing.T) {
		testCases := []struct {
			name   string
			mutate func(*fakeEscrow)
		}{
			{"wrong claimer", func(e *fakeEscrow) { e.To = "0xother" }},
			{"wrong offerer", func(e *fakeEscrow) { e.From = "0xother" }},
			{"claim hash without the nonce", func(e *fakeEscrow) { e.Hash = "00" }},
			{"short escrow amount", func(e *fakeEscrow) { e.Value = big.NewInt(10_000) }},
			{"not paid in", func(e *fakeEscrow) { e.PayIn = false }},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				env := newTestEnv(t, "lp1")
				env.lp.toBTC["lp1"] = env.toBTCQuote(t, "lp1", tc.mutate)
				w := NewToBTCWrapper(env.cfg)

				quotes, err := w.Create(ctx, ToBTCRequest{Token: testToken, Address: testBtcAddress, Amount: big.NewInt(10_000)})
				var ierr *domain.IntermediaryError
				require.ErrorAs(t, err, &ierr)
				require.Empty(t, quotes)
			})
		}
	})
}
