package application

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/utils"
	"github.com/stretchr/testify/require"
)

// flipByte changes a single hex digit of s.
func flipByte(s string) string {
	b := []byte(s)
	if b[0] == 'a' {
		b[0] = 'b'
	} else {
		b[0] = 'a'
	}
	return string(b)
}

func TestEscrowExpectation(t *testing.T) {
	valid := func() *fakeEscrow {
		return &fakeEscrow{
			Type:         domain.ChainSwapTypeChain,
			Hash:         "abcdef",
			From:         "0xLP",
			To:           testUser,
			Asset:        testToken,
			Value:        big.NewInt(1_000),
			Seq:          big.NewInt(7),
			DepositAsset: testNativeToken,
			Bounty:       big.NewInt(3),
			Confs:        3,
			PayOut:       true,
		}
	}
	expected := escrowExpectation{
		kind:             domain.ChainSwapTypeChain,
		offerer:          "0xlp",
		claimer:          testUser,
		token:            testToken,
		amount:           big.NewInt(1_000),
		claimHash:        "ABCDEF",
		sequence:         big.NewInt(7),
		depositToken:     testNativeToken,
		claimerBounty:    big.NewInt(3),
		maxConfirmations: 6,
		payOut:           true,
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, expected.check("lp", valid()))
	})

	testCases := []struct {
		name   string
		mutate func(e *fakeEscrow)
	}{
		{"kind", func(e *fakeEscrow) { e.Type = domain.ChainSwapTypeHTLC }},
		{"offerer", func(e *fakeEscrow) { e.From = "0xother" }},
		{"claimer", func(e *fakeEscrow) { e.To = "0xother" }},
		{"token", func(e *fakeEscrow) { e.Asset = "0xother" }},
		{"amount", func(e *fakeEscrow) { e.Value = big.NewInt(999) }},
		{"claim hash", func(e *fakeEscrow) { e.Hash = flipByte(e.Hash) }},
		{"sequence", func(e *fakeEscrow) { e.Seq = big.NewInt(8) }},
		{"deposit token", func(e *fakeEscrow) { e.DepositAsset = "0xother" }},
		{"claimer bounty", func(e *fakeEscrow) { e.Bounty = big.NewInt(4) }},
		{"too many confirmations", func(e *fakeEscrow) { e.Confs = 7 }},
		{"no confirmations", func(e *fakeEscrow) { e.Confs = 0 }},
		{"pay in", func(e *fakeEscrow) { e.PayIn = true }},
		{"pay out", func(e *fakeEscrow) { e.PayOut = false }},
		{"extra data", func(e *fakeEscrow) { e.Extra = "0x00" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			escrow := valid()
			tc.mutate(escrow)
			err := expected.check("lp", escrow)
			var ierr *domain.IntermediaryError
			require.ErrorAs(t, err, &ierr)
			require.Equal(t, "lp", ierr.Url)
		})
	}
}

func TestCreateRejectsTamperedEscrow(t *testing.T) {
	ctx := context.Background()

	t.Run("claim hash off by one byte", func(t *testing.T) {
		env := newTestEnv(t, "liar", "honest")
		env.lp.fromBTC["liar"] = env.fromBTCQuote(t, "liar", 0, func(e *fakeEscrow) { e.Hash = flipByte(e.Hash) })
		env.lp.fromBTC["honest"] = env.fromBTCQuote(t, "honest", 50*time.Millisecond, nil)

		w := NewFromBTCWrapper(env.cfg)
		quotes, err := w.Create(ctx, FromBTCRequest{Token: testToken, Amount: big.NewInt(100_000)})
		require.NoError(t, err)
		require.Len(t, quotes, 1)
		require.Equal(t, "honest", quotes[0].Url)
	})

	t.Run("only liars", func(t *testing.T) {
		env := newTestEnv(t, "liar")
		env.lp.fromBTC["liar"] = env.fromBTCQuote(t, "liar", 0, func(e *fakeEscrow) { e.Hash = flipByte(e.Hash) })

		w := NewFromBTCWrapper(env.cfg)
		_, err := w.Create(ctx, FromBTCRequest{Token: testToken, Amount: big.NewInt(100_000)})
		var ierr *domain.IntermediaryError
		require.ErrorAs(t, err, &ierr)
		require.Equal(t, "liar", ierr.Url)
	})

	t.Run("overpriced quote", func(t *testing.T) {
		env := newTestEnv(t, "greedy")
		honest := env.fromBTCQuote(t, "greedy", 0, nil)
		env.lp.fromBTC["greedy"] = func(ctx context.Context, req ports.FromBTCRequest) (ports.FromBTCResponse, error) {
			resp, err := honest(ctx, req)
			if err != nil {
				return resp, err
			}
			// Pays 5% less than the oracle price, escrow amount kept consistent.
			resp.Total = big.NewInt(95_000)
			escrow, _ := decodeFakeEscrow(resp.Data)
			escrow.(*fakeEscrow).Value = resp.Total
			resp.Data = escrow.(*fakeEscrow).raw(t)
			return resp, nil
		}

		w := NewFromBTCWrapper(env.cfg)
		_, err := w.Create(ctx, FromBTCRequest{Token: testToken, Amount: big.NewInt(100_000)})
		var ierr *domain.IntermediaryError
		require.ErrorAs(t, err, &ierr)
	})

	t.Run("invalid signature", func(t *testing.T) {
		env := newTestEnv(t, "lp1")
		env.lp.fromBTC["lp1"] = env.fromBTCQuote(t, "lp1", 0, nil)
		env.chain.sigErr = &domain.SignatureVerificationError{Reason: "bad signature"}

		w := NewFromBTCWrapper(env.cfg)
		_, err := w.Create(ctx, FromBTCRequest{Token: testToken, Amount: big.NewInt(100_000)})
		var sigErr *domain.SignatureVerificationError
		require.ErrorAs(t, err, &sigErr)
	})

	t.Run("not enough liquidity", func(t *testing.T) {
		env := newTestEnv(t, "lp1")
		env.lp.fromBTC["lp1"] = env.fromBTCQuote(t, "lp1", 0, nil)
		env.chain.liquidity = big.NewInt(10)

		w := NewFromBTCWrapper(env.cfg)
		_, err := w.Create(ctx, FromBTCRequest{Token: testToken, Amount: big.NewInt(100_000)})
		var ierr *domain.IntermediaryError
		require.ErrorAs(t, err, &ierr)
	})
}

func TestVerifyInitAuthorization(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain()
	data := &fakeEscrow{Hash: "h"}

	t.Run("failed prefetch still verifies", func(t *testing.T) {
		sig := &domain.SignatureData{Timeout: time.Now().Add(time.Minute).Unix()}
		prefetch := utils.Rejected[*ports.SignaturePrefetch](context.DeadlineExceeded)
		require.NoError(t, verifyInitAuthorization(ctx, chain, testUser, data, sig, "", prefetch))
	})

	t.Run("expired authorization", func(t *testing.T) {
		sig := &domain.SignatureData{Timeout: time.Now().Add(-time.Minute).Unix()}
		err := verifyInitAuthorization(ctx, chain, testUser, data, sig, "", nil)
		var sigErr *domain.SignatureVerificationError
		require.ErrorAs(t, err, &sigErr)
	})
}
