package evm

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestNewChain(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing identifier", func(c *Config) { c.Identifier = "" }},
		{"missing chain id", func(c *Config) { c.ChainID = nil }},
		{"invalid escrow contract", func(c *Config) { c.EscrowContract = "0x1234" }},
		{"invalid spv contract", func(c *Config) { c.SpvContract = "vault" }},
		{"invalid native token", func(c *Config) { c.NativeToken = "eth" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			_, err := NewChain(newFakeBackend(), cfg)
			require.Error(t, err)
		})
	}

	t.Run("native token defaults to the zero address", func(t *testing.T) {
		c, _ := newTestChain(t)
		require.Equal(t, ZeroAddress.Hex(), c.NativeToken())
		require.Equal(t, "EVM-TEST", c.ChainID())
	})
}

func TestSwapData(t *testing.T) {
	lp, user := common.HexToAddress("0x01"), common.HexToAddress("0x02")

	t.Run("serialize and decode", func(t *testing.T) {
		data := testSwapData(lp, user)
		raw, err := data.Serialize()
		require.NoError(t, err)

		decoded, err := DecodeSwapData(raw)
		require.NoError(t, err)
		require.True(t, data.Equals(decoded))
		require.Equal(t, data.ClaimHash(), decoded.ClaimHash())
		require.Equal(t, lp.Hex(), decoded.Offerer())
		require.Equal(t, int64(520), new(big.Int).Add(decoded.SecurityDeposit(), decoded.ClaimerBounty()).Int64())
	})

	t.Run("claim hash is normalized", func(t *testing.T) {
		data := testSwapData(lp, user)
		data.Hash = "0x" + strings.ToUpper(strings.Repeat("ab", 32))
		raw, err := json.Marshal(data)
		require.NoError(t, err)

		decoded, err := DecodeSwapData(raw)
		require.NoError(t, err)
		require.Equal(t, strings.Repeat("ab", 32), decoded.ClaimHash())
		require.True(t, decoded.Equals(testSwapData(lp, user)))
	})

	t.Run("invalid", func(t *testing.T) {
		overflow := new(big.Int).Lsh(big.NewInt(1), 256)
		testCases := []struct {
			name   string
			mutate func(*SwapData)
		}{
			{"offerer", func(d *SwapData) { d.OffererAddr = "lp" }},
			{"token", func(d *SwapData) { d.TokenAddr = "" }},
			{"deposit token", func(d *SwapData) { d.DepositTokenAddr = "0x12" }},
			{"short claim hash", func(d *SwapData) { d.Hash = "abcd" }},
			{"kind", func(d *SwapData) { d.SwapKind = 9 }},
			{"extra data", func(d *SwapData) { d.Extra = "zz" }},
			{"zero amount", func(d *SwapData) { d.Value = big.NewInt(0) }},
			{"negative deposit", func(d *SwapData) { d.Deposit = big.NewInt(-1) }},
			{"amount overflow", func(d *SwapData) { d.Value = overflow }},
			{"negative expiry", func(d *SwapData) { d.ExpiryTs = -1 }},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				data := testSwapData(lp, user)
				tc.mutate(data)
				raw, err := json.Marshal(data)
				require.NoError(t, err)
				_, err = DecodeSwapData(raw)
				require.Error(t, err)
			})
		}
	})

	t.Run("escrow hash", func(t *testing.T) {
		c, _ := newTestChain(t)
		data := testSwapData(lp, user)

		first, err := c.EscrowHash(data)
		require.NoError(t, err)
		second, err := c.EscrowHash(testSwapData(lp, user))
		require.NoError(t, err)
		require.Equal(t, first, second)
		require.Len(t, first, 64)

		data.Value = big.NewInt(100_001)
		changed, err := c.EscrowHash(data)
		require.NoError(t, err)
		require.NotEqual(t, first, changed)
		require.False(t, data.Equals(testSwapData(lp, user)))
	})

	t.Run("create swap data", func(t *testing.T) {
		c, _ := newTestChain(t)
		data, err := c.CreateSwapData(ctx, ports.SwapDataParams{
			Kind:      domain.ChainSwapTypeChainNonced,
			Offerer:   lp.Hex(),
			Claimer:   user.Hex(),
			Token:     testToken.Hex(),
			Amount:    big.NewInt(10),
			ClaimHash: strings.Repeat("cd", 32),
			Expiry:    time.Unix(1_700_000_000, 0),
		})
		require.NoError(t, err)
		require.Equal(t, ZeroAddress.Hex(), data.DepositToken())
		require.Equal(t, int64(0), data.Sequence().Int64())

		_, err = c.CreateSwapData(ctx, ports.SwapDataParams{Offerer: lp.Hex(), Claimer: user.Hex()})
		require.Error(t, err)
	})
}

func TestHashes(t *testing.T) {
	c, _ := newTestChain(t)

	t.Run("htlc", func(t *testing.T) {
		paymentHash := sha256.Sum256([]byte("secret"))
		require.Equal(t, hex.EncodeToString(crypto.Keccak256(paymentHash[:])), c.HashForHtlc(paymentHash[:]))
	})

	t.Run("onchain", func(t *testing.T) {
		script, _ := hex.DecodeString("0014751e76e8199196d454941c45d1b3a323f1433bd6")
		hash := c.HashForOnchain(script, 50_000, 2, 1)
		require.Len(t, hash, 64)
		require.Equal(t, hash, c.HashForOnchain(script, 50_000, 2, 1))
		require.NotEqual(t, hash, c.HashForOnchain(script, 50_000, 2, 2))
		require.NotEqual(t, hash, c.HashForOnchain(script, 50_001, 2, 1))
		require.NotEqual(t, hash, c.HashForOnchain(script, 50_000, 3, 1))
		require.NotEqual(t, hash, c.HashForOnchain(script[1:], 50_000, 2, 1))
	})
}

func signAuthorization(
	t *testing.T, key *ecdsa.PrivateKey, prefix string, data *SwapData, timeout int64, feeRate string,
) *domain.SignatureData {
	t.Helper()
	hash, err := data.escrowHash()
	require.NoError(t, err)
	sig, err := crypto.Sign(authorizationHash(prefix, hash, timeout, feeRate), key)
	require.NoError(t, err)
	return &domain.SignatureData{Prefix: prefix, Timeout: timeout, Signature: hex.EncodeToString(sig)}
}

func TestAuthorizations(t *testing.T) {
	lpKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	lp := crypto.PubkeyToAddress(lpKey.PublicKey)
	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	c, backend := newTestChain(t)
	timeout := time.Now().Add(time.Minute).Unix()
	const feeRate = "25"

	t.Run("init", func(t *testing.T) {
		// The user claims an escrow the LP offers.
		data := testSwapData(lp, user)
		valid := signAuthorization(t, lpKey, prefixInitialize, data, timeout, feeRate)

		require.NoError(t, c.IsValidInitAuthorization(ctx, user.Hex(), data, valid, feeRate, nil))

		recoveryOffset := *valid
		sig, _ := hex.DecodeString(valid.Signature)
		sig[crypto.RecoveryIDOffset] += 27
		recoveryOffset.Signature = "0x" + hex.EncodeToString(sig)
		require.NoError(t, c.IsValidInitAuthorization(ctx, user.Hex(), data, &recoveryOffset, feeRate, nil))

		testCases := []struct {
			name     string
			sig      *domain.SignatureData
			feeRate  string
			prefetch *ports.SignaturePrefetch
		}{
			{"missing", nil, feeRate, nil},
			{"wrong prefix", signAuthorization(t, lpKey, prefixClaimInitialize, data, timeout, feeRate), feeRate, nil},
			{"wrong signer", signAuthorization(t, otherKey, prefixInitialize, data, timeout, feeRate), feeRate, nil},
			{"other fee rate", valid, "26", nil},
			{"malformed", &domain.SignatureData{Prefix: prefixInitialize, Timeout: timeout, Signature: "00"}, feeRate, nil},
			{
				"expired per prefetched chain time", valid, feeRate,
				&ports.SignaturePrefetch{ChainTime: time.Unix(timeout, 0)},
			},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				err := c.IsValidInitAuthorization(ctx, user.Hex(), data, tc.sig, tc.feeRate, tc.prefetch)
				var sigErr *domain.SignatureVerificationError
				require.ErrorAs(t, err, &sigErr)
			})
		}
	})

	t.Run("init by the offerer", func(t *testing.T) {
		// The user offers an escrow the LP claims.
		data := testSwapData(user, lp)
		sig := signAuthorization(t, lpKey, prefixClaimInitialize, data, timeout, feeRate)
		require.NoError(t, c.IsValidInitAuthorization(ctx, user.Hex(), data, sig, feeRate, nil))
	})

	t.Run("init expiry", func(t *testing.T) {
		data := testSwapData(lp, user)
		sig := signAuthorization(t, lpKey, prefixInitialize, data, timeout, feeRate)

		expired, err := c.IsInitAuthorizationExpired(ctx, data, sig)
		require.NoError(t, err)
		require.False(t, expired)

		backend.mu.Lock()
		backend.tipTime = uint64(timeout)
		backend.mu.Unlock()
		defer func() {
			backend.mu.Lock()
			backend.tipTime = uint64(time.Now().Unix())
			backend.mu.Unlock()
		}()

		expired, err = c.IsInitAuthorizationExpired(ctx, data, sig)
		require.NoError(t, err)
		require.True(t, expired)
	})

	t.Run("refund", func(t *testing.T) {
		data := testSwapData(user, lp)
		sig := signAuthorization(t, lpKey, prefixRefund, data, timeout, "")
		require.NoError(t, c.IsValidRefundAuthorization(ctx, data, sig))

		wrongPrefix := signAuthorization(t, lpKey, prefixInitialize, data, timeout, "")
		require.Error(t, c.IsValidRefundAuthorization(ctx, data, wrongPrefix))

		byOther := signAuthorization(t, otherKey, prefixRefund, data, timeout, "")
		require.Error(t, c.IsValidRefundAuthorization(ctx, data, byOther))
	})

	t.Run("prefetch", func(t *testing.T) {
		backend.mu.Lock()
		backend.times[90] = 1_700_000_000
		backend.mu.Unlock()

		prefetch, err := c.PrefetchSignatureData(ctx, json.RawMessage(`{"block":90}`))
		require.NoError(t, err)
		require.Equal(t, time.Unix(1_700_000_000, 0), prefetch.ChainTime)

		prefetch, err = c.PrefetchSignatureData(ctx, nil)
		require.NoError(t, err)
		require.WithinDuration(t, time.Now(), prefetch.ChainTime, 5*time.Second)

		_, err = c.PrefetchSignatureData(ctx, json.RawMessage(`{"block":"x"}`))
		require.Error(t, err)
	})
}

func TestGetCommitStatus(t *testing.T) {
	lp, user := common.HexToAddress("0x01"), common.HexToAddress("0x02")
	witness := []byte{0xde, 0xad}

	testCases := []struct {
		name     string
		state    uint8
		expiry   time.Time
		expected domain.CommitStatus
	}{
		{"not committed", escrowStateNone, time.Now().Add(time.Hour), domain.CommitStatus{Type: domain.CommitStatusNotCommitted}},
		{"committed", escrowStateCommitted, time.Now().Add(time.Hour), domain.CommitStatus{Type: domain.CommitStatusCommitted}},
		{"expired", escrowStateCommitted, time.Now().Add(-time.Hour), domain.CommitStatus{Type: domain.CommitStatusExpired}},
		{
			"claimed", escrowStateClaimed, time.Now().Add(time.Hour),
			domain.CommitStatus{Type: domain.CommitStatusPaid, ClaimTxID: common.HexToHash("0xc1").Hex(), Witness: "dead"},
		},
		{
			"refunded", escrowStateRefunded, time.Now().Add(time.Hour),
			domain.CommitStatus{Type: domain.CommitStatusNotCommitted, RefundTxID: common.HexToHash("0xf1").Hex()},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, backend := newTestChain(t)
			data := testSwapData(lp, user)
			data.ExpiryTs = tc.expiry.Unix()
			hash, err := data.escrowHash()
			require.NoError(t, err)
			claimHash, err := decodeHash(data.Hash)
			require.NoError(t, err)

			backend.onCall(escrowABI.Methods["getState"], tc.state, big.NewInt(95))
			claimData, err := escrowABI.Events["Claim"].Inputs.NonIndexed().Pack(witness)
			require.NoError(t, err)
			backend.addLogs(
				types.Log{
					Address: testEscrowContract, BlockNumber: 95, TxHash: common.HexToHash("0xc1"),
					Topics: []common.Hash{claimTopic, claimHash, hash}, Data: claimData,
				},
				types.Log{
					Address: testEscrowContract, BlockNumber: 95, TxHash: common.HexToHash("0xf1"),
					Topics: []common.Hash{refundTopic, claimHash, hash},
				},
			)

			status, err := c.GetCommitStatus(ctx, user.Hex(), data)
			require.NoError(t, err)
			require.Equal(t, tc.expected, *status)
		})
	}

	t.Run("contract call fails", func(t *testing.T) {
		c, _ := newTestChain(t)
		_, err := c.GetCommitStatus(ctx, user.Hex(), testSwapData(lp, user))
		require.Error(t, err)
	})

	t.Run("foreign escrow data", func(t *testing.T) {
		c, _ := newTestChain(t)
		_, err := c.GetCommitStatus(ctx, user.Hex(), nil)
		require.Error(t, err)
	})
}

func TestFeesAndBalances(t *testing.T) {
	c, backend := newTestChain(t)
	owner := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	t.Run("init fee rate", func(t *testing.T) {
		rate, err := c.GetInitFeeRate(ctx, owner.Hex(), owner.Hex(), testToken.Hex())
		require.NoError(t, err)
		require.Equal(t, "20", rate)
	})

	t.Run("claim fee", func(t *testing.T) {
		fee, err := c.GetClaimFee(ctx, "10")
		require.NoError(t, err)
		require.Equal(t, int64(10*claimGasLimit), fee.Int64())

		fee, err = c.GetClaimFee(ctx, "")
		require.NoError(t, err)
		require.Equal(t, int64(20*claimGasLimit), fee.Int64())
	})

	t.Run("balance", func(t *testing.T) {
		backend.balance = big.NewInt(1_000)
		backend.onCall(tokenABI.Methods["balanceOf"], big.NewInt(42))

		native, err := c.GetBalance(ctx, owner.Hex(), ZeroAddress.Hex())
		require.NoError(t, err)
		require.Equal(t, int64(1_000), native.Int64())

		token, err := c.GetBalance(ctx, owner.Hex(), testToken.Hex())
		require.NoError(t, err)
		require.Equal(t, int64(42), token.Int64())

		_, err = c.GetBalance(ctx, "owner", testToken.Hex())
		require.Error(t, err)
	})

	t.Run("liquidity", func(t *testing.T) {
		backend.onCall(escrowABI.Methods["lpVault"], big.NewInt(9_999))
		liquidity, err := c.GetLiquidity(ctx, owner.Hex(), testToken.Hex())
		require.NoError(t, err)
		require.Equal(t, int64(9_999), liquidity.Int64())
	})
}
