package db_test

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/infrastructure/db"
	"github.com/stretchr/testify/require"
)

const testChain = "EVM-TEST"

var ctx = context.Background()

type testEscrow struct {
	Hash   string   `json:"hash"`
	Asset  string   `json:"asset"`
	Value  *big.Int `json:"value"`
	Expire int64    `json:"expire"`
}

func (e *testEscrow) ClaimHash() string          { return e.Hash }
func (e *testEscrow) Offerer() string            { return "0xlp" }
func (e *testEscrow) Claimer() string            { return "0xuser" }
func (e *testEscrow) Token() string              { return e.Asset }
func (e *testEscrow) Amount() *big.Int           { return e.Value }
func (e *testEscrow) Expiry() time.Time          { return time.Unix(e.Expire, 0) }
func (e *testEscrow) Sequence() *big.Int         { return big.NewInt(0) }
func (e *testEscrow) SecurityDeposit() *big.Int  { return big.NewInt(0) }
func (e *testEscrow) ClaimerBounty() *big.Int    { return big.NewInt(0) }
func (e *testEscrow) DepositToken() string       { return "" }
func (e *testEscrow) ExtraData() string          { return "" }
func (e *testEscrow) Kind() domain.ChainSwapType { return domain.ChainSwapTypeHTLC }
func (e *testEscrow) Confirmations() uint32      { return 0 }
func (e *testEscrow) IsPayIn() bool              { return true }
func (e *testEscrow) IsPayOut() bool             { return false }
func (e *testEscrow) Serialize() ([]byte, error) { return json.Marshal(e) }

func (e *testEscrow) Equals(other domain.EscrowData) bool {
	return other != nil && other.ClaimHash() == e.Hash
}

func decodeTestEscrow(raw []byte) (domain.EscrowData, error) {
	e := &testEscrow{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, err
	}
	return e, nil
}

func quoteParams() domain.QuoteParams {
	return domain.QuoteParams{
		Url:             "https://lp.example",
		ChainIdentifier: testChain,
		Expiry:          time.Now().Add(time.Hour),
		SwapFee:         big.NewInt(10),
	}
}

func makeFromBTC(t *testing.T, hash string) *domain.FromBTCSwap {
	t.Helper()
	swap, err := domain.NewFromBTCSwap(domain.FromBTCQuote{
		QuoteParams: quoteParams(),
		Address:     "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		AmountSats:  50_000,
		Data:        &testEscrow{Hash: hash, Asset: "0xtoken", Value: big.NewInt(50_000)},
		EscrowHash:  "escrow-" + hash,
		Signature:   &domain.SignatureData{Timeout: time.Now().Add(time.Hour).Unix()},
	})
	require.NoError(t, err)
	return swap
}

func makeToBTCLN(t *testing.T, hash string) *domain.ToBTCLNSwap {
	t.Helper()
	swap, err := domain.NewToBTCLNSwap(domain.ToBTCLNQuote{
		QuoteParams: quoteParams(),
		Invoice:     "lnbc1",
		PaymentHash: hash,
		AmountSats:  10_000,
		Data:        &testEscrow{Hash: hash, Asset: "0xtoken", Value: big.NewInt(10_100)},
		EscrowHash:  "escrow-" + hash,
		Signature:   &domain.SignatureData{Timeout: time.Now().Add(time.Hour).Unix()},
	})
	require.NoError(t, err)
	return swap
}

func ids(swaps []domain.Swap) []string {
	out := make([]string, 0, len(swaps))
	for _, s := range swaps {
		out = append(out, s.ID())
	}
	sort.Strings(out)
	return out
}

func sortedIDs(swaps ...domain.Swap) []string {
	return ids(swaps)
}

func TestRepoManager(t *testing.T) {
	escrows := map[string]domain.EscrowDecoder{testChain: decodeTestEscrow}

	t.Run("invalid config", func(t *testing.T) {
		testCases := []struct {
			name   string
			config db.ServiceConfig
		}{
			{"unsupported db type", db.ServiceConfig{DbType: "postgres", DbConfig: []any{t.TempDir()}}},
			{"invalid badger config", db.ServiceConfig{DbType: "badger", DbConfig: []any{""}}},
			{"invalid badger logger", db.ServiceConfig{DbType: "badger", DbConfig: []any{"", "logger"}}},
			{"invalid sqlite config", db.ServiceConfig{DbType: "sqlite", DbConfig: []any{t.TempDir(), nil}}},
			{"missing sqlite dir", db.ServiceConfig{DbType: "sqlite", DbConfig: []any{""}}},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := db.NewService(tc.config)
				require.Error(t, err)
			})
		}
	})

	tests := []struct {
		name     string
		dbType   string
		dbConfig func(t *testing.T) []any
	}{
		{"badger in memory", "badger", func(*testing.T) []any { return []any{"", nil} }},
		{"badger on disk", "badger", func(t *testing.T) []any { return []any{t.TempDir(), nil} }},
		{"sqlite", "sqlite", func(t *testing.T) []any { return []any{t.TempDir()} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := db.NewService(db.ServiceConfig{
				DbType:   tt.dbType,
				DbConfig: tt.dbConfig(t),
				Escrows:  escrows,
			})
			require.NoError(t, err)
			defer svc.Close()

			testSwapRepository(t, svc.Swaps())
		})
	}

	t.Run("sqlite reopens migrated db", func(t *testing.T) {
		dir := t.TempDir()
		cfg := db.ServiceConfig{DbType: "sqlite", DbConfig: []any{dir}, Escrows: escrows}

		svc, err := db.NewService(cfg)
		require.NoError(t, err)
		swap := makeFromBTC(t, "dd04")
		require.NoError(t, svc.Swaps().Save(ctx, swap))
		svc.Close()

		svc, err = db.NewService(cfg)
		require.NoError(t, err)
		defer svc.Close()
		stored, err := svc.Swaps().Get(ctx, swap.ID())
		require.NoError(t, err)
		require.Equal(t, swap.ID(), stored.ID())
	})
}

func testSwapRepository(t *testing.T, repo domain.SwapRepository) {
	fromBTC := makeFromBTC(t, "aa01")
	toBTCLN := makeToBTCLN(t, "bb02")
	other := makeToBTCLN(t, "cc03")

	t.Run("get missing swap", func(t *testing.T) {
		_, err := repo.Get(ctx, fromBTC.ID())
		require.ErrorIs(t, err, domain.ErrSwapNotFound)
	})

	t.Run("save and get", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, fromBTC))

		stored, err := repo.Get(ctx, fromBTC.ID())
		require.NoError(t, err)
		got, ok := stored.(*domain.FromBTCSwap)
		require.True(t, ok)
		require.Equal(t, fromBTC.ID(), got.ID())
		require.Equal(t, fromBTC.State, got.State)
		require.Equal(t, fromBTC.EscrowHash(), got.EscrowHash())
		require.True(t, got.Data.Equals(fromBTC.Data))
		require.Equal(t, int64(50_000), got.OutputAmount().Value.Int64())
	})

	t.Run("save all", func(t *testing.T) {
		require.NoError(t, repo.SaveAll(ctx, []domain.Swap{toBTCLN, other}))
		all, err := repo.Query(ctx)
		require.NoError(t, err)
		require.Equal(t, sortedIDs(fromBTC, toBTCLN, other), ids(all))
	})

	t.Run("save updates the stored swap", func(t *testing.T) {
		_, err := fromBTC.Committed("0xinit")
		require.NoError(t, err)
		fromBTC.Initiated = true
		require.NoError(t, repo.Save(ctx, fromBTC))

		stored, err := repo.Get(ctx, fromBTC.ID())
		require.NoError(t, err)
		require.Equal(t, domain.FromBTCStateCommitted, stored.(*domain.FromBTCSwap).State)
		require.Equal(t, "0xinit", stored.(*domain.FromBTCSwap).CommitTxID)
	})

	t.Run("query", func(t *testing.T) {
		testCases := []struct {
			name     string
			groups   [][]domain.QueryCondition
			expected []string
		}{
			{
				name:     "by type",
				groups:   [][]domain.QueryCondition{{domain.Where(domain.IndexType, int(domain.SwapTypeToBTCLN))}},
				expected: sortedIDs(toBTCLN, other),
			},
			{
				name: "any of several types",
				groups: [][]domain.QueryCondition{{domain.Where(
					domain.IndexType, int(domain.SwapTypeFromBTC), int(domain.SwapTypeToBTCLN),
				)}},
				expected: sortedIDs(fromBTC, toBTCLN, other),
			},
			{
				name: "conditions in a group are all required",
				groups: [][]domain.QueryCondition{{
					domain.Where(domain.IndexChain, testChain),
					domain.Where(domain.IndexInitiated, true),
				}},
				expected: sortedIDs(fromBTC),
			},
			{
				name: "groups are alternatives",
				groups: [][]domain.QueryCondition{
					{domain.Where(domain.IndexEscrowHash, toBTCLN.EscrowHash())},
					{domain.Where(domain.IndexClaimHash, other.ClaimHash())},
				},
				expected: sortedIDs(toBTCLN, other),
			},
			{
				name:     "by state",
				groups:   [][]domain.QueryCondition{{domain.Where(domain.IndexState, int(domain.FromBTCStateCommitted))}},
				expected: sortedIDs(fromBTC),
			},
			{
				name:     "no match",
				groups:   [][]domain.QueryCondition{{domain.Where(domain.IndexChain, "OTHER")}},
				expected: []string{},
			},
			{
				name: "empty group matches everything",
				groups: [][]domain.QueryCondition{
					{domain.Where(domain.IndexChain, "OTHER")},
					{},
				},
				expected: sortedIDs(fromBTC, toBTCLN, other),
			},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				swaps, err := repo.Query(ctx, tc.groups...)
				require.NoError(t, err)
				require.Equal(t, tc.expected, ids(swaps))
			})
		}

		t.Run("condition without values", func(t *testing.T) {
			_, err := repo.Query(ctx, []domain.QueryCondition{domain.Where(domain.IndexChain)})
			require.Error(t, err)
		})
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, repo.Remove(ctx, fromBTC))
		require.NoError(t, repo.Remove(ctx, fromBTC))
		_, err := repo.Get(ctx, fromBTC.ID())
		require.ErrorIs(t, err, domain.ErrSwapNotFound)

		require.NoError(t, repo.RemoveAll(ctx, []domain.Swap{toBTCLN, other}))
		all, err := repo.Query(ctx)
		require.NoError(t, err)
		require.Empty(t, all)
	})
}
