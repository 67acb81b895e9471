package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

var (
	testEscrowContract = common.HexToAddress("0x00000000000000000000000000000000000e5c40")
	testSpvContract    = common.HexToAddress("0x00000000000000000000000000000000000005b5")
	testToken          = common.HexToAddress("0x000000000000000000000000000000000000a0a0")
)

func testConfig() Config {
	return Config{
		Identifier:     "EVM-TEST",
		ChainID:        big.NewInt(1337),
		EscrowContract: testEscrowContract.Hex(),
		SpvContract:    testSpvContract.Hex(),
		PollInterval:   10 * time.Millisecond,
	}
}

type callHandler func(input []byte) ([]byte, error)

// fakeBackend answers contract calls by method id and serves canned logs.
type fakeBackend struct {
	mu sync.Mutex

	calls    map[string]callHandler
	logs     []types.Log
	queries  []ethereum.FilterQuery
	logsErr  error
	tip      uint64
	tipTime  uint64
	times    map[uint64]uint64
	gasPrice *big.Int
	gas      uint64
	nonce    uint64
	balance  *big.Int
	reverted bool
	sent     []*types.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		calls:    make(map[string]callHandler),
		tip:      100,
		tipTime:  uint64(time.Now().Unix()),
		times:    make(map[uint64]uint64),
		gasPrice: big.NewInt(20),
		gas:      90_000,
		balance:  new(big.Int),
	}
}

// onCall makes calls of method return the packed outputs.
func (f *fakeBackend) onCall(method abi.Method, outputs ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[string(method.ID)] = func([]byte) ([]byte, error) {
		return method.Outputs.Pack(outputs...)
	}
}

func (f *fakeBackend) addLogs(logs ...types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, logs...)
}

func (f *fakeBackend) setTip(tip uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tip = tip
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(msg.Data) < 4 {
		return nil, fmt.Errorf("missing method id")
	}
	handler, ok := f.calls[string(msg.Data[:4])]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return handler(msg.Data[4:])
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.logsErr != nil {
		return nil, f.logsErr
	}

	out := make([]types.Log, 0)
	for _, l := range f.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if matchTopics(q.Topics, l.Topics) {
			out = append(out, l)
		}
	}
	return out, nil
}

func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	for i, alternatives := range filter {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, t := range alternatives {
			if t == topics[i] {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *fakeBackend) SubscribeFilterLogs(
	context.Context, ethereum.FilterQuery, chan<- types.Log,
) (ethereum.Subscription, error) {
	return nil, fmt.Errorf("not supported")
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.gas, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			status := types.ReceiptStatusSuccessful
			if f.reverted {
				status = types.ReceiptStatusFailed
			}
			return &types.Receipt{Status: status, TxHash: hash, BlockNumber: big.NewInt(int64(f.tip))}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeBackend) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if number == nil {
		return &types.Header{Number: new(big.Int).SetUint64(f.tip), Time: f.tipTime}, nil
	}
	ts, ok := f.times[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return &types.Header{Number: number, Time: ts}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func newTestChain(t *testing.T) (*chain, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	iface, err := NewChain(backend, testConfig())
	require.NoError(t, err)
	return iface.(*chain), backend
}

func testSwapData(offerer, claimer common.Address) *SwapData {
	return &SwapData{
		OffererAddr:      offerer.Hex(),
		ClaimerAddr:      claimer.Hex(),
		TokenAddr:        testToken.Hex(),
		Value:            big.NewInt(100_000),
		Hash:             strings.Repeat("ab", 32),
		Seq:              big.NewInt(7),
		ExpiryTs:         time.Now().Add(time.Hour).Unix(),
		SwapKind:         domain.ChainSwapTypeHTLC,
		PayIn:            true,
		DepositTokenAddr: ZeroAddress.Hex(),
		Deposit:          big.NewInt(500),
		Bounty:           big.NewInt(20),
	}
}
