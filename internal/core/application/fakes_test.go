package application

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/utils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"
)

const (
	testChainID     = "EVM-TEST"
	testToken       = "0xtoken"
	testNativeToken = "0xnative"
	testUser        = "0xuser"
	testBtcAddress  = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	testLpBtcAddr   = "bc1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3qccfmv3"
	// One whole token of 8 decimals is worth 1e8 sats: one base unit per sat.
	testDecimals = 8
)

var testPrice = new(big.Int).Mul(big.NewInt(100_000_000), big.NewInt(1_000_000))

type fakeEscrow struct {
	Type         domain.ChainSwapType `json:"type"`
	Hash         string               `json:"hash"`
	From         string               `json:"from"`
	To           string               `json:"to"`
	Asset        string               `json:"asset"`
	Value        *big.Int             `json:"value"`
	Expire       int64                `json:"expire"`
	Seq          *big.Int             `json:"sequence"`
	Deposit      *big.Int             `json:"deposit"`
	Bounty       *big.Int             `json:"bounty"`
	DepositAsset string               `json:"depositAsset"`
	Confs        uint32               `json:"confirmations"`
	PayIn        bool                 `json:"payIn"`
	PayOut       bool                 `json:"payOut"`
	Extra        string               `json:"extra"`
}

func (e *fakeEscrow) ClaimHash() string          { return e.Hash }
func (e *fakeEscrow) Offerer() string            { return e.From }
func (e *fakeEscrow) Claimer() string            { return e.To }
func (e *fakeEscrow) Token() string              { return e.Asset }
func (e *fakeEscrow) Amount() *big.Int           { return e.Value }
func (e *fakeEscrow) Expiry() time.Time          { return time.Unix(e.Expire, 0) }
func (e *fakeEscrow) Sequence() *big.Int         { return nilToZero(e.Seq) }
func (e *fakeEscrow) SecurityDeposit() *big.Int  { return nilToZero(e.Deposit) }
func (e *fakeEscrow) ClaimerBounty() *big.Int    { return nilToZero(e.Bounty) }
func (e *fakeEscrow) DepositToken() string       { return e.DepositAsset }
func (e *fakeEscrow) ExtraData() string          { return e.Extra }
func (e *fakeEscrow) Kind() domain.ChainSwapType { return e.Type }
func (e *fakeEscrow) Confirmations() uint32      { return e.Confs }
func (e *fakeEscrow) IsPayIn() bool              { return e.PayIn }
func (e *fakeEscrow) IsPayOut() bool             { return e.PayOut }
func (e *fakeEscrow) Serialize() ([]byte, error) { return json.Marshal(e) }

func (e *fakeEscrow) Equals(other domain.EscrowData) bool {
	return other != nil && other.ClaimHash() == e.Hash
}

func (e *fakeEscrow) raw(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := e.Serialize()
	require.NoError(t, err)
	return raw
}

func decodeFakeEscrow(raw []byte) (domain.EscrowData, error) {
	e := &fakeEscrow{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, err
	}
	return e, nil
}

type fakeSigner struct{ address string }

func (s fakeSigner) Address() string                   { return s.address }
func (s fakeSigner) SignHash(hash []byte) ([]byte, error) { return hash, nil }

// fakeChain keeps escrow statuses by claim hash. Sent txs move them the way
// the escrow contract would.
type fakeChain struct {
	lock sync.Mutex

	statuses     map[string]*domain.CommitStatus
	authExpired  bool
	sigErr       error
	refundSigErr error
	sendErr      error
	statusErr    error
	liquidity    *big.Int
	sent         []ports.Tx
	txCount      int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		statuses:  make(map[string]*domain.CommitStatus),
		liquidity: big.NewInt(1_000_000_000),
	}
}

func (c *fakeChain) ChainID() string     { return testChainID }
func (c *fakeChain) NativeToken() string { return testNativeToken }

func (c *fakeChain) DecodeEscrow(raw []byte) (domain.EscrowData, error) {
	return decodeFakeEscrow(raw)
}

func (c *fakeChain) DecodeLPEscrow(raw json.RawMessage) (domain.EscrowData, error) {
	return decodeFakeEscrow(raw)
}

func (c *fakeChain) CreateSwapData(_ context.Context, p ports.SwapDataParams) (domain.EscrowData, error) {
	return &fakeEscrow{
		Type: p.Kind, Hash: p.ClaimHash, From: p.Offerer, To: p.Claimer, Asset: p.Token, Value: p.Amount,
		Expire: p.Expiry.Unix(), Seq: p.Sequence, Deposit: p.SecurityDeposit, Bounty: p.ClaimerBounty,
		DepositAsset: p.DepositToken, Confs: p.Confirmations, PayIn: p.PayIn, PayOut: p.PayOut, Extra: p.ExtraData,
	}, nil
}

func (c *fakeChain) EscrowHash(data domain.EscrowData) (string, error) {
	raw, err := data.Serialize()
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(hash[:]), nil
}

func (c *fakeChain) HashForHtlc(paymentHash []byte) string {
	hash := sha256.Sum256(append([]byte("htlc"), paymentHash...))
	return hex.EncodeToString(hash[:])
}

func (c *fakeChain) HashForOnchain(script []byte, amount uint64, confirmations uint32, nonce uint64) string {
	buf := make([]byte, 0, len(script)+20)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = binary.BigEndian.AppendUint64(buf, amount)
	buf = append(buf, script...)
	buf = binary.BigEndian.AppendUint32(buf, confirmations)
	hash := sha256.Sum256(buf)
	return hex.EncodeToString(hash[:])
}

func (c *fakeChain) setStatus(claimHash string, status domain.CommitStatus) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.statuses[claimHash] = &status
}

func (c *fakeChain) GetCommitStatus(_ context.Context, _ string, data domain.EscrowData) (*domain.CommitStatus, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.statusErr != nil {
		return nil, c.statusErr
	}
	if status, ok := c.statuses[data.ClaimHash()]; ok {
		copied := *status
		return &copied, nil
	}
	return &domain.CommitStatus{Type: domain.CommitStatusNotCommitted}, nil
}

func (c *fakeChain) PrefetchSignatureData(context.Context, json.RawMessage) (*ports.SignaturePrefetch, error) {
	return &ports.SignaturePrefetch{ChainTime: time.Now()}, nil
}

func (c *fakeChain) IsValidInitAuthorization(
	_ context.Context, _ string, _ domain.EscrowData, sig *domain.SignatureData, _ string, _ *ports.SignaturePrefetch,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.sigErr != nil {
		return c.sigErr
	}
	if time.Now().After(sig.Deadline()) {
		return &domain.SignatureVerificationError{Reason: "authorization expired"}
	}
	return nil
}

func (c *fakeChain) IsInitAuthorizationExpired(_ context.Context, _ domain.EscrowData, sig *domain.SignatureData) (bool, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.authExpired || time.Now().After(sig.Deadline()), nil
}

func (c *fakeChain) IsValidRefundAuthorization(context.Context, domain.EscrowData, *domain.SignatureData) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.refundSigErr
}

func (c *fakeChain) IsExpired(_ context.Context, data domain.EscrowData) (bool, error) {
	return time.Now().After(data.Expiry()), nil
}

func (c *fakeChain) GetInitFeeRate(context.Context, string, string, string) (string, error) {
	return "1000", nil
}

func (c *fakeChain) GetClaimFee(context.Context, string) (*big.Int, error) {
	return big.NewInt(10_000), nil
}

func (c *fakeChain) GetBalance(context.Context, string, string) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeChain) GetLiquidity(context.Context, string, string) (*big.Int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.liquidity, nil
}

func escrowTx(label string, data domain.EscrowData, extra string) []ports.Tx {
	return []ports.Tx{{To: "0xescrow", Label: label, Data: []byte(data.ClaimHash() + extra)}}
}

func (c *fakeChain) TxsInit(
	_ context.Context, _ string, data domain.EscrowData, _ *domain.SignatureData, _ string,
) ([]ports.Tx, error) {
	return escrowTx("init", data, ""), nil
}

func (c *fakeChain) TxsClaimWithSecret(_ context.Context, _ string, data domain.EscrowData, secret string) ([]ports.Tx, error) {
	return escrowTx("claim", data, ":"+secret), nil
}

func (c *fakeChain) TxsClaimWithBitcoinTx(
	_ context.Context, _ string, data domain.EscrowData, proof ports.BitcoinTxProof,
) ([]ports.Tx, error) {
	return escrowTx("claim", data, ":"+proof.TxID), nil
}

func (c *fakeChain) TxsRefund(_ context.Context, _ string, data domain.EscrowData) ([]ports.Tx, error) {
	return escrowTx("refund", data, ""), nil
}

func (c *fakeChain) TxsRefundWithAuthorization(
	_ context.Context, _ string, data domain.EscrowData, _ *domain.SignatureData,
) ([]ports.Tx, error) {
	return escrowTx("refund", data, ":coop"), nil
}

func (c *fakeChain) SendAndConfirm(_ context.Context, _ ports.Signer, txs []ports.Tx) ([]string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.sendErr != nil {
		return nil, c.sendErr
	}

	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		c.txCount++
		id := fmt.Sprintf("0x%s%d", tx.Label, c.txCount)
		ids = append(ids, id)
		c.sent = append(c.sent, tx)

		claimHash := string(tx.Data)
		if i := indexByte(claimHash, ':'); i >= 0 {
			claimHash = claimHash[:i]
		}
		switch tx.Label {
		case "init":
			c.statuses[claimHash] = &domain.CommitStatus{Type: domain.CommitStatusCommitted}
		case "claim":
			c.statuses[claimHash] = &domain.CommitStatus{Type: domain.CommitStatusPaid, ClaimTxID: id}
		case "refund":
			c.statuses[claimHash] = &domain.CommitStatus{Type: domain.CommitStatusNotCommitted, RefundTxID: id}
		}
	}
	return ids, nil
}

func (c *fakeChain) sentLabels() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	labels := make([]string, 0, len(c.sent))
	for _, tx := range c.sent {
		labels = append(labels, tx.Label)
	}
	return labels
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

type fakeOracle struct{}

func (fakeOracle) GetPrice(context.Context, string, string) (*big.Int, error) {
	return new(big.Int).Set(testPrice), nil
}

func (fakeOracle) GetUsdPrice(context.Context) (float64, error) { return 0.0006, nil }

func (fakeOracle) Decimals(string, string) (int, error) { return testDecimals, nil }

type fakeBitcoin struct {
	lock      sync.Mutex
	byAddress map[string][]ports.BitcoinTx
	byID      map[string]*ports.BitcoinTx
	outspends map[string]*ports.Outspend
}

func newFakeBitcoin() *fakeBitcoin {
	return &fakeBitcoin{
		byAddress: make(map[string][]ports.BitcoinTx),
		byID:      make(map[string]*ports.BitcoinTx),
		outspends: make(map[string]*ports.Outspend),
	}
}

// pay records tx, replacing any previous version with the same id.
func (b *fakeBitcoin) pay(address string, tx ports.BitcoinTx) {
	b.lock.Lock()
	defer b.lock.Unlock()
	txs := b.byAddress[address]
	for i := range txs {
		if txs[i].TxID == tx.TxID {
			txs = append(txs[:i], txs[i+1:]...)
			break
		}
	}
	b.byAddress[address] = append(txs, tx)
	copied := tx
	b.byID[tx.TxID] = &copied
}

func (b *fakeBitcoin) GetTipHeight(context.Context) (int64, error) { return 800_000, nil }

func (b *fakeBitcoin) GetTransaction(_ context.Context, txid string) (*ports.BitcoinTx, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	tx, ok := b.byID[txid]
	if !ok {
		return nil, nil
	}
	copied := *tx
	return &copied, nil
}

func (b *fakeBitcoin) GetAddressTransactions(_ context.Context, address string) ([]ports.BitcoinTx, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]ports.BitcoinTx(nil), b.byAddress[address]...), nil
}

func (b *fakeBitcoin) GetOutspend(_ context.Context, txid string, vout uint32) (*ports.Outspend, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if spend, ok := b.outspends[fmt.Sprintf("%s:%d", txid, vout)]; ok {
		return spend, nil
	}
	return &ports.Outspend{}, nil
}

func (b *fakeBitcoin) Broadcast(context.Context, string) (string, error) {
	return "", errors.New("broadcast not supported")
}

type fakeIntermediaries struct {
	lps []domain.Intermediary
}

func (r *fakeIntermediaries) GetCandidates(_ context.Context, req ports.CandidatesRequest) ([]domain.Intermediary, error) {
	var candidates []domain.Intermediary
	for _, lp := range r.lps {
		if lp.Supports(req.SwapType, req.ChainID, req.Token, req.AmountSats) {
			candidates = append(candidates, lp)
		}
	}
	return candidates, nil
}

func (r *fakeIntermediaries) Reload(context.Context) error { return nil }
func (r *fakeIntermediaries) Remove(string)                {}

func testLP(url string) domain.Intermediary {
	services := make(map[domain.SwapType]domain.ServiceInfo)
	for _, t := range []domain.SwapType{
		domain.SwapTypeFromBTC, domain.SwapTypeFromBTCLN, domain.SwapTypeToBTC,
		domain.SwapTypeToBTCLN, domain.SwapTypeSpvFromBTC,
	} {
		services[t] = domain.ServiceInfo{
			Min:         1_000,
			Max:         10_000_000,
			ChainTokens: map[string][]string{testChainID: {testToken}},
		}
	}
	return domain.Intermediary{
		Url:       url,
		Addresses: map[string]string{testChainID: "0xlp-" + url},
		Services:  services,
	}
}

// fakeLP answers quote requests with handlers keyed by LP url. Handlers may
// block, the quote is streamed back once they return.
type fakeLP struct {
	lock sync.Mutex

	fromBTC    map[string]func(ctx context.Context, req ports.FromBTCRequest) (ports.FromBTCResponse, error)
	fromBTCLN  map[string]func(ctx context.Context, req ports.FromBTCLNRequest) (*ports.FromBTCLNResponse, error)
	toBTC      map[string]func(ctx context.Context, req ports.ToBTCRequest) (ports.ToBTCResponse, error)
	toBTCLN    map[string]func(ctx context.Context, req ports.ToBTCLNRequest) (ports.ToBTCLNResponse, error)
	spv        map[string]func(ctx context.Context, req ports.SpvQuoteRequest) (*ports.SpvQuoteResponse, error)
	refundAuth func(url, identifier string) (*ports.RefundAuthorization, error)
	paymentAut func(url, paymentHash string) (*ports.PaymentAuthorization, error)
	postPsbt   func(url, quoteID, psbtHex string) (string, error)
}

func newFakeLP() *fakeLP {
	return &fakeLP{
		fromBTC:   make(map[string]func(context.Context, ports.FromBTCRequest) (ports.FromBTCResponse, error)),
		fromBTCLN: make(map[string]func(context.Context, ports.FromBTCLNRequest) (*ports.FromBTCLNResponse, error)),
		toBTC:     make(map[string]func(context.Context, ports.ToBTCRequest) (ports.ToBTCResponse, error)),
		toBTCLN:   make(map[string]func(context.Context, ports.ToBTCLNRequest) (ports.ToBTCLNResponse, error)),
		spv:       make(map[string]func(context.Context, ports.SpvQuoteRequest) (*ports.SpvQuoteResponse, error)),
	}
}

var errNoHandler = errors.New("intermediary not reachable")

func stream[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *ports.QuoteStream[T] {
	return &ports.QuoteStream[T]{
		SignDataPrefetch: utils.Resolved(json.RawMessage(`{}`)),
		Response:         utils.Go(ctx, fn),
	}
}

func (l *fakeLP) GetInfo(context.Context, string) (*domain.Intermediary, error) {
	return nil, errNoHandler
}

func (l *fakeLP) InitToBTC(ctx context.Context, url string, req ports.ToBTCRequest) (*ports.QuoteStream[ports.ToBTCResponse], error) {
	l.lock.Lock()
	handler, ok := l.toBTC[url]
	l.lock.Unlock()
	if !ok {
		return nil, errNoHandler
	}
	return stream(ctx, func(ctx context.Context) (ports.ToBTCResponse, error) { return handler(ctx, req) }), nil
}

func (l *fakeLP) InitToBTCLN(ctx context.Context, url string, req ports.ToBTCLNRequest) (*ports.QuoteStream[ports.ToBTCLNResponse], error) {
	l.lock.Lock()
	handler, ok := l.toBTCLN[url]
	l.lock.Unlock()
	if !ok {
		return nil, errNoHandler
	}
	return stream(ctx, func(ctx context.Context) (ports.ToBTCLNResponse, error) { return handler(ctx, req) }), nil
}

func (l *fakeLP) InitFromBTC(ctx context.Context, url string, req ports.FromBTCRequest) (*ports.QuoteStream[ports.FromBTCResponse], error) {
	l.lock.Lock()
	handler, ok := l.fromBTC[url]
	l.lock.Unlock()
	if !ok {
		return nil, errNoHandler
	}
	return stream(ctx, func(ctx context.Context) (ports.FromBTCResponse, error) { return handler(ctx, req) }), nil
}

func (l *fakeLP) InitFromBTCLN(ctx context.Context, url string, req ports.FromBTCLNRequest) (*ports.FromBTCLNResponse, error) {
	l.lock.Lock()
	handler, ok := l.fromBTCLN[url]
	l.lock.Unlock()
	if !ok {
		return nil, errNoHandler
	}
	return handler(ctx, req)
}

func (l *fakeLP) GetPaymentAuthorization(_ context.Context, url, paymentHash string) (*ports.PaymentAuthorization, error) {
	l.lock.Lock()
	handler := l.paymentAut
	l.lock.Unlock()
	if handler == nil {
		return &ports.PaymentAuthorization{Status: ports.PaymentAuthPending}, nil
	}
	return handler(url, paymentHash)
}

func (l *fakeLP) GetRefundAuthorization(
	_ context.Context, url, identifier string, _ *big.Int,
) (*ports.RefundAuthorization, error) {
	l.lock.Lock()
	handler := l.refundAuth
	l.lock.Unlock()
	if handler == nil {
		return &ports.RefundAuthorization{Status: ports.RefundAuthPending}, nil
	}
	return handler(url, identifier)
}

func (l *fakeLP) PrepareSpv(ctx context.Context, url string, req ports.SpvQuoteRequest) (*ports.SpvQuoteResponse, error) {
	l.lock.Lock()
	handler, ok := l.spv[url]
	l.lock.Unlock()
	if !ok {
		return nil, errNoHandler
	}
	return handler(ctx, req)
}

func (l *fakeLP) PostSpvPsbt(_ context.Context, url, quoteID, psbtHex string) (string, error) {
	l.lock.Lock()
	handler := l.postPsbt
	l.lock.Unlock()
	if handler == nil {
		return "", errNoHandler
	}
	return handler(url, quoteID, psbtHex)
}

// memRepo stores encoded swaps so that reads return fresh copies, the way a
// real store does.
type memRepo struct {
	lock    sync.Mutex
	decoder *domain.SwapDecoder
	stored  map[string]memRecord
	saves   map[string]int
}

type memRecord struct {
	swapType domain.SwapType
	raw      []byte
	index    map[domain.SwapIndex]any
}

func newMemRepo() *memRepo {
	return &memRepo{
		decoder: domain.NewSwapDecoder(map[string]domain.EscrowDecoder{testChainID: decodeFakeEscrow}),
		stored:  make(map[string]memRecord),
		saves:   make(map[string]int),
	}
}

func (r *memRepo) Query(_ context.Context, groups ...[]domain.QueryCondition) ([]domain.Swap, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	var swaps []domain.Swap
	for _, rec := range r.stored {
		if !matchesAny(rec.index, groups) {
			continue
		}
		swap, err := r.decoder.Decode(rec.swapType, rec.raw)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}
	return swaps, nil
}

func matchesAny(index map[domain.SwapIndex]any, groups [][]domain.QueryCondition) bool {
	if len(groups) == 0 {
		return true
	}
	for _, group := range groups {
		all := true
		for _, cond := range group {
			found := false
			for _, v := range cond.Values {
				if index[cond.Key] == v {
					found = true
					break
				}
			}
			if !found {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func (r *memRepo) Get(_ context.Context, id string) (domain.Swap, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	rec, ok := r.stored[id]
	if !ok {
		return nil, domain.ErrSwapNotFound
	}
	return r.decoder.Decode(rec.swapType, rec.raw)
}

func (r *memRepo) Save(_ context.Context, swap domain.Swap) error {
	raw, err := domain.EncodeSwap(swap)
	if err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.stored[swap.ID()] = memRecord{swap.Type(), raw, domain.IndexValues(swap)}
	r.saves[swap.ID()]++
	return nil
}

func (r *memRepo) SaveAll(ctx context.Context, swaps []domain.Swap) error {
	for _, swap := range swaps {
		if err := r.Save(ctx, swap); err != nil {
			return err
		}
	}
	return nil
}

func (r *memRepo) Remove(_ context.Context, swap domain.Swap) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.stored, swap.ID())
	return nil
}

func (r *memRepo) RemoveAll(ctx context.Context, swaps []domain.Swap) error {
	for _, swap := range swaps {
		if err := r.Remove(ctx, swap); err != nil {
			return err
		}
	}
	return nil
}

func (r *memRepo) Close() {}

func (r *memRepo) saveCount(id string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.saves[id]
}

// testEnv wires one chain with fakes for every port.
type testEnv struct {
	chain   *fakeChain
	lp      *fakeLP
	lps     *fakeIntermediaries
	bitcoin *fakeBitcoin
	repo    *memRepo
	swaps   *SwapRegistry
	cfg     WrapperConfig
}

func newTestEnv(t *testing.T, urls ...string) *testEnv {
	t.Helper()
	env := &testEnv{
		chain:   newFakeChain(),
		lp:      newFakeLP(),
		lps:     &fakeIntermediaries{},
		bitcoin: newFakeBitcoin(),
		repo:    newMemRepo(),
	}
	for _, url := range urls {
		env.lps.lps = append(env.lps.lps, testLP(url))
	}
	env.swaps = NewSwapRegistry(env.repo)
	env.cfg = WrapperConfig{
		Chain:          env.chain,
		Signer:         fakeSigner{testUser},
		Intermediary:   env.lp,
		Intermediaries: env.lps,
		Prices:         NewPriceValidator(fakeOracle{}, 0),
		Bitcoin:        env.bitcoin,
		Network:        &chaincfg.MainNetParams,
		Swaps:          env.swaps,
		Repo:           env.repo,
		Options: Options{
			QuoteWindow:      2000 * time.Millisecond,
			WatchdogInterval: 10 * time.Millisecond,
			BtcPollInterval:  time.Millisecond,
		},
	}
	return env
}

func testSignature(ttl time.Duration) ports.EscrowInitData {
	return ports.EscrowInitData{
		Prefix:    "claim_initialize",
		Timeout:   time.Now().Add(ttl).Unix(),
		Signature: "0xsig",
	}
}

func makeInvoice(t *testing.T, hash [32]byte, sats uint64, expiry time.Duration) string {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	invoice, err := zpay32.NewInvoice(
		&chaincfg.RegressionNetParams, hash, time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(sats*1000)),
		zpay32.Description("swap"),
		zpay32.Expiry(expiry),
	)
	require.NoError(t, err)

	encoded, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(key, chainhash.HashB(msg), true)
		},
	})
	require.NoError(t, err)
	return encoded
}
