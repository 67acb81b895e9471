package evm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	// Authorization prefixes, by the party the LP plays in the escrow.
	prefixInitialize      = "initialize"
	prefixClaimInitialize = "claim_initialize"
	prefixRefund          = "refund"

	claimGasLimit = 150_000
)

// Backend is the subset of the node rpc the adapter relies on, satisfied by
// *ethclient.Client.
type Backend interface {
	ethereum.ContractCaller
	ethereum.LogFilterer
	ethereum.GasEstimator
	ethereum.GasPricer
	ethereum.TransactionSender
	bind.DeployBackend
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Config struct {
	// Identifier names the chain in swaps, e.g. EVM-1.
	Identifier     string
	ChainID        *big.Int
	EscrowContract string
	SpvContract    string
	// NativeToken is the token address used for the native currency.
	NativeToken  string
	PollInterval time.Duration
}

type chain struct {
	cfg     Config
	backend Backend
	escrow  common.Address
	native  common.Address
}

// Dial connects to the node at rpcURL.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(rpcURL)
	if trimmed == "" {
		return nil, fmt.Errorf("evm rpc url required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// NewChain returns the chain interface of the escrow manager deployed at
// cfg.EscrowContract.
func NewChain(backend Backend, cfg Config) (ports.ChainInterface, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newChain(backend, cfg), nil
}

func newChain(backend Backend, cfg Config) *chain {
	native := ZeroAddress
	if cfg.NativeToken != "" {
		native = common.HexToAddress(cfg.NativeToken)
	}
	return &chain{
		cfg:     cfg,
		backend: backend,
		escrow:  common.HexToAddress(cfg.EscrowContract),
		native:  native,
	}
}

func (c Config) validate() error {
	if c.Identifier == "" {
		return fmt.Errorf("missing chain identifier")
	}
	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return fmt.Errorf("invalid chain id")
	}
	if !common.IsHexAddress(c.EscrowContract) {
		return fmt.Errorf("invalid escrow contract address %q", c.EscrowContract)
	}
	if c.SpvContract != "" && !common.IsHexAddress(c.SpvContract) {
		return fmt.Errorf("invalid spv vault contract address %q", c.SpvContract)
	}
	if c.NativeToken != "" && !common.IsHexAddress(c.NativeToken) {
		return fmt.Errorf("invalid native token address %q", c.NativeToken)
	}
	return nil
}

func (c *chain) ChainID() string     { return c.cfg.Identifier }
func (c *chain) NativeToken() string { return c.native.Hex() }

func (c *chain) DecodeEscrow(raw []byte) (domain.EscrowData, error) {
	return DecodeSwapData(raw)
}

func (c *chain) DecodeLPEscrow(raw json.RawMessage) (domain.EscrowData, error) {
	return DecodeSwapData(raw)
}

func (c *chain) CreateSwapData(_ context.Context, p ports.SwapDataParams) (domain.EscrowData, error) {
	data := &SwapData{
		OffererAddr:      p.Offerer,
		ClaimerAddr:      p.Claimer,
		TokenAddr:        p.Token,
		Value:            p.Amount,
		Hash:             p.ClaimHash,
		Seq:              p.Sequence,
		ExpiryTs:         p.Expiry.Unix(),
		SwapKind:         p.Kind,
		Confs:            p.Confirmations,
		PayIn:            p.PayIn,
		PayOut:           p.PayOut,
		DepositTokenAddr: p.DepositToken,
		Deposit:          p.SecurityDeposit,
		Bounty:           p.ClaimerBounty,
		Extra:            p.ExtraData,
	}
	if data.DepositTokenAddr == "" {
		data.DepositTokenAddr = c.native.Hex()
	}
	if err := data.validate(); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *chain) EscrowHash(data domain.EscrowData) (string, error) {
	d, err := c.swapData(data)
	if err != nil {
		return "", err
	}
	hash, err := d.escrowHash()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash[:]), nil
}

// HashForHtlc commits to the sha256 payment hash the claimer reveals the
// preimage of.
func (c *chain) HashForHtlc(paymentHash []byte) string {
	return hex.EncodeToString(crypto.Keccak256(paymentHash))
}

// HashForOnchain commits to a bitcoin output: nonce, amount, confirmations
// and the output script.
func (c *chain) HashForOnchain(outputScript []byte, amount uint64, confirmations uint32, nonce uint64) string {
	buf := make([]byte, 0, 20+len(outputScript))
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = binary.BigEndian.AppendUint64(buf, amount)
	buf = binary.BigEndian.AppendUint32(buf, confirmations)
	scriptHash := sha256.Sum256(outputScript)
	return hex.EncodeToString(crypto.Keccak256(buf, scriptHash[:]))
}

func (c *chain) GetCommitStatus(ctx context.Context, _ string, data domain.EscrowData) (*domain.CommitStatus, error) {
	d, err := c.swapData(data)
	if err != nil {
		return nil, err
	}
	hash, err := d.escrowHash()
	if err != nil {
		return nil, err
	}

	out, err := call(ctx, c.backend, c.escrow, escrowABI.Methods["getState"], hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow state: %w", err)
	}
	state, finishBlock := out[0].(uint8), out[1].(*big.Int)

	switch state {
	case escrowStateCommitted:
		expired, err := c.IsExpired(ctx, data)
		if err != nil {
			return nil, err
		}
		if expired {
			return &domain.CommitStatus{Type: domain.CommitStatusExpired}, nil
		}
		return &domain.CommitStatus{Type: domain.CommitStatusCommitted}, nil
	case escrowStateClaimed:
		ev, err := c.findEscrowEvent(ctx, claimTopic, hash, finishBlock)
		if err != nil {
			return nil, err
		}
		status := &domain.CommitStatus{Type: domain.CommitStatusPaid}
		if ev != nil {
			status.ClaimTxID, status.Witness = ev.TxID, ev.Witness
		}
		return status, nil
	case escrowStateRefunded:
		ev, err := c.findEscrowEvent(ctx, refundTopic, hash, finishBlock)
		if err != nil {
			return nil, err
		}
		status := &domain.CommitStatus{Type: domain.CommitStatusNotCommitted}
		if ev != nil {
			status.RefundTxID = ev.TxID
		}
		return status, nil
	default:
		return &domain.CommitStatus{Type: domain.CommitStatusNotCommitted}, nil
	}
}

func (c *chain) findEscrowEvent(
	ctx context.Context, topic common.Hash, escrowHash [32]byte, block *big.Int,
) (*ports.ChainEvent, error) {
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: block,
		ToBlock:   block,
		Addresses: []common.Address{c.escrow},
		Topics:    [][]common.Hash{{topic}, nil, {escrowHash}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch escrow events: %w", err)
	}
	for _, l := range logs {
		ev, err := decodeEscrowEvent(c.cfg.Identifier, l)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
	}
	return nil, nil
}

type signDataPrefetch struct {
	Block *uint64 `json:"block"`
}

// PrefetchSignatureData reads the chain time at the block the LP referenced,
// or at the tip when it did not.
func (c *chain) PrefetchSignatureData(ctx context.Context, raw json.RawMessage) (*ports.SignaturePrefetch, error) {
	var data signDataPrefetch
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("invalid prefetch data: %w", err)
		}
	}
	var number *big.Int
	if data.Block != nil {
		number = new(big.Int).SetUint64(*data.Block)
	}
	header, err := c.backend.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch header: %w", err)
	}
	return &ports.SignaturePrefetch{ChainTime: time.Unix(int64(header.Time), 0)}, nil
}

func (c *chain) IsValidInitAuthorization(
	ctx context.Context, signer string, data domain.EscrowData, sig *domain.SignatureData,
	feeRate string, prefetch *ports.SignaturePrefetch,
) error {
	d, err := c.swapData(data)
	if err != nil {
		return err
	}
	if sig == nil {
		return &domain.SignatureVerificationError{Reason: "missing authorization"}
	}

	// The LP is the counterparty of signer.
	lp, prefix := d.Offerer(), prefixInitialize
	if strings.EqualFold(signer, d.Offerer()) {
		lp, prefix = d.Claimer(), prefixClaimInitialize
	}
	if sig.Prefix != prefix {
		return &domain.SignatureVerificationError{Reason: fmt.Sprintf("unexpected prefix %q", sig.Prefix)}
	}

	var chainTime time.Time
	if prefetch != nil {
		chainTime = prefetch.ChainTime
	} else if chainTime, err = c.chainTime(ctx); err != nil {
		return err
	}
	if !chainTime.Before(sig.Deadline()) {
		return &domain.SignatureVerificationError{Reason: "authorization expired"}
	}

	hash, err := d.escrowHash()
	if err != nil {
		return err
	}
	return verifySignature(lp, authorizationHash(sig.Prefix, hash, sig.Timeout, feeRate), sig.Signature)
}

func (c *chain) IsInitAuthorizationExpired(ctx context.Context, _ domain.EscrowData, sig *domain.SignatureData) (bool, error) {
	if sig == nil {
		return true, nil
	}
	now, err := c.chainTime(ctx)
	if err != nil {
		return false, err
	}
	return !now.Before(sig.Deadline()), nil
}

func (c *chain) IsValidRefundAuthorization(ctx context.Context, data domain.EscrowData, sig *domain.SignatureData) error {
	d, err := c.swapData(data)
	if err != nil {
		return err
	}
	if sig == nil {
		return &domain.SignatureVerificationError{Reason: "missing authorization"}
	}
	if sig.Prefix != prefixRefund {
		return &domain.SignatureVerificationError{Reason: fmt.Sprintf("unexpected prefix %q", sig.Prefix)}
	}
	now, err := c.chainTime(ctx)
	if err != nil {
		return err
	}
	if !now.Before(sig.Deadline()) {
		return &domain.SignatureVerificationError{Reason: "authorization expired"}
	}
	hash, err := d.escrowHash()
	if err != nil {
		return err
	}
	return verifySignature(d.Claimer(), authorizationHash(sig.Prefix, hash, sig.Timeout, ""), sig.Signature)
}

func (c *chain) IsExpired(ctx context.Context, data domain.EscrowData) (bool, error) {
	now, err := c.chainTime(ctx)
	if err != nil {
		return false, err
	}
	return !now.Before(data.Expiry()), nil
}

// GetInitFeeRate is the gas price in wei.
func (c *chain) GetInitFeeRate(ctx context.Context, _, _, _ string) (string, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to suggest gas price: %w", err)
	}
	return price.String(), nil
}

func (c *chain) GetClaimFee(ctx context.Context, feeRate string) (*big.Int, error) {
	price, ok := parseFeeRate(feeRate)
	if !ok {
		suggested, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		price = suggested
	}
	return new(big.Int).Mul(price, big.NewInt(claimGasLimit)), nil
}

func (c *chain) GetBalance(ctx context.Context, address, token string) (*big.Int, error) {
	if !common.IsHexAddress(address) || !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid address")
	}
	owner, tokenAddr := common.HexToAddress(address), common.HexToAddress(token)
	if tokenAddr == c.native {
		return c.backend.BalanceAt(ctx, owner, nil)
	}
	out, err := call(ctx, c.backend, tokenAddr, tokenABI.Methods["balanceOf"], owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get token balance: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (c *chain) GetLiquidity(ctx context.Context, lp, token string) (*big.Int, error) {
	if !common.IsHexAddress(lp) || !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid address")
	}
	out, err := call(ctx, c.backend, c.escrow, escrowABI.Methods["lpVault"], common.HexToAddress(lp), common.HexToAddress(token))
	if err != nil {
		return nil, fmt.Errorf("failed to get lp liquidity: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (c *chain) swapData(data domain.EscrowData) (*SwapData, error) {
	d, ok := data.(*SwapData)
	if !ok || d == nil {
		return nil, fmt.Errorf("escrow data of type %T is not an evm escrow", data)
	}
	return d, nil
}

func (c *chain) chainTime(ctx context.Context) (time.Time, error) {
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to fetch chain tip: %w", err)
	}
	return time.Unix(int64(header.Time), 0), nil
}

func call(
	ctx context.Context, backend Backend, to common.Address, method abi.Method, args ...any,
) ([]any, error) {
	input, err := packCall(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, err
	}
	values, err := method.Outputs.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method.Name, err)
	}
	return values, nil
}

// authorizationHash is what the LP signs to authorize an escrow action.
func authorizationHash(prefix string, escrowHash [32]byte, timeout int64, feeRate string) []byte {
	return crypto.Keccak256(
		[]byte(prefix),
		escrowHash[:],
		common.LeftPadBytes(big.NewInt(timeout).Bytes(), 32),
		crypto.Keccak256([]byte(feeRate)),
	)
}

func verifySignature(expected string, hash []byte, signature string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return &domain.SignatureVerificationError{Reason: "malformed signature"}
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return &domain.SignatureVerificationError{Reason: err.Error()}
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != common.HexToAddress(expected) {
		return &domain.SignatureVerificationError{
			Reason: fmt.Sprintf("signed by %s instead of %s", recovered.Hex(), expected),
		}
	}
	return nil
}

func packCall(method abi.Method, args ...any) ([]byte, error) {
	packed, err := method.Inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method.Name, err)
	}
	return append(append([]byte{}, method.ID...), packed...), nil
}
