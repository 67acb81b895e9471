package ports

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
)

// Signer is a key able to authorize transactions on a smart chain.
type Signer interface {
	Address() string
	SignHash(hash []byte) ([]byte, error)
}

// Tx is an unsigned smart chain transaction built by a ChainInterface.
type Tx struct {
	To    string
	Data  []byte
	Value *big.Int
	// Label describes the action for logs, e.g. "init" or "claim".
	Label string
}

// SwapDataParams is everything needed to build an escrow locally.
type SwapDataParams struct {
	Kind            domain.ChainSwapType
	Offerer         string
	Claimer         string
	Token           string
	Amount          *big.Int
	ClaimHash       string
	Sequence        *big.Int
	Expiry          time.Time
	PayIn           bool
	PayOut          bool
	Confirmations   uint32
	DepositToken    string
	SecurityDeposit *big.Int
	ClaimerBounty   *big.Int
	ExtraData       string
}

// SignaturePrefetch is chain state fetched ahead of verifying an LP
// authorization.
type SignaturePrefetch struct {
	ChainTime time.Time
}

// BitcoinTxProof is what the escrow needs to verify a bitcoin payment.
type BitcoinTxProof struct {
	TxID          string
	Hex           string
	Vout          uint32
	BlockHeight   int64
	Confirmations uint32
}

type ChainInterface interface {
	ChainID() string
	NativeToken() string

	DecodeEscrow(raw []byte) (domain.EscrowData, error)
	// DecodeLPEscrow parses escrow data as returned by an LP.
	DecodeLPEscrow(raw json.RawMessage) (domain.EscrowData, error)
	CreateSwapData(ctx context.Context, params SwapDataParams) (domain.EscrowData, error)
	EscrowHash(data domain.EscrowData) (string, error)
	HashForHtlc(paymentHash []byte) string
	HashForOnchain(outputScript []byte, amount uint64, confirmations uint32, nonce uint64) string

	GetCommitStatus(ctx context.Context, signer string, data domain.EscrowData) (*domain.CommitStatus, error)
	PrefetchSignatureData(ctx context.Context, raw json.RawMessage) (*SignaturePrefetch, error)
	// IsValidInitAuthorization returns a SignatureVerificationError when the
	// LP signature does not verify or already expired.
	IsValidInitAuthorization(
		ctx context.Context, signer string, data domain.EscrowData, sig *domain.SignatureData,
		feeRate string, prefetch *SignaturePrefetch,
	) error
	IsInitAuthorizationExpired(ctx context.Context, data domain.EscrowData, sig *domain.SignatureData) (bool, error)
	IsValidRefundAuthorization(ctx context.Context, data domain.EscrowData, sig *domain.SignatureData) error
	// IsExpired reports whether the escrow refund timeout passed per the
	// chain clock.
	IsExpired(ctx context.Context, data domain.EscrowData) (bool, error)

	GetInitFeeRate(ctx context.Context, offerer, claimer, token string) (string, error)
	// GetClaimFee is the native token cost of a claim at feeRate.
	GetClaimFee(ctx context.Context, feeRate string) (*big.Int, error)
	GetBalance(ctx context.Context, address, token string) (*big.Int, error)
	// GetLiquidity is the amount of token the LP holds in the escrow
	// contract and can lock into new escrows.
	GetLiquidity(ctx context.Context, lp, token string) (*big.Int, error)

	TxsInit(
		ctx context.Context, signer string, data domain.EscrowData, sig *domain.SignatureData, feeRate string,
	) ([]Tx, error)
	TxsClaimWithSecret(ctx context.Context, signer string, data domain.EscrowData, secret string) ([]Tx, error)
	TxsClaimWithBitcoinTx(ctx context.Context, signer string, data domain.EscrowData, proof BitcoinTxProof) ([]Tx, error)
	TxsRefund(ctx context.Context, signer string, data domain.EscrowData) ([]Tx, error)
	TxsRefundWithAuthorization(
		ctx context.Context, signer string, data domain.EscrowData, auth *domain.SignatureData,
	) ([]Tx, error)
	// SendAndConfirm signs, broadcasts and waits for txs in order, returning
	// their ids.
	SendAndConfirm(ctx context.Context, signer Signer, txs []Tx) ([]string, error)
}

// SpvVault is the on-chain view of an LP's SPV vault.
type SpvVault struct {
	Owner         string
	ID            uint64
	BtcAddress    string
	Utxo          string
	Confirmations uint32
	Token         string
	GasToken      string
	TokenBalance  *big.Int
	GasBalance    *big.Int
}

type SpvWithdrawalStatus int

const (
	SpvWithdrawalNotFound SpvWithdrawalStatus = iota
	SpvWithdrawalFronted
	SpvWithdrawalClaimed
	SpvWithdrawalClosed
)

type SpvWithdrawalState struct {
	Status SpvWithdrawalStatus
	TxID   string
}

type SpvVaultContract interface {
	GetVault(ctx context.Context, owner string, vaultID uint64) (*SpvVault, error)
	GetWithdrawalState(ctx context.Context, owner string, vaultID uint64, btcTxID string) (*SpvWithdrawalState, error)
	TxsClaim(ctx context.Context, signer string, vault *SpvVault, proof BitcoinTxProof) ([]Tx, error)
	// WithdrawalData is the OP_RETURN payload binding a vault withdrawal to
	// its recipient and amounts.
	WithdrawalData(recipient string, tokens, gas *big.Int) ([]byte, error)
}
