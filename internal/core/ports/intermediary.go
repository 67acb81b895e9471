package ports

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/utils"
)

// Fields typed as futures are streamed: on the request side the client
// computes them while the LP already started working on the quote, on the
// response side the LP resolves them independently and out of order.

type ToBTCRequest struct {
	ChainID string
	Offerer string
	Token   string
	Address string
	// Amount is in sats, or in token base units when ExactIn.
	Amount        *big.Int
	ExactIn       bool
	Confirmations uint32
	Nonce         uint64
	FeeRate       *utils.Future[string]
}

type ToBTCLNRequest struct {
	ChainID         string
	Offerer         string
	Token           string
	Invoice         string
	MaxFeeSats      uint64
	ExpiryTimestamp int64
	FeeRate         *utils.Future[string]
}

// EscrowInitData is the escrow and authorization an LP returns with a quote.
type EscrowInitData struct {
	Data      json.RawMessage `json:"data"`
	Prefix    string          `json:"prefix"`
	Timeout   int64           `json:"timeout"`
	Signature string          `json:"signature"`
}

func (d EscrowInitData) SignatureData() *domain.SignatureData {
	return &domain.SignatureData{Prefix: d.Prefix, Timeout: d.Timeout, Signature: d.Signature}
}

type ToBTCResponse struct {
	EscrowInitData
	// Amount is the sats paid out on the bitcoin side.
	Amount       uint64   `json:"amount"`
	Address      string   `json:"address"`
	SatsPerVByte uint64   `json:"satsPervByte"`
	NetworkFee   *big.Int `json:"networkFee"`
	SwapFee      *big.Int `json:"swapFee"`
	TotalFee     *big.Int `json:"totalFee"`
	// Total is the amount of tokens the user escrows.
	Total *big.Int `json:"total"`
}

type ToBTCLNResponse struct {
	EscrowInitData
	MaxFee         *big.Int `json:"maxFee"`
	SwapFee        *big.Int `json:"swapFee"`
	Total          *big.Int `json:"total"`
	Confidence     float64  `json:"confidence"`
	RoutingFeeSats uint64   `json:"routingFeeSats"`
}

// QuoteStream is a quote being streamed back by an LP. SignDataPrefetch
// resolves early with the chain data the authorization will be bound to,
// letting the client prefetch what it needs to verify the signature.
type QuoteStream[T any] struct {
	SignDataPrefetch *utils.Future[json.RawMessage]
	Response         *utils.Future[T]
}

type FromBTCRequest struct {
	ChainID string
	Claimer string
	Token   string
	// Amount is in sats, or in token base units when ExactOut.
	Amount        *big.Int
	ExactOut      bool
	Sequence      *big.Int
	ClaimerBounty *utils.Future[*ClaimerBounty]
	FeeRate       *utils.Future[string]
}

// ClaimerBounty is what the user pays a watchtower to claim on its behalf.
type ClaimerBounty struct {
	FeePerBlock    *big.Int `json:"feePerBlock"`
	SafetyFactor   uint64   `json:"safetyFactor"`
	StartTimestamp int64    `json:"startTimestamp"`
	AddBlock       uint64   `json:"addBlock"`
	AddFee         *big.Int `json:"addFee"`
}

type FromBTCResponse struct {
	EscrowInitData
	// Amount is the sats the user has to send to BtcAddress.
	Amount     uint64   `json:"amount"`
	BtcAddress string   `json:"btcAddress"`
	Address    string   `json:"address"`
	SwapFee    *big.Int `json:"swapFee"`
	SwapFeeBtc uint64   `json:"swapFeeSats"`
	Total      *big.Int `json:"total"`
}

type FromBTCLNRequest struct {
	ChainID         string
	Claimer         string
	Token           string
	Amount          *big.Int
	ExactOut        bool
	PaymentHash     string
	DescriptionHash string
	FeeRate         *utils.Future[string]
}

type FromBTCLNResponse struct {
	Invoice         string   `json:"pr"`
	SwapFee         *big.Int `json:"swapFee"`
	SwapFeeBtc      uint64   `json:"swapFeeSats"`
	Total           *big.Int `json:"total"`
	IntermediaryKey string   `json:"intermediaryKey"`
	SecurityDeposit *big.Int `json:"securityDeposit"`
}

type PaymentAuthorizationStatus int

const (
	PaymentAuthPending PaymentAuthorizationStatus = iota
	PaymentAuthPaid
	PaymentAuthExpired
	PaymentAuthNotFound
)

// PaymentAuthorization is the LP's answer on a Lightning BTC -> smart chain
// swap: once the invoice is paid it carries the escrow to initialize.
type PaymentAuthorization struct {
	Status PaymentAuthorizationStatus
	EscrowInitData
}

type RefundAuthorizationStatus int

const (
	RefundAuthPending RefundAuthorizationStatus = iota
	RefundAuthPaid
	RefundAuthRefundData
	RefundAuthExpired
	RefundAuthNotFound
)

// RefundAuthorization is the LP's answer on a smart chain -> BTC swap: either
// a proof it paid, or a signed cooperative refund.
type RefundAuthorization struct {
	Status RefundAuthorizationStatus
	// TxID is the bitcoin payment of on-chain swaps.
	TxID string
	// Secret is the preimage of Lightning swaps.
	Secret string
	Refund *domain.SignatureData
}

type SpvQuoteRequest struct {
	ChainID     string
	Recipient   string
	Token       string
	GasToken    string
	Amount      *big.Int
	ExactOut    bool
	GasAmount   *big.Int
	CallerFee   *big.Int
	FrontingFee *big.Int
}

type SpvQuoteResponse struct {
	QuoteID               string   `json:"quoteId"`
	Expiry                int64    `json:"expiry"`
	Address               string   `json:"address"`
	VaultOwner            string   `json:"vaultOwner"`
	VaultID               uint64   `json:"vaultId"`
	VaultBtcAddress       string   `json:"vaultBtcAddress"`
	Utxo                  string   `json:"utxo"`
	BtcFeeRate            uint64   `json:"btcFeeRate"`
	BtcAmount             uint64   `json:"btcAmount"`
	BtcAmountSwap         uint64   `json:"btcAmountSwap"`
	BtcAmountGas          uint64   `json:"btcAmountGas"`
	Total                 *big.Int `json:"total"`
	TotalGas              *big.Int `json:"totalGas"`
	SwapFee               *big.Int `json:"swapFee"`
	SwapFeeBtc            uint64   `json:"swapFeeBtc"`
	RequiredConfirmations uint32   `json:"requiredConfirmations"`
}

// IntermediaryClient speaks the LP protocol.
type IntermediaryClient interface {
	GetInfo(ctx context.Context, url string) (*domain.Intermediary, error)
	InitToBTC(ctx context.Context, url string, req ToBTCRequest) (*QuoteStream[ToBTCResponse], error)
	InitToBTCLN(ctx context.Context, url string, req ToBTCLNRequest) (*QuoteStream[ToBTCLNResponse], error)
	InitFromBTC(ctx context.Context, url string, req FromBTCRequest) (*QuoteStream[FromBTCResponse], error)
	InitFromBTCLN(ctx context.Context, url string, req FromBTCLNRequest) (*FromBTCLNResponse, error)
	GetPaymentAuthorization(ctx context.Context, url, paymentHash string) (*PaymentAuthorization, error)
	GetRefundAuthorization(ctx context.Context, url, identifierHash string, sequence *big.Int) (*RefundAuthorization, error)
	PrepareSpv(ctx context.Context, url string, req SpvQuoteRequest) (*SpvQuoteResponse, error)
	// PostSpvPsbt returns an IntermediaryError when the LP declines to
	// co-sign the transaction.
	PostSpvPsbt(ctx context.Context, url, quoteID, psbtHex string) (string, error)
}
