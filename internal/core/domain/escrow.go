package domain

import (
	"encoding/json"
	"math/big"
	"time"
)

type ChainSwapType int

const (
	// ChainSwapTypeHTLC escrows are claimed with a preimage.
	ChainSwapTypeHTLC ChainSwapType = iota
	// ChainSwapTypeChain escrows are claimed with a proof of a bitcoin output.
	ChainSwapTypeChain
	// ChainSwapTypeChainNonced is ChainSwapTypeChain with a replay nonce
	// committed in the claim hash.
	ChainSwapTypeChainNonced
)

// EscrowData is the chain specific description of one escrow instance.
type EscrowData interface {
	ClaimHash() string
	Offerer() string
	Claimer() string
	Token() string
	Amount() *big.Int
	// Expiry is the refund timeout of the escrow.
	Expiry() time.Time
	Sequence() *big.Int
	SecurityDeposit() *big.Int
	ClaimerBounty() *big.Int
	DepositToken() string
	ExtraData() string
	Kind() ChainSwapType
	Confirmations() uint32
	IsPayIn() bool
	IsPayOut() bool
	Equals(other EscrowData) bool
	Serialize() ([]byte, error)
}

// EscrowDecoder restores escrow data persisted with EscrowData.Serialize.
type EscrowDecoder func(raw []byte) (EscrowData, error)

// SignatureData is an LP issued authorization to initialize an escrow, or to
// refund one cooperatively.
type SignatureData struct {
	Prefix    string `json:"prefix"`
	Timeout   int64  `json:"timeout"`
	Signature string `json:"signature"`
}

func (s *SignatureData) Deadline() time.Time {
	return time.Unix(s.Timeout, 0)
}

type CommitStatusType int

const (
	CommitStatusNotCommitted CommitStatusType = iota
	CommitStatusCommitted
	CommitStatusPaid
	CommitStatusExpired
)

func (t CommitStatusType) String() string {
	switch t {
	case CommitStatusCommitted:
		return "COMMITED"
	case CommitStatusPaid:
		return "PAID"
	case CommitStatusExpired:
		return "EXPIRED"
	default:
		return "NOT_COMMITED"
	}
}

type CommitStatus struct {
	Type       CommitStatusType
	ClaimTxID  string
	RefundTxID string
	// Witness is the claim witness when Type is paid, e.g. the preimage.
	Witness    string
}

// EscrowState is embedded by every variant backed by a smart contract escrow.
type EscrowState struct {
	Data          EscrowData      `json:"-"`
	RawData       json.RawMessage `json:"data,omitempty"`
	EscrowHashHex string          `json:"escrowHash,omitempty"`
	Signature     *SignatureData  `json:"signature,omitempty"`
	FeeRate       string          `json:"feeRate,omitempty"`
	CommitTxID    string          `json:"commitTxId,omitempty"`
	ClaimTxID     string          `json:"claimTxId,omitempty"`
	RefundTxID    string          `json:"refundTxId,omitempty"`
}

func (e *EscrowState) EscrowHash() string {
	return e.EscrowHashHex
}

func (e *EscrowState) ClaimHash() string {
	if e.Data == nil {
		return ""
	}
	return e.Data.ClaimHash()
}

// SetEscrow attaches escrow data together with the hash the chain derives for
// it.
func (e *EscrowState) SetEscrow(data EscrowData, escrowHash string, sig *SignatureData, feeRate string) {
	e.Data = data
	e.EscrowHashHex = escrowHash
	e.Signature = sig
	e.FeeRate = feeRate
}

func (e *EscrowState) escrowAmount() *big.Int {
	if e.Data == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(e.Data.Amount())
}

func (e *EscrowState) escrowToken() string {
	if e.Data == nil {
		return ""
	}
	return e.Data.Token()
}

func (e *EscrowState) encode() error {
	if e.Data == nil {
		e.RawData = nil
		return nil
	}
	raw, err := e.Data.Serialize()
	if err != nil {
		return err
	}
	e.RawData = raw
	return nil
}

func (e *EscrowState) decode(decoder EscrowDecoder) error {
	if len(e.RawData) == 0 {
		return nil
	}
	data, err := decoder(e.RawData)
	if err != nil {
		return err
	}
	e.Data = data
	return nil
}

// setCommitted, setClaimed and setRefunded only record proof when the caller
// actually changed state.
func (e *EscrowState) setCommitted(changed bool, txID string) {
	if changed && txID != "" {
		e.CommitTxID = txID
	}
}

func (e *EscrowState) setClaimed(changed bool, txID string) {
	if changed && txID != "" {
		e.ClaimTxID = txID
	}
}

func (e *EscrowState) setRefunded(changed bool, txID string) {
	if changed && txID != "" {
		e.RefundTxID = txID
	}
}
