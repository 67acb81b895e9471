package evm

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// SwapData is an escrow of the escrow manager contract.
type SwapData struct {
	OffererAddr      string               `json:"offerer"`
	ClaimerAddr      string               `json:"claimer"`
	TokenAddr        string               `json:"token"`
	Value            *big.Int             `json:"amount"`
	Hash             string               `json:"claimHash"`
	Seq              *big.Int             `json:"sequence"`
	ExpiryTs         int64                `json:"expiry"`
	SwapKind         domain.ChainSwapType `json:"kind"`
	Confs            uint32               `json:"confirmations"`
	PayIn            bool                 `json:"payIn"`
	PayOut           bool                 `json:"payOut"`
	DepositTokenAddr string               `json:"depositToken"`
	Deposit          *big.Int             `json:"securityDeposit"`
	Bounty           *big.Int             `json:"claimerBounty"`
	Extra            string               `json:"extraData,omitempty"`
}

// escrowTuple mirrors the contract struct for abi packing.
type escrowTuple struct {
	Offerer         common.Address
	Claimer         common.Address
	Token           common.Address
	Amount          *big.Int
	ClaimHash       [32]byte
	Sequence        *big.Int
	Expiry          uint64
	Kind            uint8
	Confirmations   uint32
	PayIn           bool
	PayOut          bool
	DepositToken    common.Address
	SecurityDeposit *big.Int
	ClaimerBounty   *big.Int
	ExtraData       []byte
}

// DecodeSwapData parses and validates escrow data.
func DecodeSwapData(raw []byte) (*SwapData, error) {
	data := &SwapData{}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("invalid escrow data: %w", err)
	}
	if err := data.validate(); err != nil {
		return nil, err
	}
	return data, nil
}

func (d *SwapData) validate() error {
	for name, addr := range map[string]string{
		"offerer": d.OffererAddr, "claimer": d.ClaimerAddr, "token": d.TokenAddr,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid %s address %q", name, addr)
		}
	}
	if d.DepositTokenAddr != "" && !common.IsHexAddress(d.DepositTokenAddr) {
		return fmt.Errorf("invalid deposit token address %q", d.DepositTokenAddr)
	}
	hash, err := decodeHash(d.Hash)
	if err != nil {
		return fmt.Errorf("invalid claim hash: %w", err)
	}
	d.Hash = hex.EncodeToString(hash[:])
	if d.ExpiryTs < 0 {
		return fmt.Errorf("invalid expiry %d", d.ExpiryTs)
	}
	if d.SwapKind < domain.ChainSwapTypeHTLC || d.SwapKind > domain.ChainSwapTypeChainNonced {
		return fmt.Errorf("unknown escrow kind %d", d.SwapKind)
	}
	if _, err := hex.DecodeString(strings.TrimPrefix(d.Extra, "0x")); err != nil {
		return fmt.Errorf("invalid extra data: %w", err)
	}
	for name, v := range map[string]*big.Int{
		"amount": d.Value, "sequence": d.Seq, "security deposit": d.Deposit, "claimer bounty": d.Bounty,
	} {
		if err := checkUint256(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if d.Value == nil || d.Value.Sign() <= 0 {
		return fmt.Errorf("invalid amount: must be positive")
	}
	return nil
}

// checkUint256 accepts nil as zero.
func checkUint256(v *big.Int) error {
	if v == nil {
		return nil
	}
	if v.Sign() < 0 {
		return fmt.Errorf("negative value %s", v)
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return fmt.Errorf("value %s overflows uint256", v)
	}
	return nil
}

func (d *SwapData) tuple() escrowTuple {
	hash, _ := decodeHash(d.Hash)
	extra, _ := hex.DecodeString(strings.TrimPrefix(d.Extra, "0x"))
	return escrowTuple{
		Offerer:         common.HexToAddress(d.OffererAddr),
		Claimer:         common.HexToAddress(d.ClaimerAddr),
		Token:           common.HexToAddress(d.TokenAddr),
		Amount:          orZero(d.Value),
		ClaimHash:       hash,
		Sequence:        orZero(d.Seq),
		Expiry:          uint64(d.ExpiryTs),
		Kind:            uint8(d.SwapKind),
		Confirmations:   d.Confs,
		PayIn:           d.PayIn,
		PayOut:          d.PayOut,
		DepositToken:    common.HexToAddress(d.DepositTokenAddr),
		SecurityDeposit: orZero(d.Deposit),
		ClaimerBounty:   orZero(d.Bounty),
		ExtraData:       extra,
	}
}

// encoded is the abi encoding of the escrow, the preimage of its escrow
// hash.
func (d *SwapData) encoded() ([]byte, error) {
	return escrowABI.Methods["refund"].Inputs.Pack(d.tuple())
}

func (d *SwapData) escrowHash() ([32]byte, error) {
	encoded, err := d.encoded()
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to encode escrow: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

func (d *SwapData) ClaimHash() string          { return d.Hash }
func (d *SwapData) Offerer() string            { return common.HexToAddress(d.OffererAddr).Hex() }
func (d *SwapData) Claimer() string            { return common.HexToAddress(d.ClaimerAddr).Hex() }
func (d *SwapData) Token() string              { return common.HexToAddress(d.TokenAddr).Hex() }
func (d *SwapData) Amount() *big.Int           { return new(big.Int).Set(orZero(d.Value)) }
func (d *SwapData) Expiry() time.Time          { return time.Unix(d.ExpiryTs, 0) }
func (d *SwapData) Sequence() *big.Int         { return new(big.Int).Set(orZero(d.Seq)) }
func (d *SwapData) SecurityDeposit() *big.Int  { return new(big.Int).Set(orZero(d.Deposit)) }
func (d *SwapData) ClaimerBounty() *big.Int    { return new(big.Int).Set(orZero(d.Bounty)) }
func (d *SwapData) DepositToken() string       { return common.HexToAddress(d.DepositTokenAddr).Hex() }
func (d *SwapData) ExtraData() string          { return d.Extra }
func (d *SwapData) Kind() domain.ChainSwapType { return d.SwapKind }
func (d *SwapData) Confirmations() uint32      { return d.Confs }
func (d *SwapData) IsPayIn() bool              { return d.PayIn }
func (d *SwapData) IsPayOut() bool             { return d.PayOut }
func (d *SwapData) Serialize() ([]byte, error) { return json.Marshal(d) }

// Equals compares the abi encodings, so address casing and number
// representation do not matter.
func (d *SwapData) Equals(other domain.EscrowData) bool {
	o, ok := other.(*SwapData)
	if !ok || o == nil {
		return false
	}
	a, err := d.encoded()
	if err != nil {
		return false
	}
	b, err := o.encoded()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
