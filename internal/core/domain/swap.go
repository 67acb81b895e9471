package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"
)

type SwapType int

const (
	SwapTypeFromBTC SwapType = iota
	SwapTypeFromBTCLN
	SwapTypeToBTC
	SwapTypeToBTCLN
	SwapTypeSpvFromBTC
)

func (t SwapType) String() string {
	switch t {
	case SwapTypeFromBTC:
		return "FROM_BTC"
	case SwapTypeFromBTCLN:
		return "FROM_BTCLN"
	case SwapTypeToBTC:
		return "TO_BTC"
	case SwapTypeToBTCLN:
		return "TO_BTCLN"
	case SwapTypeSpvFromBTC:
		return "SPV_VAULT_FROM_BTC"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// ParseSwapType is the inverse of SwapType.String.
func ParseSwapType(s string) (SwapType, error) {
	for _, t := range []SwapType{
		SwapTypeFromBTC, SwapTypeFromBTCLN, SwapTypeToBTC, SwapTypeToBTCLN, SwapTypeSpvFromBTC,
	} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown swap type %q", s)
}

const (
	BitcoinToken   = "BTC"
	LightningToken = "BTC-LN"
)

// Amount is a value denominated in a token. Bitcoin amounts are in sats.
type Amount struct {
	Token string
	Value *big.Int
}

func SatsAmount(token string, sats uint64) Amount {
	return Amount{Token: token, Value: new(big.Int).SetUint64(sats)}
}

func (a Amount) String() string {
	if a.Value == nil {
		return "0 " + a.Token
	}
	return a.Value.String() + " " + a.Token
}

// SwapBase holds identity and the mutable fields shared by every direction.
// The embedded mutex serializes caller, tick and event driven mutations.
type SwapBase struct {
	sync.Mutex `json:"-"`

	Url             string      `json:"url"`
	ChainIdentifier string      `json:"chainIdentifier"`
	CreatedAt       int64       `json:"createdAt"`
	RandomNonce     string      `json:"randomNonce"`
	Expiry          int64       `json:"expiry"`
	Pricing         PricingInfo `json:"pricingInfo"`
	SwapFee         *big.Int    `json:"swapFee"`
	SwapFeeBtc      uint64      `json:"swapFeeBtc"`
	Initiated       bool        `json:"initiated"`
	ExactIn         bool        `json:"exactIn"`
	Version         int         `json:"version"`
}

// QuoteParams carries the quote terms common to every direction.
type QuoteParams struct {
	Url             string
	ChainIdentifier string
	Expiry          time.Time
	Pricing         PricingInfo
	SwapFee         *big.Int
	SwapFeeBtc      uint64
	ExactIn         bool
}

func (b *SwapBase) init(p QuoteParams, version int) error {
	if p.Url == "" {
		return &ValidationError{Field: "url", Reason: "cannot be empty"}
	}
	if p.ChainIdentifier == "" {
		return &ValidationError{Field: "chain identifier", Reason: "cannot be empty"}
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	b.Url = p.Url
	b.ChainIdentifier = p.ChainIdentifier
	b.CreatedAt = time.Now().UnixMilli()
	b.RandomNonce = hex.EncodeToString(nonce)
	b.Expiry = p.Expiry.UnixMilli()
	b.Pricing = p.Pricing
	b.SwapFee = p.SwapFee
	if b.SwapFee == nil {
		b.SwapFee = big.NewInt(0)
	}
	b.SwapFeeBtc = p.SwapFeeBtc
	b.ExactIn = p.ExactIn
	b.Version = version
	return nil
}

func (b *SwapBase) Base() *SwapBase {
	return b
}

func (b *SwapBase) QuoteExpiry() time.Time {
	return time.UnixMilli(b.Expiry)
}

func (b *SwapBase) id(identifierHash string) string {
	return identifierHash + b.RandomNonce
}

// Swap is implemented by every direction-specific variant. The unexported
// method seals the set of variants to this package.
type Swap interface {
	Base() *SwapBase
	Type() SwapType
	ID() string
	IdentifierHash() string
	// EscrowHash is empty until the escrow exists.
	EscrowHash() string
	ClaimHash() string
	RawState() int
	StateName() string
	IsFinished() bool
	IsSuccessful() bool
	IsFailed() bool
	IsQuoteExpired() bool
	IsQuoteSoftExpired() bool
	InputAmount() Amount
	OutputAmount() Amount
	Fee() Fee
	FeeBreakdown() []FeeComponent

	upgradeVersion()
}

type Claimable interface {
	Swap
	IsClaimable() bool
}

type Refundable interface {
	Swap
	IsRefundable() bool
}

// AddressDisplayable is implemented by swaps the user pays over Bitcoin.
type AddressDisplayable interface {
	Swap
	Address() string
	HyperlinkURI() string
}

type StateComparison int

const (
	StateEq StateComparison = iota
	StateGte
	StateNeq
)

func (c StateComparison) Matches(current, target int) bool {
	switch c {
	case StateGte:
		return current >= target
	case StateNeq:
		return current != target
	default:
		return current == target
	}
}

type transitionTable[S ~int] map[S][]S

func (t transitionTable[S]) allows(from, to S) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves current to target if the edge exists. Applying the
// current state again is a no-op and reports no change.
func transition[S ~int](current *S, target S, table transitionTable[S]) (bool, error) {
	if *current == target {
		return false, nil
	}
	if !table.allows(*current, target) {
		return false, fmt.Errorf("%w: %d -> %d", ErrInvalidTransition, int(*current), int(target))
	}
	*current = target
	return true, nil
}

func bitcoinURI(address string, sats uint64) string {
	return fmt.Sprintf("bitcoin:%s?amount=%s", address, formatBTC(sats))
}

func formatBTC(sats uint64) string {
	return fmt.Sprintf("%d.%08d", sats/1e8, sats%1e8)
}
