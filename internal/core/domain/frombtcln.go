package domain

import (
	"fmt"
	"math/big"
)

// FromBTCLNState tracks a Lightning BTC -> smart chain swap.
type FromBTCLNState int

const (
	FromBTCLNStateFailed           FromBTCLNState = -4
	FromBTCLNStateQuoteExpired     FromBTCLNState = -3
	FromBTCLNStateQuoteSoftExpired FromBTCLNState = -2
	FromBTCLNStateExpired          FromBTCLNState = -1
	FromBTCLNStateCreated          FromBTCLNState = 0
	FromBTCLNStatePaid             FromBTCLNState = 1
	FromBTCLNStateCommitted        FromBTCLNState = 2
	FromBTCLNStateClaimed          FromBTCLNState = 3
)

func (s FromBTCLNState) String() string {
	switch s {
	case FromBTCLNStateFailed:
		return "FAILED"
	case FromBTCLNStateQuoteExpired:
		return "QUOTE_EXPIRED"
	case FromBTCLNStateQuoteSoftExpired:
		return "QUOTE_SOFT_EXPIRED"
	case FromBTCLNStateExpired:
		return "EXPIRED"
	case FromBTCLNStateCreated:
		return "CREATED"
	case FromBTCLNStatePaid:
		return "PAID"
	case FromBTCLNStateCommitted:
		return "COMMITED"
	case FromBTCLNStateClaimed:
		return "CLAIMED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

const fromBTCLNVersion = 1

var fromBTCLNTransitions = transitionTable[FromBTCLNState]{
	FromBTCLNStateCreated: {
		FromBTCLNStatePaid, FromBTCLNStateQuoteSoftExpired, FromBTCLNStateQuoteExpired, FromBTCLNStateFailed,
	},
	FromBTCLNStatePaid: {
		FromBTCLNStateCommitted, FromBTCLNStateClaimed, FromBTCLNStateQuoteSoftExpired,
		FromBTCLNStateQuoteExpired, FromBTCLNStateFailed,
	},
	FromBTCLNStateQuoteSoftExpired: {
		FromBTCLNStatePaid, FromBTCLNStateCommitted, FromBTCLNStateClaimed, FromBTCLNStateQuoteExpired,
	},
	FromBTCLNStateCommitted: {
		FromBTCLNStateClaimed, FromBTCLNStateExpired, FromBTCLNStateFailed,
	},
	FromBTCLNStateExpired: {
		FromBTCLNStateClaimed, FromBTCLNStateFailed,
	},
}

// FromBTCLNSwap is a Lightning BTC -> smart chain swap. The user pays a hold
// invoice locked to PaymentHash, the LP then escrows tokens claimable with
// the preimage the client generated. The escrow only exists after payment,
// so the payment hash identifies the swap.
type FromBTCLNSwap struct {
	SwapBase
	EscrowState

	State       FromBTCLNState `json:"state"`
	Invoice     string         `json:"pr"`
	PaymentHash string         `json:"paymentHash"`
	Secret      string         `json:"secret"`
	AmountSats  uint64         `json:"amountSats"`
	Token       string         `json:"token"`
	// OutputTokens is the amount quoted before the escrow exists.
	OutputTokens    *big.Int `json:"outputTokens"`
	LpAddress       string   `json:"lpAddress"`
	SecurityDeposit *big.Int `json:"securityDeposit,omitempty"`
}

type FromBTCLNQuote struct {
	QuoteParams
	Invoice         string
	PaymentHash     string
	Secret          string
	AmountSats      uint64
	Token           string
	OutputTokens    *big.Int
	LpAddress       string
	SecurityDeposit *big.Int
}

func NewFromBTCLNSwap(q FromBTCLNQuote) (*FromBTCLNSwap, error) {
	if q.Invoice == "" {
		return nil, &ValidationError{Field: "invoice", Reason: "cannot be empty"}
	}
	if q.PaymentHash == "" || q.Secret == "" {
		return nil, &ValidationError{Field: "payment hash", Reason: "payment hash and secret are required"}
	}
	if q.OutputTokens == nil || q.OutputTokens.Sign() <= 0 {
		return nil, &ValidationError{Field: "output amount", Reason: "must be positive"}
	}
	s := &FromBTCLNSwap{
		State:           FromBTCLNStateCreated,
		Invoice:         q.Invoice,
		PaymentHash:     q.PaymentHash,
		Secret:          q.Secret,
		AmountSats:      q.AmountSats,
		Token:           q.Token,
		OutputTokens:    q.OutputTokens,
		LpAddress:       q.LpAddress,
		SecurityDeposit: q.SecurityDeposit,
	}
	if err := s.init(q.QuoteParams, fromBTCLNVersion); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FromBTCLNSwap) Type() SwapType         { return SwapTypeFromBTCLN }
func (s *FromBTCLNSwap) IdentifierHash() string { return s.PaymentHash }
func (s *FromBTCLNSwap) ID() string             { return s.id(s.IdentifierHash()) }
func (s *FromBTCLNSwap) RawState() int          { return int(s.State) }
func (s *FromBTCLNSwap) StateName() string      { return s.State.String() }

func (s *FromBTCLNSwap) IsFinished() bool {
	return s.State == FromBTCLNStateClaimed ||
		s.State == FromBTCLNStateQuoteExpired ||
		s.State == FromBTCLNStateFailed
}

func (s *FromBTCLNSwap) IsSuccessful() bool {
	return s.State == FromBTCLNStateClaimed
}

func (s *FromBTCLNSwap) IsFailed() bool {
	return s.State == FromBTCLNStateFailed || s.State == FromBTCLNStateExpired
}

func (s *FromBTCLNSwap) IsQuoteExpired() bool {
	return s.State == FromBTCLNStateQuoteExpired
}

func (s *FromBTCLNSwap) IsQuoteSoftExpired() bool {
	return s.State == FromBTCLNStateQuoteExpired || s.State == FromBTCLNStateQuoteSoftExpired
}

func (s *FromBTCLNSwap) IsClaimable() bool {
	return s.State == FromBTCLNStatePaid || s.State == FromBTCLNStateCommitted
}

func (s *FromBTCLNSwap) InputAmount() Amount {
	return SatsAmount(LightningToken, s.AmountSats)
}

func (s *FromBTCLNSwap) OutputAmount() Amount {
	if s.Data != nil {
		return Amount{Token: s.Data.Token(), Value: s.escrowAmount()}
	}
	return Amount{Token: s.Token, Value: copyOrZero(s.OutputTokens)}
}

func (s *FromBTCLNSwap) Fee() Fee {
	return btcFee(LightningToken, s.SwapFeeBtc, s.Token, s.SwapFee)
}

func (s *FromBTCLNSwap) FeeBreakdown() []FeeComponent {
	return []FeeComponent{{Type: FeeTypeSwap, Fee: s.Fee()}}
}

func (s *FromBTCLNSwap) Address() string {
	return s.Invoice
}

func (s *FromBTCLNSwap) HyperlinkURI() string {
	return "lightning:" + s.Invoice
}

func (s *FromBTCLNSwap) QuoteSoftExpired() (bool, error) {
	return transition(&s.State, FromBTCLNStateQuoteSoftExpired, fromBTCLNTransitions)
}

func (s *FromBTCLNSwap) QuoteExpired() (bool, error) {
	return transition(&s.State, FromBTCLNStateQuoteExpired, fromBTCLNTransitions)
}

// Paid records the escrow the LP authorized once the invoice was paid.
func (s *FromBTCLNSwap) Paid(data EscrowData, escrowHash string, sig *SignatureData) (bool, error) {
	changed, err := transition(&s.State, FromBTCLNStatePaid, fromBTCLNTransitions)
	if changed {
		s.SetEscrow(data, escrowHash, sig, s.FeeRate)
	}
	return changed, err
}

func (s *FromBTCLNSwap) Committed(txID string) (bool, error) {
	changed, err := transition(&s.State, FromBTCLNStateCommitted, fromBTCLNTransitions)
	s.setCommitted(changed, txID)
	return changed, err
}

func (s *FromBTCLNSwap) Claimed(txID string) (bool, error) {
	changed, err := transition(&s.State, FromBTCLNStateClaimed, fromBTCLNTransitions)
	s.setClaimed(changed, txID)
	return changed, err
}

func (s *FromBTCLNSwap) Expired() (bool, error) {
	return transition(&s.State, FromBTCLNStateExpired, fromBTCLNTransitions)
}

func (s *FromBTCLNSwap) Failed(refundTxID string) (bool, error) {
	changed, err := transition(&s.State, FromBTCLNStateFailed, fromBTCLNTransitions)
	s.setRefunded(changed, refundTxID)
	return changed, err
}

func (s *FromBTCLNSwap) upgradeVersion() {
	if s.Version >= fromBTCLNVersion {
		return
	}
	if s.Version == 0 {
		switch s.State {
		case -2:
			s.State = FromBTCLNStateQuoteExpired
		case -1:
			s.State = FromBTCLNStateFailed
		}
	}
	s.Version = fromBTCLNVersion
}
