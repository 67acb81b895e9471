package domain

import (
	"fmt"
	"math/big"
)

// ToBTCState tracks a smart chain -> BTC swap, on-chain or Lightning.
type ToBTCState int

const (
	ToBTCStateRefunded         ToBTCState = -3
	ToBTCStateQuoteExpired     ToBTCState = -2
	ToBTCStateQuoteSoftExpired ToBTCState = -1
	ToBTCStateCreated          ToBTCState = 0
	ToBTCStateCommitted        ToBTCState = 1
	ToBTCStateSoftClaimed      ToBTCState = 2
	ToBTCStateClaimed          ToBTCState = 3
	ToBTCStateRefundable       ToBTCState = 4
)

func (s ToBTCState) String() string {
	switch s {
	case ToBTCStateRefunded:
		return "REFUNDED"
	case ToBTCStateQuoteExpired:
		return "QUOTE_EXPIRED"
	case ToBTCStateQuoteSoftExpired:
		return "QUOTE_SOFT_EXPIRED"
	case ToBTCStateCreated:
		return "CREATED"
	case ToBTCStateCommitted:
		return "COMMITED"
	case ToBTCStateSoftClaimed:
		return "SOFT_CLAIMED"
	case ToBTCStateClaimed:
		return "CLAIMED"
	case ToBTCStateRefundable:
		return "REFUNDABLE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

const toBTCVersion = 1

var toBTCTransitions = transitionTable[ToBTCState]{
	ToBTCStateCreated: {
		ToBTCStateQuoteSoftExpired, ToBTCStateQuoteExpired, ToBTCStateCommitted,
		ToBTCStateSoftClaimed, ToBTCStateClaimed, ToBTCStateRefundable, ToBTCStateRefunded,
	},
	ToBTCStateQuoteSoftExpired: {
		ToBTCStateQuoteExpired, ToBTCStateCommitted, ToBTCStateSoftClaimed,
		ToBTCStateClaimed, ToBTCStateRefundable, ToBTCStateRefunded,
	},
	ToBTCStateCommitted: {
		ToBTCStateSoftClaimed, ToBTCStateClaimed, ToBTCStateRefundable, ToBTCStateRefunded,
	},
	ToBTCStateSoftClaimed: {
		ToBTCStateClaimed, ToBTCStateRefundable, ToBTCStateRefunded,
	},
	ToBTCStateRefundable: {
		ToBTCStateClaimed, ToBTCStateRefunded,
	},
}

// ToBTCCommon is shared by the on-chain and Lightning variants: the user
// escrows tokens claimable by the LP once it proves the bitcoin payment.
type ToBTCCommon struct {
	SwapBase
	EscrowState

	State ToBTCState `json:"state"`
	// RefundAuthorization is set when the LP agreed to a cooperative refund.
	RefundAuthorization *SignatureData `json:"refundAuthorization,omitempty"`
	// PaymentProof is the bitcoin txid or Lightning preimage reported by the LP.
	PaymentProof string `json:"paymentProof,omitempty"`
}

func (s *ToBTCCommon) Common() *ToBTCCommon { return s }
func (s *ToBTCCommon) RawState() int         { return int(s.State) }
func (s *ToBTCCommon) StateName() string    { return s.State.String() }

func (s *ToBTCCommon) IsFinished() bool {
	return s.State == ToBTCStateClaimed ||
		s.State == ToBTCStateRefunded ||
		s.State == ToBTCStateQuoteExpired
}

func (s *ToBTCCommon) IsSuccessful() bool {
	return s.State == ToBTCStateClaimed
}

func (s *ToBTCCommon) IsFailed() bool {
	return s.State == ToBTCStateRefunded
}

func (s *ToBTCCommon) IsQuoteExpired() bool {
	return s.State == ToBTCStateQuoteExpired
}

func (s *ToBTCCommon) IsQuoteSoftExpired() bool {
	return s.State == ToBTCStateQuoteExpired || s.State == ToBTCStateQuoteSoftExpired
}

func (s *ToBTCCommon) IsRefundable() bool {
	return s.State == ToBTCStateRefundable
}

func (s *ToBTCCommon) InputAmount() Amount {
	return Amount{Token: s.escrowToken(), Value: s.escrowAmount()}
}

func (s *ToBTCCommon) QuoteSoftExpired() (bool, error) {
	return transition(&s.State, ToBTCStateQuoteSoftExpired, toBTCTransitions)
}

func (s *ToBTCCommon) QuoteExpired() (bool, error) {
	return transition(&s.State, ToBTCStateQuoteExpired, toBTCTransitions)
}

func (s *ToBTCCommon) Committed(txID string) (bool, error) {
	changed, err := transition(&s.State, ToBTCStateCommitted, toBTCTransitions)
	s.setCommitted(changed, txID)
	return changed, err
}

// SoftClaimed records the LP's proof of the bitcoin payment before it claims
// the escrow on the smart chain.
func (s *ToBTCCommon) SoftClaimed(proof string) (bool, error) {
	changed, err := transition(&s.State, ToBTCStateSoftClaimed, toBTCTransitions)
	if changed && proof != "" {
		s.PaymentProof = proof
	}
	return changed, err
}

func (s *ToBTCCommon) Claimed(txID, proof string) (bool, error) {
	changed, err := transition(&s.State, ToBTCStateClaimed, toBTCTransitions)
	s.setClaimed(changed, txID)
	if changed && proof != "" && s.PaymentProof == "" {
		s.PaymentProof = proof
	}
	return changed, err
}

// BecomeRefundable is used both when the escrow expired and when the LP
// returned a cooperative refund authorization.
func (s *ToBTCCommon) BecomeRefundable(auth *SignatureData) (bool, error) {
	changed, err := transition(&s.State, ToBTCStateRefundable, toBTCTransitions)
	if auth != nil && (changed || s.State == ToBTCStateRefundable) {
		s.RefundAuthorization = auth
		return true, err
	}
	return changed, err
}

func (s *ToBTCCommon) Refunded(txID string) (bool, error) {
	changed, err := transition(&s.State, ToBTCStateRefunded, toBTCTransitions)
	s.setRefunded(changed, txID)
	return changed, err
}

func (s *ToBTCCommon) upgradeVersion() {
	if s.Version >= toBTCVersion {
		return
	}
	if s.Version == 0 {
		switch s.State {
		case -2:
			s.State = ToBTCStateRefunded
		case -1:
			s.State = ToBTCStateQuoteExpired
		case 2:
			s.State = ToBTCStateClaimed
		case 3:
			s.State = ToBTCStateRefundable
		}
	}
	s.Version = toBTCVersion
}

// ToBTCSwap pays out to a bitcoin address on-chain.
type ToBTCSwap struct {
	ToBTCCommon

	BtcAddress    string   `json:"address"`
	AmountSats    uint64   `json:"amountSats"`
	Confirmations uint32   `json:"confirmations"`
	Nonce         uint64   `json:"nonce"`
	SatsPerVByte  uint64   `json:"satsPerVByte"`
	NetworkFee    *big.Int `json:"networkFee"`
	NetworkFeeBtc uint64   `json:"networkFeeBtc"`
}

type ToBTCQuote struct {
	QuoteParams
	Address       string
	AmountSats    uint64
	Confirmations uint32
	Nonce         uint64
	SatsPerVByte  uint64
	NetworkFee    *big.Int
	NetworkFeeBtc uint64
	Data          EscrowData
	EscrowHash    string
	Signature     *SignatureData
	FeeRate       string
}

func NewToBTCSwap(q ToBTCQuote) (*ToBTCSwap, error) {
	if q.Address == "" {
		return nil, &ValidationError{Field: "address", Reason: "cannot be empty"}
	}
	if q.AmountSats == 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if q.Data == nil || q.Signature == nil {
		return nil, &ValidationError{Field: "escrow", Reason: "data and signature are required"}
	}
	s := &ToBTCSwap{
		BtcAddress:    q.Address,
		AmountSats:    q.AmountSats,
		Confirmations: q.Confirmations,
		Nonce:         q.Nonce,
		SatsPerVByte:  q.SatsPerVByte,
		NetworkFee:    copyOrZero(q.NetworkFee),
		NetworkFeeBtc: q.NetworkFeeBtc,
	}
	s.State = ToBTCStateCreated
	if err := s.init(q.QuoteParams, toBTCVersion); err != nil {
		return nil, err
	}
	s.SetEscrow(q.Data, q.EscrowHash, q.Signature, q.FeeRate)
	return s, nil
}

func (s *ToBTCSwap) Type() SwapType         { return SwapTypeToBTC }
func (s *ToBTCSwap) IdentifierHash() string { return s.ClaimHash() }
func (s *ToBTCSwap) ID() string             { return s.id(s.IdentifierHash()) }

func (s *ToBTCSwap) OutputAmount() Amount {
	return SatsAmount(BitcoinToken, s.AmountSats)
}

func (s *ToBTCSwap) Fee() Fee {
	breakdown := s.FeeBreakdown()
	return sumFees(breakdown[0].Fee, breakdown[1].Fee)
}

func (s *ToBTCSwap) FeeBreakdown() []FeeComponent {
	return []FeeComponent{
		{Type: FeeTypeSwap, Fee: tokenFee(s.escrowToken(), s.SwapFee, BitcoinToken, s.SwapFeeBtc)},
		{Type: FeeTypeNetworkOutput, Fee: tokenFee(s.escrowToken(), s.NetworkFee, BitcoinToken, s.NetworkFeeBtc)},
	}
}

// ToBTCLNSwap pays a Lightning invoice.
type ToBTCLNSwap struct {
	ToBTCCommon

	Invoice        string   `json:"pr"`
	PaymentHash    string   `json:"paymentHash"`
	AmountSats     uint64   `json:"amountSats"`
	Confidence     float64  `json:"confidence"`
	RoutingFee     *big.Int `json:"routingFee"`
	RoutingFeeSats uint64   `json:"routingFeeSats"`
}

type ToBTCLNQuote struct {
	QuoteParams
	Invoice        string
	PaymentHash    string
	AmountSats     uint64
	Confidence     float64
	RoutingFee     *big.Int
	RoutingFeeSats uint64
	Data           EscrowData
	EscrowHash     string
	Signature      *SignatureData
	FeeRate        string
}

func NewToBTCLNSwap(q ToBTCLNQuote) (*ToBTCLNSwap, error) {
	if q.Invoice == "" || q.PaymentHash == "" {
		return nil, &ValidationError{Field: "invoice", Reason: "invoice and payment hash are required"}
	}
	if q.Data == nil || q.Signature == nil {
		return nil, &ValidationError{Field: "escrow", Reason: "data and signature are required"}
	}
	s := &ToBTCLNSwap{
		Invoice:        q.Invoice,
		PaymentHash:    q.PaymentHash,
		AmountSats:     q.AmountSats,
		Confidence:     q.Confidence,
		RoutingFee:     copyOrZero(q.RoutingFee),
		RoutingFeeSats: q.RoutingFeeSats,
	}
	s.State = ToBTCStateCreated
	if err := s.init(q.QuoteParams, toBTCVersion); err != nil {
		return nil, err
	}
	s.SetEscrow(q.Data, q.EscrowHash, q.Signature, q.FeeRate)
	return s, nil
}

func (s *ToBTCLNSwap) Type() SwapType         { return SwapTypeToBTCLN }
func (s *ToBTCLNSwap) IdentifierHash() string { return s.ClaimHash() }
func (s *ToBTCLNSwap) ID() string             { return s.id(s.IdentifierHash()) }

func (s *ToBTCLNSwap) OutputAmount() Amount {
	return SatsAmount(LightningToken, s.AmountSats)
}

func (s *ToBTCLNSwap) Fee() Fee {
	breakdown := s.FeeBreakdown()
	return sumFees(breakdown[0].Fee, breakdown[1].Fee)
}

func (s *ToBTCLNSwap) FeeBreakdown() []FeeComponent {
	return []FeeComponent{
		{Type: FeeTypeSwap, Fee: tokenFee(s.escrowToken(), s.SwapFee, LightningToken, s.SwapFeeBtc)},
		{Type: FeeTypeLightningRouting, Fee: tokenFee(s.escrowToken(), s.RoutingFee, LightningToken, s.RoutingFeeSats)},
	}
}
