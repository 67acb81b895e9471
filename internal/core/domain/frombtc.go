package domain

import "fmt"

// FromBTCState tracks an on-chain BTC -> smart chain swap.
type FromBTCState int

const (
	FromBTCStateFailed           FromBTCState = -4
	FromBTCStateExpired          FromBTCState = -3
	FromBTCStateQuoteExpired     FromBTCState = -2
	FromBTCStateQuoteSoftExpired FromBTCState = -1
	FromBTCStateCreated          FromBTCState = 0
	FromBTCStateCommitted        FromBTCState = 1
	FromBTCStateBtcConfirmed     FromBTCState = 2
	FromBTCStateClaimed          FromBTCState = 3
)

func (s FromBTCState) String() string {
	switch s {
	case FromBTCStateFailed:
		return "FAILED"
	case FromBTCStateExpired:
		return "EXPIRED"
	case FromBTCStateQuoteExpired:
		return "QUOTE_EXPIRED"
	case FromBTCStateQuoteSoftExpired:
		return "QUOTE_SOFT_EXPIRED"
	case FromBTCStateCreated:
		return "CREATED"
	case FromBTCStateCommitted:
		return "COMMITED"
	case FromBTCStateBtcConfirmed:
		return "BTC_TX_CONFIRMED"
	case FromBTCStateClaimed:
		return "CLAIMED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

const fromBTCVersion = 1

var fromBTCTransitions = transitionTable[FromBTCState]{
	FromBTCStateCreated: {
		FromBTCStateQuoteSoftExpired, FromBTCStateQuoteExpired, FromBTCStateCommitted,
		FromBTCStateClaimed, FromBTCStateExpired, FromBTCStateFailed,
	},
	FromBTCStateQuoteSoftExpired: {
		FromBTCStateQuoteExpired, FromBTCStateCommitted, FromBTCStateClaimed,
		FromBTCStateExpired, FromBTCStateFailed,
	},
	FromBTCStateCommitted: {
		FromBTCStateBtcConfirmed, FromBTCStateClaimed, FromBTCStateExpired, FromBTCStateFailed,
	},
	FromBTCStateBtcConfirmed: {
		FromBTCStateClaimed, FromBTCStateExpired, FromBTCStateFailed,
	},
	FromBTCStateExpired: {
		FromBTCStateClaimed, FromBTCStateFailed,
	},
}

// FromBTCSwap is an on-chain BTC -> smart chain swap. The LP escrows tokens
// claimable by the user with a proof of the bitcoin payment to BtcAddress.
type FromBTCSwap struct {
	SwapBase
	EscrowState

	State                 FromBTCState `json:"state"`
	BtcAddress            string       `json:"address"`
	AmountSats            uint64       `json:"amountSats"`
	RequiredConfirmations uint32       `json:"requiredConfirmations"`
	Nonce                 uint64       `json:"nonce"`
	BtcTxID               string       `json:"btcTxId,omitempty"`
	BtcVout               uint32       `json:"btcVout,omitempty"`
	BtcConfirmations      uint32       `json:"btcConfirmations,omitempty"`
}

type FromBTCQuote struct {
	QuoteParams
	Address               string
	AmountSats            uint64
	RequiredConfirmations uint32
	Nonce                 uint64
	Data                  EscrowData
	EscrowHash            string
	Signature             *SignatureData
	FeeRate               string
}

func NewFromBTCSwap(q FromBTCQuote) (*FromBTCSwap, error) {
	if q.Address == "" {
		return nil, &ValidationError{Field: "address", Reason: "cannot be empty"}
	}
	if q.AmountSats == 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if q.Data == nil || q.Signature == nil {
		return nil, &ValidationError{Field: "escrow", Reason: "data and signature are required"}
	}
	s := &FromBTCSwap{
		State:                 FromBTCStateCreated,
		BtcAddress:            q.Address,
		AmountSats:            q.AmountSats,
		RequiredConfirmations: q.RequiredConfirmations,
		Nonce:                 q.Nonce,
	}
	if err := s.init(q.QuoteParams, fromBTCVersion); err != nil {
		return nil, err
	}
	s.SetEscrow(q.Data, q.EscrowHash, q.Signature, q.FeeRate)
	return s, nil
}

func (s *FromBTCSwap) Type() SwapType         { return SwapTypeFromBTC }
func (s *FromBTCSwap) IdentifierHash() string { return s.ClaimHash() }
func (s *FromBTCSwap) ID() string             { return s.id(s.IdentifierHash()) }
func (s *FromBTCSwap) RawState() int          { return int(s.State) }
func (s *FromBTCSwap) StateName() string      { return s.State.String() }

func (s *FromBTCSwap) IsFinished() bool {
	return s.State == FromBTCStateClaimed ||
		s.State == FromBTCStateQuoteExpired ||
		s.State == FromBTCStateFailed
}

func (s *FromBTCSwap) IsSuccessful() bool {
	return s.State == FromBTCStateClaimed
}

func (s *FromBTCSwap) IsFailed() bool {
	return s.State == FromBTCStateFailed || s.State == FromBTCStateExpired
}

func (s *FromBTCSwap) IsQuoteExpired() bool {
	return s.State == FromBTCStateQuoteExpired
}

func (s *FromBTCSwap) IsQuoteSoftExpired() bool {
	return s.State == FromBTCStateQuoteExpired || s.State == FromBTCStateQuoteSoftExpired
}

func (s *FromBTCSwap) IsClaimable() bool {
	return s.State == FromBTCStateBtcConfirmed
}

func (s *FromBTCSwap) InputAmount() Amount {
	return SatsAmount(BitcoinToken, s.AmountSats)
}

func (s *FromBTCSwap) OutputAmount() Amount {
	return Amount{Token: s.escrowToken(), Value: s.escrowAmount()}
}

func (s *FromBTCSwap) Fee() Fee {
	return btcFee(BitcoinToken, s.SwapFeeBtc, s.escrowToken(), s.SwapFee)
}

func (s *FromBTCSwap) FeeBreakdown() []FeeComponent {
	return []FeeComponent{{Type: FeeTypeSwap, Fee: s.Fee()}}
}

func (s *FromBTCSwap) Address() string {
	return s.BtcAddress
}

func (s *FromBTCSwap) HyperlinkURI() string {
	return bitcoinURI(s.BtcAddress, s.AmountSats)
}

func (s *FromBTCSwap) QuoteSoftExpired() (bool, error) {
	return transition(&s.State, FromBTCStateQuoteSoftExpired, fromBTCTransitions)
}

func (s *FromBTCSwap) QuoteExpired() (bool, error) {
	return transition(&s.State, FromBTCStateQuoteExpired, fromBTCTransitions)
}

func (s *FromBTCSwap) Committed(txID string) (bool, error) {
	changed, err := transition(&s.State, FromBTCStateCommitted, fromBTCTransitions)
	s.setCommitted(changed, txID)
	return changed, err
}

// BitcoinTxSeen records the payment to BtcAddress without changing state.
func (s *FromBTCSwap) BitcoinTxSeen(txID string, vout, confirmations uint32) bool {
	if s.BtcTxID == txID && s.BtcVout == vout && s.BtcConfirmations == confirmations {
		return false
	}
	s.BtcTxID = txID
	s.BtcVout = vout
	s.BtcConfirmations = confirmations
	return true
}

func (s *FromBTCSwap) BitcoinConfirmed(txID string, vout, confirmations uint32) (bool, error) {
	if confirmations < s.RequiredConfirmations {
		return false, fmt.Errorf(
			"bitcoin tx %s has %d confirmations, %d required", txID, confirmations, s.RequiredConfirmations,
		)
	}
	changed, err := transition(&s.State, FromBTCStateBtcConfirmed, fromBTCTransitions)
	if changed {
		s.BitcoinTxSeen(txID, vout, confirmations)
	}
	return changed, err
}

func (s *FromBTCSwap) Claimed(txID string) (bool, error) {
	changed, err := transition(&s.State, FromBTCStateClaimed, fromBTCTransitions)
	s.setClaimed(changed, txID)
	return changed, err
}

func (s *FromBTCSwap) Expired() (bool, error) {
	return transition(&s.State, FromBTCStateExpired, fromBTCTransitions)
}

// Failed marks the escrow as refunded back to the LP.
func (s *FromBTCSwap) Failed(refundTxID string) (bool, error) {
	changed, err := transition(&s.State, FromBTCStateFailed, fromBTCTransitions)
	s.setRefunded(changed, refundTxID)
	return changed, err
}

func (s *FromBTCSwap) upgradeVersion() {
	if s.Version >= fromBTCVersion {
		return
	}
	if s.Version == 0 {
		switch s.State {
		case -2:
			s.State = FromBTCStateFailed
		case -1:
			s.State = FromBTCStateQuoteExpired
		}
	}
	s.Version = fromBTCVersion
}
