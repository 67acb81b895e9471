package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

// SpvFromBTCState tracks a BTC -> smart chain swap settled through an SPV
// vault: the user co-signs a bitcoin transaction spending the vault UTXO and
// the smart chain releases tokens once the transaction is proven.
type SpvFromBTCState int

const (
	SpvFromBTCStateClosed           SpvFromBTCState = -5
	SpvFromBTCStateFailed           SpvFromBTCState = -4
	SpvFromBTCStateDeclined         SpvFromBTCState = -3
	SpvFromBTCStateQuoteExpired     SpvFromBTCState = -2
	SpvFromBTCStateQuoteSoftExpired SpvFromBTCState = -1
	SpvFromBTCStateCreated          SpvFromBTCState = 0
	SpvFromBTCStateSigned           SpvFromBTCState = 1
	SpvFromBTCStatePosted           SpvFromBTCState = 2
	SpvFromBTCStateBroadcasted      SpvFromBTCState = 3
	SpvFromBTCStateFronted          SpvFromBTCState = 4
	SpvFromBTCStateBtcConfirmed     SpvFromBTCState = 5
	SpvFromBTCStateClaimed          SpvFromBTCState = 6
)

func (s SpvFromBTCState) String() string {
	switch s {
	case SpvFromBTCStateClosed:
		return "CLOSED"
	case SpvFromBTCStateFailed:
		return "FAILED"
	case SpvFromBTCStateDeclined:
		return "DECLINED"
	case SpvFromBTCStateQuoteExpired:
		return "QUOTE_EXPIRED"
	case SpvFromBTCStateQuoteSoftExpired:
		return "QUOTE_SOFT_EXPIRED"
	case SpvFromBTCStateCreated:
		return "CREATED"
	case SpvFromBTCStateSigned:
		return "SIGNED"
	case SpvFromBTCStatePosted:
		return "POSTED"
	case SpvFromBTCStateBroadcasted:
		return "BROADCASTED"
	case SpvFromBTCStateFronted:
		return "FRONTED"
	case SpvFromBTCStateBtcConfirmed:
		return "BTC_TX_CONFIRMED"
	case SpvFromBTCStateClaimed:
		return "CLAIMED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

const spvFromBTCVersion = 1

var spvFromBTCTransitions = transitionTable[SpvFromBTCState]{
	SpvFromBTCStateCreated: {
		SpvFromBTCStateSigned, SpvFromBTCStateQuoteSoftExpired, SpvFromBTCStateQuoteExpired,
	},
	SpvFromBTCStateQuoteSoftExpired: {
		SpvFromBTCStateQuoteExpired, SpvFromBTCStateSigned, SpvFromBTCStatePosted,
		SpvFromBTCStateBroadcasted, SpvFromBTCStateDeclined,
	},
	SpvFromBTCStateSigned: {
		SpvFromBTCStatePosted, SpvFromBTCStateBroadcasted, SpvFromBTCStateDeclined,
		SpvFromBTCStateQuoteSoftExpired, SpvFromBTCStateQuoteExpired,
	},
	SpvFromBTCStatePosted: {
		SpvFromBTCStateBroadcasted, SpvFromBTCStateFronted, SpvFromBTCStateBtcConfirmed,
		SpvFromBTCStateClaimed, SpvFromBTCStateQuoteExpired, SpvFromBTCStateClosed,
	},
	SpvFromBTCStateBroadcasted: {
		SpvFromBTCStateFronted, SpvFromBTCStateBtcConfirmed, SpvFromBTCStateClaimed,
		SpvFromBTCStateFailed, SpvFromBTCStateClosed,
	},
	SpvFromBTCStateFronted: {
		SpvFromBTCStateBtcConfirmed, SpvFromBTCStateClaimed, SpvFromBTCStateFailed, SpvFromBTCStateClosed,
	},
	SpvFromBTCStateBtcConfirmed: {
		SpvFromBTCStateFronted, SpvFromBTCStateClaimed, SpvFromBTCStateClosed,
	},
}

type SpvFromBTCSwap struct {
	SwapBase

	State         SpvFromBTCState `json:"state"`
	QuoteID       string          `json:"quoteId"`
	VaultOwner    string          `json:"vaultOwner"`
	VaultID       uint64          `json:"vaultId"`
	VaultAddress  string          `json:"vaultBtcAddress"`
	VaultUtxo     string          `json:"vaultUtxo"`
	LpBtcAddress  string          `json:"lpBtcAddress"`
	Recipient     string          `json:"recipient"`
	Token         string          `json:"token"`
	GasToken      string          `json:"gasToken"`
	OutputTokens  *big.Int        `json:"outputTokens"`
	OutputGas     *big.Int        `json:"outputGas"`
	BtcAmount     uint64          `json:"btcAmount"`
	BtcAmountSwap uint64          `json:"btcAmountSwap"`
	BtcAmountGas  uint64          `json:"btcAmountGas"`
	BtcFeeRate    uint64          `json:"btcFeeRate"`
	// RequiredConfirmations is read from the vault at quote time.
	RequiredConfirmations uint32 `json:"requiredConfirmations"`
	Psbt                  string `json:"psbt,omitempty"`
	BtcTxID               string `json:"btcTxId,omitempty"`
	BtcConfirmations      uint32 `json:"btcConfirmations,omitempty"`
	FrontTxID             string `json:"frontTxId,omitempty"`
	ClaimTxID             string `json:"claimTxId,omitempty"`
}

type SpvFromBTCQuote struct {
	QuoteParams
	QuoteID               string
	VaultOwner            string
	VaultID               uint64
	VaultAddress          string
	VaultUtxo             string
	LpBtcAddress          string
	Recipient             string
	Token                 string
	GasToken              string
	OutputTokens          *big.Int
	OutputGas             *big.Int
	BtcAmount             uint64
	BtcAmountSwap         uint64
	BtcAmountGas          uint64
	BtcFeeRate            uint64
	RequiredConfirmations uint32
}

func NewSpvFromBTCSwap(q SpvFromBTCQuote) (*SpvFromBTCSwap, error) {
	if q.QuoteID == "" {
		return nil, &ValidationError{Field: "quote id", Reason: "cannot be empty"}
	}
	if q.VaultUtxo == "" || q.VaultAddress == "" {
		return nil, &ValidationError{Field: "vault", Reason: "utxo and address are required"}
	}
	if q.BtcAmount == 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	s := &SpvFromBTCSwap{
		State:                 SpvFromBTCStateCreated,
		QuoteID:               q.QuoteID,
		VaultOwner:            q.VaultOwner,
		VaultID:               q.VaultID,
		VaultAddress:          q.VaultAddress,
		VaultUtxo:             q.VaultUtxo,
		LpBtcAddress:          q.LpBtcAddress,
		Recipient:             q.Recipient,
		Token:                 q.Token,
		GasToken:              q.GasToken,
		OutputTokens:          copyOrZero(q.OutputTokens),
		OutputGas:             copyOrZero(q.OutputGas),
		BtcAmount:             q.BtcAmount,
		BtcAmountSwap:         q.BtcAmountSwap,
		BtcAmountGas:          q.BtcAmountGas,
		BtcFeeRate:            q.BtcFeeRate,
		RequiredConfirmations: q.RequiredConfirmations,
	}
	if err := s.init(q.QuoteParams, spvFromBTCVersion); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SpvFromBTCSwap) Type() SwapType { return SwapTypeSpvFromBTC }

func (s *SpvFromBTCSwap) IdentifierHash() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", s.VaultOwner, s.VaultID, s.QuoteID)))
	return hex.EncodeToString(h[:])
}

func (s *SpvFromBTCSwap) ID() string         { return s.id(s.IdentifierHash()) }
func (s *SpvFromBTCSwap) EscrowHash() string { return "" }
func (s *SpvFromBTCSwap) ClaimHash() string  { return "" }
func (s *SpvFromBTCSwap) RawState() int      { return int(s.State) }
func (s *SpvFromBTCSwap) StateName() string  { return s.State.String() }

func (s *SpvFromBTCSwap) IsFinished() bool {
	switch s.State {
	case SpvFromBTCStateClaimed, SpvFromBTCStateQuoteExpired, SpvFromBTCStateClosed,
		SpvFromBTCStateFailed, SpvFromBTCStateDeclined:
		return true
	}
	return false
}

func (s *SpvFromBTCSwap) IsSuccessful() bool {
	return s.State == SpvFromBTCStateFronted || s.State == SpvFromBTCStateClaimed
}

func (s *SpvFromBTCSwap) IsFailed() bool {
	return s.State == SpvFromBTCStateFailed ||
		s.State == SpvFromBTCStateDeclined ||
		s.State == SpvFromBTCStateClosed
}

func (s *SpvFromBTCSwap) IsQuoteExpired() bool {
	return s.State == SpvFromBTCStateQuoteExpired
}

func (s *SpvFromBTCSwap) IsQuoteSoftExpired() bool {
	return s.State == SpvFromBTCStateQuoteExpired || s.State == SpvFromBTCStateQuoteSoftExpired
}

// IsClaimable reports whether the user can claim the proven transaction
// without waiting for the LP or a watchtower.
func (s *SpvFromBTCSwap) IsClaimable() bool {
	return s.State == SpvFromBTCStateBtcConfirmed
}

func (s *SpvFromBTCSwap) InputAmount() Amount {
	return SatsAmount(BitcoinToken, s.BtcAmount)
}

func (s *SpvFromBTCSwap) OutputAmount() Amount {
	return Amount{Token: s.Token, Value: copyOrZero(s.OutputTokens)}
}

func (s *SpvFromBTCSwap) Fee() Fee {
	return btcFee(BitcoinToken, s.SwapFeeBtc, s.Token, s.SwapFee)
}

func (s *SpvFromBTCSwap) FeeBreakdown() []FeeComponent {
	return []FeeComponent{{Type: FeeTypeSwap, Fee: s.Fee()}}
}

func (s *SpvFromBTCSwap) QuoteSoftExpired() (bool, error) {
	return transition(&s.State, SpvFromBTCStateQuoteSoftExpired, spvFromBTCTransitions)
}

func (s *SpvFromBTCSwap) QuoteExpired() (bool, error) {
	return transition(&s.State, SpvFromBTCStateQuoteExpired, spvFromBTCTransitions)
}

func (s *SpvFromBTCSwap) Signed(psbt, txID string) (bool, error) {
	changed, err := transition(&s.State, SpvFromBTCStateSigned, spvFromBTCTransitions)
	if changed {
		s.Psbt = psbt
		s.BtcTxID = txID
	}
	return changed, err
}

func (s *SpvFromBTCSwap) Posted() (bool, error) {
	return transition(&s.State, SpvFromBTCStatePosted, spvFromBTCTransitions)
}

func (s *SpvFromBTCSwap) Declined() (bool, error) {
	return transition(&s.State, SpvFromBTCStateDeclined, spvFromBTCTransitions)
}

func (s *SpvFromBTCSwap) Broadcasted() (bool, error) {
	return transition(&s.State, SpvFromBTCStateBroadcasted, spvFromBTCTransitions)
}

func (s *SpvFromBTCSwap) Fronted(txID string) (bool, error) {
	changed, err := transition(&s.State, SpvFromBTCStateFronted, spvFromBTCTransitions)
	if changed && txID != "" {
		s.FrontTxID = txID
	}
	return changed, err
}

func (s *SpvFromBTCSwap) BitcoinConfirmed(confirmations uint32) (bool, error) {
	if confirmations < s.RequiredConfirmations {
		return false, fmt.Errorf(
			"bitcoin tx %s has %d confirmations, %d required", s.BtcTxID, confirmations, s.RequiredConfirmations,
		)
	}
	changed, err := transition(&s.State, SpvFromBTCStateBtcConfirmed, spvFromBTCTransitions)
	if changed {
		s.BtcConfirmations = confirmations
	}
	return changed, err
}

func (s *SpvFromBTCSwap) Claimed(txID string) (bool, error) {
	changed, err := transition(&s.State, SpvFromBTCStateClaimed, spvFromBTCTransitions)
	if changed && txID != "" {
		s.ClaimTxID = txID
	}
	return changed, err
}

func (s *SpvFromBTCSwap) Closed() (bool, error) {
	return transition(&s.State, SpvFromBTCStateClosed, spvFromBTCTransitions)
}

// InputDoubleSpent handles the vault UTXO being spent by a transaction other
// than ours. Before our transaction was seen by the network nothing was lost
// and the quote is simply dead; afterwards our transaction was replaced.
func (s *SpvFromBTCSwap) InputDoubleSpent() (bool, error) {
	if s.State < SpvFromBTCStateBroadcasted {
		return transition(&s.State, SpvFromBTCStateQuoteExpired, spvFromBTCTransitions)
	}
	return transition(&s.State, SpvFromBTCStateFailed, spvFromBTCTransitions)
}

func (s *SpvFromBTCSwap) upgradeVersion() {
	if s.Version < spvFromBTCVersion {
		s.Version = spvFromBTCVersion
	}
}
