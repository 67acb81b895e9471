package ports

import "context"

type BitcoinTxOutput struct {
	Vout         uint32
	Value        uint64
	ScriptPubKey []byte
	Address      string
}

type BitcoinTxInput struct {
	TxID string
	Vout uint32
}

type BitcoinTx struct {
	TxID          string
	Hex           string
	Confirmations uint32
	BlockHeight   int64
	Inputs        []BitcoinTxInput
	Outputs       []BitcoinTxOutput
}

func (tx *BitcoinTx) Confirmed() bool {
	return tx.Confirmations > 0
}

// Outspend reports whether an output was spent and by which tx.
type Outspend struct {
	Spent bool
	TxID  string
}

type BitcoinRpc interface {
	GetTipHeight(ctx context.Context) (int64, error)
	// GetTransaction returns nil, nil when the tx is unknown.
	GetTransaction(ctx context.Context, txid string) (*BitcoinTx, error)
	GetAddressTransactions(ctx context.Context, address string) ([]BitcoinTx, error)
	GetOutspend(ctx context.Context, txid string, vout uint32) (*Outspend, error)
	Broadcast(ctx context.Context, txHex string) (string, error)
}
