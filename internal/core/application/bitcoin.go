package application

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"math/big"

	"github.com/ArkLabsHQ/tidal/internal/core/ports"
)

// findOutput returns the first output of tx paying exactly amount to script.
func findOutput(tx *ports.BitcoinTx, script []byte, amount uint64) (uint32, bool) {
	for _, out := range tx.Outputs {
		if out.Value == amount && bytes.Equal(out.ScriptPubKey, script) {
			return out.Vout, true
		}
	}
	return 0, false
}

type bitcoinPayment struct {
	tx   *ports.BitcoinTx
	vout uint32
}

// findPayment looks for a transaction paying amount to address, preferring
// the most confirmed one.
func findPayment(
	ctx context.Context, rpc ports.BitcoinRpc, address string, script []byte, amount uint64,
) (*bitcoinPayment, error) {
	txs, err := rpc.GetAddressTransactions(ctx, address)
	if err != nil {
		return nil, err
	}
	var best *bitcoinPayment
	for i := range txs {
		vout, ok := findOutput(&txs[i], script, amount)
		if !ok {
			continue
		}
		if best == nil || txs[i].Confirmations > best.tx.Confirmations {
			best = &bitcoinPayment{&txs[i], vout}
		}
	}
	return best, nil
}

func proofOf(tx *ports.BitcoinTx, vout uint32) ports.BitcoinTxProof {
	return ports.BitcoinTxProof{
		TxID:          tx.TxID,
		Hex:           tx.Hex,
		Vout:          vout,
		BlockHeight:   tx.BlockHeight,
		Confirmations: tx.Confirmations,
	}
}

func randomUint64() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func randomSequence() (*big.Int, error) {
	n, err := randomUint64()
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(n), nil
}
