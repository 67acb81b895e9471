package evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	log "github.com/sirupsen/logrus"
)

const maxGasLimit = 1_000_000

func (c *chain) TxsInit(
	_ context.Context, signer string, data domain.EscrowData, sig *domain.SignatureData, _ string,
) ([]ports.Tx, error) {
	d, err := c.swapData(data)
	if err != nil {
		return nil, err
	}
	if sig == nil {
		return nil, fmt.Errorf("missing init authorization")
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(sig.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid authorization signature: %w", err)
	}

	var (
		txs   []ports.Tx
		value = new(big.Int)
	)
	tuple := d.tuple()
	if strings.EqualFold(signer, d.Offerer()) && d.PayIn {
		if tuple.Token == c.native {
			value.Add(value, tuple.Amount)
		} else {
			approve, err := c.approveTx(tuple.Token, tuple.Amount)
			if err != nil {
				return nil, err
			}
			txs = append(txs, approve)
		}
	}
	if strings.EqualFold(signer, d.Claimer()) {
		// The claimer locks the security deposit and the claimer bounty.
		deposit := new(big.Int).Add(tuple.SecurityDeposit, tuple.ClaimerBounty)
		if deposit.Sign() > 0 {
			if tuple.DepositToken == c.native {
				value.Add(value, deposit)
			} else {
				approve, err := c.approveTx(tuple.DepositToken, deposit)
				if err != nil {
					return nil, err
				}
				txs = append(txs, approve)
			}
		}
	}

	input, err := packCall(escrowABI.Methods["initialize"], tuple, signature, big.NewInt(sig.Timeout))
	if err != nil {
		return nil, err
	}
	return append(txs, ports.Tx{To: c.escrow.Hex(), Data: input, Value: value, Label: "init"}), nil
}

func (c *chain) TxsClaimWithSecret(_ context.Context, _ string, data domain.EscrowData, secret string) ([]ports.Tx, error) {
	preimage, err := hex.DecodeString(strings.TrimPrefix(secret, "0x"))
	if err != nil || len(preimage) != 32 {
		return nil, fmt.Errorf("invalid secret")
	}
	return c.claimTx(data, preimage)
}

// TxsClaimWithBitcoinTx claims with the raw bitcoin tx and the position of
// the output paying the escrow.
func (c *chain) TxsClaimWithBitcoinTx(
	_ context.Context, _ string, data domain.EscrowData, proof ports.BitcoinTxProof,
) ([]ports.Tx, error) {
	witness, err := encodeBitcoinProof(proof)
	if err != nil {
		return nil, err
	}
	return c.claimTx(data, witness)
}

func (c *chain) TxsRefund(_ context.Context, _ string, data domain.EscrowData) ([]ports.Tx, error) {
	d, err := c.swapData(data)
	if err != nil {
		return nil, err
	}
	input, err := packCall(escrowABI.Methods["refund"], d.tuple())
	if err != nil {
		return nil, err
	}
	return []ports.Tx{{To: c.escrow.Hex(), Data: input, Value: new(big.Int), Label: "refund"}}, nil
}

func (c *chain) TxsRefundWithAuthorization(
	_ context.Context, _ string, data domain.EscrowData, auth *domain.SignatureData,
) ([]ports.Tx, error) {
	d, err := c.swapData(data)
	if err != nil {
		return nil, err
	}
	if auth == nil {
		return nil, fmt.Errorf("missing refund authorization")
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(auth.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid refund signature: %w", err)
	}
	input, err := packCall(escrowABI.Methods["cooperativeRefund"], d.tuple(), signature, big.NewInt(auth.Timeout))
	if err != nil {
		return nil, err
	}
	return []ports.Tx{{To: c.escrow.Hex(), Data: input, Value: new(big.Int), Label: "refund"}}, nil
}

func (c *chain) claimTx(data domain.EscrowData, witness []byte) ([]ports.Tx, error) {
	d, err := c.swapData(data)
	if err != nil {
		return nil, err
	}
	input, err := packCall(escrowABI.Methods["claim"], d.tuple(), witness)
	if err != nil {
		return nil, err
	}
	return []ports.Tx{{To: c.escrow.Hex(), Data: input, Value: new(big.Int), Label: "claim"}}, nil
}

func (c *chain) approveTx(token common.Address, amount *big.Int) (ports.Tx, error) {
	input, err := packCall(tokenABI.Methods["approve"], c.escrow, amount)
	if err != nil {
		return ports.Tx{}, err
	}
	return ports.Tx{To: token.Hex(), Data: input, Value: new(big.Int), Label: "approve"}, nil
}

var bitcoinProofArgs = abi.Arguments{
	{Type: mustType("bytes")},
	{Type: mustType("uint32")},
	{Type: mustType("uint64")},
	{Type: mustType("uint32")},
}

func encodeBitcoinProof(proof ports.BitcoinTxProof) ([]byte, error) {
	raw, err := hex.DecodeString(proof.Hex)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("invalid bitcoin tx hex")
	}
	if proof.BlockHeight < 0 {
		return nil, fmt.Errorf("invalid block height %d", proof.BlockHeight)
	}
	return bitcoinProofArgs.Pack(raw, proof.Vout, uint64(proof.BlockHeight), proof.Confirmations)
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// SendAndConfirm signs each tx with the next nonce of signer, broadcasts it
// and waits for a successful receipt before moving to the next one.
func (c *chain) SendAndConfirm(ctx context.Context, signer ports.Signer, txs []ports.Tx) ([]string, error) {
	from := common.HexToAddress(signer.Address())
	ethSigner := types.LatestSignerForChainID(c.cfg.ChainID)

	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		signed, err := c.signTx(ctx, ethSigner, signer, from, tx)
		if err != nil {
			return ids, fmt.Errorf("failed to build %s tx: %w", tx.Label, err)
		}
		if err := c.backend.SendTransaction(ctx, signed); err != nil {
			return ids, fmt.Errorf("failed to send %s tx: %w", tx.Label, err)
		}
		log.Debugf("sent %s tx %s", tx.Label, signed.Hash().Hex())

		receipt, err := bind.WaitMined(ctx, c.backend, signed)
		if err != nil {
			return ids, fmt.Errorf("failed to wait for %s tx %s: %w", tx.Label, signed.Hash().Hex(), err)
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return ids, fmt.Errorf("%s tx %s reverted", tx.Label, signed.Hash().Hex())
		}
		ids = append(ids, signed.Hash().Hex())
	}
	return ids, nil
}

func (c *chain) signTx(
	ctx context.Context, ethSigner types.Signer, signer ports.Signer, from common.Address, tx ports.Tx,
) (*types.Transaction, error) {
	if !common.IsHexAddress(tx.To) {
		return nil, fmt.Errorf("invalid destination %q", tx.To)
	}
	to := common.HexToAddress(tx.To)
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve account (%s) nonce: %w", from.Hex(), err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: tx.Data})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas needed: %w", err)
	}
	if gasLimit > maxGasLimit {
		return nil, fmt.Errorf("%d exceeds the gas limit of %d", gasLimit, maxGasLimit)
	}

	rawTx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     tx.Data,
	})
	sig, err := signer.SignHash(ethSigner.Hash(rawTx).Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return rawTx.WithSignature(ethSigner, sig)
}

// parseFeeRate reads a gas price in wei.
func parseFeeRate(feeRate string) (*big.Int, bool) {
	if feeRate == "" {
		return nil, false
	}
	return math.ParseBig256(feeRate)
}
