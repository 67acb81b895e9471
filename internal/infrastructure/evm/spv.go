package evm

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type vaults struct {
	backend  Backend
	contract common.Address
	net      *chaincfg.Params
}

// NewSpvVaults returns the SPV vault contract at cfg.SpvContract. Vault
// scripts are rendered as addresses of net.
func NewSpvVaults(backend Backend, cfg Config, net *chaincfg.Params) (ports.SpvVaultContract, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SpvContract == "" {
		return nil, fmt.Errorf("missing spv vault contract address")
	}
	if net == nil {
		return nil, fmt.Errorf("missing bitcoin network")
	}
	return &vaults{backend, common.HexToAddress(cfg.SpvContract), net}, nil
}

func (v *vaults) GetVault(ctx context.Context, owner string, vaultID uint64) (*ports.SpvVault, error) {
	if !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("invalid vault owner %q", owner)
	}
	out, err := call(
		ctx, v.backend, v.contract, vaultABI.Methods["getVault"], common.HexToAddress(owner), new(big.Int).SetUint64(vaultID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get vault %s/%d: %w", owner, vaultID, err)
	}

	utxoHash := chainhash.Hash(out[0].([32]byte))
	script := out[2].([]byte)
	if len(script) == 0 {
		return nil, fmt.Errorf("vault %s/%d not found", owner, vaultID)
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, v.net)
	if err != nil || len(addrs) != 1 {
		return nil, fmt.Errorf("vault %s/%d has a non standard script", owner, vaultID)
	}

	return &ports.SpvVault{
		Owner:         common.HexToAddress(owner).Hex(),
		ID:            vaultID,
		BtcAddress:    addrs[0].EncodeAddress(),
		Utxo:          fmt.Sprintf("%s:%d", utxoHash.String(), out[1].(uint32)),
		Confirmations: out[3].(uint32),
		Token:         out[4].(common.Address).Hex(),
		GasToken:      out[5].(common.Address).Hex(),
		TokenBalance:  out[6].(*big.Int),
		GasBalance:    out[7].(*big.Int),
	}, nil
}

func (v *vaults) GetWithdrawalState(
	ctx context.Context, owner string, vaultID uint64, btcTxID string,
) (*ports.SpvWithdrawalState, error) {
	if !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("invalid vault owner %q", owner)
	}
	txHash, err := chainhash.NewHashFromStr(btcTxID)
	if err != nil {
		return nil, fmt.Errorf("invalid bitcoin tx id: %w", err)
	}
	out, err := call(
		ctx, v.backend, v.contract, vaultABI.Methods["getWithdrawalState"],
		common.HexToAddress(owner), new(big.Int).SetUint64(vaultID), [32]byte(*txHash),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal state: %w", err)
	}

	var (
		status = out[0].(uint8)
		block  = out[1].(*big.Int)
		state  = &ports.SpvWithdrawalState{}
		topic  common.Hash
	)
	switch status {
	case withdrawalFronted:
		state.Status, topic = ports.SpvWithdrawalFronted, frontedTopic
	case withdrawalClaimed:
		state.Status, topic = ports.SpvWithdrawalClaimed, claimedTopic
	case withdrawalClosed:
		state.Status, topic = ports.SpvWithdrawalClosed, closedTopic
	default:
		return state, nil
	}

	logs, err := v.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: block,
		ToBlock:   block,
		Addresses: []common.Address{v.contract},
		Topics:    [][]common.Hash{{topic}, nil, nil, {common.Hash(*txHash)}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch withdrawal events: %w", err)
	}
	if len(logs) > 0 {
		state.TxID = logs[0].TxHash.Hex()
	}
	return state, nil
}

func (v *vaults) TxsClaim(
	_ context.Context, _ string, vault *ports.SpvVault, proof ports.BitcoinTxProof,
) ([]ports.Tx, error) {
	if vault == nil {
		return nil, fmt.Errorf("missing vault")
	}
	raw, err := hex.DecodeString(proof.Hex)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("invalid bitcoin tx hex")
	}
	if proof.BlockHeight <= 0 {
		return nil, fmt.Errorf("bitcoin tx %s is not confirmed", proof.TxID)
	}
	input, err := packCall(
		vaultABI.Methods["claim"], common.HexToAddress(vault.Owner), new(big.Int).SetUint64(vault.ID),
		raw, uint64(proof.BlockHeight), proof.Confirmations,
	)
	if err != nil {
		return nil, err
	}
	return []ports.Tx{{To: v.contract.Hex(), Data: input, Value: new(big.Int), Label: "spv-claim"}}, nil
}

// WithdrawalData is recipient (20 bytes) followed by the token amount and,
// when non zero, the gas amount as big endian uint64.
func (v *vaults) WithdrawalData(recipient string, tokens, gas *big.Int) ([]byte, error) {
	if !common.IsHexAddress(recipient) {
		return nil, fmt.Errorf("invalid recipient %q", recipient)
	}
	tokenAmount, err := toUint64(tokens)
	if err != nil {
		return nil, fmt.Errorf("invalid token amount: %w", err)
	}
	gasAmount, err := toUint64(gas)
	if err != nil {
		return nil, fmt.Errorf("invalid gas amount: %w", err)
	}

	data := make([]byte, 0, common.AddressLength+16)
	data = append(data, common.HexToAddress(recipient).Bytes()...)
	data = binary.BigEndian.AppendUint64(data, tokenAmount)
	if gasAmount > 0 {
		data = binary.BigEndian.AppendUint64(data, gasAmount)
	}
	return data, nil
}

func toUint64(v *big.Int) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if v.Sign() < 0 {
		return 0, fmt.Errorf("negative value %s", v)
	}
	u, overflow := uint256.FromBig(v)
	if overflow || !u.IsUint64() {
		return 0, fmt.Errorf("value %s does not fit in 64 bits", v)
	}
	return u.Uint64(), nil
}
