package evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPollInterval = 5 * time.Second
	maxBlockRange       = 2000
)

type events struct {
	cfg       Config
	backend   Backend
	addresses []common.Address
}

// NewEvents returns a chain event source polling the logs of the escrow
// manager and, when configured, of the SPV vault contract.
func NewEvents(backend Backend, cfg Config) (ports.ChainEvents, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	addresses := []common.Address{common.HexToAddress(cfg.EscrowContract)}
	if cfg.SpvContract != "" {
		addresses = append(addresses, common.HexToAddress(cfg.SpvContract))
	}
	return &events{cfg, backend, addresses}, nil
}

func (e *events) ChainID() string {
	return e.cfg.Identifier
}

// Subscribe polls new blocks from the current tip on. A batch the handler
// fails on is delivered again on the next poll.
func (e *events) Subscribe(ctx context.Context, handler ports.EventHandler) error {
	tip, err := e.backend.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch block number: %w", err)
	}
	next := tip + 1

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		tip, err := e.backend.BlockNumber(ctx)
		if err != nil {
			log.WithError(err).Warnf("%s: failed to fetch block number", e.cfg.Identifier)
			continue
		}
		for next <= tip {
			to := min(tip, next+maxBlockRange-1)
			if err := e.poll(ctx, next, to, handler); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.WithError(err).Warnf("%s: failed to process blocks %d-%d", e.cfg.Identifier, next, to)
				break
			}
			next = to + 1
		}
	}
}

func (e *events) poll(ctx context.Context, from, to uint64, handler ports.EventHandler) error {
	logs, err := e.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: e.addresses,
		Topics: [][]common.Hash{{
			initializeTopic, claimTopic, refundTopic, frontedTopic, claimedTopic, closedTopic,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	batch := make([]ports.ChainEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := decodeEvent(e.cfg.Identifier, l)
		if err != nil {
			log.WithError(err).Warnf("%s: skipping malformed log in tx %s", e.cfg.Identifier, l.TxHash.Hex())
			continue
		}
		if ev != nil {
			batch = append(batch, *ev)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return handler(ctx, batch)
}

func decodeEvent(chainID string, l types.Log) (*ports.ChainEvent, error) {
	if len(l.Topics) == 0 {
		return nil, nil
	}
	switch l.Topics[0] {
	case frontedTopic, claimedTopic, closedTopic:
		return decodeVaultEvent(chainID, l)
	default:
		return decodeEscrowEvent(chainID, l)
	}
}

// decodeEscrowEvent returns nil for logs that are not escrow events.
func decodeEscrowEvent(chainID string, l types.Log) (*ports.ChainEvent, error) {
	if len(l.Topics) < 3 {
		return nil, nil
	}
	ev := &ports.ChainEvent{
		ChainID:    chainID,
		TxID:       l.TxHash.Hex(),
		ClaimHash:  hex.EncodeToString(l.Topics[1].Bytes()),
		EscrowHash: hex.EncodeToString(l.Topics[2].Bytes()),
	}
	switch l.Topics[0] {
	case initializeTopic:
		ev.Kind = ports.EventInitialize
	case refundTopic:
		ev.Kind = ports.EventRefund
	case claimTopic:
		ev.Kind = ports.EventClaim
		values, err := escrowABI.Events["Claim"].Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid claim event: %w", err)
		}
		witness, ok := values[0].([]byte)
		if !ok {
			return nil, fmt.Errorf("invalid claim witness")
		}
		ev.Witness = hex.EncodeToString(witness)
	default:
		return nil, nil
	}
	return ev, nil
}

func decodeVaultEvent(chainID string, l types.Log) (*ports.ChainEvent, error) {
	if len(l.Topics) < 4 {
		return nil, fmt.Errorf("expected 4 topics, got %d", len(l.Topics))
	}
	ev := &ports.ChainEvent{
		ChainID:    chainID,
		TxID:       l.TxHash.Hex(),
		VaultOwner: common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
		VaultID:    new(big.Int).SetBytes(l.Topics[2].Bytes()).Uint64(),
		BtcTxID:    chainhash.Hash(l.Topics[3]).String(),
	}
	switch l.Topics[0] {
	case frontedTopic:
		ev.Kind = ports.EventSpvFront
	case claimedTopic:
		ev.Kind = ports.EventSpvClaim
	case closedTopic:
		ev.Kind = ports.EventSpvClose
	}
	return ev, nil
}
