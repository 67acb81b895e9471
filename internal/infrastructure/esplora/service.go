package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const (
	maxRetries   = 3
	maxBodyBytes = 4 << 20
)

var errNotFound = errors.New("not found")

// service implements ports.BitcoinRpc over the Esplora REST API.
type service struct {
	baseURL string
	client  *http.Client
}

// NewService returns a bitcoin rpc talking to the esplora instance at url.
// Idempotent reads are retried with exponential backoff.
func NewService(url string) ports.BitcoinRpc {
	return &service{
		baseURL: strings.TrimRight(url, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *service) GetTipHeight(ctx context.Context) (int64, error) {
	b, err := s.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, fmt.Errorf("get height: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse height: %w", err)
	}
	return n, nil
}

func (s *service) GetTransaction(ctx context.Context, txid string) (*ports.BitcoinTx, error) {
	b, err := s.get(ctx, "/tx/"+txid)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tx %s: %w", txid, err)
	}
	var tx esploraTx
	if err := json.Unmarshal(b, &tx); err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", txid, err)
	}

	rawHex, err := s.get(ctx, "/tx/"+txid+"/hex")
	if err != nil {
		return nil, fmt.Errorf("get tx hex %s: %w", txid, err)
	}

	var tip int64
	if tx.Status.Confirmed {
		if tip, err = s.GetTipHeight(ctx); err != nil {
			return nil, err
		}
	}
	out, err := tx.toPort(tip)
	if err != nil {
		return nil, err
	}
	out.Hex = strings.TrimSpace(string(rawHex))
	return out, nil
}

func (s *service) GetAddressTransactions(ctx context.Context, address string) ([]ports.BitcoinTx, error) {
	b, err := s.get(ctx, "/address/"+address+"/txs")
	if err != nil {
		return nil, fmt.Errorf("get address txs: %w", err)
	}
	var txs []esploraTx
	if err := json.Unmarshal(b, &txs); err != nil {
		return nil, fmt.Errorf("decode address txs: %w", err)
	}

	var tip int64
	for _, tx := range txs {
		if tx.Status.Confirmed {
			if tip, err = s.GetTipHeight(ctx); err != nil {
				return nil, err
			}
			break
		}
	}

	out := make([]ports.BitcoinTx, 0, len(txs))
	for _, tx := range txs {
		converted, err := tx.toPort(tip)
		if err != nil {
			return nil, err
		}
		out = append(out, *converted)
	}
	return out, nil
}

func (s *service) GetOutspend(ctx context.Context, txid string, vout uint32) (*ports.Outspend, error) {
	b, err := s.get(ctx, fmt.Sprintf("/tx/%s/outspend/%d", txid, vout))
	if errors.Is(err, errNotFound) {
		return &ports.Outspend{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outspend: %w", err)
	}
	var spend struct {
		Spent bool   `json:"spent"`
		TxID  string `json:"txid"`
	}
	if err := json.Unmarshal(b, &spend); err != nil {
		return nil, fmt.Errorf("decode outspend: %w", err)
	}
	return &ports.Outspend{Spent: spend.Spent, TxID: spend.TxID}, nil
}

// Broadcast is not retried: a failed broadcast is reported to the caller,
// which resubmits on the next sync.
func (s *service) Broadcast(ctx context.Context, txHex string) (string, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.baseURL+"/tx", bytes.NewBufferString(txHex),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	b, status, err := s.do(req)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("broadcast rejected with status %d: %s", status, strings.TrimSpace(string(b)))
	}
	return strings.TrimSpace(string(b)), nil
}

func (s *service) get(ctx context.Context, path string) ([]byte, error) {
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		b, status, err := s.do(req)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusOK:
			body = b
			return nil
		case status == http.StatusNotFound:
			return backoff.Permanent(errNotFound)
		case status >= 500 || status == http.StatusTooManyRequests:
			return fmt.Errorf("unexpected status %d: %s", status, strings.TrimSpace(string(b)))
		default:
			return backoff.Permanent(
				fmt.Errorf("unexpected status %d: %s", status, strings.TrimSpace(string(b))),
			)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx,
	)
	notify := func(err error, wait time.Duration) {
		log.WithError(err).Debugf("esplora request %s failed, retrying in %s", path, wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *service) do(req *http.Request) ([]byte, int, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}
	return b, resp.StatusCode, nil
}

type esploraTx struct {
	TxID string `json:"txid"`
	Vin  []struct {
		TxID string `json:"txid"`
		Vout uint32 `json:"vout"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey        string `json:"scriptpubkey"`
		ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		Value               uint64 `json:"value"`
	} `json:"vout"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

func (tx esploraTx) toPort(tip int64) (*ports.BitcoinTx, error) {
	out := &ports.BitcoinTx{
		TxID:    tx.TxID,
		Inputs:  make([]ports.BitcoinTxInput, 0, len(tx.Vin)),
		Outputs: make([]ports.BitcoinTxOutput, 0, len(tx.Vout)),
	}
	if tx.Status.Confirmed {
		out.BlockHeight = tx.Status.BlockHeight
		if tip >= tx.Status.BlockHeight {
			out.Confirmations = uint32(tip - tx.Status.BlockHeight + 1)
		} else {
			// The tip was read before the block that includes tx.
			out.Confirmations = 1
		}
	}
	for _, in := range tx.Vin {
		out.Inputs = append(out.Inputs, ports.BitcoinTxInput{TxID: in.TxID, Vout: in.Vout})
	}
	for i, o := range tx.Vout {
		script, err := hex.DecodeString(o.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("invalid script in output %d of %s: %w", i, tx.TxID, err)
		}
		out.Outputs = append(out.Outputs, ports.BitcoinTxOutput{
			Vout:         uint32(i),
			Value:        o.Value,
			ScriptPubKey: script,
			Address:      o.ScriptPubKeyAddress,
		})
	}
	return out, nil
}
