package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const (
	swapDir = "swaps"
)

type swapRepository struct {
	store   *badgerhold.Store
	decoder *domain.SwapDecoder
}

// NewSwapRepository opens the swap store under baseDir, in memory when
// baseDir is empty.
func NewSwapRepository(
	baseDir string, logger badger.Logger, decoder *domain.SwapDecoder,
) (domain.SwapRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, swapDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open swap store: %s", err)
	}
	return &swapRepository{store, decoder}, nil
}

func (r *swapRepository) Query(_ context.Context, orGroups ...[]domain.QueryCondition) ([]domain.Swap, error) {
	query, err := toQuery(orGroups)
	if err != nil {
		return nil, err
	}

	var dataList []swapData
	if err := r.store.Find(&dataList, query); err != nil {
		return nil, fmt.Errorf("failed to query swaps: %w", err)
	}

	swaps := make([]domain.Swap, 0, len(dataList))
	for _, data := range dataList {
		swap, err := data.toSwap(r.decoder)
		if err != nil {
			return nil, fmt.Errorf("failed to convert data to swap %s: %w", data.Id, err)
		}
		swaps = append(swaps, swap)
	}
	return swaps, nil
}

func (r *swapRepository) Get(_ context.Context, id string) (domain.Swap, error) {
	var data swapData
	err := r.store.Get(id, &data)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSwapNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}
	return data.toSwap(r.decoder)
}

func (r *swapRepository) Save(_ context.Context, swap domain.Swap) error {
	data, err := toSwapData(swap)
	if err != nil {
		return err
	}
	return r.store.Upsert(data.Id, data)
}

// SaveAll stores swaps in a single transaction.
func (r *swapRepository) SaveAll(_ context.Context, swaps []domain.Swap) error {
	dataList := make([]swapData, 0, len(swaps))
	for _, swap := range swaps {
		data, err := toSwapData(swap)
		if err != nil {
			return err
		}
		dataList = append(dataList, data)
	}
	return r.store.Badger().Update(func(tx *badger.Txn) error {
		for _, data := range dataList {
			if err := r.store.TxUpsert(tx, data.Id, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *swapRepository) Remove(_ context.Context, swap domain.Swap) error {
	err := r.store.Delete(swap.ID(), swapData{})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil
	}
	return err
}

func (r *swapRepository) RemoveAll(_ context.Context, swaps []domain.Swap) error {
	return r.store.Badger().Update(func(tx *badger.Txn) error {
		for _, swap := range swaps {
			err := r.store.TxDelete(tx, swap.ID(), swapData{})
			if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}

func (r *swapRepository) Close() {
	// nolint:all
	r.store.Close()
}

// swapData is the stored form of a swap: the indexed attributes used by
// queries next to the encoded swap.
type swapData struct {
	Id             string
	Type           int    `badgerhold:"index"`
	ChainId        string `badgerhold:"index"`
	State          int
	EscrowHash     string `badgerhold:"index"`
	ClaimHash      string `badgerhold:"index"`
	IdentifierHash string
	Url            string
	BtcTxId        string
	Initiated      bool
	Raw            []byte
}

func toSwapData(swap domain.Swap) (swapData, error) {
	raw, err := domain.EncodeSwap(swap)
	if err != nil {
		return swapData{}, fmt.Errorf("failed to encode swap %s: %w", swap.ID(), err)
	}
	index := domain.IndexValues(swap)
	return swapData{
		Id:             swap.ID(),
		Type:           index[domain.IndexType].(int),
		ChainId:        index[domain.IndexChain].(string),
		State:          index[domain.IndexState].(int),
		EscrowHash:     index[domain.IndexEscrowHash].(string),
		ClaimHash:      index[domain.IndexClaimHash].(string),
		IdentifierHash: index[domain.IndexIdentifierHash].(string),
		Url:            index[domain.IndexUrl].(string),
		BtcTxId:        index[domain.IndexBtcTxID].(string),
		Initiated:      index[domain.IndexInitiated].(bool),
		Raw:            raw,
	}, nil
}

func (d swapData) toSwap(decoder *domain.SwapDecoder) (domain.Swap, error) {
	return decoder.Decode(domain.SwapType(d.Type), d.Raw)
}

// toQuery turns groups of conditions into a badgerhold query: conditions
// within a group are ANDed, groups are ORed.
func toQuery(orGroups [][]domain.QueryCondition) (*badgerhold.Query, error) {
	var query *badgerhold.Query
	for _, group := range orGroups {
		if len(group) == 0 {
			// An empty group matches everything.
			return nil, nil
		}
		var q *badgerhold.Query
		for _, cond := range group {
			if len(cond.Values) == 0 {
				return nil, fmt.Errorf("missing values for %s", cond.Key)
			}
			field := string(cond.Key)
			if q == nil {
				q = badgerhold.Where(field).In(cond.Values...)
			} else {
				q = q.And(field).In(cond.Values...)
			}
		}
		if query == nil {
			query = q
		} else {
			query = query.Or(q)
		}
	}
	return query, nil
}

func createDB(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	if isInMemory {
		opts.InMemory = true
	}

	return badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
}
