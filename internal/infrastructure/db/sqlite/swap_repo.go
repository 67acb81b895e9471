package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	_ "modernc.org/sqlite"
)

const upsertSwap = `
INSERT INTO swap (
    id, swap_type, chain_id, state, escrow_hash, claim_hash, identifier_hash,
    url, btc_tx_id, initiated, created_at, version, raw
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    state = excluded.state,
    escrow_hash = excluded.escrow_hash,
    claim_hash = excluded.claim_hash,
    identifier_hash = excluded.identifier_hash,
    url = excluded.url,
    btc_tx_id = excluded.btc_tx_id,
    initiated = excluded.initiated,
    version = excluded.version,
    raw = excluded.raw`

// columns maps the swap indexes to their column.
var columns = map[domain.SwapIndex]string{
	domain.IndexID:             "id",
	domain.IndexType:           "swap_type",
	domain.IndexChain:          "chain_id",
	domain.IndexState:          "state",
	domain.IndexEscrowHash:     "escrow_hash",
	domain.IndexClaimHash:      "claim_hash",
	domain.IndexIdentifierHash: "identifier_hash",
	domain.IndexUrl:            "url",
	domain.IndexBtcTxID:        "btc_tx_id",
	domain.IndexInitiated:      "initiated",
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type swapRepository struct {
	db      *sql.DB
	decoder *domain.SwapDecoder
}

// OpenDb opens the sqlite file at path. A single connection is kept so that
// writes never contend for the file lock.
func OpenDb(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	return db, nil
}

func NewSwapRepository(db *sql.DB, decoder *domain.SwapDecoder) (domain.SwapRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("cannot open swap repository: db is nil")
	}
	if decoder == nil {
		return nil, fmt.Errorf("cannot open swap repository: missing swap decoder")
	}
	return &swapRepository{db, decoder}, nil
}

func (r *swapRepository) Query(ctx context.Context, orGroups ...[]domain.QueryCondition) ([]domain.Swap, error) {
	where, args, err := toWhere(orGroups)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id, swap_type, raw FROM swap`+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query swaps: %w", err)
	}
	defer rows.Close()

	swaps := make([]domain.Swap, 0)
	for rows.Next() {
		var (
			id       string
			swapType int
			raw      []byte
		)
		if err := rows.Scan(&id, &swapType, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan swap: %w", err)
		}
		swap, err := r.decoder.Decode(domain.SwapType(swapType), raw)
		if err != nil {
			return nil, fmt.Errorf("failed to convert data to swap %s: %w", id, err)
		}
		swaps = append(swaps, swap)
	}
	return swaps, rows.Err()
}

func (r *swapRepository) Get(ctx context.Context, id string) (domain.Swap, error) {
	var (
		swapType int
		raw      []byte
	)
	err := r.db.QueryRowContext(ctx, `SELECT swap_type, raw FROM swap WHERE id = ?`, id).Scan(&swapType, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSwapNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}
	return r.decoder.Decode(domain.SwapType(swapType), raw)
}

func (r *swapRepository) Save(ctx context.Context, swap domain.Swap) error {
	return upsert(ctx, r.db, swap)
}

func (r *swapRepository) SaveAll(ctx context.Context, swaps []domain.Swap) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, swap := range swaps {
			if err := upsert(ctx, tx, swap); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *swapRepository) Remove(ctx context.Context, swap domain.Swap) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM swap WHERE id = ?`, swap.ID()); err != nil {
		return fmt.Errorf("failed to remove swap %s: %w", swap.ID(), err)
	}
	return nil
}

func (r *swapRepository) RemoveAll(ctx context.Context, swaps []domain.Swap) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, swap := range swaps {
			if _, err := tx.ExecContext(ctx, `DELETE FROM swap WHERE id = ?`, swap.ID()); err != nil {
				return fmt.Errorf("failed to remove swap %s: %w", swap.ID(), err)
			}
		}
		return nil
	})
}

func (r *swapRepository) Close() {
	// nolint:all
	r.db.Close()
}

func (r *swapRepository) inTx(ctx context.Context, body func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := body(tx); err != nil {
		// nolint:all
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func upsert(ctx context.Context, db execer, swap domain.Swap) error {
	raw, err := domain.EncodeSwap(swap)
	if err != nil {
		return fmt.Errorf("failed to encode swap %s: %w", swap.ID(), err)
	}
	index := domain.IndexValues(swap)
	base := swap.Base()
	if _, err := db.ExecContext(
		ctx, upsertSwap,
		swap.ID(),
		index[domain.IndexType],
		index[domain.IndexChain],
		index[domain.IndexState],
		index[domain.IndexEscrowHash],
		index[domain.IndexClaimHash],
		index[domain.IndexIdentifierHash],
		index[domain.IndexUrl],
		index[domain.IndexBtcTxID],
		index[domain.IndexInitiated],
		base.CreatedAt,
		base.Version,
		raw,
	); err != nil {
		return fmt.Errorf("failed to save swap %s: %w", swap.ID(), err)
	}
	return nil
}

// toWhere turns groups of conditions into a WHERE clause: conditions within
// a group are ANDed, groups are ORed.
func toWhere(orGroups [][]domain.QueryCondition) (string, []any, error) {
	clauses := make([]string, 0, len(orGroups))
	args := make([]any, 0)
	for _, group := range orGroups {
		if len(group) == 0 {
			// An empty group matches everything.
			return "", nil, nil
		}
		conds := make([]string, 0, len(group))
		for _, cond := range group {
			column, ok := columns[cond.Key]
			if !ok {
				return "", nil, fmt.Errorf("unknown swap index %s", cond.Key)
			}
			if len(cond.Values) == 0 {
				return "", nil, fmt.Errorf("missing values for %s", cond.Key)
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cond.Values)), ", ")
			conds = append(conds, fmt.Sprintf("%s IN (%s)", column, placeholders))
			args = append(args, cond.Values...)
		}
		clauses = append(clauses, "("+strings.Join(conds, " AND ")+")")
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " OR "), args, nil
}
