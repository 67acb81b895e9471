package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
)

// UpgradeSwaps re-encodes the stored swaps whose codec version is behind the
// one the decoder upgrades them to. Already upgraded rows are left untouched,
// so running it again is a no-op.
func UpgradeSwaps(decoder *domain.SwapDecoder) func(ctx context.Context, db *sql.DB) error {
	return func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT id, swap_type, version, raw FROM swap`)
		if err != nil {
			return fmt.Errorf("failed to read swaps: %w", err)
		}

		upgraded := make([]domain.Swap, 0)
		for rows.Next() {
			var (
				id       string
				swapType int
				version  int
				raw      []byte
			)
			if err := rows.Scan(&id, &swapType, &version, &raw); err != nil {
				// nolint:all
				rows.Close()
				return fmt.Errorf("failed to scan swap: %w", err)
			}
			swap, err := decoder.Decode(domain.SwapType(swapType), raw)
			if err != nil {
				// nolint:all
				rows.Close()
				return fmt.Errorf("failed to decode swap %s: %w", id, err)
			}
			if swap.Base().Version != version {
				upgraded = append(upgraded, swap)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		// nolint:all
		rows.Close()

		if len(upgraded) == 0 {
			return nil
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, swap := range upgraded {
			if err := upsert(ctx, tx, swap); err != nil {
				// nolint:all
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	}
}
