package application

import (
	"context"
	"fmt"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/pkg/monitor"
	log "github.com/sirupsen/logrus"
)

// eventDemux routes the events of one chain to the wrapper owning the swap
// they refer to.
type eventDemux struct {
	chainID  string
	source   ports.ChainEvents
	swaps    *SwapRegistry
	repo     domain.SwapRepository
	wrappers map[domain.SwapType]SwapWrapper
}

func newEventDemux(
	source ports.ChainEvents, swaps *SwapRegistry, repo domain.SwapRepository, wrappers []SwapWrapper,
) *eventDemux {
	byType := make(map[domain.SwapType]SwapWrapper, len(wrappers))
	for _, w := range wrappers {
		if w.ChainID() == source.ChainID() {
			byType[w.Type()] = w
		}
	}
	return &eventDemux{
		chainID:  source.ChainID(),
		source:   source,
		swaps:    swaps,
		repo:     repo,
		wrappers: byType,
	}
}

// run blocks until ctx is done or the subscription fails.
func (d *eventDemux) run(ctx context.Context, hb monitor.Heartbeat) error {
	return d.source.Subscribe(ctx, func(ctx context.Context, events []ports.ChainEvent) error {
		hb.Tick()
		return d.handle(ctx, events)
	})
}

func (d *eventDemux) handle(ctx context.Context, events []ports.ChainEvent) error {
	if len(events) == 0 {
		return nil
	}
	swaps, err := d.lookup(ctx, events)
	if err != nil {
		return fmt.Errorf("failed to look up swaps for events: %w", err)
	}

	for _, event := range events {
		for _, swap := range swaps {
			if !matches(swap, event) {
				continue
			}
			d.dispatch(ctx, swap, event)
		}
	}
	return nil
}

// lookup loads every swap referred to by the batch with a single query.
func (d *eventDemux) lookup(ctx context.Context, events []ports.ChainEvent) ([]domain.Swap, error) {
	chain := domain.Where(domain.IndexChain, d.chainID)
	groups := make([][]domain.QueryCondition, 0, len(events))
	for _, event := range events {
		if event.EscrowHash != "" {
			groups = append(groups, []domain.QueryCondition{chain, domain.Where(domain.IndexEscrowHash, event.EscrowHash)})
		}
		if event.ClaimHash != "" {
			groups = append(groups, []domain.QueryCondition{chain, domain.Where(domain.IndexClaimHash, event.ClaimHash)})
		}
		if event.BtcTxID != "" {
			groups = append(groups, []domain.QueryCondition{chain, domain.Where(domain.IndexBtcTxID, event.BtcTxID)})
		}
	}
	if len(groups) == 0 {
		return nil, nil
	}
	return d.repo.Query(ctx, groups...)
}

// matches reports whether event refers to swap. Quotes from several LPs may
// share a claim hash, the escrow hash tells them apart once it exists.
func matches(swap domain.Swap, event ports.ChainEvent) bool {
	swap.Base().Lock()
	defer swap.Base().Unlock()

	switch event.Kind {
	case ports.EventSpvFront, ports.EventSpvClaim, ports.EventSpvClose:
		spv, ok := swap.(*domain.SpvFromBTCSwap)
		return ok && event.BtcTxID != "" && spv.BtcTxID == event.BtcTxID
	}
	if event.EscrowHash != "" && swap.EscrowHash() != "" {
		return swap.EscrowHash() == event.EscrowHash
	}
	return event.ClaimHash != "" && swap.ClaimHash() == event.ClaimHash
}

func (d *eventDemux) dispatch(ctx context.Context, stored domain.Swap, event ports.ChainEvent) {
	wrapper, ok := d.wrappers[stored.Type()]
	if !ok {
		return
	}
	swap, ok := d.swaps.Lookup(stored.ID())
	if !ok {
		swap = d.swaps.Acquire(stored)
		defer d.swaps.Release(swap)
	}

	changed, err := wrapper.ProcessEvent(ctx, swap, event)
	entry := log.WithFields(log.Fields{"swap": swap.ID(), "event": event.Kind.String(), "tx": event.TxID})
	if err != nil {
		entry.WithError(err).Warn("failed to process chain event")
		return
	}
	if changed {
		entry.Debug("swap updated by chain event")
	}
}
