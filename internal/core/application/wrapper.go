package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/utils"
	"github.com/btcsuite/btcd/chaincfg"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxConfirmations = 12
	DefaultBtcPollInterval  = 120 * time.Second

	syncConcurrency = 8
)

type Options struct {
	QuoteWindow      time.Duration
	MaxConfirmations uint32
	WatchdogInterval time.Duration
	// BtcPollInterval throttles bitcoin lookups made while ticking.
	BtcPollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.QuoteWindow <= 0 {
		o.QuoteWindow = DefaultQuoteWindow
	}
	if o.MaxConfirmations == 0 {
		o.MaxConfirmations = DefaultMaxConfirmations
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = defaultWatchdogInterval
	}
	if o.BtcPollInterval <= 0 {
		o.BtcPollInterval = DefaultBtcPollInterval
	}
	return o
}

// WrapperConfig holds the collaborators shared by every wrapper of a chain.
type WrapperConfig struct {
	Chain          ports.ChainInterface
	Signer         ports.Signer
	Intermediary   ports.IntermediaryClient
	Intermediaries ports.IntermediaryRegistry
	Prices         *PriceValidator
	Bitcoin        ports.BitcoinRpc
	Network        *chaincfg.Params
	Swaps          *SwapRegistry
	Repo           domain.SwapRepository
	Metrics        *Metrics
	Options        Options
}

// SwapWrapper drives every swap of one direction on one chain.
type SwapWrapper interface {
	Type() domain.SwapType
	ChainID() string
	Init(ctx context.Context) error
	Stop()
	SyncSwaps(ctx context.Context) error
	Tick(ctx context.Context)
	// ProcessEvent reports whether the event changed the swap.
	ProcessEvent(ctx context.Context, swap domain.Swap, event ports.ChainEvent) (bool, error)
	Pending() []domain.Swap
	RefreshPriceData(ctx context.Context, swap domain.Swap) error
}

// update mutates a swap and reports whether it changed. Updates run with
// the swap lock held and must not perform network calls.
type update[S domain.Swap] func(s S) (bool, error)

// chainUpdates applies updates in order, stopping at the first error.
func chainUpdates[S domain.Swap](updates ...update[S]) update[S] {
	return func(s S) (bool, error) {
		changed := false
		for _, u := range updates {
			if u == nil {
				continue
			}
			c, err := u(s)
			changed = changed || c
			if err != nil {
				return changed, err
			}
		}
		return changed, nil
	}
}

type wrapperHooks[S domain.Swap] struct {
	sync  func(ctx context.Context, s S) (update[S], error)
	tick  func(ctx context.Context, s S, pollBitcoin bool) (update[S], error)
	event func(ctx context.Context, s S, event ports.ChainEvent) (update[S], error)
}

// wrapperBase holds the plumbing shared by all directions: tracking of
// pending swaps, persistence and the sync, tick and event drivers. Its
// caches live between Init and Stop.
type wrapperBase[S domain.Swap] struct {
	WrapperConfig
	swapType domain.SwapType
	hooks    wrapperHooks[S]

	lock         sync.Mutex
	pending      map[string]S
	lastBtcCheck map[string]time.Time
	cancel       context.CancelFunc
	bgCtx        context.Context
}

func newWrapperBase[S domain.Swap](
	cfg WrapperConfig, swapType domain.SwapType, hooks wrapperHooks[S],
) *wrapperBase[S] {
	cfg.Options = cfg.Options.withDefaults()
	if cfg.Network == nil {
		cfg.Network = &chaincfg.MainNetParams
	}
	return &wrapperBase[S]{
		WrapperConfig: cfg,
		swapType:      swapType,
		hooks:         hooks,
		pending:       make(map[string]S),
		lastBtcCheck:  make(map[string]time.Time),
		bgCtx:         context.Background(),
	}
}

func (w *wrapperBase[S]) Type() domain.SwapType { return w.swapType }
func (w *wrapperBase[S]) ChainID() string       { return w.Chain.ChainID() }

func (w *wrapperBase[S]) logger(s S) *log.Entry {
	return log.WithFields(log.Fields{"swap": s.ID(), "type": w.swapType.String()})
}

// Init loads the swaps left unfinished, reconciles them and prunes the ones
// that were never initiated and whose quote expired.
func (w *wrapperBase[S]) Init(ctx context.Context) error {
	w.lock.Lock()
	w.bgCtx, w.cancel = context.WithCancel(context.Background())
	w.lock.Unlock()

	stored, err := w.Repo.Query(ctx, []domain.QueryCondition{
		domain.Where(domain.IndexType, int(w.swapType)),
		domain.Where(domain.IndexChain, w.ChainID()),
	})
	if err != nil {
		return fmt.Errorf("failed to load %s swaps: %w", w.swapType, err)
	}

	for _, swap := range stored {
		s, ok := swap.(S)
		if !ok || s.IsFinished() {
			continue
		}
		if !s.Base().Initiated && s.IsQuoteExpired() {
			if err := w.Repo.Remove(ctx, s); err != nil {
				w.logger(s).WithError(err).Warn("failed to prune expired quote")
			}
			continue
		}
		w.track(s)
	}

	if err := w.SyncSwaps(ctx); err != nil {
		return err
	}
	log.Infof("%s wrapper on %s initialized with %d pending swaps", w.swapType, w.ChainID(), len(w.Pending()))
	return nil
}

// Stop drops every cache and aborts the background tasks of the wrapper.
func (w *wrapperBase[S]) Stop() {
	w.lock.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	pending := w.pending
	w.pending = make(map[string]S)
	w.lastBtcCheck = make(map[string]time.Time)
	w.lock.Unlock()

	for _, s := range pending {
		w.Swaps.Release(s)
	}
}

func (w *wrapperBase[S]) backgroundCtx() context.Context {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.bgCtx
}

// track registers s as pending and returns the canonical instance for its id.
func (w *wrapperBase[S]) track(s S) S {
	w.lock.Lock()
	defer w.lock.Unlock()

	if existing, ok := w.pending[s.ID()]; ok {
		return existing
	}
	canonical, ok := w.Swaps.Acquire(s).(S)
	if !ok {
		canonical = s
	}
	w.pending[s.ID()] = canonical
	return canonical
}

func (w *wrapperBase[S]) untrack(s S) {
	w.lock.Lock()
	_, ok := w.pending[s.ID()]
	delete(w.pending, s.ID())
	delete(w.lastBtcCheck, s.ID())
	w.lock.Unlock()

	if ok {
		w.Swaps.Release(s)
	}
}

func (w *wrapperBase[S]) Pending() []domain.Swap {
	w.lock.Lock()
	defer w.lock.Unlock()

	swaps := make([]domain.Swap, 0, len(w.pending))
	for _, s := range w.pending {
		swaps = append(swaps, s)
	}
	return swaps
}

func (w *wrapperBase[S]) pendingSwaps() []S {
	w.lock.Lock()
	defer w.lock.Unlock()

	swaps := make([]S, 0, len(w.pending))
	for _, s := range w.pending {
		swaps = append(swaps, s)
	}
	return swaps
}

// apply runs u under the swap lock and persists the swap when it changed.
func (w *wrapperBase[S]) apply(ctx context.Context, s S, u update[S]) (bool, error) {
	if u == nil {
		return false, nil
	}

	s.Base().Lock()
	changed, err := u(s)
	if changed {
		if saveErr := w.Swaps.Save(ctx, s); saveErr != nil {
			s.Base().Unlock()
			return changed, fmt.Errorf("failed to save swap: %w", saveErr)
		}
		w.Metrics.stateChanged(s)
	}
	finished := s.IsFinished()
	s.Base().Unlock()

	if finished {
		w.untrack(s)
	}
	return changed, err
}

// initiate marks s as acted upon by the user, persists it and starts
// tracking it.
func (w *wrapperBase[S]) initiate(ctx context.Context, s S) (S, error) {
	s = w.track(s)
	_, err := w.apply(ctx, s, func(s S) (bool, error) {
		if s.Base().Initiated {
			return false, nil
		}
		s.Base().Initiated = true
		return true, nil
	})
	return s, err
}

// read runs fn under the swap lock, for snapshotting fields before network
// calls.
func read[S domain.Swap](s S, fn func(s S)) {
	s.Base().Lock()
	defer s.Base().Unlock()
	fn(s)
}

func (w *wrapperBase[S]) syncOne(ctx context.Context, s S) (bool, error) {
	u, err := w.hooks.sync(ctx, s)
	if err != nil {
		return false, err
	}
	return w.apply(ctx, s, u)
}

// SyncSwaps reconciles every pending swap against the chain, the LPs and
// bitcoin. Failures are logged and never stop the other swaps.
func (w *wrapperBase[S]) SyncSwaps(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for _, s := range w.pendingSwaps() {
		s := s
		g.Go(func() error {
			if _, err := w.syncOne(gctx, s); err != nil {
				w.logger(s).WithError(err).Warn("failed to sync swap")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Tick runs the clock driven checks of every pending swap.
func (w *wrapperBase[S]) Tick(ctx context.Context) {
	now := time.Now()
	for _, s := range w.pendingSwaps() {
		w.lock.Lock()
		poll := now.Sub(w.lastBtcCheck[s.ID()]) >= w.Options.BtcPollInterval
		if poll {
			w.lastBtcCheck[s.ID()] = now
		}
		w.lock.Unlock()

		u, err := w.hooks.tick(ctx, s, poll)
		if err == nil {
			_, err = w.apply(ctx, s, u)
		}
		if err != nil {
			w.logger(s).WithError(err).Warn("failed to tick swap")
		}
	}
}

func (w *wrapperBase[S]) ProcessEvent(ctx context.Context, swap domain.Swap, event ports.ChainEvent) (bool, error) {
	s, ok := swap.(S)
	if !ok {
		return false, fmt.Errorf("swap %s is not a %s swap", swap.ID(), w.swapType)
	}
	u, err := w.hooks.event(ctx, s, event)
	if err != nil {
		return false, err
	}
	return w.apply(ctx, s, u)
}

// RefreshPriceData re-validates the quoted price of swap against the
// oracle and persists the new snapshot.
func (w *wrapperBase[S]) RefreshPriceData(ctx context.Context, swap domain.Swap) error {
	s, ok := swap.(S)
	if !ok {
		return fmt.Errorf("swap %s is not a %s swap", swap.ID(), w.swapType)
	}
	if err := w.Prices.RefreshPriceData(ctx, s); err != nil {
		return err
	}
	s.Base().Lock()
	defer s.Base().Unlock()
	return w.Swaps.Save(ctx, s)
}

func (w *wrapperBase[S]) candidates(ctx context.Context, token string, amountSats uint64) ([]domain.Intermediary, error) {
	lps, err := w.Intermediaries.GetCandidates(ctx, ports.CandidatesRequest{
		SwapType:   w.swapType,
		ChainID:    w.ChainID(),
		Token:      token,
		AmountSats: amountSats,
	})
	if err != nil {
		return nil, err
	}
	if len(lps) == 0 {
		return nil, ErrNoIntermediary
	}
	return lps, nil
}

// negotiate runs a quote round against lps and returns the verified quotes,
// best first.
func negotiate[S domain.Swap](
	ctx context.Context, w *wrapperBase[S], lps []domain.Intermediary, exactIn bool,
	request func(ctx context.Context, lp domain.Intermediary) (S, error),
) ([]S, error) {
	start := time.Now()
	defer w.Metrics.raceFinished(start)

	round := newQuoteRound(w.Options.QuoteWindow, func(ctx context.Context, lp domain.Intermediary) (S, error) {
		w.Metrics.quoteRequested(w.swapType)
		return request(ctx, lp)
	})
	round.onReject = func(url string, err error) {
		w.Metrics.quoteRejected(w.swapType, err)
	}

	quotes, err := round.run(ctx, lps)
	if err != nil {
		return nil, err
	}
	sortQuotes(quotes, exactIn)
	return quotes, nil
}

// send submits txs and returns the id of the last one.
func (w *wrapperBase[S]) send(ctx context.Context, txs []ports.Tx) (string, error) {
	ids, err := w.Chain.SendAndConfirm(ctx, w.Signer, txs)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[len(ids)-1], nil
}

// waitRace resolves as soon as either the local state reaches target or the
// remote watchdog settles. The loser is canceled.
func (w *wrapperBase[S]) waitRace(
	ctx context.Context, s S, target int, cmp domain.StateComparison,
	watchdog func(ctx context.Context) (update[S], error),
) error {
	u, _, err := utils.Race(ctx,
		func(ctx context.Context) (update[S], error) {
			return nil, w.Swaps.WaitTillState(ctx, s, target, cmp)
		},
		watchdog,
	)
	if err != nil {
		return err
	}
	_, err = w.apply(ctx, s, u)
	return err
}
