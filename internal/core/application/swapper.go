package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/pkg/monitor"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTickInterval            = time.Second
	DefaultRegistryRefreshInterval = 5 * time.Minute
	DefaultSyncInterval            = time.Minute
)

type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// ChainConfig wires one smart chain into the Swapper.
type ChainConfig struct {
	Chain  ports.ChainInterface
	Events ports.ChainEvents
	Signer ports.Signer
	// SpvVaults enables SPV vault swaps on the chain when set.
	SpvVaults ports.SpvVaultContract
}

type SwapperConfig struct {
	Chains                  []ChainConfig
	Intermediary            ports.IntermediaryClient
	Intermediaries          ports.IntermediaryRegistry
	Oracle                  ports.PriceOracle
	MaxPriceDifferencePPM   uint64
	Bitcoin                 ports.BitcoinRpc
	Network                 *chaincfg.Params
	Repo                    domain.SwapRepository
	Scheduler               ports.SchedulerService
	Options                 Options
	TickInterval            time.Duration
	RegistryRefreshInterval time.Duration
	// SyncInterval paces the watchdog re-syncing the pending swaps of each
	// wrapper against the chain.
	SyncInterval time.Duration
}

// ChainWrappers groups the wrappers of one chain. Spv is nil when the chain
// has no vault contract configured.
type ChainWrappers struct {
	FromBTC   *FromBTCWrapper
	FromBTCLN *FromBTCLNWrapper
	ToBTC     *ToBTCWrapper
	ToBTCLN   *ToBTCLNWrapper
	Spv       *SpvFromBTCWrapper
}

func (c *ChainWrappers) all() []SwapWrapper {
	wrappers := []SwapWrapper{c.FromBTC, c.FromBTCLN, c.ToBTC, c.ToBTCLN}
	if c.Spv != nil {
		wrappers = append(wrappers, c.Spv)
	}
	return wrappers
}

// Swapper owns every wrapper together with the registry, the event
// demultiplexers and the periodic tasks driving them.
type Swapper struct {
	BuildInfo BuildInfo

	cfg      SwapperConfig
	swaps    *SwapRegistry
	prices   *PriceValidator
	metrics  *Metrics
	promReg  *prometheus.Registry
	chains   map[string]*ChainWrappers
	wrappers []SwapWrapper
	byChain  map[string]map[domain.SwapType]SwapWrapper
	demuxes  []*eventDemux

	lock    sync.Mutex
	monitor *monitor.Monitor
	started bool
}

func NewSwapper(buildInfo BuildInfo, cfg SwapperConfig) (*Swapper, error) {
	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("missing chains")
	}
	if cfg.Repo == nil {
		return nil, fmt.Errorf("missing swap repository")
	}
	if cfg.Intermediary == nil || cfg.Intermediaries == nil {
		return nil, fmt.Errorf("missing intermediary client or registry")
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("missing price oracle")
	}
	if cfg.Bitcoin == nil {
		return nil, fmt.Errorf("missing bitcoin rpc")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("missing scheduler")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.RegistryRefreshInterval <= 0 {
		cfg.RegistryRefreshInterval = DefaultRegistryRefreshInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}

	promReg := prometheus.NewRegistry()
	s := &Swapper{
		BuildInfo: buildInfo,
		cfg:       cfg,
		swaps:     NewSwapRegistry(cfg.Repo),
		prices:    NewPriceValidator(cfg.Oracle, cfg.MaxPriceDifferencePPM),
		metrics:   NewMetrics(promReg),
		promReg:   promReg,
		chains:    make(map[string]*ChainWrappers),
		byChain:   make(map[string]map[domain.SwapType]SwapWrapper),
	}

	for _, chain := range cfg.Chains {
		chainID := chain.Chain.ChainID()
		if _, ok := s.chains[chainID]; ok {
			return nil, fmt.Errorf("duplicated chain %s", chainID)
		}
		wcfg := WrapperConfig{
			Chain:          chain.Chain,
			Signer:         chain.Signer,
			Intermediary:   cfg.Intermediary,
			Intermediaries: cfg.Intermediaries,
			Prices:         s.prices,
			Bitcoin:        cfg.Bitcoin,
			Network:        cfg.Network,
			Swaps:          s.swaps,
			Repo:           cfg.Repo,
			Metrics:        s.metrics,
			Options:        cfg.Options,
		}
		wrappers := &ChainWrappers{
			FromBTC:   NewFromBTCWrapper(wcfg),
			FromBTCLN: NewFromBTCLNWrapper(wcfg),
			ToBTC:     NewToBTCWrapper(wcfg),
			ToBTCLN:   NewToBTCLNWrapper(wcfg),
		}
		if chain.SpvVaults != nil {
			wrappers.Spv = NewSpvFromBTCWrapper(wcfg, chain.SpvVaults)
		}
		s.chains[chainID] = wrappers
		s.byChain[chainID] = make(map[domain.SwapType]SwapWrapper)
		for _, w := range wrappers.all() {
			s.wrappers = append(s.wrappers, w)
			s.byChain[chainID][w.Type()] = w
		}
		if chain.Events != nil {
			s.demuxes = append(s.demuxes, newEventDemux(chain.Events, s.swaps, cfg.Repo, wrappers.all()))
		}
	}
	return s, nil
}

// Start initializes every wrapper, subscribes to the chain events and
// schedules the periodic ticks.
func (s *Swapper) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}

	if err := s.cfg.Intermediaries.Reload(ctx); err != nil {
		log.WithError(err).Warn("failed to load intermediaries, retrying on next refresh")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.wrappers {
		w := w
		g.Go(func() error { return w.Init(gctx) })
	}
	if err := g.Wait(); err != nil {
		for _, w := range s.wrappers {
			w.Stop()
		}
		return err
	}

	s.monitor = monitor.New(monitor.WithLogger(log.WithField("component", "monitor")))
	if err := s.superviseTasks(); err != nil {
		s.stop()
		return err
	}

	if err := s.cfg.Scheduler.ScheduleEvery("tick", s.cfg.TickInterval, s.tick); err != nil {
		s.stop()
		return fmt.Errorf("failed to schedule tick: %w", err)
	}
	if err := s.cfg.Scheduler.ScheduleEvery(
		"intermediaries", s.cfg.RegistryRefreshInterval, s.refreshIntermediaries,
	); err != nil {
		s.stop()
		return fmt.Errorf("failed to schedule intermediaries refresh: %w", err)
	}
	s.cfg.Scheduler.Start()

	s.started = true
	log.Infof("swapper %s started on %d chains", s.BuildInfo.Version, len(s.chains))
	return nil
}

// Stop aborts the background tasks and drops every wrapper cache. Persisted
// swaps are resumed by the next Start.
func (s *Swapper) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return
	}
	s.stop()
	s.started = false
	log.Info("swapper stopped")
}

func (s *Swapper) stop() {
	s.cfg.Scheduler.Stop()
	if s.monitor != nil {
		s.monitor.Stop()
		s.monitor = nil
	}
	for _, w := range s.wrappers {
		w.Stop()
	}
}

// superviseTasks runs the event stream of every chain and one sync
// watchdog per wrapper.
func (s *Swapper) superviseTasks() error {
	for _, d := range s.demuxes {
		d := d
		if err := s.monitor.Go("events-"+d.chainID, func(ctx context.Context, hb monitor.Heartbeat) error {
			return s.runDemux(ctx, d, hb)
		}); err != nil {
			return err
		}
	}
	for _, w := range s.wrappers {
		w := w
		if err := s.monitor.Every(syncTaskName(w), s.cfg.SyncInterval, func(ctx context.Context) (int, error) {
			err := w.SyncSwaps(ctx)
			return len(w.Pending()), err
		}); err != nil {
			return err
		}
	}
	return nil
}

func syncTaskName(w SwapWrapper) string {
	return fmt.Sprintf("sync/%s/%s", w.ChainID(), w.Type())
}

// runDemux keeps the event subscription of a chain alive, resubscribing
// with backoff whenever the source fails.
func (s *Swapper) runDemux(ctx context.Context, d *eventDemux, hb monitor.Heartbeat) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = time.Minute

	return backoff.RetryNotify(func() error {
		err := d.run(ctx, hb)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("subscription closed")
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.WithError(err).Warnf("event subscription on %s dropped, resubscribing in %s", d.chainID, next)
	})
}

func (s *Swapper) tick(ctx context.Context) {
	for _, w := range s.wrappers {
		w.Tick(ctx)
	}
}

func (s *Swapper) refreshIntermediaries(ctx context.Context) {
	if err := s.cfg.Intermediaries.Reload(ctx); err != nil {
		log.WithError(err).Warn("failed to refresh intermediaries")
	}
}

// Chain returns the wrappers of chainID.
func (s *Swapper) Chain(chainID string) (*ChainWrappers, error) {
	wrappers, ok := s.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownChain, chainID)
	}
	return wrappers, nil
}

func (s *Swapper) Registry() *SwapRegistry {
	return s.swaps
}

// Gatherer exposes the swapper metrics for scraping.
func (s *Swapper) Gatherer() prometheus.Gatherer {
	return s.promReg
}

// Subscribe notifies every persisted swap mutation until ctx is done.
func (s *Swapper) Subscribe(ctx context.Context) <-chan domain.Swap {
	return s.swaps.Subscribe(ctx)
}

func (s *Swapper) GetSwap(ctx context.Context, id string) (domain.Swap, error) {
	return s.swaps.Get(ctx, id)
}

// GetAllSwaps lists the persisted swaps, optionally restricted to one chain.
// Swaps held in memory are returned in place of their stored copy.
func (s *Swapper) GetAllSwaps(ctx context.Context, chainID string) ([]domain.Swap, error) {
	var groups [][]domain.QueryCondition
	if chainID != "" {
		groups = append(groups, []domain.QueryCondition{domain.Where(domain.IndexChain, chainID)})
	}
	return s.query(ctx, groups...)
}

// GetRefundableSwaps lists the smart chain -> BTC swaps the user can refund
// now.
func (s *Swapper) GetRefundableSwaps(ctx context.Context, chainID string) ([]domain.Swap, error) {
	swaps, err := s.query(ctx, s.byTypes(chainID, domain.SwapTypeToBTC, domain.SwapTypeToBTCLN)...)
	if err != nil {
		return nil, err
	}
	return filter(swaps, func(swap domain.Swap) bool {
		r, ok := swap.(domain.Refundable)
		return ok && r.IsRefundable()
	}), nil
}

// GetClaimableSwaps lists the BTC -> smart chain swaps the user can claim
// now.
func (s *Swapper) GetClaimableSwaps(ctx context.Context, chainID string) ([]domain.Swap, error) {
	swaps, err := s.query(ctx, s.byTypes(
		chainID, domain.SwapTypeFromBTC, domain.SwapTypeFromBTCLN, domain.SwapTypeSpvFromBTC,
	)...)
	if err != nil {
		return nil, err
	}
	return filter(swaps, func(swap domain.Swap) bool {
		c, ok := swap.(domain.Claimable)
		return ok && c.IsClaimable()
	}), nil
}

// RefreshPriceData re-validates the quoted price of swap.
func (s *Swapper) RefreshPriceData(ctx context.Context, swap domain.Swap) error {
	w, ok := s.byChain[swap.Base().ChainIdentifier][swap.Type()]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownChain, swap.Base().ChainIdentifier)
	}
	return w.RefreshPriceData(ctx, swap)
}

func (s *Swapper) byTypes(chainID string, types ...domain.SwapType) [][]domain.QueryCondition {
	values := make([]any, 0, len(types))
	for _, t := range types {
		values = append(values, int(t))
	}
	group := []domain.QueryCondition{domain.Where(domain.IndexType, values...)}
	if chainID != "" {
		group = append(group, domain.Where(domain.IndexChain, chainID))
	}
	return [][]domain.QueryCondition{group}
}

func (s *Swapper) query(ctx context.Context, groups ...[]domain.QueryCondition) ([]domain.Swap, error) {
	stored, err := s.cfg.Repo.Query(ctx, groups...)
	if err != nil {
		return nil, err
	}
	for i, swap := range stored {
		if held, ok := s.swaps.Lookup(swap.ID()); ok {
			stored[i] = held
		}
	}
	return stored, nil
}

func filter(swaps []domain.Swap, keep func(domain.Swap) bool) []domain.Swap {
	kept := make([]domain.Swap, 0, len(swaps))
	for _, swap := range swaps {
		swap.Base().Lock()
		ok := keep(swap)
		swap.Base().Unlock()
		if ok {
			kept = append(kept, swap)
		}
	}
	return kept
}

// Tasks reports the supervised background tasks, empty until Start.
func (s *Swapper) Tasks() monitor.Status {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.monitor == nil {
		return monitor.Status{}
	}
	return s.monitor.Snapshot()
}
