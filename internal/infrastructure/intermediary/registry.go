package intermediary

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentInfoRequests = 8

type registry struct {
	client ports.IntermediaryClient
	urls   []string

	lock      sync.RWMutex
	lps       map[string]domain.Intermediary
	blacklist map[string]struct{}
	loaded    bool
}

// NewRegistry returns a registry of the LPs at urls. LP info is fetched on
// Reload, and lazily on the first lookup.
func NewRegistry(client ports.IntermediaryClient, urls []string) ports.IntermediaryRegistry {
	normalized := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, url := range urls {
		url = strings.TrimRight(strings.TrimSpace(url), "/")
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		normalized = append(normalized, url)
	}
	return &registry{
		client:    client,
		urls:      normalized,
		lps:       make(map[string]domain.Intermediary),
		blacklist: make(map[string]struct{}),
	}
}

// Reload fetches the info of every LP concurrently. Unreachable LPs are
// dropped until the next reload; it fails only if ctx is done.
func (r *registry) Reload(ctx context.Context) error {
	r.lock.RLock()
	urls := make([]string, 0, len(r.urls))
	for _, url := range r.urls {
		if _, ok := r.blacklist[url]; !ok {
			urls = append(urls, url)
		}
	}
	r.lock.RUnlock()

	var (
		mu  sync.Mutex
		lps = make(map[string]domain.Intermediary, len(urls))
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentInfoRequests)
	for _, url := range urls {
		eg.Go(func() error {
			info, err := r.client.GetInfo(egCtx, url)
			if err != nil {
				log.WithError(err).Warnf("failed to fetch info of intermediary %s", url)
				return nil
			}
			mu.Lock()
			lps[url] = *info
			mu.Unlock()
			return nil
		})
	}
	// nolint:errcheck
	eg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	for url := range r.blacklist {
		delete(lps, url)
	}
	r.lps = lps
	r.loaded = true
	log.Debugf("loaded %d/%d intermediaries", len(lps), len(urls))
	return nil
}

func (r *registry) GetCandidates(ctx context.Context, req ports.CandidatesRequest) ([]domain.Intermediary, error) {
	r.lock.RLock()
	loaded := r.loaded
	r.lock.RUnlock()
	if !loaded {
		if err := r.Reload(ctx); err != nil {
			return nil, err
		}
	}

	r.lock.RLock()
	defer r.lock.RUnlock()

	candidates := make([]domain.Intermediary, 0, len(r.lps))
	for _, lp := range r.lps {
		if lp.Supports(req.SwapType, req.ChainID, req.Token, req.AmountSats) {
			candidates = append(candidates, lp)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Url < candidates[j].Url
	})
	return candidates, nil
}

func (r *registry) Remove(url string) {
	url = strings.TrimRight(url, "/")
	r.lock.Lock()
	defer r.lock.Unlock()
	r.blacklist[url] = struct{}{}
	delete(r.lps, url)
}
