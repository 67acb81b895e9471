package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL   = 30 * time.Second
	maxRetries   = 2
	maxBodyBytes = 1 << 20
	usdKey       = "usd"
)

type Config struct {
	URL string
	// TTL is how long fetched prices are served from cache.
	TTL time.Duration
	// Decimals of known tokens by chain id and token address, used when the
	// price api does not report them.
	Decimals map[string]map[string]int
	Client   *http.Client
}

type entry struct {
	price     *big.Int
	usd       float64
	decimals  int
	fetchedAt time.Time
}

type service struct {
	baseURL  string
	ttl      time.Duration
	client   *http.Client
	decimals map[string]int

	lock  *sync.RWMutex
	cache map[string]entry
	group singleflight.Group
	now   func() time.Time
}

// NewService returns a price oracle backed by the price api at cfg.URL.
func NewService(cfg Config) (ports.PriceOracle, error) {
	return newService(cfg)
}

func newService(cfg Config) (*service, error) {
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid price api url: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	decimals := make(map[string]int)
	for chainID, tokens := range cfg.Decimals {
		for token, d := range tokens {
			decimals[tokenKey(chainID, token)] = d
		}
	}
	return &service{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		ttl:      ttl,
		client:   client,
		decimals: decimals,
		lock:     &sync.RWMutex{},
		cache:    make(map[string]entry),
		now:      time.Now,
	}, nil
}

type priceResponse struct {
	// Price is in micro-sats per whole token.
	Price    string `json:"price"`
	Decimals *int   `json:"decimals"`
}

type usdResponse struct {
	// Usd is the price of one bitcoin.
	Usd float64 `json:"usd"`
}

func (s *service) GetPrice(ctx context.Context, chainID, token string) (*big.Int, error) {
	key := tokenKey(chainID, token)
	if e, ok := s.cached(key); ok {
		return new(big.Int).Set(e.price), nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		query := url.Values{"chain": {chainID}, "token": {token}}
		var resp priceResponse
		if err := s.get(ctx, "/v1/price?"+query.Encode(), &resp); err != nil {
			return nil, err
		}
		price, ok := new(big.Int).SetString(resp.Price, 10)
		if !ok || price.Sign() <= 0 {
			return nil, fmt.Errorf("invalid price %q for %s", resp.Price, token)
		}

		e := entry{price: price, decimals: -1, fetchedAt: s.now()}
		if resp.Decimals != nil {
			e.decimals = *resp.Decimals
		}
		s.store(key, e)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get price of %s on %s: %w", token, chainID, err)
	}
	return new(big.Int).Set(v.(entry).price), nil
}

// GetUsdPrice returns the USD value of one sat.
func (s *service) GetUsdPrice(ctx context.Context) (float64, error) {
	if e, ok := s.cached(usdKey); ok {
		return e.usd, nil
	}

	v, err, _ := s.group.Do(usdKey, func() (any, error) {
		var resp usdResponse
		if err := s.get(ctx, "/v1/btc/usd", &resp); err != nil {
			return nil, err
		}
		if resp.Usd <= 0 {
			return nil, fmt.Errorf("invalid btc price %f", resp.Usd)
		}
		e := entry{usd: resp.Usd / 1e8, fetchedAt: s.now()}
		s.store(usdKey, e)
		return e, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get usd price: %w", err)
	}
	return v.(entry).usd, nil
}

// Decimals prefers what the price api last reported over the configured
// table.
func (s *service) Decimals(chainID, token string) (int, error) {
	key := tokenKey(chainID, token)

	s.lock.RLock()
	e, ok := s.cache[key]
	s.lock.RUnlock()
	if ok && e.decimals >= 0 {
		return e.decimals, nil
	}
	if d, ok := s.decimals[key]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown decimals of token %s on %s", token, chainID)
}

func (s *service) cached(key string) (entry, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	e, ok := s.cache[key]
	if !ok || s.now().Sub(e.fetchedAt) >= s.ttl {
		return entry{}, false
	}
	return e, true
}

func (s *service) store(key string, e entry) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.cache[key] = e
}

func (s *service) get(ctx context.Context, path string, out any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		default:
			return backoff.Permanent(
				fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("invalid response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx,
	)
	notify := func(err error, wait time.Duration) {
		log.WithError(err).Debugf("price request %s failed, retrying in %s", path, wait)
	}
	return backoff.RetryNotify(op, policy, notify)
}

func tokenKey(chainID, token string) string {
	return chainID + ":" + strings.ToLower(token)
}
