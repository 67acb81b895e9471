package oracle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const token = "0x000000000000000000000000000000000000A0A0"

type priceServer struct {
	*httptest.Server
	priceCalls atomic.Int32
	usdCalls   atomic.Int32
	failures   atomic.Int32
}

func newPriceServer(t *testing.T, price string, decimals string) *priceServer {
	t.Helper()
	s := &priceServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/price", func(w http.ResponseWriter, r *http.Request) {
		s.priceCalls.Add(1)
		if s.failures.Load() > 0 {
			s.failures.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Query().Get("chain") != "EVM-TEST" {
			http.Error(w, "unknown chain", http.StatusBadRequest)
			return
		}
		body := fmt.Sprintf(`{"price":%q`, price)
		if decimals != "" {
			body += `,"decimals":` + decimals
		}
		fmt.Fprint(w, body+"}")
	})
	mux.HandleFunc("/v1/btc/usd", func(w http.ResponseWriter, r *http.Request) {
		s.usdCalls.Add(1)
		fmt.Fprint(w, `{"usd":60000}`)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func TestNewService(t *testing.T) {
	_, err := NewService(Config{URL: "not a url"})
	require.Error(t, err)
}

func TestGetPrice(t *testing.T) {
	ctx := context.Background()

	t.Run("cached until ttl", func(t *testing.T) {
		srv := newPriceServer(t, "2500000", "6")
		svc, err := newService(Config{URL: srv.URL, TTL: time.Minute})
		require.NoError(t, err)
		now := time.Now()
		svc.now = func() time.Time { return now }

		price, err := svc.GetPrice(ctx, "EVM-TEST", token)
		require.NoError(t, err)
		require.Equal(t, "2500000", price.String())

		// Mutating the result does not corrupt the cache.
		price.SetInt64(1)
		price, err = svc.GetPrice(ctx, "EVM-TEST", token)
		require.NoError(t, err)
		require.Equal(t, "2500000", price.String())
		require.Equal(t, int32(1), srv.priceCalls.Load())

		now = now.Add(time.Minute)
		_, err = svc.GetPrice(ctx, "EVM-TEST", token)
		require.NoError(t, err)
		require.Equal(t, int32(2), srv.priceCalls.Load())
	})

	t.Run("concurrent requests share a fetch", func(t *testing.T) {
		srv := newPriceServer(t, "2500000", "6")
		svc, err := newService(Config{URL: srv.URL})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.GetPrice(ctx, "EVM-TEST", token)
				require.NoError(t, err)
			}()
		}
		wg.Wait()
		require.LessOrEqual(t, srv.priceCalls.Load(), int32(10))
		require.GreaterOrEqual(t, srv.priceCalls.Load(), int32(1))
	})

	t.Run("retries server errors", func(t *testing.T) {
		srv := newPriceServer(t, "2500000", "6")
		srv.failures.Store(1)
		svc, err := newService(Config{URL: srv.URL})
		require.NoError(t, err)

		_, err = svc.GetPrice(ctx, "EVM-TEST", token)
		require.NoError(t, err)
		require.Equal(t, int32(2), srv.priceCalls.Load())
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		srv := newPriceServer(t, "2500000", "6")
		svc, err := newService(Config{URL: srv.URL})
		require.NoError(t, err)

		_, err = svc.GetPrice(ctx, "OTHER", token)
		require.ErrorContains(t, err, "unknown chain")
		require.Equal(t, int32(1), srv.priceCalls.Load())
	})

	t.Run("invalid price", func(t *testing.T) {
		srv := newPriceServer(t, "-5", "6")
		svc, err := newService(Config{URL: srv.URL})
		require.NoError(t, err)

		_, err = svc.GetPrice(ctx, "EVM-TEST", token)
		require.Error(t, err)
	})
}

func TestDecimals(t *testing.T) {
	ctx := context.Background()

	t.Run("reported by the api", func(t *testing.T) {
		srv := newPriceServer(t, "2500000", "6")
		svc, err := newService(Config{
			URL:      srv.URL,
			Decimals: map[string]map[string]int{"EVM-TEST": {token: 18}},
		})
		require.NoError(t, err)

		_, err = svc.GetPrice(ctx, "EVM-TEST", token)
		require.NoError(t, err)
		decimals, err := svc.Decimals("EVM-TEST", token)
		require.NoError(t, err)
		require.Equal(t, 6, decimals)
	})

	t.Run("from the configured table", func(t *testing.T) {
		srv := newPriceServer(t, "2500000", "")
		svc, err := newService(Config{
			URL:      srv.URL,
			Decimals: map[string]map[string]int{"EVM-TEST": {token: 18}},
		})
		require.NoError(t, err)

		decimals, err := svc.Decimals("EVM-TEST", token)
		require.NoError(t, err)
		require.Equal(t, 18, decimals)

		_, err = svc.GetPrice(ctx, "EVM-TEST", token)
		require.NoError(t, err)
		decimals, err = svc.Decimals("EVM-TEST", token)
		require.NoError(t, err)
		require.Equal(t, 18, decimals)
	})

	t.Run("unknown", func(t *testing.T) {
		svc, err := newService(Config{URL: "http://localhost"})
		require.NoError(t, err)
		_, err = svc.Decimals("EVM-TEST", token)
		require.Error(t, err)
	})
}

func TestGetUsdPrice(t *testing.T) {
	srv := newPriceServer(t, "2500000", "6")
	svc, err := newService(Config{URL: srv.URL})
	require.NoError(t, err)

	usd, err := svc.GetUsdPrice(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 0.0006, usd, 1e-12)

	_, err = svc.GetUsdPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), srv.usdCalls.Load())
}
