package intermediary

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout   = 15 * time.Second
	defaultRateLimit     = 5
	defaultMaxRetries    = 3
	defaultRetryInterval = 500 * time.Millisecond
	maxBodyBytes         = 1 << 20
)

type ClientOptions struct {
	Timeout time.Duration
	// RateLimit is the number of requests per second allowed to each LP.
	RateLimit float64
	// MaxRetries bounds the retries of idempotent reads: info and
	// authorization polling. Quote requests are never retried.
	MaxRetries uint64
	// RetryInterval is the first backoff delay between retries.
	RetryInterval time.Duration
}

type client struct {
	http          *http.Client
	rateLimit     rate.Limit
	maxRetries    uint64
	retryInterval time.Duration

	lock     sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(opts ClientOptions) ports.IntermediaryClient {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	return &client{
		http:          &http.Client{Timeout: opts.Timeout},
		rateLimit:     rate.Limit(opts.RateLimit),
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
		limiters:      make(map[string]*rate.Limiter),
	}
}

// wait blocks until the limiter of lpURL allows one more request.
func (c *client) wait(ctx context.Context, lpURL string) error {
	key := strings.TrimRight(lpURL, "/")
	c.lock.Lock()
	limiter, ok := c.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(c.rateLimit, max(1, int(c.rateLimit)))
		c.limiters[key] = limiter
	}
	c.lock.Unlock()
	return limiter.Wait(ctx)
}

func (c *client) GetInfo(ctx context.Context, url string) (*domain.Intermediary, error) {
	env, err := c.callApiRetry(ctx, url, http.MethodGet, "/info", nil)
	if err != nil {
		return nil, err
	}
	info, err := decodeEnvelope[infoResponse](url, env)
	if err != nil {
		return nil, err
	}
	return info.toDomain(url)
}

func (c *client) InitToBTC(
	ctx context.Context, url string, req ports.ToBTCRequest,
) (*ports.QuoteStream[ports.ToBTCResponse], error) {
	return streamQuote[ports.ToBTCResponse](ctx, c, url, "/tobtc/payInvoice", toBTCRequest{
		Chain:         req.ChainID,
		Offerer:       req.Offerer,
		Token:         req.Token,
		Address:       req.Address,
		Amount:        amountString(req.Amount),
		ExactIn:       req.ExactIn,
		Confirmations: req.Confirmations,
		Nonce:         req.Nonce,
	}, futureField("feeRate", req.FeeRate))
}

func (c *client) InitToBTCLN(
	ctx context.Context, url string, req ports.ToBTCLNRequest,
) (*ports.QuoteStream[ports.ToBTCLNResponse], error) {
	return streamQuote[ports.ToBTCLNResponse](ctx, c, url, "/tobtcln/payInvoice", toBTCLNRequest{
		Chain:           req.ChainID,
		Offerer:         req.Offerer,
		Token:           req.Token,
		Invoice:         req.Invoice,
		MaxFee:          req.MaxFeeSats,
		ExpiryTimestamp: req.ExpiryTimestamp,
	}, futureField("feeRate", req.FeeRate))
}

func (c *client) InitFromBTC(
	ctx context.Context, url string, req ports.FromBTCRequest,
) (*ports.QuoteStream[ports.FromBTCResponse], error) {
	return streamQuote[ports.FromBTCResponse](ctx, c, url, "/frombtc/getAddress", fromBTCRequest{
		Chain:    req.ChainID,
		Claimer:  req.Claimer,
		Token:    req.Token,
		Amount:   amountString(req.Amount),
		ExactOut: req.ExactOut,
		Sequence: amountString(req.Sequence),
	}, futureField("claimerBounty", req.ClaimerBounty), futureField("feeRate", req.FeeRate))
}

// InitFromBTCLN awaits the fee rate before sending: the LP answers with the
// invoice in a single response.
func (c *client) InitFromBTCLN(
	ctx context.Context, url string, req ports.FromBTCLNRequest,
) (*ports.FromBTCLNResponse, error) {
	body := fromBTCLNRequest{
		Chain:           req.ChainID,
		Claimer:         req.Claimer,
		Token:           req.Token,
		Amount:          amountString(req.Amount),
		ExactOut:        req.ExactOut,
		PaymentHash:     req.PaymentHash,
		DescriptionHash: req.DescriptionHash,
	}
	if req.FeeRate != nil {
		feeRate, err := req.FeeRate.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve fee rate: %w", err)
		}
		body.FeeRate = feeRate
	}
	return sendRequest[ports.FromBTCLNResponse](ctx, c, url, http.MethodPost, "/frombtcln/createInvoice", body)
}

func (c *client) GetPaymentAuthorization(
	ctx context.Context, url, paymentHash string,
) (*ports.PaymentAuthorization, error) {
	env, err := c.callApiRetry(ctx, url, http.MethodPost, "/frombtcln/getInvoicePaymentAuth", map[string]string{
		"paymentHash": paymentHash,
	})
	if err != nil {
		return nil, err
	}

	switch *env.Code {
	case codePending:
		return &ports.PaymentAuthorization{Status: ports.PaymentAuthPending}, nil
	case codeExpired:
		return &ports.PaymentAuthorization{Status: ports.PaymentAuthExpired}, nil
	case codeNotFound:
		return &ports.PaymentAuthorization{Status: ports.PaymentAuthNotFound}, nil
	}
	data, err := decodeEnvelope[ports.EscrowInitData](url, env)
	if err != nil {
		return nil, err
	}
	return &ports.PaymentAuthorization{Status: ports.PaymentAuthPaid, EscrowInitData: *data}, nil
}

func (c *client) GetRefundAuthorization(
	ctx context.Context, url, identifierHash string, sequence *big.Int,
) (*ports.RefundAuthorization, error) {
	env, err := c.callApiRetry(ctx, url, http.MethodPost, "/tobtc/getRefundAuthorization", map[string]string{
		"paymentHash": identifierHash,
		"sequence":    amountString(sequence),
	})
	if err != nil {
		return nil, err
	}

	switch *env.Code {
	case codePending:
		return &ports.RefundAuthorization{Status: ports.RefundAuthPending}, nil
	case codeExpired:
		return &ports.RefundAuthorization{Status: ports.RefundAuthExpired}, nil
	case codeNotFound:
		return &ports.RefundAuthorization{Status: ports.RefundAuthNotFound}, nil
	case codeRefundData:
		*env.Code = codeSuccess
		data, err := decodeEnvelope[ports.EscrowInitData](url, env)
		if err != nil {
			return nil, err
		}
		return &ports.RefundAuthorization{Status: ports.RefundAuthRefundData, Refund: data.SignatureData()}, nil
	}

	paid, err := decodeEnvelope[refundPaidResponse](url, env)
	if err != nil {
		return nil, err
	}
	if paid.TxID == "" && paid.Secret == "" {
		return nil, domain.NewIntermediaryError(url, "payment proof without tx id nor secret")
	}
	return &ports.RefundAuthorization{Status: ports.RefundAuthPaid, TxID: paid.TxID, Secret: paid.Secret}, nil
}

func (c *client) PrepareSpv(
	ctx context.Context, url string, req ports.SpvQuoteRequest,
) (*ports.SpvQuoteResponse, error) {
	return sendRequest[ports.SpvQuoteResponse](ctx, c, url, http.MethodPost, "/frombtc_spv/getQuote", spvQuoteRequest{
		Chain:       req.ChainID,
		Recipient:   req.Recipient,
		Token:       req.Token,
		GasToken:    req.GasToken,
		Amount:      amountString(req.Amount),
		ExactOut:    req.ExactOut,
		GasAmount:   amountString(req.GasAmount),
		CallerFee:   amountString(req.CallerFee),
		FrontingFee: amountString(req.FrontingFee),
	})
}

func (c *client) PostSpvPsbt(ctx context.Context, url, quoteID, psbtHex string) (string, error) {
	env, err := c.callApi(ctx, url, http.MethodPost, "/frombtc_spv/postQuote", map[string]string{
		"quoteId": quoteID,
		"psbtHex": psbtHex,
	})
	if err != nil {
		return "", err
	}
	if *env.Code != codeSuccess {
		log.Debugf("intermediary %s declined psbt for quote %s: %s", url, quoteID, env.Msg)
		return "", domain.NewIntermediaryError(url, "psbt declined: %s", env.Msg)
	}
	resp, err := decodeEnvelope[struct {
		TxID string `json:"txId"`
	}](url, env)
	if err != nil {
		return "", err
	}
	return resp.TxID, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
