package intermediary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// LP response codes.
const (
	codeSuccess       = 20000
	codeRefundData    = 20001
	codeAmountTooLow  = 20003
	codeAmountTooHigh = 20004
	codeNotFound      = 20007
	codeExpired       = 20010
	codePending       = 20011
)

const maxErrorBody = 2000

type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// envelope wraps every LP answer.
type envelope struct {
	Code *int            `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type boundsData struct {
	Min *big.Int `json:"min"`
	Max *big.Int `json:"max"`
}

// codeError is an LP answer with a code this client has no special handling
// for.
type codeError struct {
	Code int
	Msg  string
}

func (e *codeError) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Msg)
}

func newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("new %s %s: %w", method, url, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	return req, nil
}

// callApi sends a single JSON request and returns the decoded envelope.
// Transport failures and non-JSON answers are RequestErrors.
func (c *client) callApi(ctx context.Context, lpURL, method, endpoint string, reqBody any) (*envelope, error) {
	if err := c.wait(ctx, lpURL); err != nil {
		return nil, err
	}

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	url := strings.TrimRight(lpURL, "/") + endpoint
	req, err := newRequest(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.RequestError{Url: lpURL, Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, &domain.RequestError{Url: lpURL, StatusCode: res.StatusCode, Err: fmt.Errorf("read response body: %w", err)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Code == nil {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody] + "...(truncated)"
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return nil, &domain.RequestError{
				Url:        lpURL,
				StatusCode: res.StatusCode,
				Err:        &HTTPError{Method: method, URL: url, StatusCode: res.StatusCode, Body: msg},
			}
		}
		return nil, &domain.RequestError{Url: lpURL, StatusCode: res.StatusCode, Err: fmt.Errorf("invalid response: %q", msg)}
	}
	return &env, nil
}

// decodeEnvelope maps an LP answer to its data, turning bounds codes into
// OutOfBoundsError and other codes into a codeError.
func decodeEnvelope[T any](lpURL string, env *envelope) (*T, error) {
	switch *env.Code {
	case codeSuccess:
		var out T
		if len(bytes.TrimSpace(env.Data)) == 0 {
			return &out, nil
		}
		if err := json.Unmarshal(env.Data, &out); err != nil {
			return nil, domain.NewIntermediaryError(lpURL, "invalid response data: %s", err)
		}
		return &out, nil
	case codeAmountTooLow, codeAmountTooHigh:
		var bounds boundsData
		if err := json.Unmarshal(env.Data, &bounds); err != nil {
			return nil, domain.NewIntermediaryError(lpURL, "invalid bounds: %s", err)
		}
		return nil, &domain.OutOfBoundsError{Url: lpURL, Min: bounds.Min, Max: bounds.Max}
	default:
		return nil, &domain.RequestError{Url: lpURL, Err: &codeError{*env.Code, env.Msg}}
	}
}

// isTransient reports whether err is worth retrying: the LP could not be
// reached, or answered with an overloaded or failing server and no code.
func isTransient(err error) bool {
	var requestErr *domain.RequestError
	if !errors.As(err, &requestErr) {
		return false
	}
	var codeErr *codeError
	if errors.As(requestErr.Err, &codeErr) {
		return false
	}
	status := requestErr.StatusCode
	return status == 0 || status >= 500 || status == http.StatusTooManyRequests
}

// callApiRetry is callApi for idempotent reads. Transient failures are
// retried with exponential backoff, any other error is returned at once.
func (c *client) callApiRetry(ctx context.Context, lpURL, method, endpoint string, reqBody any) (*envelope, error) {
	var env *envelope
	op := func() error {
		var err error
		env, err = c.callApi(ctx, lpURL, method, endpoint, reqBody)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		log.WithError(err).Debugf("intermediary request %s%s failed, retrying in %s", lpURL, endpoint, wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return env, nil
}

func sendRequest[T any](ctx context.Context, c *client, lpURL, method, endpoint string, reqBody any) (*T, error) {
	env, err := c.callApi(ctx, lpURL, method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope[T](lpURL, env)
}
