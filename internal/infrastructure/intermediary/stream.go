package intermediary

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/utils"
	log "github.com/sirupsen/logrus"
)

var errNoPrefetch = errors.New("intermediary sent no signature prefetch data")

// lazyField is a request field sent on its own line once resolved.
type lazyField struct {
	name  string
	value func(ctx context.Context) (any, error)
}

func futureField[T any](name string, f *utils.Future[T]) []lazyField {
	if f == nil {
		return nil
	}
	return []lazyField{{name, func(ctx context.Context) (any, error) { return f.Get(ctx) }}}
}

// streamLine is one line of a streamed quote answer: either the early
// prefetch data or the final envelope.
type streamLine struct {
	SignDataPrefetch json.RawMessage `json:"signDataPrefetch"`
	envelope
}

// streamQuote sends first as the opening NDJSON line followed by one line
// per lazy field, while reading the answer line by line. The returned
// stream resolves as lines arrive.
func streamQuote[T any](
	ctx context.Context, c *client, lpURL, endpoint string, first any, lazy ...[]lazyField,
) (*ports.QuoteStream[T], error) {
	if err := c.wait(ctx, lpURL); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go writeLines(ctx, pw, first, lazy)

	url := strings.TrimRight(lpURL, "/") + endpoint
	req, err := newRequest(ctx, http.MethodPost, url, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	prefetch, resolvePrefetch := utils.NewPromise[json.RawMessage]()
	response, resolveResponse := utils.NewPromise[T]()
	fail := func(err error) {
		resolvePrefetch(nil, err)
		var zero T
		resolveResponse(zero, err)
	}

	go func() {
		defer pr.Close()

		res, err := c.http.Do(req)
		if err != nil {
			fail(&domain.RequestError{Url: lpURL, Err: err})
			return
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			// Bounds errors are reported with a plain envelope.
			raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
			var env envelope
			if json.Unmarshal(raw, &env) == nil && env.Code != nil {
				if _, err := decodeEnvelope[T](lpURL, &env); err != nil {
					fail(err)
					return
				}
			}
			fail(&domain.RequestError{
				Url:        lpURL,
				StatusCode: res.StatusCode,
				Err: &HTTPError{
					Method: http.MethodPost, URL: url, StatusCode: res.StatusCode,
					Body: strings.TrimSpace(string(raw)),
				},
			})
			return
		}

		scanner := bufio.NewScanner(io.LimitReader(res.Body, maxBodyBytes))
		scanner.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var msg streamLine
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				fail(domain.NewIntermediaryError(lpURL, "invalid stream line: %s", err))
				return
			}
			if len(msg.SignDataPrefetch) > 0 {
				resolvePrefetch(msg.SignDataPrefetch, nil)
			}
			if msg.Code == nil {
				continue
			}
			resolvePrefetch(nil, errNoPrefetch)
			resp, err := decodeEnvelope[T](lpURL, &msg.envelope)
			if err != nil {
				fail(err)
				return
			}
			resolveResponse(*resp, nil)
			return
		}
		if err := scanner.Err(); err != nil {
			fail(&domain.RequestError{Url: lpURL, StatusCode: res.StatusCode, Err: err})
			return
		}
		fail(domain.NewIntermediaryError(lpURL, "stream closed without a response"))
	}()

	return &ports.QuoteStream[T]{SignDataPrefetch: prefetch, Response: response}, nil
}

func writeLines(ctx context.Context, pw *io.PipeWriter, first any, lazy [][]lazyField) {
	enc := json.NewEncoder(pw)
	if err := enc.Encode(first); err != nil {
		pw.CloseWithError(fmt.Errorf("encode request: %w", err))
		return
	}
	for _, fields := range lazy {
		for _, field := range fields {
			v, err := field.value(ctx)
			if err != nil {
				log.WithError(err).Debugf("failed to resolve %s", field.name)
				pw.CloseWithError(fmt.Errorf("resolve %s: %w", field.name, err))
				return
			}
			if err := enc.Encode(map[string]any{field.name: v}); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
	}
	pw.Close()
}
