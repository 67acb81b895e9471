package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	log "github.com/sirupsen/logrus"
)

const DefaultQuoteWindow = 2000 * time.Millisecond

// ErrNoIntermediary is returned when no LP supports a swap request.
var ErrNoIntermediary = errors.New("no intermediary supports the requested swap")

type quoteOutcome[T any] struct {
	url   string
	quote T
	err   error
}

// quoteRound solicits quotes from every candidate concurrently. Once the
// first valid quote arrives the remaining candidates have window to answer,
// the stragglers are then canceled. Candidates whose data fails local
// verification are blacklisted for the rest of the round.
type quoteRound[T any] struct {
	window  time.Duration
	request func(ctx context.Context, lp domain.Intermediary) (T, error)
	// onReject is called for every failed candidate, e.g. to record metrics.
	onReject func(url string, err error)

	lock      sync.Mutex
	blacklist map[string]struct{}
}

func newQuoteRound[T any](
	window time.Duration, request func(ctx context.Context, lp domain.Intermediary) (T, error),
) *quoteRound[T] {
	if window <= 0 {
		window = DefaultQuoteWindow
	}
	return &quoteRound[T]{
		window:    window,
		request:   request,
		blacklist: make(map[string]struct{}),
	}
}

func (r *quoteRound[T]) isBlacklisted(url string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, ok := r.blacklist[url]
	return ok
}

func (r *quoteRound[T]) run(ctx context.Context, candidates []domain.Intermediary) ([]T, error) {
	if len(candidates) == 0 {
		return nil, ErrNoIntermediary
	}

	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan quoteOutcome[T], len(candidates))
	pending := 0
	for _, lp := range candidates {
		if r.isBlacklisted(lp.Url) {
			continue
		}
		pending++
		go func(lp domain.Intermediary) {
			quote, err := r.request(roundCtx, lp)
			outcomes <- quoteOutcome[T]{lp.Url, quote, err}
		}(lp)
	}
	if pending == 0 {
		return nil, ErrNoIntermediary
	}

	var (
		quotes   []T
		errs     []error
		deadline <-chan time.Time
	)
	for pending > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			log.Debugf("quote window elapsed, aborting %d pending requests", pending)
			pending = 0
		case out := <-outcomes:
			pending--
			if out.err != nil {
				r.reject(out.url, out.err)
				errs = append(errs, out.err)
				continue
			}
			quotes = append(quotes, out.quote)
			if deadline == nil {
				timer := time.NewTimer(r.window)
				defer timer.Stop()
				deadline = timer.C
			}
		}
	}

	if len(quotes) == 0 {
		return nil, aggregateQuoteErrors(errs)
	}
	return quotes, nil
}

func (r *quoteRound[T]) reject(url string, err error) {
	var intermediaryErr *domain.IntermediaryError
	if errors.As(err, &intermediaryErr) {
		r.lock.Lock()
		r.blacklist[url] = struct{}{}
		r.lock.Unlock()
		log.WithError(err).Warnf("intermediary %s returned invalid data, blacklisted for this round", url)
	} else if !errors.Is(err, context.Canceled) {
		log.WithError(err).Debugf("intermediary %s failed to quote", url)
	}
	if r.onReject != nil {
		r.onReject(url, err)
	}
}

// aggregateQuoteErrors returns the most specific error: bounds errors win
// and are merged into the widest range any LP accepts.
func aggregateQuoteErrors(errs []error) error {
	var bounds *domain.OutOfBoundsError
	for _, err := range errs {
		var e *domain.OutOfBoundsError
		if !errors.As(err, &e) {
			continue
		}
		if bounds == nil {
			bounds = &domain.OutOfBoundsError{}
		}
		bounds.Merge(e)
	}
	if bounds != nil {
		return bounds
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Errorf("no intermediary returned a valid quote: %w", errors.Join(errs...))
}

// sortQuotes orders swaps from the best economic outcome: highest output for
// exact input requests, lowest input otherwise.
func sortQuotes[S domain.Swap](quotes []S, exactIn bool) {
	sort.SliceStable(quotes, func(i, j int) bool {
		if exactIn {
			return quotes[i].OutputAmount().Value.Cmp(quotes[j].OutputAmount().Value) > 0
		}
		return quotes[i].InputAmount().Value.Cmp(quotes[j].InputAmount().Value) < 0
	})
}

func reasonOf(err error) string {
	var (
		intermediaryErr *domain.IntermediaryError
		boundsErr       *domain.OutOfBoundsError
		sigErr          *domain.SignatureVerificationError
		requestErr      *domain.RequestError
	)
	switch {
	case errors.As(err, &intermediaryErr):
		return "intermediary"
	case errors.As(err, &boundsErr):
		return "out_of_bounds"
	case errors.As(err, &sigErr):
		return "signature"
	case errors.As(err, &requestErr):
		return "request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
