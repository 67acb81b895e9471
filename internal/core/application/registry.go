package application

import (
	"context"
	"sync"

	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const subscriberBuffer = 64

type registryEntry struct {
	swap domain.Swap
	refs int
}

type stateWaiter struct {
	id     string
	target int
	cmp    domain.StateComparison
	done   chan struct{}
}

// SwapRegistry keeps a single in-memory instance per swap id, persists swaps
// and notifies observers of every persisted mutation.
//
// Swaps are held while referenced and evicted once nobody holds them
// anymore.
type SwapRegistry struct {
	repo domain.SwapRepository

	lock    sync.Mutex
	entries map[string]*registryEntry
	waiters map[uuid.UUID]*stateWaiter

	subLock     sync.RWMutex
	subscribers map[uuid.UUID]chan domain.Swap
}

func NewSwapRegistry(repo domain.SwapRepository) *SwapRegistry {
	return &SwapRegistry{
		repo:        repo,
		entries:     make(map[string]*registryEntry),
		waiters:     make(map[uuid.UUID]*stateWaiter),
		subscribers: make(map[uuid.UUID]chan domain.Swap),
	}
}

// Acquire registers a reference to swap and returns the canonical instance
// for its id, which is swap itself unless another instance was already held.
func (r *SwapRegistry) Acquire(swap domain.Swap) domain.Swap {
	r.lock.Lock()
	defer r.lock.Unlock()

	id := swap.ID()
	entry, ok := r.entries[id]
	if !ok {
		entry = &registryEntry{swap: swap}
		r.entries[id] = entry
	}
	entry.refs++
	return entry.swap
}

// Release drops a reference acquired with Acquire.
func (r *SwapRegistry) Release(swap domain.Swap) {
	r.lock.Lock()
	defer r.lock.Unlock()

	id := swap.ID()
	entry, ok := r.entries[id]
	if !ok {
		return
	}
	if entry.refs > 0 {
		entry.refs--
	}
	if entry.refs == 0 {
		delete(r.entries, id)
	}
}

func (r *SwapRegistry) Lookup(id string) (domain.Swap, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return entry.swap, true
}

// Get returns the held instance of a swap, loading it from the repository
// when not held. The returned swap is not acquired.
func (r *SwapRegistry) Get(ctx context.Context, id string) (domain.Swap, error) {
	if swap, ok := r.Lookup(id); ok {
		return swap, nil
	}
	return r.repo.Get(ctx, id)
}

func (r *SwapRegistry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.entries)
}

// Save persists swap and notifies observers. The caller must hold the swap
// lock so that writes to one swap never interleave.
func (r *SwapRegistry) Save(ctx context.Context, swap domain.Swap) error {
	if err := r.repo.Save(ctx, swap); err != nil {
		return err
	}
	r.notify(swap)
	return nil
}

func (r *SwapRegistry) Remove(ctx context.Context, swap domain.Swap) error {
	if err := r.repo.Remove(ctx, swap); err != nil {
		return err
	}
	r.lock.Lock()
	delete(r.entries, swap.ID())
	r.lock.Unlock()
	return nil
}

// Subscribe returns a channel receiving every persisted swap mutation. The
// channel is closed once ctx is done. Slow subscribers miss notifications.
func (r *SwapRegistry) Subscribe(ctx context.Context) <-chan domain.Swap {
	id := uuid.New()
	ch := make(chan domain.Swap, subscriberBuffer)

	r.subLock.Lock()
	r.subscribers[id] = ch
	r.subLock.Unlock()

	go func() {
		<-ctx.Done()
		r.subLock.Lock()
		delete(r.subscribers, id)
		close(ch)
		r.subLock.Unlock()
	}()
	return ch
}

// WaitTillState blocks until a persisted mutation of swap satisfies
// cmp(state, target) or ctx is done. It never polls remote sources.
func (r *SwapRegistry) WaitTillState(
	ctx context.Context, swap domain.Swap, target int, cmp domain.StateComparison,
) error {
	id := uuid.New()
	w := &stateWaiter{id: swap.ID(), target: target, cmp: cmp, done: make(chan struct{})}

	r.lock.Lock()
	r.waiters[id] = w
	r.lock.Unlock()
	defer func() {
		r.lock.Lock()
		delete(r.waiters, id)
		r.lock.Unlock()
	}()

	swap.Base().Lock()
	current := swap.RawState()
	swap.Base().Unlock()
	if cmp.Matches(current, target) {
		return nil
	}

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *SwapRegistry) notify(swap domain.Swap) {
	id, state := swap.ID(), swap.RawState()

	r.lock.Lock()
	for key, w := range r.waiters {
		if w.id == id && w.cmp.Matches(state, w.target) {
			close(w.done)
			delete(r.waiters, key)
		}
	}
	r.lock.Unlock()

	r.subLock.RLock()
	defer r.subLock.RUnlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- swap:
		default:
			log.WithField("swap", id).Warn("dropping swap notification for slow subscriber")
		}
	}
}
