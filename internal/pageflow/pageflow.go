package pageflow

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
)

// Every resource page shares one lifecycle instead of re-implementing
// it: Idle -> Loading -> {Loaded, Failed}, and from Loaded a mutation
// goes Submitting -> Loaded (refreshed by the caller) or back to Loaded
// with the submit error kept inline.

type Status string

const (
	StatusIdle       Status = "idle"
	StatusLoading    Status = "loading"
	StatusLoaded     Status = "loaded"
	StatusFailed     Status = "failed"
	StatusSubmitting Status = "submitting"
)

var (
	ErrNothingLoaded = errors.New("nothing loaded yet")
	ErrNotLoaded     = errors.New("page not in loaded state")
)

type Snapshot[T any] struct {
	Status        Status
	Data          T
	Err           error
	LastSubmitErr error
}

type Flow[T any] struct {
	// loadMu serializes fetches; concurrent loads queue up and the
	// last one to finish wins, same as racing page refreshes
	loadMu sync.Mutex

	mu            sync.Mutex
	status        Status
	data          T
	err           error
	lastSubmitErr error
	fetch         func(ctx context.Context) (T, error)
}

func New[T any]() *Flow[T] {
	return &Flow[T]{
		status: StatusIdle,
	}
}

// Load runs fetch and moves the flow to Loaded or Failed. The fetch
// function is remembered for Refetch.
func (f *Flow[T]) Load(ctx context.Context, fetch func(ctx context.Context) (T, error)) (T, error) {
	f.loadMu.Lock()
	defer f.loadMu.Unlock()

	f.mu.Lock()
	f.status = StatusLoading
	f.fetch = fetch
	f.mu.Unlock()

	data, err := fetch(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	if err != nil {
		f.status = StatusFailed
		// keep whatever partial data the fetch produced: an aggregated
		// parallel fetch may fail on one collection and still fill others
		f.data = data
		return data, err
	}
	f.status = StatusLoaded
	f.data = data
	return data, nil
}

// Refetch re-runs the last fetch.
func (f *Flow[T]) Refetch(ctx context.Context) (T, error) {
	f.mu.Lock()
	fetch := f.fetch
	f.mu.Unlock()

	if fetch == nil {
		var zero T
		return zero, ErrNothingLoaded
	}
	return f.Load(ctx, fetch)
}

// Submit runs a mutation. Allowed only from Loaded; afterwards the flow
// is Loaded again, with the mutation error (if any) kept inline for the
// page to show. The caller decides whether to Refetch on success.
func (f *Flow[T]) Submit(ctx context.Context, mutate func(ctx context.Context) error) error {
	f.mu.Lock()
	if f.status != StatusLoaded {
		f.mu.Unlock()
		return ErrNotLoaded
	}
	f.status = StatusSubmitting
	f.mu.Unlock()

	err := mutate(ctx)

	f.mu.Lock()
	f.status = StatusLoaded
	f.lastSubmitErr = err
	f.mu.Unlock()

	return err
}

// Patch applies an optimistic local update to loaded data. Rollback
// restores the previous data, for reconciliation when the server
// rejects the mutation the patch anticipated.
func (f *Flow[T]) Patch(apply func(data T) T) (rollback func(), err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != StatusLoaded {
		return nil, ErrNotLoaded
	}

	previous := f.data
	f.data = apply(f.data)

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.data = previous
	}, nil
}

func (f *Flow[T]) Snapshot() Snapshot[T] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot[T]{
		Status:        f.status,
		Data:          f.data,
		Err:           f.err,
		LastSubmitErr: f.lastSubmitErr,
	}
}

// Pending reports whether the page should show its busy indicator.
func (f *Flow[T]) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status == StatusLoading || f.status == StatusSubmitting
}

// FetchAll runs independent fetches in parallel and combines their
// failures into one error. Successful fetches keep their results, so a
// page ends up partially populated rather than empty when one of its
// collections fails.
func FetchAll(ctx context.Context, fetches ...func(ctx context.Context) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(fetches))

	for i, fetch := range fetches {
		wg.Add(1)
		go func(i int, fetch func(ctx context.Context) error) {
			defer wg.Done()
			errs[i] = fetch(ctx)
		}(i, fetch)
	}
	wg.Wait()

	return multierr.Combine(errs...)
}
