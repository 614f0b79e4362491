package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	gate    chan struct{}
	err     error
	payload any
}

func (f *fakeSource) AllBirds(context.Context) (any, error) {
	f.mu.Lock()
	f.calls++
	gate, err, payload := f.gate, f.err, f.payload
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func catalogPayload(n int) any {
	records := make([]any, n)
	for i := range records {
		records[i] = map[string]any{"bird_id": float64(i)}
	}
	return map[string]any{"birds": records}
}

func TestCatalogCachesWithinTTL(t *testing.T) {
	source := &fakeSource{payload: catalogPayload(4)}
	catalog := NewCatalog(source, time.Minute)

	for i := 0; i < 3; i++ {
		birds, err := catalog.Birds(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(birds) != 4 {
			t.Fatalf("expected 4 birds, got %d", len(birds))
		}
	}
	if got := source.callCount(); got != 1 {
		t.Fatalf("expected a single backend fetch, got %d", got)
	}
}

func TestCatalogRefetchesAfterExpiry(t *testing.T) {
	source := &fakeSource{payload: catalogPayload(2)}
	catalog := NewCatalog(source, 5*time.Millisecond)

	if _, err := catalog.Birds(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	if _, err := catalog.Birds(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := source.callCount(); got != 2 {
		t.Fatalf("expected a refetch after expiry, got %d fetches", got)
	}
}

func TestCatalogInvalidate(t *testing.T) {
	source := &fakeSource{payload: catalogPayload(2)}
	catalog := NewCatalog(source, time.Minute)

	if _, err := catalog.Birds(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	catalog.Invalidate()
	if _, err := catalog.Birds(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := source.callCount(); got != 2 {
		t.Fatalf("expected a refetch after invalidation, got %d fetches", got)
	}
}

func TestCatalogSharesInFlightFetch(t *testing.T) {
	gate := make(chan struct{})
	source := &fakeSource{payload: catalogPayload(3), gate: gate}
	catalog := NewCatalog(source, time.Minute)

	const waiters = 8
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = catalog.Birds(context.Background())
		}(i)
	}

	// Let the goroutines queue on the in-flight fetch, then release it.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("waiter %d failed: %v", i, err)
		}
	}
	if got := source.callCount(); got != 1 {
		t.Fatalf("concurrent callers must share one fetch, got %d", got)
	}
}

func TestCatalogFetchError(t *testing.T) {
	source := &fakeSource{err: errors.New("backend down")}
	catalog := NewCatalog(source, time.Minute)

	if _, err := catalog.Birds(context.Background()); err == nil {
		t.Fatal("expected the fetch error to propagate")
	}

	// A failure must not poison the cache; the next call retries.
	source.mu.Lock()
	source.err = nil
	source.payload = catalogPayload(1)
	source.mu.Unlock()
	birds, err := catalog.Birds(context.Background())
	if err != nil || len(birds) != 1 {
		t.Fatalf("expected recovery on the next call: err=%v birds=%d", err, len(birds))
	}
}
