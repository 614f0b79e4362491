package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"avisearch/orchestrator/internal/backend"
	"avisearch/orchestrator/internal/domain"
)

// fakeGateway scripts gateway responses per query. A query listed in gates
// blocks inside the call until its gate channel is closed, which lets tests
// interleave in-flight requests deterministically.
type fakeGateway struct {
	mu        sync.Mutex
	started   chan string
	gates     map[string]chan struct{}
	textErr   error
	mediaErr  error
	crossErr  error
	lastLimit int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		started: make(chan string, 8),
		gates:   make(map[string]chan struct{}),
	}
}

func (g *fakeGateway) SearchText(_ context.Context, query string, limit int) (any, error) {
	g.started <- query
	g.mu.Lock()
	g.lastLimit = limit
	gate := g.gates[query]
	err := g.textErr
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return []any{map[string]any{"bird_id": query, "species_name": "Bird " + query}}, nil
}

func (g *fakeGateway) SearchMedia(_ context.Context, modality domain.Modality, filename, _ string, _ io.Reader, limit int) (any, error) {
	g.mu.Lock()
	g.lastLimit = limit
	err := g.mediaErr
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return []any{map[string]any{"bird_id": filename, "search_match_type": string(modality)}}, nil
}

func (g *fakeGateway) CrossModal(_ context.Context, birdID string, _ int) (any, error) {
	g.mu.Lock()
	err := g.crossErr
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"target_bird_id": birdID,
		"cross_modal_results": map[string]any{
			"text": []any{map[string]any{"bird_id": "similar-1"}},
		},
	}, nil
}

type fakeCatalog struct {
	mu       sync.Mutex
	calls    int
	failures int
	birds    []domain.SearchResult
}

func (f *fakeCatalog) Birds(context.Context) ([]domain.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("catalog unavailable")
	}
	return f.birds, nil
}

func (f *fakeCatalog) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestControllerStartsBrowsingWithSample(t *testing.T) {
	catalog := &fakeCatalog{birds: makeCatalog(30)}
	controller := NewController(newFakeGateway(), catalog)

	view := controller.View(context.Background())
	if view.Phase != PhaseBrowsing {
		t.Fatalf("expected browsing, got %q", view.Phase)
	}
	if len(view.BrowseSample) != BrowseSampleSize {
		t.Fatalf("expected a %d-bird sample, got %d", BrowseSampleSize, len(view.BrowseSample))
	}
	if view.CrossModal != nil || view.Error != "" || len(view.Results) != 0 {
		t.Fatalf("fresh session must carry only the sample, got %+v", view)
	}

	controller.View(context.Background())
	if got := catalog.callCount(); got != 1 {
		t.Fatalf("the sample must be drawn once, catalog fetched %d times", got)
	}
}

func TestControllerTextSearch(t *testing.T) {
	controller := NewController(newFakeGateway(), nil)

	view, err := controller.SubmitTextQuery(context.Background(), "  red cardinal  ", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Phase != PhaseResults {
		t.Fatalf("expected results phase, got %q", view.Phase)
	}
	if view.Query != "red cardinal" {
		t.Fatalf("expected trimmed query, got %q", view.Query)
	}
	if len(view.Results) != 1 || view.Results[0].BirdID != "red cardinal" {
		t.Fatalf("unexpected results %+v", view.Results)
	}
	if view.Results[0].Modality != domain.ModalityText {
		t.Fatalf("text results must be tagged text, got %q", view.Results[0].Modality)
	}
}

func TestControllerLimitOverride(t *testing.T) {
	gateway := newFakeGateway()
	controller := NewController(gateway, nil, WithSearchLimit(12))

	if _, err := controller.SubmitTextQuery(context.Background(), "jay", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gateway.lastLimit != 5 {
		t.Fatalf("a positive request limit must override the session default, got %d", gateway.lastLimit)
	}

	if _, err := controller.SubmitTextQuery(context.Background(), "jay", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gateway.lastLimit != 12 {
		t.Fatalf("a zero limit must fall back to the session default, got %d", gateway.lastLimit)
	}

	if _, err := controller.SubmitMediaQuery(context.Background(), domain.ModalityAudio, "song.wav", "audio/wav", strings.NewReader("x"), 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gateway.lastLimit != 3 {
		t.Fatalf("media searches must honor the request limit, got %d", gateway.lastLimit)
	}
}

func TestControllerEmptyQueryRejected(t *testing.T) {
	controller := NewController(newFakeGateway(), &fakeCatalog{birds: makeCatalog(3)})

	_, err := controller.SubmitTextQuery(context.Background(), "   ", 0)
	if !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
	if view := controller.View(context.Background()); view.Phase != PhaseBrowsing {
		t.Fatalf("a rejected query must not change the phase, got %q", view.Phase)
	}
}

func TestControllerMediaSearch(t *testing.T) {
	controller := NewController(newFakeGateway(), nil)

	view, err := controller.SubmitMediaQuery(context.Background(), domain.ModalityImage, "photo.jpg", "image/jpeg", strings.NewReader("bytes"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Phase != PhaseResults || len(view.Results) != 1 {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Results[0].Modality != domain.ModalityImage {
		t.Fatalf("expected image modality, got %q", view.Results[0].Modality)
	}

	if _, err := controller.SubmitMediaQuery(context.Background(), domain.ModalityText, "x", "", strings.NewReader(""), 0); err == nil {
		t.Fatal("text modality must be rejected for media search")
	}
}

func TestControllerSearchFailure(t *testing.T) {
	gateway := newFakeGateway()
	gateway.textErr = fmt.Errorf("text search: %w: dial tcp: connection refused", backend.ErrConnectivity)
	controller := NewController(gateway, &fakeCatalog{birds: makeCatalog(3)})

	view, err := controller.SubmitTextQuery(context.Background(), "owl", 0)
	if err != nil {
		t.Fatalf("a backend failure resolves into the error phase, not an error return: %v", err)
	}
	if view.Phase != PhaseError {
		t.Fatalf("expected error phase, got %q", view.Phase)
	}
	if view.Error != "The search service is unreachable. Please try again." {
		t.Fatalf("unexpected user message %q", view.Error)
	}
	if len(view.Results) != 0 {
		t.Fatalf("a failed search must not leave stale results, got %+v", view.Results)
	}

	// Retry after the backend recovers.
	gateway.mu.Lock()
	gateway.textErr = nil
	gateway.mu.Unlock()
	view, err = controller.SubmitTextQuery(context.Background(), "owl", 0)
	if err != nil || view.Phase != PhaseResults {
		t.Fatalf("retry must recover: err=%v phase=%q", err, view.Phase)
	}
	if view.Error != "" {
		t.Fatalf("recovery must clear the error message, got %q", view.Error)
	}
}

func TestControllerBackendMessageSurfaced(t *testing.T) {
	gateway := newFakeGateway()
	gateway.textErr = &backend.RequestError{Op: "text search", Status: 422, Message: "query too vague"}
	controller := NewController(gateway, nil)

	view, err := controller.SubmitTextQuery(context.Background(), "bird", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Error != "query too vague" {
		t.Fatalf("the backend's own message must be surfaced, got %q", view.Error)
	}
}

func TestControllerLastRequestWins(t *testing.T) {
	gateway := newFakeGateway()
	gate := make(chan struct{})
	gateway.gates["slow"] = gate
	controller := NewController(gateway, nil)

	firstDone := make(chan error, 1)
	go func() {
		_, err := controller.SubmitTextQuery(context.Background(), "slow", 0)
		firstDone <- err
	}()
	if started := <-gateway.started; started != "slow" {
		t.Fatalf("expected the slow search to start first, got %q", started)
	}

	view, err := controller.SubmitTextQuery(context.Background(), "fast", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Phase != PhaseResults || view.Results[0].BirdID != "fast" {
		t.Fatalf("the newer search must win, got %+v", view)
	}

	close(gate)
	select {
	case err := <-firstDone:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("the stale search must resolve superseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stale search never resolved")
	}

	final := controller.View(context.Background())
	if final.Query != "fast" || len(final.Results) != 1 || final.Results[0].BirdID != "fast" {
		t.Fatalf("stale completion must not touch state, got %+v", final)
	}
}

func TestControllerCrossModalOverlay(t *testing.T) {
	controller := NewController(newFakeGateway(), nil)
	if _, err := controller.SubmitTextQuery(context.Background(), "jay", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	view, err := controller.SelectForCrossModal(context.Background(), "jay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.CrossModal == nil {
		t.Fatal("expected the overlay to open")
	}
	if view.CrossModal.TargetBirdID != "jay" {
		t.Fatalf("unexpected target %q", view.CrossModal.TargetBirdID)
	}
	if view.Phase != PhaseResults || len(view.Results) != 1 {
		t.Fatalf("the overlay must not disturb the result list, got %+v", view)
	}
	if view.CrossModal.Counts[domain.ModalityText] != 1 {
		t.Fatalf("unexpected overlay counts %+v", view.CrossModal.Counts)
	}
	if view.CrossModal.Attempted[domain.ModalityAudio] {
		t.Fatal("the audio leg was never attempted")
	}

	view = controller.DismissCrossModal(context.Background())
	if view.CrossModal != nil {
		t.Fatal("dismiss must close the overlay")
	}
	if view.Phase != PhaseResults || len(view.Results) != 1 {
		t.Fatalf("dismiss must restore the prior view, got %+v", view)
	}
}

func TestControllerCrossModalFailureLeavesStateUntouched(t *testing.T) {
	gateway := newFakeGateway()
	controller := NewController(gateway, nil)
	if _, err := controller.SubmitTextQuery(context.Background(), "jay", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gateway.mu.Lock()
	gateway.crossErr = errors.New("boom")
	gateway.mu.Unlock()

	if _, err := controller.SelectForCrossModal(context.Background(), "jay"); err == nil {
		t.Fatal("a total cross-modal failure must be reported to the caller")
	}
	view := controller.View(context.Background())
	if view.CrossModal != nil {
		t.Fatal("the overlay must not open on failure")
	}
	if view.Phase != PhaseResults || len(view.Results) != 1 {
		t.Fatalf("a failed overlay fetch must leave the session as it was, got %+v", view)
	}
}

func TestControllerNewSearchDropsOverlay(t *testing.T) {
	controller := NewController(newFakeGateway(), nil)
	if _, err := controller.SubmitTextQuery(context.Background(), "jay", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := controller.SelectForCrossModal(context.Background(), "jay"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	view, err := controller.SubmitTextQuery(context.Background(), "wren", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.CrossModal != nil {
		t.Fatal("a new search must drop the overlay")
	}
}

func TestControllerClear(t *testing.T) {
	catalog := &fakeCatalog{birds: makeCatalog(30)}
	controller := NewController(newFakeGateway(), catalog)
	controller.View(context.Background())
	if _, err := controller.SubmitTextQuery(context.Background(), "jay", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := controller.SelectForCrossModal(context.Background(), "jay"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	view := controller.Clear(context.Background())
	if view.Phase != PhaseBrowsing {
		t.Fatalf("clear must return to browsing, got %q", view.Phase)
	}
	if view.Query != "" || view.Error != "" || len(view.Results) != 0 || view.CrossModal != nil {
		t.Fatalf("clear must discard search state, got %+v", view)
	}
	if len(view.BrowseSample) != BrowseSampleSize {
		t.Fatalf("clear must show a browse sample, got %d birds", len(view.BrowseSample))
	}
	if got := catalog.callCount(); got != 2 {
		t.Fatalf("clear must draw a fresh sample, catalog fetched %d times", got)
	}
}

func TestControllerBrowseSampleRetriesAfterFailure(t *testing.T) {
	catalog := &fakeCatalog{failures: 1, birds: makeCatalog(20)}
	controller := NewController(newFakeGateway(), catalog)

	view := controller.View(context.Background())
	if view.Phase != PhaseBrowsing || len(view.BrowseSample) != 0 {
		t.Fatalf("a failed catalog fetch degrades to an empty sample, got %+v", view)
	}

	view = controller.View(context.Background())
	if len(view.BrowseSample) != BrowseSampleSize {
		t.Fatalf("the next view must retry the fetch, got %d birds", len(view.BrowseSample))
	}
}
