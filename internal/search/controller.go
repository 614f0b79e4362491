package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"avisearch/orchestrator/internal/backend"
	"avisearch/orchestrator/internal/domain"
	"avisearch/orchestrator/internal/metrics"
)

// Phase is the primary state of a search session.
type Phase string

const (
	PhaseBrowsing  Phase = "browsing"
	PhaseSearching Phase = "searching"
	PhaseResults   Phase = "results"
	PhaseError     Phase = "error"
)

var (
	ErrEmptyQuery = errors.New("query is required")
	// ErrSuperseded marks a request whose response arrived after a newer
	// request had already been issued on the same slot. Its effect on
	// session state was dropped.
	ErrSuperseded = errors.New("request superseded by a newer one")
)

// Gateway is the slice of the backend client the controller needs.
type Gateway interface {
	SearchText(ctx context.Context, query string, limit int) (any, error)
	SearchMedia(ctx context.Context, modality domain.Modality, filename, contentType string, file io.Reader, limit int) (any, error)
	CrossModal(ctx context.Context, birdID string, limit int) (any, error)
}

// CatalogProvider supplies the full catalog for browse sampling.
type CatalogProvider interface {
	Birds(ctx context.Context) ([]domain.SearchResult, error)
}

// Controller owns the state of one browsing session: the current phase,
// result set, browse sample and cross-modal overlay. It holds the state
// machine invariants the rest of the system relies on:
//
//   - at most one primary search affects state; a newer submission
//     invalidates the pending one's effect (last request wins), enforced
//     with a generation token captured at issuance and compared at
//     resolution;
//   - the cross-modal overlay is an independent slot with its own token
//     and never discards the underlying result list;
//   - every backend failure maps to a user-visible message and the error
//     phase, and every failure is recoverable by retrying or clearing.
type Controller struct {
	gateway     Gateway
	catalog     CatalogProvider
	searchLimit int
	crossLimit  int
	logger      *slog.Logger

	mu           sync.Mutex
	phase        Phase
	query        string
	results      []domain.SearchResult
	errorMessage string
	browseSample []domain.SearchResult
	crossModal   *domain.CrossModalResult
	searchGen    uint64
	crossGen     uint64
	lastActive   time.Time
}

type ControllerOption func(*Controller)

func WithSearchLimit(limit int) ControllerOption {
	return func(c *Controller) {
		if limit > 0 {
			c.searchLimit = limit
		}
	}
}

func WithCrossModalLimit(limit int) ControllerOption {
	return func(c *Controller) {
		if limit > 0 {
			c.crossLimit = limit
		}
	}
}

func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

func NewController(gateway Gateway, catalog CatalogProvider, opts ...ControllerOption) *Controller {
	controller := &Controller{
		gateway:     gateway,
		catalog:     catalog,
		searchLimit: backend.DefaultSearchLimit,
		crossLimit:  backend.DefaultCrossModalLimit,
		logger:      slog.Default(),
		phase:       PhaseBrowsing,
		lastActive:  time.Now(),
	}
	for _, opt := range opts {
		opt(controller)
	}
	return controller
}

// SubmitTextQuery runs a free-text search and applies the outcome unless a
// newer submission superseded this one while it was in flight. A positive
// limit overrides the session default for this request only.
func (c *Controller) SubmitTextQuery(ctx context.Context, query string, limit int) (View, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return c.View(ctx), ErrEmptyQuery
	}
	gen := c.beginSearch(query)

	payload, err := c.gateway.SearchText(ctx, query, c.effectiveLimit(limit))
	return c.resolveSearch(ctx, gen, domain.ModalityText, payload, err)
}

// SubmitMediaQuery runs an image or audio search from an uploaded file.
func (c *Controller) SubmitMediaQuery(ctx context.Context, modality domain.Modality, filename, contentType string, file io.Reader, limit int) (View, error) {
	if modality != domain.ModalityImage && modality != domain.ModalityAudio {
		return c.View(ctx), errors.New("media search requires the image or audio modality")
	}
	gen := c.beginSearch(filename)

	payload, err := c.gateway.SearchMedia(ctx, modality, filename, contentType, file, c.effectiveLimit(limit))
	return c.resolveSearch(ctx, gen, modality, payload, err)
}

func (c *Controller) effectiveLimit(limit int) int {
	if limit > 0 {
		return limit
	}
	return c.searchLimit
}

func (c *Controller) beginSearch(query string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searchGen++
	c.phase = PhaseSearching
	c.query = query
	c.errorMessage = ""
	c.crossModal = nil
	c.crossGen++ // invalidate any in-flight cross-modal fetch too
	c.lastActive = time.Now()
	return c.searchGen
}

func (c *Controller) resolveSearch(ctx context.Context, gen uint64, modality domain.Modality, payload any, err error) (View, error) {
	c.mu.Lock()
	if gen != c.searchGen {
		c.mu.Unlock()
		metrics.SearchesSuperseded.Inc()
		return c.View(ctx), ErrSuperseded
	}
	if err != nil {
		c.phase = PhaseError
		c.errorMessage = userMessage(err, modality)
		c.results = nil
		c.mu.Unlock()
		c.logger.Warn("search failed",
			slog.String("modality", string(modality)),
			slog.String("error", err.Error()),
		)
		metrics.SearchesTotal.WithLabelValues(string(modality), "error").Inc()
		return c.View(ctx), nil
	}

	results := NormalizeResults(payload, modality)
	c.phase = PhaseResults
	c.results = results
	c.errorMessage = ""
	c.mu.Unlock()

	c.logger.Info("search completed",
		slog.String("modality", string(modality)),
		slog.Int("results", len(results)),
	)
	metrics.SearchesTotal.WithLabelValues(string(modality), "ok").Inc()
	return c.View(ctx), nil
}

// SelectForCrossModal fetches similar birds across all modalities for one
// result and overlays them on the current view. A total fetch failure
// leaves the session state untouched (the overlay simply does not open);
// per-modality failures degrade inside the aggregate.
func (c *Controller) SelectForCrossModal(ctx context.Context, birdID string) (View, error) {
	birdID = strings.TrimSpace(birdID)
	if birdID == "" {
		return c.View(ctx), errors.New("bird id is required")
	}

	c.mu.Lock()
	c.crossGen++
	gen := c.crossGen
	c.lastActive = time.Now()
	c.mu.Unlock()

	payload, err := c.gateway.CrossModal(ctx, birdID, c.crossLimit)
	if err != nil {
		c.logger.Warn("cross-modal search failed",
			slog.String("birdId", birdID),
			slog.String("error", err.Error()),
		)
		return c.View(ctx), err
	}

	aggregate := AggregateCrossModal(payload, birdID)

	c.mu.Lock()
	if gen != c.crossGen {
		c.mu.Unlock()
		return c.View(ctx), ErrSuperseded
	}
	c.crossModal = &aggregate
	c.mu.Unlock()
	return c.View(ctx), nil
}

// DismissCrossModal closes the overlay, returning to the prior view.
func (c *Controller) DismissCrossModal(ctx context.Context) View {
	c.mu.Lock()
	c.crossGen++
	c.crossModal = nil
	c.lastActive = time.Now()
	c.mu.Unlock()
	return c.View(ctx)
}

// Clear returns the session to browsing: results, error and overlay are
// discarded and the next view draws a fresh browse sample.
func (c *Controller) Clear(ctx context.Context) View {
	c.mu.Lock()
	c.searchGen++
	c.crossGen++
	c.phase = PhaseBrowsing
	c.query = ""
	c.results = nil
	c.errorMessage = ""
	c.crossModal = nil
	c.browseSample = nil
	c.lastActive = time.Now()
	c.mu.Unlock()
	return c.View(ctx)
}

// View snapshots the session for display. While browsing with no sample
// yet, it lazily populates one from the catalog; a failed catalog fetch
// degrades to an empty sample and is retried on the next call.
func (c *Controller) View(ctx context.Context) View {
	c.ensureBrowseSample(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	view := View{
		Phase: c.phase,
		Query: c.query,
	}
	view.Results = resultViews(c.results)
	view.Error = c.errorMessage
	if c.phase == PhaseBrowsing {
		view.BrowseSample = resultViews(c.browseSample)
	}
	if c.crossModal != nil {
		overlay := crossModalView(*c.crossModal)
		view.CrossModal = &overlay
	}
	return view
}

func (c *Controller) ensureBrowseSample(ctx context.Context) {
	c.mu.Lock()
	needsSample := c.phase == PhaseBrowsing && c.browseSample == nil && c.catalog != nil
	c.mu.Unlock()
	if !needsSample {
		return
	}

	birds, err := c.catalog.Birds(ctx)
	if err != nil {
		c.logger.Warn("browse sample unavailable", slog.String("error", err.Error()))
		return
	}
	sample := SampleCatalog(birds, BrowseSampleSize)

	c.mu.Lock()
	if c.phase == PhaseBrowsing && c.browseSample == nil {
		c.browseSample = sample
	}
	c.mu.Unlock()
}

// LastActive reports when the session last handled an operation; used for
// idle eviction.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// userMessage maps a gateway error to the message shown to the user.
func userMessage(err error, modality domain.Modality) string {
	var reqErr *backend.RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.Message
	case errors.Is(err, backend.ErrConnectivity):
		return "The search service is unreachable. Please try again."
	case errors.Is(err, context.DeadlineExceeded):
		return "The search timed out. Please try again."
	default:
		switch modality {
		case domain.ModalityImage:
			return "Image search failed. Please try again."
		case domain.ModalityAudio:
			return "Audio search failed. Please try again."
		default:
			return "Search failed. Please try again."
		}
	}
}
