package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"avisearch/orchestrator/internal/domain"
)

const (
	// DefaultSearchLimit matches the backend's own default for search calls.
	DefaultSearchLimit = 12
	// DefaultCrossModalLimit is the per-modality limit for cross-modal search.
	DefaultCrossModalLimit = 5

	maxResponseBytes = 8 << 20
	maxUploadBytes   = 32 << 20
)

// ErrConnectivity marks network-level failures: the backend could not be
// reached at all, as opposed to answering with an error status.
var ErrConnectivity = errors.New("search backend unreachable")

// RequestError is a non-2xx backend response with the user-visible message
// taken from the JSON error body when one could be parsed.
type RequestError struct {
	Op      string
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.Status, e.Message)
}

// Client is a typed wrapper around the multi-modal bird search HTTP API.
// It normalizes transport and status errors and decodes response bodies,
// leaving all envelope interpretation to the caller.
type Client struct {
	baseURL   string
	http      *http.Client
	userAgent string
	limiter   *rate.Limiter
	retry     RetryConfig
}

type Config struct {
	BaseURL   string
	Client    *http.Client
	UserAgent string
	// RequestsPerSecond throttles calls to the backend. Zero disables
	// throttling.
	RequestsPerSecond float64
	Burst             int
	Retry             RetryConfig
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &Client{
		baseURL:   baseURL,
		http:      httpClient,
		userAgent: strings.TrimSpace(cfg.UserAgent),
		limiter:   limiter,
		retry:     retry,
	}
}

// Health checks backend liveness via GET /.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.getJSON(ctx, "health", "/", "backend health check failed")
	return err
}

// CollectionsStatus reports the status of the backend's vector collections.
// Used at startup to validate reachability.
func (c *Client) CollectionsStatus(ctx context.Context) (map[string]any, error) {
	payload, err := c.getJSON(ctx, "collections status", "/collections/status", "failed to read collection status")
	if err != nil {
		return nil, err
	}
	status, _ := payload.(map[string]any)
	return status, nil
}

// SearchText searches by free-text description. The decoded payload is
// returned as-is; envelope interpretation belongs to the normalizer.
func (c *Client) SearchText(ctx context.Context, query string, limit int) (any, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	body, err := json.Marshal(map[string]any{"query": query, "limit": limit})
	if err != nil {
		return nil, err
	}
	return c.postJSON(ctx, "text search", "/search/text", body, "text search failed")
}

// SearchMedia searches by an uploaded image or audio clip. The file is read
// fully up front so the multipart body can be rebuilt on retry.
func (c *Client) SearchMedia(ctx context.Context, modality domain.Modality, filename, contentType string, file io.Reader, limit int) (any, error) {
	var path, op, fallback string
	switch modality {
	case domain.ModalityImage:
		path, op, fallback = "/search/image", "image search", "image search failed"
	case domain.ModalityAudio:
		path, op, fallback = "/search/audio", "audio search", "audio search failed"
	default:
		return nil, fmt.Errorf("media search does not support modality %q", modality)
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}

	var payload any
	err = RetryWithBackoff(ctx, c.retry, func() error {
		body, boundary, buildErr := buildUploadBody(filename, contentType, content)
		if buildErr != nil {
			return buildErr
		}
		requestURL := c.baseURL + path + "?limit=" + strconv.Itoa(limit)
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, body)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
		payload, buildErr = c.do(req, op, fallback)
		return buildErr
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// CrossModal fetches per-modality similarity results for one bird id.
func (c *Client) CrossModal(ctx context.Context, birdID string, limit int) (any, error) {
	if limit <= 0 {
		limit = DefaultCrossModalLimit
	}
	path := "/search/cross-modal/" + url.PathEscape(birdID) + "?limit=" + strconv.Itoa(limit)
	return c.getJSON(ctx, "cross-modal search", path, "cross-modal search failed")
}

// Bird fetches the detail record for one bird id.
func (c *Client) Bird(ctx context.Context, birdID string) (any, error) {
	return c.getJSON(ctx, "bird detail", "/bird/"+url.PathEscape(birdID), "failed to load bird details")
}

// AllBirds fetches the full catalog. The envelope shape is unconstrained.
func (c *Client) AllBirds(ctx context.Context) (any, error) {
	return c.getJSON(ctx, "catalog listing", "/birds/all", "failed to load the bird catalog")
}

// Stats fetches backend database statistics.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	payload, err := c.getJSON(ctx, "stats", "/stats", "failed to load backend stats")
	if err != nil {
		return nil, err
	}
	stats, _ := payload.(map[string]any)
	return stats, nil
}

// EnhanceDescription asks the backend's enrichment endpoint for a readable
// summary of the raw searchable text. Errors here are expected to be treated
// as non-fatal by callers.
func (c *Client) EnhanceDescription(ctx context.Context, searchableText string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"raw_text_data": map[string]any{"searchable_text": searchableText},
	})
	if err != nil {
		return "", err
	}
	payload, err := c.postJSON(ctx, "description enhancement", "/enhance-description", body, "description enhancement failed")
	if err != nil {
		return "", err
	}
	if object, ok := payload.(map[string]any); ok {
		if enhanced, ok := object["enhanced_description"].(string); ok {
			return strings.TrimSpace(enhanced), nil
		}
	}
	return "", nil
}

func (c *Client) getJSON(ctx context.Context, op, path, fallback string) (any, error) {
	var payload any
	err := RetryWithBackoff(ctx, c.retry, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if reqErr != nil {
			return reqErr
		}
		var doErr error
		payload, doErr = c.do(req, op, fallback)
		return doErr
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, body []byte, fallback string) (any, error) {
	var payload any
	err := RetryWithBackoff(ctx, c.retry, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		var doErr error
		payload, doErr = c.do(req, op, fallback)
		return doErr
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *Client) do(req *http.Request, op, fallback string) (any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrConnectivity, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrConnectivity, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{
			Op:      op,
			Status:  resp.StatusCode,
			Message: errorMessage(body, fallback),
		}
	}

	var payload any
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return payload, nil
}

// errorMessage extracts the "detail" field the backend puts in error bodies,
// falling back to the fixed per-operation message.
func errorMessage(body []byte, fallback string) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if detail := strings.TrimSpace(parsed.Detail); detail != "" {
			return detail
		}
	}
	return fallback
}

func buildUploadBody(filename, contentType string, content []byte) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, strings.ReplaceAll(filename, `"`, "")))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf, writer.Boundary(), nil
}
