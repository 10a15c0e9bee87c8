// Package remote is the HTTP client for the analysis service: action
// ingest, pattern fetch, code generation and agent deployment.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flowmint/flowmint/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("flowmint/remote")

// maxErrorBody bounds how much of a failed response is kept in StatusError.
const maxErrorBody = 4 << 10

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the analysis service rooted at BaseURL.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
}

// New creates a client. baseURL is the API root, e.g.
// http://localhost:8000/api.
func New(baseURL string, timeout time.Duration, userID string) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if userID == "" {
		userID = models.DefaultUserID
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL }

// Track submits one action to the ingest endpoint.
func (c *Client) Track(ctx context.Context, action models.Action) error {
	if action.UserID == "" {
		action.UserID = c.userID
	}
	ctx, span := tracer.Start(ctx, "remote.track", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("flowmint.action.id", action.ID),
			attribute.String("flowmint.action.type", string(action.Type)),
		))
	defer span.End()

	return c.do(ctx, span, "track", http.MethodPost, "/track", action, nil)
}

// FetchPatterns returns the remote pattern collection for the configured
// user. A response that is not a JSON array yields an empty slice; records
// that fail to decode are skipped.
func (c *Client) FetchPatterns(ctx context.Context) ([]models.Pattern, error) {
	ctx, span := tracer.Start(ctx, "remote.fetch_patterns", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var raw json.RawMessage
	path := "/patterns?user_id=" + url.QueryEscape(c.userID)
	if err := c.do(ctx, span, "fetch patterns", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		log.Debug().Msg("remote: pattern response is not a list, treating as empty")
		return []models.Pattern{}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		log.Debug().Err(err).Msg("remote: pattern response is not valid JSON, treating as empty")
		return []models.Pattern{}, nil
	}
	patterns := make([]models.Pattern, 0, len(items))
	for _, item := range items {
		var p models.Pattern
		if err := json.Unmarshal(item, &p); err != nil {
			log.Warn().Err(err).Msg("remote: skipping malformed pattern")
			continue
		}
		if p.ID == "" {
			log.Warn().Str("name", p.Name).Msg("remote: skipping pattern without id")
			continue
		}
		patterns = append(patterns, p)
	}
	span.SetAttributes(attribute.Int("flowmint.patterns", len(patterns)))
	return patterns, nil
}

// Generate requests automation code for a pattern.
func (c *Client) Generate(ctx context.Context, req models.LifecycleRequest) (*models.GenerateResponse, error) {
	ctx, span := tracer.Start(ctx, "remote.generate", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("flowmint.pattern.id", req.PatternID)))
	defer span.End()

	var resp models.GenerateResponse
	if err := c.do(ctx, span, "generate", http.MethodPost, "/generate", req, &resp); err != nil {
		return nil, err
	}
	if resp.Code == "" {
		err := fmt.Errorf("generate: response carried no code")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return &resp, nil
}

// Mint requests deployment of a pattern's agent.
func (c *Client) Mint(ctx context.Context, req models.LifecycleRequest) (*models.MintResponse, error) {
	ctx, span := tracer.Start(ctx, "remote.mint", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("flowmint.pattern.id", req.PatternID)))
	defer span.End()

	var resp models.MintResponse
	if err := c.do(ctx, span, "mint", http.MethodPost, "/mint", req, &resp); err != nil {
		return nil, err
	}
	if resp.TxHash == "" {
		err := fmt.Errorf("mint: response carried no tx_hash")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("flowmint.tx_hash", resp.TxHash))
	return &resp, nil
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, span trace.Span, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	switch o := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case *json.RawMessage:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%s: read response: %w", op, err)
		}
		*o = data
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
