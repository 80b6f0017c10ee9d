// Package agentapi is the HTTP client for the downstream agent API.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultTimeout     = 5 * time.Minute
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second

	tracerName = "relay.agentapi"
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	HTTPClient  *http.Client
}

// Client talks to the agent API.
type Client struct {
	baseURL     string
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	http        *http.Client
	logger      zerolog.Logger
}

// New creates a client. Zero values in cfg use the defaults.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("agent base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	} else if cfg.Backoff == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		http:        cfg.HTTPClient,
		logger:      logger.With().Str("component", "agentapi").Logger(),
	}, nil
}

// Chat posts the session history and consumes the reply stream. Connection
// refused and 5xx responses are retried with linear backoff; 4xx responses,
// timeouts and stream errors are terminal.
func (c *Client) Chat(ctx context.Context, req ChatRequest, onEvent EventHandler) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "agentapi.chat",
		attribute.String("session_id", req.SessionID),
		attribute.Int("messages", len(req.Messages)),
	)
	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	var lastErr *DispatchError
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(attempt-1) * c.backoff
			logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", wait).
				Err(lastErr.Err).
				Msg("Retrying agent dispatch")
			if err := sleep(ctx, wait); err != nil {
				lastErr = &DispatchError{Attempts: attempt - 1, Err: err}
				break
			}
		}

		resp, derr := c.chatOnce(ctx, req, body, onEvent)
		if derr == nil {
			resp.Attempts = attempt
			observability.RecordDispatchAttempt("success")
			observability.RecordDispatch("success", time.Since(start))
			tracing.EndSpan(span, nil)
			return resp, nil
		}

		derr.Attempts = attempt
		lastErr = derr
		if derr.Transient {
			observability.RecordDispatchAttempt("transient")
			continue
		}
		observability.RecordDispatchAttempt("terminal")
		break
	}

	result := "failure"
	if errors.Is(lastErr, ErrTimeout) {
		result = "timeout"
	}
	observability.RecordDispatch(result, time.Since(start))
	tracing.EndSpan(span, lastErr)
	return nil, lastErr
}

func (c *Client) chatOnce(ctx context.Context, req ChatRequest, body []byte, onEvent EventHandler) (*Response, *DispatchError) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &DispatchError{Err: fmt.Errorf("failed to build chat request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	setIdentity(httpReq, req.SessionID, req.CharacterID)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, attemptCtx, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, statusError(httpResp)
	}

	resp, err := readStream(httpResp.Body, onEvent)
	if err != nil {
		if errors.Is(err, errStreamFailed) {
			return nil, &DispatchError{Err: err}
		}
		// Retrying after a partial stream would replay side effects.
		derr := classify(ctx, attemptCtx, err)
		derr.Transient = false
		return nil, derr
	}
	return resp, nil
}

// Answer posts the answers of an interactive question back to the agent.
func (c *Client) Answer(ctx context.Context, req AnswerRequest) error {
	if req.Answers == nil {
		req.Answers = map[string]string{}
	}
	return c.post(ctx, "/chat/answer", req.SessionID, req.CharacterID, req)
}

// Compact asks the agent to summarize the session history.
func (c *Client) Compact(ctx context.Context, req CompactRequest) error {
	return c.post(ctx, "/chat/compact", req.SessionID, req.CharacterID, req)
}

func (c *Client) post(ctx context.Context, path, sessionID, characterID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setIdentity(httpReq, sessionID, characterID)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		derr := classify(ctx, attemptCtx, err)
		derr.Attempts = 1
		return derr
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		derr := statusError(httpResp)
		derr.Attempts = 1
		return derr
	}
	_, _ = io.Copy(io.Discard, httpResp.Body)
	return nil
}

func setIdentity(req *http.Request, sessionID, characterID string) {
	if sessionID != "" {
		req.Header.Set("X-Session-Id", sessionID)
	}
	if characterID != "" {
		req.Header.Set("X-Character-Id", characterID)
	}
}

func statusError(resp *http.Response) *DispatchError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &DispatchError{
		StatusCode: resp.StatusCode,
		Transient:  resp.StatusCode >= 500,
		Err:        errors.New(msg),
	}
}

// classify maps a transport error. The attempt deadline firing while the
// caller's context is still live is the client timeout.
func classify(parent, attempt context.Context, err error) *DispatchError {
	if parent.Err() != nil {
		return &DispatchError{Err: parent.Err()}
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return &DispatchError{Err: ErrTimeout}
	}
	return &DispatchError{
		Transient: errors.Is(err, syscall.ECONNREFUSED),
		Err:       err,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
