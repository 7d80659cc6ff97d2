package querysync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AnonymousPolicy decides what the Client does when no session exists.
type AnonymousPolicy int

const (
	// AnonymousReject fails with ErrUnauthenticated without sending anything.
	AnonymousReject AnonymousPolicy = iota
	// AnonymousAllow sends the request without an Authorization header.
	AnonymousAllow
)

// Client is the authenticated transport. It resolves the session before every
// request and attaches that session's token, and only that one, to the
// request it is building. It never remembers a token between requests, so a
// logout or user switch takes effect on the very next request.
// It is safe for concurrent use.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	timeout         time.Duration
	resolver        SessionResolver
	anonymousPolicy AnonymousPolicy
	headers         http.Header
	middleware      []Middleware
	metrics         *MetricsCollector
	debug           *DebugConfig
	logger          Logger
	now             func() time.Time
	validationError error
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
}

// Decode unmarshals the JSON body into v, reporting failures as ErrDecode.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &ClientError{
			Type:       ErrorTypeDecode,
			Message:    "decode response body",
			Cause:      err,
			StatusCode: r.StatusCode,
			RequestID:  r.RequestID,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// NewClient constructs a Client for the API rooted at baseURL. Construction
// never fails; invalid configuration is reported by IsValid / ValidationError
// and by every request.
func NewClient(baseURL string, resolver SessionResolver, options ...ClientOption) *Client {
	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		timeout:         30 * time.Second,
		resolver:        resolver,
		anonymousPolicy: AnonymousReject,
		headers:         make(http.Header),
		middleware:      []Middleware{},
		debug:           DefaultDebugConfig(),
		now:             time.Now,
	}

	for _, option := range options {
		option(client)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Request(ctx, http.MethodGet, path, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Request(ctx, http.MethodPost, path, body)
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Request(ctx, http.MethodPut, path, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Request(ctx, http.MethodDelete, path, nil)
}

// DoJSON sends a request and decodes a 2xx JSON response into T.
func DoJSON[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var out T
	resp, err := c.Request(ctx, method, path, body)
	if err != nil {
		return out, err
	}
	if len(resp.Body) == 0 {
		return out, nil
	}
	if err := resp.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// Request sends method to path (relative to the base URL) with an optional
// body. A []byte or io.Reader body is sent as is; anything else is encoded as
// JSON. Non-2xx responses are returned as errors: 401 as ErrAuthExpired,
// others as ErrServer. Context cancellation is returned unchanged.
func (c *Client) Request(ctx context.Context, method, path string, body any) (*Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}

	start := c.now()
	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	endpoint := endpointOf(target)

	var requestID string
	if c.debug != nil && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}

	newError := func(errorType, message string, cause error, statusCode int) *ClientError {
		return &ClientError{
			Type:       errorType,
			Message:    message,
			Cause:      cause,
			StatusCode: statusCode,
			Method:     method,
			URL:        target,
			Endpoint:   endpoint,
			RequestID:  requestID,
			Timestamp:  c.now(),
			Duration:   c.now().Sub(start),
		}
	}

	session, err := c.resolver.ResolveSession(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.metrics.RecordError(ErrorTypeUnauthenticated, method, endpoint)
		return nil, newError(ErrorTypeUnauthenticated, "session lookup failed", err, 0)
	}

	if session == nil {
		if c.anonymousPolicy == AnonymousReject {
			c.metrics.RecordError(ErrorTypeUnauthenticated, method, endpoint)
			c.logDebug(c.debugSession(), "No session, request rejected", "requestID", requestID, "endpoint", endpoint)
			return nil, newError(ErrorTypeUnauthenticated, "no session", nil, 0)
		}
	} else if session.State(c.now()) == SessionExpired {
		c.metrics.RecordError(ErrorTypeAuthExpired, method, endpoint)
		c.logDebug(c.debugSession(), "Session expired before send", "requestID", requestID, "subject", session.Subject)
		return nil, newError(ErrorTypeAuthExpired, "session expired", nil, 0)
	}

	reader, contentType, err := encodeBody(body)
	if err != nil {
		return nil, newError(ErrorTypeValidation, "encode request body", err, 0)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, newError(ErrorTypeValidation, "build request", err, 0)
	}
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	if session != nil {
		req.Header.Set("Authorization", "Bearer "+session.Token)
	}

	c.logDebug(c.debugRequests(), "Sending request", "requestID", requestID, "method", method, "url", target, "authenticated", session != nil)

	c.metrics.RecordRequestStart(method, endpoint)
	resp, err := c.executeMiddleware(req)
	c.metrics.RecordRequestEnd(method, endpoint)

	if err != nil {
		c.metrics.RecordRequest(method, endpoint, 0, c.now().Sub(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.metrics.RecordError(ErrorTypeNetwork, method, endpoint)
		c.logWarn(c.debugRequests(), "Network request failed", "requestID", requestID, "error", err.Error())
		return nil, newError(ErrorTypeNetwork, "network request failed", err, 0)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.metrics.RecordRequest(method, endpoint, resp.StatusCode, c.now().Sub(start))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.metrics.RecordError(ErrorTypeNetwork, method, endpoint)
		return nil, newError(ErrorTypeNetwork, "read response body", err, resp.StatusCode)
	}

	c.logDebug(c.debugRequests(), "Request completed", "requestID", requestID, "status", resp.StatusCode, "duration", c.now().Sub(start))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.metrics.RecordError(ErrorTypeAuthExpired, method, endpoint)
		return nil, newError(ErrorTypeAuthExpired, serverMessage(data, "credential rejected"), nil, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.metrics.RecordError(ErrorTypeServer, method, endpoint)
		return nil, newError(ErrorTypeServer, serverMessage(data, http.StatusText(resp.StatusCode)), nil, resp.StatusCode)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		RequestID:  requestID,
	}, nil
}

// errorEnvelope is the error body returned by the task-management API.
type errorEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func serverMessage(body []byte, fallback string) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return env.Message
	}
	return fallback
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return bytes.NewReader(b), "application/json", nil
	case io.Reader:
		return b, "application/json", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

func (c *Client) debugRequests() bool {
	return c.debug != nil && c.debug.Enabled && c.debug.LogRequests && c.logger != nil
}

func (c *Client) debugSession() bool {
	return c.debug != nil && c.debug.Enabled && c.debug.LogSession && c.logger != nil
}

func (c *Client) logDebug(enabled bool, msg string, keysAndValues ...interface{}) {
	if enabled {
		c.logger.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(enabled bool, msg string, keysAndValues ...interface{}) {
	if enabled {
		c.logger.Warn(msg, keysAndValues...)
	}
}

// endpointOf reduces a URL to host+path for metric labels.
func endpointOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}

	var builder strings.Builder
	builder.WriteString(u.Host)
	if u.Path != "" && u.Path != "/" {
		builder.WriteString(u.Path)
	} else {
		builder.WriteByte('/')
	}
	return builder.String()
}

// isContextError reports whether err came from context cancellation.
func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
