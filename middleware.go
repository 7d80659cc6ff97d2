package querysync

import (
	"net/http"
	"time"
)

// Middleware wraps the send of a prepared request. The request already
// carries the Authorization header of the session resolved for it.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements RoundTripper.
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

// HeaderMiddleware sets a fixed header on every request.
func HeaderMiddleware(key, value string) Middleware {
	return func(req *http.Request, next RoundTripper) (*http.Response, error) {
		req.Header.Set(key, value)
		return next.RoundTrip(req)
	}
}

// LoggingMiddleware logs every request and its outcome at info level. It
// never logs the Authorization header.
func LoggingMiddleware(logger Logger) Middleware {
	return func(req *http.Request, next RoundTripper) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(req)
		if err != nil {
			logger.Warn("HTTP request failed", "method", req.Method, "url", req.URL.String(), "error", err.Error(), "duration", time.Since(start))
			return resp, err
		}
		logger.Info("HTTP request", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode, "duration", time.Since(start))
		return resp, err
	}
}
