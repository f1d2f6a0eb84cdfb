package remote

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Middleware changes an outbound request before it is sent, typically to
// attach credentials. Middlewares run in registration order; an error
// aborts the request.
type Middleware func(req *http.Request) error

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// BearerToken attaches a fixed bearer token.
func BearerToken(token string) Middleware {
	return func(req *http.Request) error {
		if token == "" {
			return nil
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

// TokenSource attaches a bearer token obtained per request, e.g. from an
// OAuth client that refreshes on its own schedule.
func TokenSource(fn func(ctx context.Context) (string, error)) Middleware {
	return func(req *http.Request) error {
		token, err := fn(req.Context())
		if err != nil {
			return fmt.Errorf("obtain access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return nil
	}
}

// Header sets a fixed header.
func Header(key, value string) Middleware {
	return func(req *http.Request) error {
		req.Header.Set(key, value)
		return nil
	}
}

// RequestID sets a random X-Request-ID unless the request already has one.
func RequestID() Middleware {
	return func(req *http.Request) error {
		if req.Header.Get(RequestIDHeader) == "" {
			req.Header.Set(RequestIDHeader, uuid.NewString())
		}
		return nil
	}
}
