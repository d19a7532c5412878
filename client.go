// Package resilience provides the retry, circuit breaker, and rate limiting
// primitives used by the Molaison research agent when calling third-party
// sources (PubMed/Entrez, CrossRef, Google Scholar, product-catalog hosts).
// The three guards are independent and compose by delegation: a caller gates
// on the rate limiter first, then invokes the retry wrapper, which may wrap a
// circuit breaker around the underlying call. An error classifier maps the
// failures those sources produce to categories and recovery suggestions.
package resilience

import (
	"context"
)

// ResilientClient is the operation shape every guard in this package wraps.
// Req and Resp can be any types, so the same wrappers serve HTTP fetches,
// Entrez queries, headless-browser page loads, or plain in-process work.
//
// Example:
//
//	type EntrezClient struct {
//	    http *http.Client
//	    key  string
//	}
//
//	func (c *EntrezClient) Execute(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
//	    return c.search(ctx, req)
//	}
//
//	guarded := resilience.NewRetryWrapper(
//	    entrez,
//	    resilience.WithMaxRetries(3),
//	    resilience.WithExponentialBackoff(time.Second, time.Minute),
//	)
type ResilientClient[Req, Resp any] interface {
	// Execute performs one attempt. The context bounds the attempt and
	// cancels it when the caller gives up.
	Execute(ctx context.Context, req Req) (Resp, error)
}

// ClientFunc adapts a plain function to the ResilientClient interface, the
// way http.HandlerFunc adapts handlers. It lets closures over zero-argument
// operations be guarded without declaring a type:
//
//	fetch := resilience.ClientFunc[string, []byte](func(ctx context.Context, url string) ([]byte, error) {
//	    return fetchPage(ctx, url)
//	})
type ClientFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Execute calls f(ctx, req).
func (f ClientFunc[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}
