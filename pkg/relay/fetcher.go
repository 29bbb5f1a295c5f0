package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/Mindburn-Labs/benchdepot/pkg/util/resiliency"
)

// FetchKind distinguishes the two ways an outbound request can fail.
type FetchKind int

const (
	FetchTransport FetchKind = iota + 1
	FetchStatus
)

// FetchError is the typed outcome of a failed relay request.
type FetchError struct {
	Kind       FetchKind
	Method     string
	URI        string
	StatusCode int
	// Reason is the transport cause, or the status text for FetchStatus.
	Reason string
	cause  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.URI, e.Reason)
}

func (e *FetchError) Unwrap() error {
	return e.cause
}

// Doer executes HTTP requests. *resiliency.EnhancedClient and *http.Client
// both satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher performs the outbound requests against relay URIs.
type Fetcher struct {
	client Doer
}

var _ Doer = (*resiliency.EnhancedClient)(nil)

func NewFetcher(client Doer) *Fetcher {
	return &Fetcher{client: client}
}

// Get returns the response for a 2xx answer; the caller owns the body.
func (f *Fetcher) Get(ctx context.Context, uri string) (*http.Response, error) {
	return f.do(ctx, http.MethodGet, uri)
}

// Delete issues a DELETE and discards the body.
func (f *Fetcher) Delete(ctx context.Context, uri string) error {
	resp, err := f.do(ctx, http.MethodDelete, uri)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (f *Fetcher) do(ctx context.Context, method, uri string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return nil, &FetchError{Kind: FetchTransport, Method: method, URI: uri, Reason: causeText(err), cause: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: FetchTransport, Method: method, URI: uri, Reason: causeText(err), cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		return nil, &FetchError{
			Kind:       FetchStatus,
			Method:     method,
			URI:        uri,
			StatusCode: resp.StatusCode,
			Reason:     statusReason(resp),
		}
	}
	return resp, nil
}

// causeText strips the *url.Error wrapper the client adds, leaving the
// underlying transport failure.
func causeText(err error) string {
	var uerr *url.Error
	for errors.As(err, &uerr) {
		err = uerr.Err
	}
	return err.Error()
}

func statusReason(resp *http.Response) string {
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}
