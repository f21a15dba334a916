package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"costops/pkg/errors"
)

// HTTPTransport POSTs each event as a JSON object. 2xx is an ack; 408, 429
// and 5xx are transient; any other status is a permanent rejection.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
}

// NewHTTPTransport creates an HTTP transport. client may be nil.
func NewHTTPTransport(endpoint string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{endpoint: endpoint, client: client}
}

func (t *HTTPTransport) Name() string { return "http" }

func (t *HTTPTransport) Deliver(ctx context.Context, eventID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.NewDomainError(errors.KindPermanentFailure, component, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", eventID)

	resp, err := t.client.Do(req)
	if err != nil {
		return transient("post event", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return transient(fmt.Sprintf("audit store returned %d", resp.StatusCode), nil)
	default:
		return errors.NewDomainError(errors.KindPermanentFailure, component,
			fmt.Sprintf("audit store rejected event with %d", resp.StatusCode), nil)
	}
}

// Ping issues a HEAD against the endpoint; any response counts as reachable.
func (t *HTTPTransport) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return transient("ping", err)
	}
	resp.Body.Close()
	return nil
}
