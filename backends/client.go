// Package backends implements the TrustBackendPort adapters: concrete
// clients for the secret store, identity provider, certificate authority,
// network access control server, and IP address management mirror. Each
// adapter classifies its failures as retryable or non-retryable; the
// orchestrator never inspects backend wire errors itself.
package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/edgesec-org/trustplane/interfaces"
	"github.com/hashicorp/go-cleanhttp"
)

// DefaultRequestTimeout bounds one backend HTTP request.
const DefaultRequestTimeout = 15 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return client
}

// classify wraps a transport-level error. Network failures and timeouts are
// transient.
func classify(backend string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return interfaces.RetryableError(backend, err)
	}
	if errors.Is(err, context.Canceled) {
		return interfaces.PermanentError(backend, err)
	}
	return interfaces.RetryableError(backend, err)
}

// classifyStatus wraps a non-2xx response. 5xx-class and 429 responses are
// transient; everything else is terminal for the step.
func classifyStatus(backend string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return interfaces.RetryableError(backend, err)
	}
	return interfaces.PermanentError(backend, err)
}

// doJSON performs one authenticated JSON request and decodes the response
// into out when it is non-nil. authz is the full Authorization header value
// since backends disagree on the scheme ("Bearer ..." vs "Token ...").
// Status codes outside accept are classified and returned as backend errors.
func doJSON(ctx context.Context, client *http.Client, backend, method, url, authz string, payload, out any, accept ...int) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return interfaces.PermanentError(backend, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return interfaces.PermanentError(backend, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}

	resp, err := client.Do(req)
	if err != nil {
		return classify(backend, err)
	}
	defer resp.Body.Close()

	accepted := false
	for _, code := range accept {
		if resp.StatusCode == code {
			accepted = true
			break
		}
	}
	if !accepted {
		return classifyStatus(backend, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return interfaces.PermanentError(backend, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}
