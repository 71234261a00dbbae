package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	descriptorPath = "/remailer-conf.txt"
	collectorPath  = "/collector.py/msg"
)

// HTTPTransport is the reference net/http-backed implementation of
// DescriptorFetcher and PeerPoster, with a bounded per-request timeout.
type HTTPTransport struct {
	client  *http.Client
	timeout time.Duration
}

// New constructs an HTTPTransport bounding every request to timeout.
func New(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Fetch implements DescriptorFetcher by GETting http://addr/remailer-conf.txt.
func (t *HTTPTransport) Fetch(ctx context.Context, addr string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	reqURL := "http://" + addr + descriptorPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build request for %s: %w", addr, err)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: fetch %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("transport: fetch %s: unexpected status %d", addr, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read response from %s: %w", addr, err)
	}
	return body, nil
}

// Post implements PeerPoster by POSTing the base64 encoding of body as
// form field base64 to http://addr/collector.py/msg. body is the raw
// (already-decoded) packet; Post performs the encoding, matching what a
// collector endpoint expects to base64-decode on receipt.
func (t *HTTPTransport) Post(ctx context.Context, addr string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	reqURL := "http://" + addr + collectorPath
	form := url.Values{"base64": {base64.StdEncoding.EncodeToString(body)}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("transport: build request for %s: %w", addr, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("transport: post to %s: %w", addr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
