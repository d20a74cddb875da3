package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jobsagent/internal/callback"
)

// AccessTokenHeader carries the shared secret expected by the coordinator.
const AccessTokenHeader = "Jobs-Access-Token"

const (
	callbackPath    = "/api/callback"
	maxResponseBody = 1 << 20
)

// HTTPEndpoint posts batches to a coordinator at POST {address}/api/callback.
type HTTPEndpoint struct {
	name   string
	url    string
	token  string
	client *http.Client
}

// result mirrors the coordinator's response envelope.
type result struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data bool   `json:"data"`
}

// NewHTTP builds an endpoint for address (scheme and host, optional base
// path). A nil client gets one bounded by timeout.
func NewHTTP(name, address, accessToken string, timeout time.Duration, client *http.Client) (*HTTPEndpoint, error) {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	if address == "" {
		return nil, errors.New("admin address is empty")
	}
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	if name == "" {
		name = address
	}
	if client == nil {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPEndpoint{name: name, url: address + callbackPath, token: accessToken, client: client}, nil
}

func (e *HTTPEndpoint) Name() string { return e.name }

func (e *HTTPEndpoint) Callback(ctx context.Context, batch []callback.Record) (callback.Ack, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return callback.Ack{}, fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return callback.Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set(AccessTokenHeader, e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return callback.Ack{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return callback.Ack{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return callback.Ack{}, fmt.Errorf("admin %s: http %d: %s", e.name, resp.StatusCode, snippet(raw))
	}

	var res result
	if err := json.Unmarshal(raw, &res); err != nil {
		return callback.Ack{}, fmt.Errorf("decode response: %w", err)
	}
	return callback.Ack{Success: res.Code == http.StatusOK && res.Data, Msg: res.Msg}, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
