// Package client talks to a running bithost over its Unix socket.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/grovetools/bithost/errors"
	"github.com/grovetools/bithost/version"
)

// baseURL is the dummy host used for Unix socket HTTP requests.
// The actual connection goes through the Unix socket, not this URL.
const baseURL = "http://unix"

// Client calls the host's HTTP API over a Unix socket.
type Client struct {
	httpClient *http.Client
	socketPath string
}

// New creates a Client for the host listening on socketPath. No connection
// is made until the first call.
func New(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: newTransport(socketPath),
			Timeout:   10 * time.Second,
		},
		socketPath: socketPath,
	}
}

func newTransport(socketPath string) *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
}

// SocketPath returns the socket the client dials.
func (c *Client) SocketPath() string { return c.socketPath }

// IsRunning returns true if the host is available and responding.
func (c *Client) IsRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Bits lists the names of the loaded bits.
func (c *Client) Bits(ctx context.Context) ([]string, error) {
	var list struct {
		Bits []string `json:"bits"`
	}
	if err := c.getJSON(ctx, "/api/bits", &list); err != nil {
		return nil, err
	}
	return list.Bits, nil
}

// Snapshot decodes the named bit's current state into v.
func (c *Client) Snapshot(ctx context.Context, bit string, v any) error {
	return c.getJSON(ctx, "/api/bits/"+bit, v)
}

// Config decodes the host's running configuration into v.
func (c *Client) Config(ctx context.Context, v any) error {
	return c.getJSON(ctx, "/api/config", v)
}

// Reload asks the host to re-read its configuration and restart its bits.
// It returns the bits loaded afterwards.
func (c *Client) Reload(ctx context.Context) ([]string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, baseURL+"/api/reload", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach host: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var result struct {
		Bits []string `json:"bits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode reload response: %w", err)
	}
	return result.Bits, nil
}

// Stream subscribes to the named bit's snapshots over SSE. The first value
// is the current state; the channel closes when ctx is done or the host
// ends the stream.
func (c *Client) Stream(ctx context.Context, bit string) (<-chan json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, baseURL+"/api/bits/"+bit+"/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}

	// Use a separate client with no timeout for streaming
	streamTransport := newTransport(c.socketPath)
	streamClient := &http.Client{Transport: streamTransport}

	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	ch := make(chan json.RawMessage, 10)

	go func() {
		defer resp.Body.Close()
		defer close(ch)
		defer streamTransport.CloseIdleConnections()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()

			// Skip comments and empty lines
			if strings.HasPrefix(line, ":") || line == "" {
				continue
			}

			data, ok := strings.CutPrefix(line, "data: ")
			if !ok || !json.Valid([]byte(data)) {
				continue
			}

			select {
			case ch <- json.RawMessage(data):
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Health is the host's answer to a health check.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health asks the host for its status and version.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.getJSON(ctx, "/health", &h)
	return h, err
}

// Close cleans up any resources used by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := c.newRequest(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach host: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// decodeError turns a non-200 response into a HostError, keeping the
// host's code when the body carries one.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var hostErr errors.HostError
	if err := json.Unmarshal(body, &hostErr); err == nil && hostErr.Code != "" {
		return &hostErr
	}
	return errors.New(errors.ErrCodeInternal,
		fmt.Sprintf("host returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))).
		WithDetail("status", resp.StatusCode)
}
