// Package gatewayclient talks to an external OCPP gateway that terminates the
// station websockets. Outbound frames are posted to the gateway, which writes
// them on the station's socket.
package gatewayclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SendFrame posts one OCPP-J frame for stationId. Any non-2xx answer is an error.
func (c *Client) SendFrame(ctx context.Context, stationId string, frame []byte) error {
	endpoint := c.BaseURL + "/v1/gateway/stations/" + url.PathEscape(stationId) + "/frames"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("gateway answered %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Connection is a station session held by the gateway. Values for the same
// station and protocol compare equal, so the gateway's disconnect can name the
// connection it opened.
type Connection struct {
	client    *Client
	stationId string
	protocol  string
}

func (c *Client) Connection(stationId, protocol string) Connection {
	return Connection{client: c, stationId: stationId, protocol: protocol}
}

func (c Connection) Protocol() string { return c.protocol }

func (c Connection) Send(ctx context.Context, frame []byte) error {
	return c.client.SendFrame(ctx, c.stationId, frame)
}
