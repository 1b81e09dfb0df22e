// Package rocketchat wraps the Rocket.Chat REST API endpoints the bridge
// needs.
//
// API reference:
//   - Info:     /api/v1/info
//   - Login:    /api/v1/login
//   - Channels: /api/v1/channels.list
//   - Message:  /api/v1/chat.postMessage
package rocketchat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/n42/matrix-rocketchat/pkg/errors"
)

// Client talks to one Rocket.Chat server. Authenticated endpoints send the
// credentials set via WithCredentials as X-User-Id and X-Auth-Token headers.
type Client struct {
	baseURL   string
	userID    string
	authToken string
	httpCli   *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpCli: &http.Client{Timeout: timeout},
	}
}

// WithCredentials returns a copy of the client acting as the given
// Rocket.Chat user.
func (c *Client) WithCredentials(userID, authToken string) *Client {
	clone := *c
	clone.userID = userID
	clone.authToken = authToken
	return &clone
}

// request executes one API call. Transport failures and non-2xx responses
// come back as RocketchatApiError, undecodable bodies as InvalidJSON.
func (c *Client) request(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(errors.RocketchatAPIError, err, "marshal rocketchat request")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(errors.RocketchatAPIError, err, "create rocketchat request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set("X-User-Id", c.userID)
		req.Header.Set("X-Auth-Token", c.authToken)
	}

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return errors.Wrapf(errors.RocketchatAPIError, err, "rocketchat request %s %s failed", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(errors.RocketchatAPIError, err, "read rocketchat response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope apiResponse
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != "" {
			return errors.Newf(errors.RocketchatAPIError, "rocketchat API error: %s", envelope.Error)
		}
		return errors.Newf(errors.RocketchatAPIError, "rocketchat API returned HTTP %d: %s", resp.StatusCode, data)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrap(errors.InvalidJSON, err, "parse rocketchat response")
		}
	}
	return nil
}

// Info returns the server version. Used to probe reachability when a server
// is connected.
func (c *Client) Info(ctx context.Context) (string, error) {
	var resp infoResponse
	if err := c.request(ctx, http.MethodGet, "/api/v1/info", nil, &resp); err != nil {
		return "", err
	}
	return resp.Info.Version, nil
}

// Login authenticates with username and password and returns the user id,
// auth token and canonical username.
func (c *Client) Login(ctx context.Context, username, password string) (userID, authToken, canonicalName string, err error) {
	body := map[string]string{"user": username, "password": password}
	var resp loginResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/login", body, &resp); err != nil {
		return "", "", "", err
	}
	if resp.Status != "success" {
		return "", "", "", errors.Newf(errors.RocketchatAPIError, "rocketchat login failed: %s", resp.Status)
	}
	return resp.Data.UserID, resp.Data.AuthToken, resp.Data.Me.Username, nil
}

// Channels lists the channels visible to the authenticated user.
func (c *Client) Channels(ctx context.Context) ([]Channel, error) {
	var resp channelsResponse
	if err := c.request(ctx, http.MethodGet, "/api/v1/channels.list", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.Newf(errors.RocketchatAPIError, "rocketchat API error: %s", resp.Error)
	}
	return resp.Channels, nil
}

// PostMessage posts a text message into the channel as the authenticated
// user.
func (c *Client) PostMessage(ctx context.Context, channelID, text string) error {
	body := map[string]string{"roomId": channelID, "text": text}
	var resp apiResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/chat.postMessage", body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.Newf(errors.RocketchatAPIError, "rocketchat API error: %s", resp.Error)
	}
	return nil
}
