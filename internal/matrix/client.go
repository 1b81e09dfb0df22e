// Package matrix wraps the Matrix client-server API endpoints the bridge
// needs, authenticated with the application service token.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/n42/matrix-rocketchat/pkg/errors"
)

// Client talks to the homeserver as the application service. Methods that
// take a userID act as that user via the user_id impersonation parameter;
// an empty userID acts as the bot itself.
type Client struct {
	hsURL   string
	asToken string
	httpCli *http.Client
}

// NewClient creates a homeserver client.
func NewClient(hsURL, asToken string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		hsURL:   hsURL,
		asToken: asToken,
		httpCli: &http.Client{Timeout: timeout},
	}
}

// buildURL constructs the full endpoint URL with the impersonated user.
func (c *Client) buildURL(path, userID string) string {
	u, err := url.Parse(c.hsURL + path)
	if err != nil {
		return c.hsURL + path
	}
	if userID != "" {
		q := u.Query()
		q.Set("user_id", userID)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// request executes one API call. Transport failures and non-2xx responses
// come back as MatrixApiError, undecodable success bodies as InvalidJSON.
func (c *Client) request(ctx context.Context, method, path, userID string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(errors.MatrixAPIError, err, "marshal matrix request")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path, userID), reqBody)
	if err != nil {
		return errors.Wrap(errors.MatrixAPIError, err, "create matrix request")
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return errors.Wrapf(errors.MatrixAPIError, err, "matrix request %s %s failed", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(errors.MatrixAPIError, err, "read matrix response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var matrixErr apiError
		if json.Unmarshal(data, &matrixErr) == nil && matrixErr.Errcode != "" {
			return errors.Newf(errors.MatrixAPIError, "matrix API error %s: %s", matrixErr.Errcode, matrixErr.Err)
		}
		return errors.Newf(errors.MatrixAPIError, "matrix API returned HTTP %d: %s", resp.StatusCode, data)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrap(errors.InvalidJSON, err, "parse matrix response")
		}
	}
	return nil
}

// RegisterUser registers a user in the application service namespace. An
// already-registered user is not an error.
func (c *Client) RegisterUser(ctx context.Context, localpart string) error {
	body := map[string]string{
		"type":     "m.login.application_service",
		"username": localpart,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(errors.MatrixAPIError, err, "marshal registration request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.buildURL("/_matrix/client/v3/register", ""), bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(errors.MatrixAPIError, err, "create registration request")
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return errors.Wrap(errors.MatrixAPIError, err, "matrix registration failed")
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(errors.MatrixAPIError, err, "read registration response")
	}
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var matrixErr apiError
	if json.Unmarshal(respData, &matrixErr) == nil && matrixErr.Errcode == "M_USER_IN_USE" {
		return nil
	}
	return errors.Newf(errors.MatrixAPIError, "register user returned HTTP %d: %s", resp.StatusCode, respData)
}

// JoinRoom joins a room as the given user.
func (c *Client) JoinRoom(ctx context.Context, roomID, userID string) error {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID)
	return c.request(ctx, http.MethodPost, path, userID, struct{}{}, nil)
}

// LeaveRoom leaves a room as the given user.
func (c *Client) LeaveRoom(ctx context.Context, roomID, userID string) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/leave"
	return c.request(ctx, http.MethodPost, path, userID, struct{}{}, nil)
}

// ForgetRoom forgets a room the user already left.
func (c *Client) ForgetRoom(ctx context.Context, roomID, userID string) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/forget"
	return c.request(ctx, http.MethodPost, path, userID, struct{}{}, nil)
}

// InviteUser invites inviteeID to the room, acting as inviterID.
func (c *Client) InviteUser(ctx context.Context, roomID, inviteeID, inviterID string) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/invite"
	return c.request(ctx, http.MethodPost, path, inviterID, map[string]string{"user_id": inviteeID}, nil)
}

// CreateRoom creates a room as the given user and returns its id.
func (c *Client) CreateRoom(ctx context.Context, name, userID string, invite []string) (string, error) {
	body := map[string]interface{}{
		"name":   name,
		"preset": "private_chat",
	}
	if len(invite) > 0 {
		body["invite"] = invite
	}
	var resp struct {
		RoomID string `json:"room_id"`
	}
	path := "/_matrix/client/v3/createRoom"
	if err := c.request(ctx, http.MethodPost, path, userID, body, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// sendMessage sends an m.room.message event as the given user. Each call
// uses a fresh transaction id so the homeserver never deduplicates it.
func (c *Client) sendMessage(ctx context.Context, roomID, userID string, content MessageContent) (string, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/send/m.room.message/" + uuid.NewString()
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := c.request(ctx, http.MethodPut, path, userID, content, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// SendText sends a plain text message as the given user.
func (c *Client) SendText(ctx context.Context, roomID, userID, body string) (string, error) {
	return c.sendMessage(ctx, roomID, userID, MessageContent{MsgType: MsgTypeText, Body: body})
}

// SendHTML sends a text message with an HTML rendering as the given user.
func (c *Client) SendHTML(ctx context.Context, roomID, userID, body, formattedBody string) (string, error) {
	return c.sendMessage(ctx, roomID, userID, MessageContent{
		MsgType:       MsgTypeText,
		Body:          body,
		Format:        FormatHTML,
		FormattedBody: formattedBody,
	})
}

// SendNotice sends a notice, the message type used for bot output.
func (c *Client) SendNotice(ctx context.Context, roomID, userID, body string) (string, error) {
	return c.sendMessage(ctx, roomID, userID, MessageContent{MsgType: MsgTypeNotice, Body: body})
}

// RoomCreator returns the user id that created the room.
func (c *Client) RoomCreator(ctx context.Context, roomID, userID string) (string, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/state/m.room.create"
	var content CreateContent
	if err := c.request(ctx, http.MethodGet, path, userID, nil, &content); err != nil {
		return "", err
	}
	return content.Creator, nil
}

// RoomMembers returns the user ids that are joined to or invited into the
// room.
func (c *Client) RoomMembers(ctx context.Context, roomID, userID string) ([]string, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/members"
	var resp struct {
		Chunk []Event `json:"chunk"`
	}
	if err := c.request(ctx, http.MethodGet, path, userID, nil, &resp); err != nil {
		return nil, err
	}

	var members []string
	for _, ev := range resp.Chunk {
		if ev.Type != EventTypeMember || ev.StateKey == nil {
			continue
		}
		var content MemberContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return nil, errors.Wrap(errors.InvalidJSON, err, "parse member event")
		}
		if content.Membership == MembershipJoin || content.Membership == MembershipInvite {
			members = append(members, *ev.StateKey)
		}
	}
	return members, nil
}

// SetRoomName sets the room's display name via the m.room.name state event.
func (c *Client) SetRoomName(ctx context.Context, roomID, userID, name string) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/state/m.room.name"
	return c.request(ctx, http.MethodPut, path, userID, map[string]string{"name": name}, nil)
}

// SetDisplayName sets the profile display name of the given user.
func (c *Client) SetDisplayName(ctx context.Context, userID, displayName string) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID) + "/displayname"
	return c.request(ctx, http.MethodPut, path, userID, map[string]string{"displayname": displayName}, nil)
}
