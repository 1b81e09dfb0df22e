package rocketchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/n42/matrix-rocketchat/pkg/errors"
)

// RealtimeMessage is one chat message received over the realtime stream.
type RealtimeMessage struct {
	ID        string
	ChannelID string
	Text      string
	UserID    string
	UserName  string
}

// RealtimeHandler consumes messages from the realtime stream.
type RealtimeHandler func(msg RealtimeMessage)

// RealtimeClient is a minimal DDP client for the Rocket.Chat realtime API.
//
// Wire protocol (JSON frames over /websocket):
//   - Handshake:    {"msg":"connect","version":"1","support":["1"]}
//   - Login:        {"msg":"method","method":"login","params":[{"resume":<token>}]}
//   - Subscribe:    {"msg":"sub","name":"stream-room-messages","params":[<roomId>,false]}
//   - Keepalive:    {"msg":"ping"} answered with {"msg":"pong"}
//   - Messages:     {"msg":"changed","collection":"stream-room-messages",...}
type RealtimeClient struct {
	wsURL   string
	handler RealtimeHandler
	log     *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int
}

// ddpFrame is the union of all DDP frame shapes the client reads and writes.
type ddpFrame struct {
	Msg        string          `json:"msg,omitempty"`
	ID         string          `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Name       string          `json:"name,omitempty"`
	Version    string          `json:"version,omitempty"`
	Support    []string        `json:"support,omitempty"`
	Params     []interface{}   `json:"params,omitempty"`
	Session    string          `json:"session,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

type streamFields struct {
	EventName string            `json:"eventName"`
	Args      []json.RawMessage `json:"args"`
}

type streamMessage struct {
	ID  string `json:"_id"`
	RID string `json:"rid"`
	Msg string `json:"msg"`
	U   struct {
		ID       string `json:"_id"`
		Username string `json:"username"`
	} `json:"u"`
}

// WebsocketURL derives the realtime endpoint from the server's base URL.
func WebsocketURL(baseURL string) string {
	wsURL := baseURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	return strings.TrimSuffix(wsURL, "/") + "/websocket"
}

// NewRealtimeClient creates a realtime client for the given websocket URL.
func NewRealtimeClient(wsURL string, handler RealtimeHandler, log *slog.Logger) *RealtimeClient {
	return &RealtimeClient{
		wsURL:   wsURL,
		handler: handler,
		log:     log,
	}
}

// Connect dials the websocket endpoint and completes the DDP handshake.
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.log.Info("connecting to realtime endpoint", "url", c.wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return errors.Wrap(errors.RocketchatAPIError, err, "realtime dial")
	}
	c.conn = conn

	if err := c.writeFrame(ddpFrame{Msg: "connect", Version: "1", Support: []string{"1"}}); err != nil {
		conn.Close()
		return err
	}
	if _, err := c.readUntil(func(f *ddpFrame) bool { return f.Msg == "connected" }); err != nil {
		conn.Close()
		return err
	}

	c.log.Info("realtime connection established")
	return nil
}

// Login authenticates the connection by resuming a REST auth token.
func (c *RealtimeClient) Login(ctx context.Context, authToken string) error {
	id := c.frameID()
	err := c.writeFrame(ddpFrame{
		Msg:    "method",
		Method: "login",
		ID:     id,
		Params: []interface{}{map[string]string{"resume": authToken}},
	})
	if err != nil {
		return err
	}

	frame, err := c.readUntil(func(f *ddpFrame) bool { return f.Msg == "result" && f.ID == id })
	if err != nil {
		return err
	}
	if len(frame.Error) > 0 {
		return errors.Newf(errors.RocketchatAPIError, "realtime login rejected: %s", frame.Error)
	}
	return nil
}

// Subscribe starts the message stream for one channel.
func (c *RealtimeClient) Subscribe(channelID string) error {
	return c.writeFrame(ddpFrame{
		Msg:    "sub",
		ID:     c.frameID(),
		Name:   "stream-room-messages",
		Params: []interface{}{channelID, false},
	})
}

// Run reads frames until the connection drops or stopCh is closed. Chat
// messages are handed to the handler and pings are answered; everything
// else is ignored.
func (c *RealtimeClient) Run(stopCh chan struct{}) error {
	defer c.conn.Close()

	for {
		select {
		case <-stopCh:
			return nil
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("realtime read: %w", err)
		}

		var frame ddpFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn("failed to parse realtime frame", "error", err, "data", string(data))
			continue
		}

		switch frame.Msg {
		case "ping":
			if err := c.writeFrame(ddpFrame{Msg: "pong", ID: frame.ID}); err != nil {
				return err
			}
		case "changed":
			if frame.Collection == "stream-room-messages" {
				c.dispatchStream(frame.Fields)
			}
		}
	}
}

// dispatchStream converts one stream-room-messages event into handler calls.
func (c *RealtimeClient) dispatchStream(fields json.RawMessage) {
	var stream streamFields
	if err := json.Unmarshal(fields, &stream); err != nil {
		c.log.Warn("failed to parse stream fields", "error", err)
		return
	}

	for _, arg := range stream.Args {
		var msg streamMessage
		if err := json.Unmarshal(arg, &msg); err != nil {
			c.log.Warn("failed to parse stream message", "error", err)
			continue
		}
		if msg.Msg == "" {
			continue
		}
		c.handler(RealtimeMessage{
			ID:        msg.ID,
			ChannelID: msg.RID,
			Text:      msg.Msg,
			UserID:    msg.U.ID,
			UserName:  msg.U.Username,
		})
	}
}

// Close terminates the websocket connection.
func (c *RealtimeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// writeFrame sends one frame. Pong replies from Run and Subscribe calls
// share the connection, so writes are serialized.
func (c *RealtimeClient) writeFrame(frame ddpFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(frame); err != nil {
		return errors.Wrap(errors.RocketchatAPIError, err, "realtime write")
	}
	return nil
}

// readUntil reads frames until match returns true. Used during the
// handshake, before Run owns the read side.
func (c *RealtimeClient) readUntil(match func(*ddpFrame) bool) (*ddpFrame, error) {
	for {
		c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, errors.Wrap(errors.RocketchatAPIError, err, "realtime read")
		}

		var frame ddpFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Msg == "ping" {
			if err := c.writeFrame(ddpFrame{Msg: "pong", ID: frame.ID}); err != nil {
				return nil, err
			}
			continue
		}
		if match(&frame) {
			return &frame, nil
		}
	}
}

func (c *RealtimeClient) frameID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return strconv.Itoa(c.nextID)
}
