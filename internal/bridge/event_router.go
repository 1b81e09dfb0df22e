package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/n42/matrix-rocketchat/internal/config"
	"github.com/n42/matrix-rocketchat/internal/database"
	"github.com/n42/matrix-rocketchat/internal/matrix"
	"github.com/n42/matrix-rocketchat/internal/rocketchat"
)

// internalErrorMessage is delivered to the room whenever a handler fails in a
// way that has no more specific user-facing text.
const internalErrorMessage = "An internal error occurred"

// txnHistoryLimit bounds the number of transaction ids kept for replay
// detection. The homeserver retries transactions in order, so a small window
// is enough.
const txnHistoryLimit = 128

// MatrixAPI is the homeserver surface the event handlers drive. *matrix.Client
// implements it.
type MatrixAPI interface {
	RegisterUser(ctx context.Context, localpart string) error
	JoinRoom(ctx context.Context, roomID, userID string) error
	LeaveRoom(ctx context.Context, roomID, userID string) error
	ForgetRoom(ctx context.Context, roomID, userID string) error
	InviteUser(ctx context.Context, roomID, inviteeID, inviterID string) error
	CreateRoom(ctx context.Context, name, userID string, invite []string) (string, error)
	SendText(ctx context.Context, roomID, userID, body string) (string, error)
	SendHTML(ctx context.Context, roomID, userID, body, formattedBody string) (string, error)
	SendNotice(ctx context.Context, roomID, userID, body string) (string, error)
	RoomCreator(ctx context.Context, roomID, userID string) (string, error)
	RoomMembers(ctx context.Context, roomID, userID string) ([]string, error)
	SetRoomName(ctx context.Context, roomID, userID, name string) error
	SetDisplayName(ctx context.Context, userID, displayName string) error
}

// RocketchatSession is a Rocket.Chat REST client bound to one server and one
// set of credentials. *rocketchat.Client implements it.
type RocketchatSession interface {
	Info(ctx context.Context) (string, error)
	Login(ctx context.Context, username, password string) (userID, authToken, canonicalName string, err error)
	Channels(ctx context.Context) ([]rocketchat.Channel, error)
	PostMessage(ctx context.Context, channelID, text string) error
}

// SessionFactory builds a RocketchatSession for a server URL. Empty
// credentials produce an unauthenticated session.
type SessionFactory func(serverURL, userID, authToken string) RocketchatSession

// EventRouter dispatches events between Matrix and Rocket.Chat.
// Matrix -> Rocket.Chat: receives homeserver transactions via ProcessTransaction
// Rocket.Chat -> Matrix: receives webhook payloads via ProcessWebhook
type EventRouter struct {
	log      *slog.Logger
	cfg      *config.Config
	db       *database.Database
	identity *Identity
	botID    string
	matrix   MatrixAPI
	sessions SessionFactory
	metrics  *Metrics

	txnMu   sync.Mutex
	txnSeen map[string]struct{}
	txnIDs  []string // insertion order, oldest first

	regMu      sync.Mutex
	registered map[string]struct{} // virtual users registered on the homeserver
}

// EventRouterConfig holds configuration for the event router.
type EventRouterConfig struct {
	Log      *slog.Logger
	Config   *config.Config
	DB       *database.Database
	BotID    string
	Matrix   MatrixAPI
	Sessions SessionFactory
	Metrics  *Metrics
}

// NewEventRouter creates a new EventRouter.
func NewEventRouter(cfg EventRouterConfig) *EventRouter {
	return &EventRouter{
		log:        cfg.Log,
		cfg:        cfg.Config,
		db:         cfg.DB,
		identity:   NewIdentity(cfg.Config.SenderLocalpart, cfg.Config.HSDomain),
		botID:      cfg.BotID,
		matrix:     cfg.Matrix,
		sessions:   cfg.Sessions,
		metrics:    cfg.Metrics,
		txnSeen:    make(map[string]struct{}),
		registered: make(map[string]struct{}),
	}
}

// === Matrix → Rocket.Chat direction ===

// ProcessTransaction handles one event batch pushed by the homeserver. Events
// are processed in arrival order. Individual event failures are reported to
// the affected room but never to the homeserver, so the transaction is always
// acknowledged. Replays of an already processed transaction id are
// acknowledged without touching any state.
func (er *EventRouter) ProcessTransaction(ctx context.Context, txnID string, txn *matrix.Transaction) {
	if !er.markTransaction(txnID) {
		er.log.Debug("ignoring replayed transaction", "txn_id", txnID)
		if er.metrics != nil {
			er.metrics.IncrTransactionsDuplicate()
		}
		return
	}
	if er.metrics != nil {
		er.metrics.IncrTransactionsReceived()
	}

	for i := range txn.Events {
		er.processEvent(ctx, &txn.Events[i])
	}
}

// markTransaction records a transaction id, returning false when the id was
// already seen inside the retained window.
func (er *EventRouter) markTransaction(txnID string) bool {
	er.txnMu.Lock()
	defer er.txnMu.Unlock()

	if _, seen := er.txnSeen[txnID]; seen {
		return false
	}
	er.txnSeen[txnID] = struct{}{}
	er.txnIDs = append(er.txnIDs, txnID)
	if len(er.txnIDs) > txnHistoryLimit {
		delete(er.txnSeen, er.txnIDs[0])
		er.txnIDs = er.txnIDs[1:]
	}
	return true
}

// processEvent runs one event through the dispatcher inside a single database
// transaction. Handler errors roll the transaction back and surface a generic
// error message to the room.
func (er *EventRouter) processEvent(ctx context.Context, ev *matrix.Event) {
	err := er.db.InTransaction(ctx, func(s *database.Stores) error {
		return er.routeEvent(ctx, s, ev)
	})
	if err == nil {
		if er.metrics != nil {
			er.metrics.IncrEventsProcessed()
		}
		return
	}

	er.log.Error("processing event failed",
		"event_id", ev.ID, "type", ev.Type, "room_id", ev.RoomID, "error", err)
	er.notifyInternalError(ctx, ev.RoomID)
}

// routeEvent dispatches one event to the matching handler.
func (er *EventRouter) routeEvent(ctx context.Context, s *database.Stores, ev *matrix.Event) error {
	if er.metrics != nil {
		er.metrics.IncrEventsByType("matrix", ev.Type)
	}

	switch ev.Type {
	case matrix.EventTypeMember:
		return er.routeMemberEvent(ctx, s, ev)
	case matrix.EventTypeMessage:
		return er.routeMessageEvent(ctx, s, ev)
	default:
		er.log.Debug("Skipping unsupported event type", "type", ev.Type, "event_id", ev.ID)
		er.markIgnored()
		return nil
	}
}

func (er *EventRouter) routeMemberEvent(ctx context.Context, s *database.Stores, ev *matrix.Event) error {
	if ev.StateKey == nil {
		er.log.Warn("Skipping member event without state key", "event_id", ev.ID)
		er.markIgnored()
		return nil
	}
	var content matrix.MemberContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		er.log.Warn("Skipping member event with malformed content", "event_id", ev.ID, "error", err)
		er.markIgnored()
		return nil
	}

	switch content.Membership {
	case matrix.MembershipInvite:
		return er.handleInvite(ctx, s, ev, *ev.StateKey)
	case matrix.MembershipJoin:
		return er.handleJoin(ctx, s, ev, *ev.StateKey)
	case matrix.MembershipLeave:
		return er.handleLeave(ctx, s, ev, *ev.StateKey)
	default:
		// ban, knock and future membership states are none of the bridge's business.
		er.log.Debug("Skipping event with membership state", "membership", content.Membership, "event_id", ev.ID)
		er.markIgnored()
		return nil
	}
}

func (er *EventRouter) routeMessageEvent(ctx context.Context, s *database.Stores, ev *matrix.Event) error {
	if ev.Sender == er.botID {
		er.log.Debug("Skipping event, because it was sent by the bot user", "event_id", ev.ID)
		er.markIgnored()
		return nil
	}

	var content matrix.MessageContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		er.log.Warn("Skipping message event with malformed content", "event_id", ev.ID, "error", err)
		er.markIgnored()
		return nil
	}

	room, err := s.Rooms.Get(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	if room != nil && room.IsAdminRoom {
		return er.processCommand(ctx, s, ev, &content)
	}
	return er.forwardMessage(ctx, s, ev, &content, room)
}

// notifyInternalError delivers the generic error text to a room. Delivery is
// best effort, the transaction was already acknowledged.
func (er *EventRouter) notifyInternalError(ctx context.Context, roomID string) {
	if roomID == "" {
		return
	}
	if _, err := er.matrix.SendNotice(ctx, roomID, er.botID, internalErrorMessage); err != nil {
		er.log.Warn("could not deliver error message", "room_id", roomID, "error", err)
	}
}

func (er *EventRouter) markIgnored() {
	if er.metrics != nil {
		er.metrics.IncrEventsIgnored()
	}
}
