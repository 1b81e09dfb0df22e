package bridge

import (
	"context"
	"time"

	"github.com/n42/matrix-rocketchat/internal/database"
	"github.com/n42/matrix-rocketchat/internal/message"
	"github.com/n42/matrix-rocketchat/internal/rocketchat"
)

// webhookBotName is the poster name Rocket.Chat uses for its own outgoing
// integrations.
const webhookBotName = "rocketchat.cat"

// === Rocket.Chat → Matrix direction ===

// ProcessWebhook handles one admitted webhook payload inside a single
// database transaction. The realtime stream feeds the same path.
func (er *EventRouter) ProcessWebhook(ctx context.Context, server *database.Server, msg *rocketchat.WebhookMessage) error {
	start := time.Now()
	err := er.db.InTransaction(ctx, func(s *database.Stores) error {
		return er.deliverWebhook(ctx, s, server, msg)
	})
	if err == nil && er.metrics != nil {
		er.metrics.ObserveRocketchatToMatrixLatency(time.Since(start))
	}
	return err
}

// deliverWebhook mirrors a Rocket.Chat message into the bridged Matrix room,
// creating the virtual sender on first sight.
func (er *EventRouter) deliverWebhook(ctx context.Context, s *database.Stores, server *database.Server, msg *rocketchat.WebhookMessage) error {
	if msg.UserID == "" || msg.ChannelID == "" {
		er.log.Warn("Skipping incomplete webhook message", "server_id", server.ID)
		return nil
	}
	if msg.UserName == webhookBotName {
		er.log.Debug("Skipping message from the webhook bot", "channel_id", msg.ChannelID)
		return nil
	}

	// Messages from Rocket.Chat users that belong to a Matrix user are echoes
	// of posts this bridge made on their behalf.
	sender, err := s.ServerUsers.FindByRocketchatUserID(ctx, server.ID, msg.UserID)
	if err != nil {
		return err
	}
	if sender != nil && !sender.IsVirtualUser {
		er.log.Debug("Skipping message, because it was sent on behalf of a Matrix user",
			"rocketchat_user_id", msg.UserID, "server_id", server.ID)
		return nil
	}

	room, err := s.Rooms.FindByRocketchatRoom(ctx, server.ID, msg.ChannelID)
	if err != nil {
		return err
	}
	if room == nil {
		er.log.Debug("Skipping message, because the channel is not bridged",
			"channel_id", msg.ChannelID, "server_id", server.ID)
		return nil
	}

	virtualID, err := er.ensureVirtualUser(ctx, s, server, msg.UserID, msg.UserName)
	if err != nil {
		return err
	}
	if err := er.ensureRoomMember(ctx, s, room, virtualID); err != nil {
		return err
	}

	body, formatted := message.ToMatrix(msg.Text)
	if formatted != "" {
		_, err = er.matrix.SendHTML(ctx, room.MatrixRoomID, virtualID, body, formatted)
	} else {
		_, err = er.matrix.SendText(ctx, room.MatrixRoomID, virtualID, body)
	}
	if err != nil {
		if er.metrics != nil {
			er.metrics.IncrForwardingFailed()
			er.metrics.IncrMatrixAPIErrors()
		}
		return err
	}

	if er.metrics != nil {
		er.metrics.IncrRocketchatToMatrix()
		er.metrics.IncrEventsByType("rocketchat", "message")
	}
	return nil
}

// ensureRoomMember invites and joins a virtual user into a bridged room once.
func (er *EventRouter) ensureRoomMember(ctx context.Context, s *database.Stores, room *database.Room, virtualID string) error {
	member, err := s.Memberships.Exists(ctx, virtualID, room.MatrixRoomID)
	if err != nil {
		return err
	}
	if member {
		return nil
	}

	if err := er.matrix.InviteUser(ctx, room.MatrixRoomID, virtualID, er.botID); err != nil {
		// The invite fails when the user is already invited or joined, the
		// join below settles it either way.
		er.log.Debug("invite for virtual user failed",
			"room_id", room.MatrixRoomID, "user_id", virtualID, "error", err)
	}
	if err := er.matrix.JoinRoom(ctx, room.MatrixRoomID, virtualID); err != nil {
		return err
	}
	return s.Memberships.Insert(ctx, virtualID, room.MatrixRoomID)
}
