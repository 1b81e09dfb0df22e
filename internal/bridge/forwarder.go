package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/n42/matrix-rocketchat/internal/database"
	"github.com/n42/matrix-rocketchat/internal/matrix"
	"github.com/n42/matrix-rocketchat/internal/message"
	"github.com/n42/matrix-rocketchat/pkg/errors"
)

// forwardMessage delivers a Matrix message to the Rocket.Chat channel the
// room is bridged to. Messages in unbridged rooms and echoes of messages the
// bridge itself injected are dropped.
func (er *EventRouter) forwardMessage(ctx context.Context, s *database.Stores, ev *matrix.Event, content *matrix.MessageContent, room *database.Room) error {
	if room == nil || !room.RocketchatServerID.Valid {
		er.log.Debug("Skipping event, because the room is not bridged", "room_id", ev.RoomID)
		er.markIgnored()
		return nil
	}

	server, err := s.Servers.Get(ctx, room.RocketchatServerID.String)
	if err != nil {
		return err
	}
	if server == nil {
		return errors.Newf(errors.NotFound, "rocketchat server %s not found", room.RocketchatServerID.String)
	}

	serverUser, err := s.ServerUsers.Get(ctx, ev.Sender, server.ID)
	if err != nil {
		return err
	}
	if serverUser == nil {
		return errors.Newf(errors.NotFound, "user %s is unknown on the rocketchat server %s", ev.Sender, server.ID)
	}
	if serverUser.IsVirtualUser {
		er.log.Debug("Skipping event, because it was sent by a virtual user", "user_id", ev.Sender)
		er.markIgnored()
		return nil
	}

	switch content.MsgType {
	case matrix.MsgTypeText:
		start := time.Now()
		rcUserID, authToken := serverUser.CredentialsOrEmpty()
		session := er.sessions(server.RocketchatURL, rcUserID, authToken)
		if err := session.PostMessage(ctx, room.RocketchatRoomID.String, message.ToRocketchat(content)); err != nil {
			if er.metrics != nil {
				er.metrics.IncrForwardingFailed()
				er.metrics.IncrRocketchatAPIErrors()
			}
			return err
		}
		if er.metrics != nil {
			er.metrics.IncrMatrixToRocketchat()
			er.metrics.ObserveMatrixToRocketchatLatency(time.Since(start))
		}
	default:
		er.log.Info(fmt.Sprintf("Forwarding the type %s is not implemented.", content.MsgType))
	}

	return s.Users.SetLastMessageSent(ctx, ev.Sender, time.Now().UnixMilli())
}
