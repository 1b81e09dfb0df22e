package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/n42/matrix-rocketchat/internal/database"
	"github.com/n42/matrix-rocketchat/internal/matrix"
	"github.com/n42/matrix-rocketchat/pkg/errors"
)

const adminRoomDisplayName = "Admin Room (Rocket.Chat)"

const (
	onlyCreatorMessage = "Only the room creator can invite the Rocket.Chat bot user, " +
		"please create a new room and invite the Rocket.Chat user to create an admin room."
	tooManyMembersMessage = "Admin rooms must only contain the user that invites the bot. " +
		"Too many members in the room, leaving."
	thirdPartyMessage = "Another user join the admin room, leaving, please create a new admin room."
	noServersMessage  = "No Rocket.Chat server is connected yet."
)

// handleInvite routes an invite member event. An invite for the bot opens the
// admin room state machine, an invite bringing a third party into an admin
// room closes it.
func (er *EventRouter) handleInvite(ctx context.Context, s *database.Stores, ev *matrix.Event, invitee string) error {
	if invitee == er.botID {
		return er.createAdminRoom(ctx, s, ev)
	}

	room, err := s.Rooms.Get(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	if room == nil || !room.IsAdminRoom {
		er.log.Debug("Skipping invite event", "room_id", ev.RoomID, "invitee", invitee)
		er.markIgnored()
		return nil
	}

	member, err := s.Memberships.Exists(ctx, invitee, room.MatrixRoomID)
	if err != nil {
		return err
	}
	if member {
		er.log.Debug("Skipping duplicate invite event", "room_id", ev.RoomID, "user_id", invitee)
		er.markIgnored()
		return nil
	}
	return er.closeAdminRoom(ctx, s, room, thirdPartyMessage)
}

// handleJoin routes a join member event. Joins of recorded members are
// idempotent, a join by anybody else closes an admin room.
func (er *EventRouter) handleJoin(ctx context.Context, s *database.Stores, ev *matrix.Event, joiner string) error {
	room, err := s.Rooms.Get(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	if room == nil {
		er.log.Debug("Skipping join event for unknown room", "room_id", ev.RoomID)
		er.markIgnored()
		return nil
	}

	member, err := s.Memberships.Exists(ctx, joiner, room.MatrixRoomID)
	if err != nil {
		return err
	}
	if member {
		er.log.Debug("Skipping duplicate join event", "room_id", ev.RoomID, "user_id", joiner)
		er.markIgnored()
		return nil
	}

	if room.IsAdminRoom {
		return er.closeAdminRoom(ctx, s, room, thirdPartyMessage)
	}

	// Record the new member of a bridged room.
	if _, err := s.Users.GetOrCreate(ctx, joiner); err != nil {
		return err
	}
	return s.Memberships.Insert(ctx, joiner, room.MatrixRoomID)
}

// handleLeave routes a leave member event. Leaves in rooms the bridge does
// not know produce no outbound calls at all.
func (er *EventRouter) handleLeave(ctx context.Context, s *database.Stores, ev *matrix.Event, leaver string) error {
	room, err := s.Rooms.Get(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	if room == nil {
		er.log.Debug("Skipping leave event for unknown room", "room_id", ev.RoomID)
		er.markIgnored()
		return nil
	}

	if room.IsAdminRoom {
		if leaver == er.botID {
			// The bot was removed by somebody else, there is no room left to
			// act on. Drop the rows.
			if err := deleteRoomRows(ctx, s, room.MatrixRoomID); err != nil {
				return err
			}
			if er.metrics != nil {
				er.metrics.AddAdminRooms(-1)
			}
			return nil
		}
		return er.closeAdminRoom(ctx, s, room, "")
	}

	return s.Memberships.Delete(ctx, leaver, room.MatrixRoomID)
}

// createAdminRoom runs the admin room admission sequence for an invite that
// targets the bot user.
func (er *EventRouter) createAdminRoom(ctx context.Context, s *database.Stores, ev *matrix.Event) error {
	inviter := ev.Sender

	if !er.cfg.AcceptRemoteInvites && roomDomain(ev.RoomID) != er.cfg.HSDomain {
		er.log.Debug("Dropping invite from a remote homeserver", "room_id", ev.RoomID)
		er.markIgnored()
		return nil
	}

	existing, err := s.Rooms.Get(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	if existing != nil {
		er.log.Debug("Skipping invite, the room is already known", "room_id", ev.RoomID)
		er.markIgnored()
		return nil
	}

	creator, err := er.matrix.RoomCreator(ctx, ev.RoomID, er.botID)
	if err != nil {
		if errors.IsKind(err, errors.InvalidJSON) {
			er.log.Warn("could not parse room creator, leaving the room",
				"room_id", ev.RoomID, "error", err)
		} else {
			er.log.Error("could not get room creator", "room_id", ev.RoomID, "error", err)
			er.sendText(ctx, ev.RoomID, internalErrorMessage)
		}
		if err := er.matrix.LeaveRoom(ctx, ev.RoomID, er.botID); err != nil {
			er.log.Warn("could not leave room", "room_id", ev.RoomID, "error", err)
		}
		return nil
	}

	if creator != inviter {
		er.log.Info("rejecting invite, the inviter is not the room creator",
			"room_id", ev.RoomID, "inviter", inviter, "creator", creator)
		er.sendText(ctx, ev.RoomID, onlyCreatorMessage)
		return nil
	}

	if err := er.matrix.JoinRoom(ctx, ev.RoomID, er.botID); err != nil {
		// A failed join records nothing and the user is not messaged.
		er.log.Error("could not join room", "room_id", ev.RoomID, "error", err)
		return nil
	}

	room := &database.Room{MatrixRoomID: ev.RoomID, IsAdminRoom: true}
	if err := s.Rooms.Insert(ctx, room); err != nil {
		if database.IsUniqueViolation(err) {
			return errors.Wrapf(errors.UniqueViolation, err, "room %s already exists", ev.RoomID)
		}
		return err
	}
	for _, userID := range []string{inviter, er.botID} {
		if _, err := s.Users.GetOrCreate(ctx, userID); err != nil {
			return err
		}
		if err := s.Memberships.Insert(ctx, userID, ev.RoomID); err != nil {
			return err
		}
	}

	members, err := er.matrix.RoomMembers(ctx, ev.RoomID, er.botID)
	if err != nil {
		er.log.Error("could not get room members", "room_id", ev.RoomID, "error", err)
		if derr := deleteRoomRows(ctx, s, ev.RoomID); derr != nil {
			return derr
		}
		if lerr := er.matrix.LeaveRoom(ctx, ev.RoomID, er.botID); lerr != nil {
			er.log.Warn("could not leave room", "room_id", ev.RoomID, "error", lerr)
		}
		if !errors.IsKind(err, errors.InvalidJSON) {
			er.sendText(ctx, ev.RoomID, internalErrorMessage)
		}
		return nil
	}

	if !onlyExpectedMembers(members, inviter, er.botID) {
		er.sendText(ctx, ev.RoomID, tooManyMembersMessage)
		if err := er.matrix.LeaveRoom(ctx, ev.RoomID, er.botID); err != nil {
			er.log.Error("could not leave room", "room_id", ev.RoomID, "error", err)
			er.sendText(ctx, ev.RoomID, internalErrorMessage)
		} else if err := er.matrix.ForgetRoom(ctx, ev.RoomID, er.botID); err != nil {
			er.log.Warn("could not forget room", "room_id", ev.RoomID, "error", err)
		}
		return deleteRoomRows(ctx, s, ev.RoomID)
	}

	displayNameFailed := false
	if err := er.matrix.SetRoomName(ctx, ev.RoomID, er.botID, adminRoomDisplayName); err != nil {
		er.log.Warn("could not set admin room display name", "room_id", ev.RoomID, "error", err)
		displayNameFailed = true
	} else if err := s.Rooms.SetDisplayName(ctx, ev.RoomID, adminRoomDisplayName); err != nil {
		return err
	}

	servers, err := s.Servers.All(ctx)
	if err != nil {
		return err
	}
	er.sendText(ctx, ev.RoomID, welcomeMessage(servers))
	if displayNameFailed {
		er.sendText(ctx, ev.RoomID, internalErrorMessage)
	}

	if er.metrics != nil {
		er.metrics.IncrAdminRoomsCreated()
		er.metrics.AddAdminRooms(1)
	}
	er.log.Info("created admin room", "room_id", ev.RoomID, "user_id", inviter)
	return nil
}

// closeAdminRoom ends an admin room: an optional farewell, then leave, forget
// and removal of the room rows. Forget failures are swallowed, the room then
// lingers in the bot's left list on the homeserver.
func (er *EventRouter) closeAdminRoom(ctx context.Context, s *database.Stores, room *database.Room, message string) error {
	if message != "" {
		er.sendText(ctx, room.MatrixRoomID, message)
	}
	if err := er.matrix.LeaveRoom(ctx, room.MatrixRoomID, er.botID); err != nil {
		return err
	}
	if err := er.matrix.ForgetRoom(ctx, room.MatrixRoomID, er.botID); err != nil {
		er.log.Warn("could not forget room", "room_id", room.MatrixRoomID, "error", err)
	}
	if err := deleteRoomRows(ctx, s, room.MatrixRoomID); err != nil {
		return err
	}
	if er.metrics != nil {
		er.metrics.AddAdminRooms(-1)
	}
	er.log.Info("closed admin room", "room_id", room.MatrixRoomID)
	return nil
}

// sendText delivers bot text to a room. Delivery failures are logged, the
// state machine does not depend on them.
func (er *EventRouter) sendText(ctx context.Context, roomID, message string) {
	if _, err := er.matrix.SendText(ctx, roomID, er.botID, message); err != nil {
		er.log.Warn("could not send message", "room_id", roomID, "error", err)
		if er.metrics != nil {
			er.metrics.IncrMatrixAPIErrors()
		}
	}
}

func deleteRoomRows(ctx context.Context, s *database.Stores, roomID string) error {
	if err := s.Memberships.DeleteForRoom(ctx, roomID); err != nil {
		return err
	}
	return s.Rooms.Delete(ctx, roomID)
}

// onlyExpectedMembers reports whether the member list consists of at most the
// inviter and the bot.
func onlyExpectedMembers(members []string, inviter, botID string) bool {
	if len(members) > 2 {
		return false
	}
	for _, m := range members {
		if m != inviter && m != botID {
			return false
		}
	}
	return true
}

// welcomeMessage builds the greeting the bot posts into a fresh admin room.
func welcomeMessage(servers []*database.Server) string {
	var b strings.Builder
	b.WriteString("Hi, I'm the Rocket.Chat application service\n\n")
	b.WriteString("You have to connect this room to a Rocket.Chat server. To do so you can " +
		"either use an already connected server (if there is one) or connect to a new server.\n")
	b.WriteString("To connect to a new server, send `connect <url> <token>`. " +
		"Send `help` for a list of all commands.\n\n")

	if len(servers) == 0 {
		b.WriteString(noServersMessage)
		return b.String()
	}

	b.WriteString("These Rocket.Chat servers are connected:\n")
	for _, server := range servers {
		fmt.Fprintf(&b, "* %s (%s)\n", server.ID, server.RocketchatURL)
	}
	return b.String()
}
