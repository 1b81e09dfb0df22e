package bridge

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/n42/matrix-rocketchat/internal/database"
	"github.com/n42/matrix-rocketchat/internal/matrix"
	"github.com/n42/matrix-rocketchat/internal/rocketchat"
)

// serverIDPattern restricts connect's optional server id argument. The id
// becomes part of virtual Matrix user localparts, so the charset is the
// localpart charset minus the underscore separator.
var serverIDPattern = regexp.MustCompile(`^[a-z0-9.-]+$`)

const helpMessage = "The following commands are available:\n\n" +
	"* `connect <url> <token> [server-id]` - connect a Rocket.Chat server\n" +
	"* `login <username> <password> [url]` - log in to a connected Rocket.Chat server\n" +
	"* `list [url]` - list the channels of a Rocket.Chat server\n" +
	"* `bridge <channel-name> [url]` - bridge a Rocket.Chat channel to a new Matrix room\n" +
	"* `unbridge <channel-name> [url]` - remove the bridge to a Rocket.Chat channel\n" +
	"* `help` - this message"

// processCommand interprets a text message in an admin room as a bridge
// command. Command failures are reported into the admin room and never tear
// the room down.
func (er *EventRouter) processCommand(ctx context.Context, s *database.Stores, ev *matrix.Event, content *matrix.MessageContent) error {
	if content.MsgType != matrix.MsgTypeText {
		er.log.Debug("Skipping non-text message in admin room", "event_id", ev.ID, "msgtype", content.MsgType)
		er.markIgnored()
		return nil
	}

	args := strings.Fields(content.Body)
	if len(args) == 0 {
		er.markIgnored()
		return nil
	}
	command := args[0]
	er.log.Info("processing command", "command", command, "room_id", ev.RoomID, "user_id", ev.Sender)

	switch command {
	case "help":
		er.sendText(ctx, ev.RoomID, helpMessage)
		return nil
	case "connect":
		return er.cmdConnect(ctx, s, ev, args[1:])
	case "login":
		return er.cmdLogin(ctx, s, ev, args[1:])
	case "list":
		return er.cmdList(ctx, s, ev, args[1:])
	case "bridge":
		return er.cmdBridge(ctx, s, ev, args[1:])
	case "unbridge":
		return er.cmdUnbridge(ctx, s, ev, args[1:])
	default:
		er.sendText(ctx, ev.RoomID,
			fmt.Sprintf("Unknown command `%s`. Send `help` for a list of all commands.", command))
		return nil
	}
}

// cmdConnect registers a new Rocket.Chat server after checking that its URL
// parses, its webhook token is unused and the server answers an info request.
func (er *EventRouter) cmdConnect(ctx context.Context, s *database.Stores, ev *matrix.Event, args []string) error {
	if len(args) < 2 {
		er.sendText(ctx, ev.RoomID, "Usage: `connect <url> <token> [server-id]`")
		return nil
	}
	serverURL, token := args[0], args[1]

	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		er.sendText(ctx, ev.RoomID, fmt.Sprintf("%s is not a valid URL.", serverURL))
		return nil
	}

	serverID := uuid.NewString()
	if len(args) > 2 {
		serverID = args[2]
		if !serverIDPattern.MatchString(serverID) {
			er.sendText(ctx, ev.RoomID,
				"The server id may only contain lowercase letters, numbers, dots and dashes.")
			return nil
		}
	}

	if existing, err := s.Servers.FindByURL(ctx, serverURL); err != nil {
		return err
	} else if existing != nil {
		er.sendText(ctx, ev.RoomID,
			fmt.Sprintf("The Rocket.Chat server %s is already connected.", serverURL))
		return nil
	}
	if existing, err := s.Servers.FindByToken(ctx, token); err != nil {
		return err
	} else if existing != nil {
		er.sendText(ctx, ev.RoomID, "The token is already in use by another Rocket.Chat server.")
		return nil
	}

	version, err := er.sessions(serverURL, "", "").Info(ctx)
	if err != nil {
		er.log.Warn("Rocket.Chat server is not reachable", "url", serverURL, "error", err)
		if er.metrics != nil {
			er.metrics.IncrRocketchatAPIErrors()
		}
		er.sendText(ctx, ev.RoomID,
			fmt.Sprintf("Could not reach the Rocket.Chat server %s, please check the URL.", serverURL))
		return nil
	}

	server := &database.Server{
		ID:              serverID,
		RocketchatURL:   serverURL,
		RocketchatToken: database.NullString(token),
	}
	if err := s.Servers.Insert(ctx, server); err != nil {
		if database.IsUniqueViolation(err) {
			er.sendText(ctx, ev.RoomID,
				"A Rocket.Chat server with this URL, token or id is already connected.")
			return nil
		}
		return err
	}

	er.log.Info("connected Rocket.Chat server", "url", serverURL, "server_id", serverID, "version", version)
	er.sendText(ctx, ev.RoomID, fmt.Sprintf(
		"You are connected to %s (Rocket.Chat version %s). The server id is `%s`. "+
			"Log in with `login <username> <password>` next.", serverURL, version, serverID))
	return nil
}

// cmdLogin authenticates the admin user against a connected server and
// persists the credentials Rocket.Chat handed out.
func (er *EventRouter) cmdLogin(ctx context.Context, s *database.Stores, ev *matrix.Event, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		er.sendText(ctx, ev.RoomID, "Usage: `login <username> <password> [url]`")
		return nil
	}
	explicitURL := ""
	if len(args) == 3 {
		explicitURL = args[2]
	}
	server, err := er.resolveServer(ctx, s, ev.RoomID, explicitURL)
	if err != nil || server == nil {
		return err
	}

	rcUserID, authToken, username, err := er.sessions(server.RocketchatURL, "", "").Login(ctx, args[0], args[1])
	if err != nil {
		er.log.Warn("Rocket.Chat login failed", "url", server.RocketchatURL, "error", err)
		if er.metrics != nil {
			er.metrics.IncrRocketchatAPIErrors()
		}
		er.sendText(ctx, ev.RoomID, "Login failed, please check your credentials.")
		return nil
	}

	existing, err := s.ServerUsers.Get(ctx, ev.Sender, server.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		err = s.ServerUsers.SetCredentials(ctx, ev.Sender, server.ID, rcUserID, authToken, username)
	} else {
		err = s.ServerUsers.Upsert(ctx, &database.ServerUser{
			MatrixUserID:        ev.Sender,
			RocketchatServerID:  server.ID,
			RocketchatUserID:    database.NullString(rcUserID),
			RocketchatAuthToken: database.NullString(authToken),
			RocketchatUsername:  database.NullString(username),
		})
	}
	if err != nil {
		return err
	}

	er.log.Info("user logged in to Rocket.Chat", "user_id", ev.Sender, "server_id", server.ID)
	er.sendText(ctx, ev.RoomID,
		fmt.Sprintf("You are logged in as %s. Send `list` to see the channels of the server.", username))
	return nil
}

// cmdList shows the channels of a server, marking the already bridged ones.
func (er *EventRouter) cmdList(ctx context.Context, s *database.Stores, ev *matrix.Event, args []string) error {
	explicitURL := ""
	if len(args) > 0 {
		explicitURL = args[0]
	}
	server, err := er.resolveServer(ctx, s, ev.RoomID, explicitURL)
	if err != nil || server == nil {
		return err
	}
	channels, err := er.listChannels(ctx, s, ev, server)
	if err != nil || channels == nil {
		return err
	}

	var b strings.Builder
	b.WriteString("These channels are available:\n")
	for _, ch := range channels {
		room, err := s.Rooms.FindByRocketchatRoom(ctx, server.ID, ch.ID)
		if err != nil {
			return err
		}
		if room != nil {
			fmt.Fprintf(&b, "* %s (bridged)\n", ch.Name)
		} else {
			fmt.Fprintf(&b, "* %s\n", ch.Name)
		}
	}
	er.sendText(ctx, ev.RoomID, b.String())
	return nil
}

// cmdBridge attaches a Rocket.Chat channel to a freshly created Matrix room.
func (er *EventRouter) cmdBridge(ctx context.Context, s *database.Stores, ev *matrix.Event, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		er.sendText(ctx, ev.RoomID, "Usage: `bridge <channel-name> [url]`")
		return nil
	}
	channelName := args[0]
	explicitURL := ""
	if len(args) == 2 {
		explicitURL = args[1]
	}
	server, err := er.resolveServer(ctx, s, ev.RoomID, explicitURL)
	if err != nil || server == nil {
		return err
	}
	channel, err := er.findChannel(ctx, s, ev, server, channelName)
	if err != nil || channel == nil {
		return err
	}

	if existing, err := s.Rooms.FindByRocketchatRoom(ctx, server.ID, channel.ID); err != nil {
		return err
	} else if existing != nil {
		er.sendText(ctx, ev.RoomID, fmt.Sprintf("The channel %s is already bridged.", channelName))
		return nil
	}

	matrixRoomID, err := er.matrix.CreateRoom(ctx, channelName, er.botID, []string{ev.Sender})
	if err != nil {
		return err
	}

	room := &database.Room{MatrixRoomID: matrixRoomID, DisplayName: channelName}
	if err := s.Rooms.Insert(ctx, room); err != nil {
		return err
	}
	if err := s.Rooms.SetBridged(ctx, matrixRoomID, server.ID, channel.ID); err != nil {
		return err
	}
	for _, userID := range []string{er.botID, ev.Sender} {
		if _, err := s.Users.GetOrCreate(ctx, userID); err != nil {
			return err
		}
		if err := s.Memberships.Insert(ctx, userID, matrixRoomID); err != nil {
			return err
		}
	}

	if er.metrics != nil {
		er.metrics.IncrRoomsBridged()
	}
	er.log.Info("bridged channel", "channel", channelName, "server_id", server.ID, "room_id", matrixRoomID)
	er.sendText(ctx, ev.RoomID, fmt.Sprintf(
		"The channel %s is now bridged. You were invited to the new Matrix room.", channelName))
	return nil
}

// cmdUnbridge detaches a Rocket.Chat channel. The Matrix room has to be empty
// except for the bot and virtual users first.
func (er *EventRouter) cmdUnbridge(ctx context.Context, s *database.Stores, ev *matrix.Event, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		er.sendText(ctx, ev.RoomID, "Usage: `unbridge <channel-name> [url]`")
		return nil
	}
	channelName := args[0]
	explicitURL := ""
	if len(args) == 2 {
		explicitURL = args[1]
	}
	server, err := er.resolveServer(ctx, s, ev.RoomID, explicitURL)
	if err != nil || server == nil {
		return err
	}
	channel, err := er.findChannel(ctx, s, ev, server, channelName)
	if err != nil || channel == nil {
		return err
	}

	room, err := s.Rooms.FindByRocketchatRoom(ctx, server.ID, channel.ID)
	if err != nil {
		return err
	}
	if room == nil {
		er.sendText(ctx, ev.RoomID, fmt.Sprintf("The channel %s is not bridged.", channelName))
		return nil
	}

	users, err := s.Rooms.Users(ctx, room.MatrixRoomID)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.MatrixUserID == er.botID || er.identity.IsApplicationServiceVirtualUser(u.MatrixUserID) {
			continue
		}
		er.sendText(ctx, ev.RoomID, fmt.Sprintf(
			"Can't unbridge the channel %s, because there are still users in the Matrix room. "+
				"All users have to leave the room before it can be unbridged.", channelName))
		return nil
	}

	if err := s.Rooms.ClearBridge(ctx, room.MatrixRoomID); err != nil {
		return err
	}
	er.log.Info("unbridged channel", "channel", channelName, "server_id", server.ID, "room_id", room.MatrixRoomID)
	er.sendText(ctx, ev.RoomID, fmt.Sprintf("The channel %s is no longer bridged.", channelName))
	return nil
}

// resolveServer picks the Rocket.Chat server a command addresses: an explicit
// URL wins, otherwise the single connected server. It messages the admin room
// and returns nil when the choice is empty or ambiguous.
func (er *EventRouter) resolveServer(ctx context.Context, s *database.Stores, roomID, explicitURL string) (*database.Server, error) {
	if explicitURL != "" {
		server, err := s.Servers.FindByURL(ctx, explicitURL)
		if err != nil {
			return nil, err
		}
		if server == nil {
			er.sendText(ctx, roomID,
				fmt.Sprintf("No Rocket.Chat server with the URL %s is connected.", explicitURL))
		}
		return server, nil
	}

	servers, err := s.Servers.All(ctx)
	if err != nil {
		return nil, err
	}
	switch len(servers) {
	case 0:
		er.sendText(ctx, roomID, noServersMessage+" Connect one with `connect <url> <token>`.")
		return nil, nil
	case 1:
		return servers[0], nil
	default:
		er.sendText(ctx, roomID,
			"More than one Rocket.Chat server is connected, please add the server URL to the command.")
		return nil, nil
	}
}

// credentialedSession builds a session with the stored credentials of the
// sending user. It messages the admin room and returns nil when the user
// never logged in on that server.
func (er *EventRouter) credentialedSession(ctx context.Context, s *database.Stores, ev *matrix.Event, server *database.Server) (RocketchatSession, error) {
	su, err := s.ServerUsers.Get(ctx, ev.Sender, server.ID)
	if err != nil {
		return nil, err
	}
	if su == nil || !su.RocketchatAuthToken.Valid {
		er.sendText(ctx, ev.RoomID,
			"You have to log in before you can use this command, send `login <username> <password>`.")
		return nil, nil
	}
	rcUserID, authToken := su.CredentialsOrEmpty()
	return er.sessions(server.RocketchatURL, rcUserID, authToken), nil
}

// listChannels fetches the channel list with the sender's credentials. It
// messages the admin room and returns nil when the user is not logged in or
// the server call fails.
func (er *EventRouter) listChannels(ctx context.Context, s *database.Stores, ev *matrix.Event, server *database.Server) ([]rocketchat.Channel, error) {
	session, err := er.credentialedSession(ctx, s, ev, server)
	if err != nil || session == nil {
		return nil, err
	}
	channels, err := session.Channels(ctx)
	if err != nil {
		er.log.Warn("could not list channels", "url", server.RocketchatURL, "error", err)
		if er.metrics != nil {
			er.metrics.IncrRocketchatAPIErrors()
		}
		er.sendText(ctx, ev.RoomID,
			fmt.Sprintf("Could not list the channels of %s.", server.RocketchatURL))
		return nil, nil
	}
	return channels, nil
}

// findChannel resolves a channel name on the server. It messages the admin
// room and returns nil when the channel does not exist.
func (er *EventRouter) findChannel(ctx context.Context, s *database.Stores, ev *matrix.Event, server *database.Server, name string) (*rocketchat.Channel, error) {
	channels, err := er.listChannels(ctx, s, ev, server)
	if err != nil || channels == nil {
		return nil, err
	}
	for i := range channels {
		if channels[i].Name == name {
			return &channels[i], nil
		}
	}
	er.sendText(ctx, ev.RoomID, fmt.Sprintf("No channel with the name %s found.", name))
	return nil, nil
}
