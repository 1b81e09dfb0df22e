package bridge

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/n42/matrix-rocketchat/pkg/errors"
)

// userIDPattern is the subset of Matrix user ids the bridge hands out and
// accepts for its own namespace. Localparts are restricted to the characters
// Matrix allows for freshly registered users, the domain may carry a port.
var userIDPattern = regexp.MustCompile(`^@[a-z0-9._=/+-]+:[A-Za-z0-9.-]+(:[0-9]+)?$`)

// Identity derives and classifies the Matrix user ids that belong to the
// application service namespace. All methods are pure.
type Identity struct {
	senderLocalpart string
	hsDomain        string
}

func NewIdentity(senderLocalpart, hsDomain string) *Identity {
	return &Identity{senderLocalpart: senderLocalpart, hsDomain: hsDomain}
}

// BotUserID returns the Matrix id of the bot user.
func (i *Identity) BotUserID() (string, error) {
	userID := fmt.Sprintf("@%s:%s", i.senderLocalpart, i.hsDomain)
	if !userIDPattern.MatchString(userID) {
		return "", errors.Newf(errors.InvalidUserID, "%s is not a valid Matrix user id", userID)
	}
	return userID, nil
}

// IsApplicationServiceUser reports whether the id is part of the application
// service namespace, the bot user included.
func (i *Identity) IsApplicationServiceUser(userID string) bool {
	return strings.HasPrefix(userID, "@"+i.senderLocalpart)
}

// IsApplicationServiceVirtualUser reports whether the id is part of the
// application service namespace but not the bot user itself.
func (i *Identity) IsApplicationServiceVirtualUser(userID string) bool {
	return strings.HasPrefix(userID, "@"+i.senderLocalpart+"_")
}

// VirtualUserLocalpart builds the localpart under which a Rocket.Chat user
// is mirrored on the homeserver.
func (i *Identity) VirtualUserLocalpart(serverID, rocketchatUserID string) string {
	return fmt.Sprintf("%s_%s_%s", i.senderLocalpart, serverID, strings.ToLower(rocketchatUserID))
}

// VirtualUserID builds the full Matrix id for a mirrored Rocket.Chat user.
func (i *Identity) VirtualUserID(serverID, rocketchatUserID string) (string, error) {
	userID := fmt.Sprintf("@%s:%s", i.VirtualUserLocalpart(serverID, rocketchatUserID), i.hsDomain)
	if !userIDPattern.MatchString(userID) {
		return "", errors.Newf(errors.InvalidUserID, "%s is not a valid Matrix user id", userID)
	}
	return userID, nil
}

// roomDomain extracts the homeserver part of a Matrix room id, the part
// after the first colon. Returns an empty string for malformed ids.
func roomDomain(roomID string) string {
	_, domain, ok := strings.Cut(roomID, ":")
	if !ok {
		return ""
	}
	return domain
}
