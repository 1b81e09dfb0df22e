package bridge

import (
	"context"
	"database/sql"

	"github.com/n42/matrix-rocketchat/internal/database"
)

// ensureVirtualUser returns the Matrix id that mirrors a Rocket.Chat user,
// registering the user on the homeserver and persisting the rows on first
// sight. Registration is attempted once per process, the homeserver treats
// repeats as already-in-use anyway.
func (er *EventRouter) ensureVirtualUser(ctx context.Context, s *database.Stores, server *database.Server, rcUserID, rcUsername string) (string, error) {
	virtualID, err := er.identity.VirtualUserID(server.ID, rcUserID)
	if err != nil {
		return "", err
	}

	existing, err := s.ServerUsers.Get(ctx, virtualID, server.ID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return virtualID, nil
	}

	if er.needsRegistration(virtualID) {
		if err := er.matrix.RegisterUser(ctx, er.identity.VirtualUserLocalpart(server.ID, rcUserID)); err != nil {
			er.forgetRegistration(virtualID)
			return "", err
		}
		if rcUsername != "" {
			if err := er.matrix.SetDisplayName(ctx, virtualID, rcUsername); err != nil {
				// The user works without a display name, the raw id shows instead.
				er.log.Warn("could not set display name for virtual user",
					"user_id", virtualID, "error", err)
			}
		}
	}

	if _, err := s.Users.GetOrCreate(ctx, virtualID); err != nil {
		return "", err
	}
	if err := s.ServerUsers.Upsert(ctx, &database.ServerUser{
		MatrixUserID:       virtualID,
		RocketchatServerID: server.ID,
		IsVirtualUser:      true,
		RocketchatUserID:   sql.NullString{String: rcUserID, Valid: true},
		RocketchatUsername: sql.NullString{String: rcUsername, Valid: rcUsername != ""},
	}); err != nil {
		return "", err
	}

	if er.metrics != nil {
		er.metrics.IncrVirtualUsersCreated()
	}
	er.log.Info("created virtual user", "user_id", virtualID, "server_id", server.ID)
	return virtualID, nil
}

// needsRegistration records a Matrix id as registered and reports whether it
// was new.
func (er *EventRouter) needsRegistration(virtualID string) bool {
	er.regMu.Lock()
	defer er.regMu.Unlock()
	if _, done := er.registered[virtualID]; done {
		return false
	}
	er.registered[virtualID] = struct{}{}
	return true
}

func (er *EventRouter) forgetRegistration(virtualID string) {
	er.regMu.Lock()
	defer er.regMu.Unlock()
	delete(er.registered, virtualID)
}
