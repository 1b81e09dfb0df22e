package database

import (
	"context"
	"database/sql"
	"fmt"
)

// ServerUser links a Matrix user to a Rocket.chat server. Real users carry
// the credentials they obtained via login, virtual users are the Matrix
// shadows of Rocket.Chat users and never log in themselves.
type ServerUser struct {
	MatrixUserID        string
	RocketchatServerID  string
	IsVirtualUser       bool
	RocketchatUserID    sql.NullString
	RocketchatAuthToken sql.NullString
	RocketchatUsername  sql.NullString
	CreatedAt           int64
	UpdatedAt           int64
}

// CredentialsOrEmpty returns the stored Rocket.Chat user id and auth token,
// substituting empty strings when the user never logged in.
func (u *ServerUser) CredentialsOrEmpty() (userID, authToken string) {
	return u.RocketchatUserID.String, u.RocketchatAuthToken.String
}

// ServerUserStore provides CRUD operations for user-server links.
type ServerUserStore struct {
	store
}

const serverUserColumns = `matrix_user_id, rocketchat_server_id, is_virtual_user,
	rocketchat_user_id, rocketchat_auth_token, rocketchat_username, created_at, updated_at`

// scanServerUser scans a row into a ServerUser struct.
func scanServerUser(scanner interface{ Scan(...interface{}) error }, u *ServerUser) error {
	return scanner.Scan(
		&u.MatrixUserID, &u.RocketchatServerID, &u.IsVirtualUser,
		&u.RocketchatUserID, &u.RocketchatAuthToken, &u.RocketchatUsername,
		&u.CreatedAt, &u.UpdatedAt,
	)
}

// Upsert inserts the link or refreshes an existing one.
func (s *ServerUserStore) Upsert(ctx context.Context, u *ServerUser) error {
	now := nowMillis()
	if u.CreatedAt == 0 {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO users_on_rocketchat_servers (matrix_user_id, rocketchat_server_id, is_virtual_user,
			rocketchat_user_id, rocketchat_auth_token, rocketchat_username, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (matrix_user_id, rocketchat_server_id) DO UPDATE SET
			is_virtual_user = EXCLUDED.is_virtual_user,
			rocketchat_user_id = EXCLUDED.rocketchat_user_id,
			rocketchat_auth_token = EXCLUDED.rocketchat_auth_token,
			rocketchat_username = EXCLUDED.rocketchat_username,
			updated_at = EXCLUDED.updated_at
	`), u.MatrixUserID, u.RocketchatServerID, u.IsVirtualUser,
		u.RocketchatUserID, u.RocketchatAuthToken, u.RocketchatUsername, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert server user: %w", err)
	}
	return nil
}

// Get looks up the link between a Matrix user and a server.
func (s *ServerUserStore) Get(ctx context.Context, matrixUserID, serverID string) (*ServerUser, error) {
	u := &ServerUser{}
	err := scanServerUser(s.q.QueryRowContext(ctx, s.rebind(
		`SELECT `+serverUserColumns+` FROM users_on_rocketchat_servers
		 WHERE matrix_user_id = $1 AND rocketchat_server_id = $2`),
		matrixUserID, serverID), u)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get server user: %w", err)
	}
	return u, nil
}

// FindByRocketchatUserID looks up the link for a Rocket.Chat user on a
// server. When a real user and their mirrored virtual row share the id, the
// real user wins.
func (s *ServerUserStore) FindByRocketchatUserID(ctx context.Context, serverID, rocketchatUserID string) (*ServerUser, error) {
	u := &ServerUser{}
	err := scanServerUser(s.q.QueryRowContext(ctx, s.rebind(
		`SELECT `+serverUserColumns+` FROM users_on_rocketchat_servers
		 WHERE rocketchat_server_id = $1 AND rocketchat_user_id = $2
		 ORDER BY is_virtual_user, created_at LIMIT 1`),
		serverID, rocketchatUserID), u)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find server user by rocketchat user id: %w", err)
	}
	return u, nil
}

// IsVirtualUser reports whether the Matrix user is a virtual user on any server.
func (s *ServerUserStore) IsVirtualUser(ctx context.Context, matrixUserID string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, s.rebind(
		`SELECT 1 FROM users_on_rocketchat_servers
		 WHERE matrix_user_id = $1 AND is_virtual_user = TRUE`),
		matrixUserID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check virtual user: %w", err)
	}
	return true, nil
}

// SetCredentials stores the Rocket.Chat identity obtained by a login.
func (s *ServerUserStore) SetCredentials(ctx context.Context, matrixUserID, serverID, rocketchatUserID, authToken, username string) error {
	_, err := s.q.ExecContext(ctx, s.rebind(`
		UPDATE users_on_rocketchat_servers
		SET rocketchat_user_id = $1, rocketchat_auth_token = $2, rocketchat_username = $3, updated_at = $4
		WHERE matrix_user_id = $5 AND rocketchat_server_id = $6
	`), rocketchatUserID, authToken, username, nowMillis(), matrixUserID, serverID)
	if err != nil {
		return fmt.Errorf("set server user credentials: %w", err)
	}
	return nil
}

// FirstWithCredentials returns the earliest logged-in real user on the
// server, or nil when nobody has logged in yet.
func (s *ServerUserStore) FirstWithCredentials(ctx context.Context, serverID string) (*ServerUser, error) {
	u := &ServerUser{}
	err := scanServerUser(s.q.QueryRowContext(ctx, s.rebind(
		`SELECT `+serverUserColumns+` FROM users_on_rocketchat_servers
		 WHERE rocketchat_server_id = $1 AND is_virtual_user = FALSE AND rocketchat_auth_token IS NOT NULL
		 ORDER BY created_at LIMIT 1`),
		serverID), u)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find logged in server user: %w", err)
	}
	return u, nil
}

// Delete removes the link between a Matrix user and a server.
func (s *ServerUserStore) Delete(ctx context.Context, matrixUserID, serverID string) error {
	_, err := s.q.ExecContext(ctx, s.rebind(
		`DELETE FROM users_on_rocketchat_servers WHERE matrix_user_id = $1 AND rocketchat_server_id = $2`),
		matrixUserID, serverID)
	if err != nil {
		return fmt.Errorf("delete server user: %w", err)
	}
	return nil
}
