package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Server is a connected Rocket.Chat server. The token is the shared secret
// that incoming webhook requests authenticate with.
type Server struct {
	ID              string
	RocketchatURL   string
	RocketchatToken sql.NullString
	CreatedAt       int64
	UpdatedAt       int64
}

// ServerStore provides CRUD operations for Rocket.Chat servers.
type ServerStore struct {
	store
}

const serverColumns = "id, rocketchat_url, rocketchat_token, created_at, updated_at"

// scanServer scans a row into a Server struct.
func scanServer(scanner interface{ Scan(...interface{}) error }, srv *Server) error {
	return scanner.Scan(&srv.ID, &srv.RocketchatURL, &srv.RocketchatToken, &srv.CreatedAt, &srv.UpdatedAt)
}

// Insert persists a new server. The url and token unique constraints
// surface as IsUniqueViolation errors.
func (s *ServerStore) Insert(ctx context.Context, srv *Server) error {
	now := nowMillis()
	srv.CreatedAt = now
	srv.UpdatedAt = now
	_, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO rocketchat_servers (id, rocketchat_url, rocketchat_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`), srv.ID, srv.RocketchatURL, srv.RocketchatToken, srv.CreatedAt, srv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert rocketchat server: %w", err)
	}
	return nil
}

// Get looks up a server by id.
func (s *ServerStore) Get(ctx context.Context, id string) (*Server, error) {
	srv := &Server{}
	err := scanServer(s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+serverColumns+` FROM rocketchat_servers WHERE id = $1`), id), srv)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rocketchat server: %w", err)
	}
	return srv, nil
}

// FindByURL looks up a server by its base URL.
func (s *ServerStore) FindByURL(ctx context.Context, url string) (*Server, error) {
	srv := &Server{}
	err := scanServer(s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+serverColumns+` FROM rocketchat_servers WHERE rocketchat_url = $1`), url), srv)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find rocketchat server by url: %w", err)
	}
	return srv, nil
}

// FindByToken looks up a server by its webhook token.
func (s *ServerStore) FindByToken(ctx context.Context, token string) (*Server, error) {
	srv := &Server{}
	err := scanServer(s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+serverColumns+` FROM rocketchat_servers WHERE rocketchat_token = $1`), token), srv)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find rocketchat server by token: %w", err)
	}
	return srv, nil
}

// All returns every connected server ordered by creation time.
func (s *ServerStore) All(ctx context.Context) ([]*Server, error) {
	rows, err := s.q.QueryContext(ctx,
		s.rebind(`SELECT `+serverColumns+` FROM rocketchat_servers ORDER BY created_at`))
	if err != nil {
		return nil, fmt.Errorf("list rocketchat servers: %w", err)
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		srv := &Server{}
		if err := scanServer(rows, srv); err != nil {
			return nil, fmt.Errorf("scan rocketchat server: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// Delete removes a server.
func (s *ServerStore) Delete(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx,
		s.rebind("DELETE FROM rocketchat_servers WHERE id = $1"), id)
	if err != nil {
		return fmt.Errorf("delete rocketchat server: %w", err)
	}
	return nil
}
