package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Room is a Matrix room known to the bridge. The Rocket.Chat ids are set
// together or not at all; SetBridged and ClearBridge keep it that way.
type Room struct {
	MatrixRoomID        string
	DisplayName         string
	RocketchatServerID  sql.NullString
	RocketchatRoomID    sql.NullString
	IsAdminRoom         bool
	IsBridged           bool
	IsDirectMessageRoom bool
	CreatedAt           int64
	UpdatedAt           int64
}

// RoomStore provides CRUD operations for rooms.
type RoomStore struct {
	store
}

// roomColumns is the column list shared by all room queries.
const roomColumns = `matrix_room_id, display_name, rocketchat_server_id, rocketchat_room_id,
	is_admin_room, is_bridged, is_direct_message_room, created_at, updated_at`

// scanRoom scans a row into a Room struct.
func scanRoom(scanner interface{ Scan(...interface{}) error }, r *Room) error {
	return scanner.Scan(
		&r.MatrixRoomID, &r.DisplayName, &r.RocketchatServerID, &r.RocketchatRoomID,
		&r.IsAdminRoom, &r.IsBridged, &r.IsDirectMessageRoom, &r.CreatedAt, &r.UpdatedAt,
	)
}

// Insert persists a new room.
func (s *RoomStore) Insert(ctx context.Context, r *Room) error {
	now := nowMillis()
	r.CreatedAt = now
	r.UpdatedAt = now
	_, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO rooms (matrix_room_id, display_name, rocketchat_server_id, rocketchat_room_id,
			is_admin_room, is_bridged, is_direct_message_room, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`), r.MatrixRoomID, r.DisplayName, r.RocketchatServerID, r.RocketchatRoomID,
		r.IsAdminRoom, r.IsBridged, r.IsDirectMessageRoom, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// Get looks up a room by Matrix room id.
func (s *RoomStore) Get(ctx context.Context, matrixRoomID string) (*Room, error) {
	r := &Room{}
	err := scanRoom(s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+roomColumns+` FROM rooms WHERE matrix_room_id = $1`), matrixRoomID), r)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	return r, nil
}

// FindByRocketchatRoom looks up the bridged room for a Rocket.Chat channel.
func (s *RoomStore) FindByRocketchatRoom(ctx context.Context, serverID, rocketchatRoomID string) (*Room, error) {
	r := &Room{}
	err := scanRoom(s.q.QueryRowContext(ctx, s.rebind(
		`SELECT `+roomColumns+` FROM rooms
		 WHERE rocketchat_server_id = $1 AND rocketchat_room_id = $2`),
		serverID, rocketchatRoomID), r)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find room by rocketchat channel: %w", err)
	}
	return r, nil
}

// BridgedForServer returns the bridged rooms of one Rocket.Chat server
// ordered by creation time. The realtime stream subscribes to their channels.
func (s *RoomStore) BridgedForServer(ctx context.Context, serverID string) ([]*Room, error) {
	rows, err := s.q.QueryContext(ctx, s.rebind(
		`SELECT `+roomColumns+` FROM rooms
		 WHERE rocketchat_server_id = $1 AND is_bridged = TRUE
		 ORDER BY created_at`), serverID)
	if err != nil {
		return nil, fmt.Errorf("list bridged rooms: %w", err)
	}
	defer rows.Close()

	var result []*Room
	for rows.Next() {
		r := &Room{}
		if err := scanRoom(rows, r); err != nil {
			return nil, fmt.Errorf("scan bridged room: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list bridged rooms: %w", err)
	}
	return result, nil
}

// CountAdminRooms returns the number of open admin rooms.
func (s *RoomStore) CountAdminRooms(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms WHERE is_admin_room = TRUE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count admin rooms: %w", err)
	}
	return n, nil
}

// SetBridged attaches a Rocket.Chat channel to the room. Both ids are set in
// one write so they are never observed apart.
func (s *RoomStore) SetBridged(ctx context.Context, matrixRoomID, serverID, rocketchatRoomID string) error {
	_, err := s.q.ExecContext(ctx, s.rebind(`
		UPDATE rooms
		SET rocketchat_server_id = $1, rocketchat_room_id = $2, is_bridged = TRUE, updated_at = $3
		WHERE matrix_room_id = $4
	`), serverID, rocketchatRoomID, nowMillis(), matrixRoomID)
	if err != nil {
		return fmt.Errorf("set room bridged: %w", err)
	}
	return nil
}

// ClearBridge detaches the Rocket.Chat channel from the room.
func (s *RoomStore) ClearBridge(ctx context.Context, matrixRoomID string) error {
	_, err := s.q.ExecContext(ctx, s.rebind(`
		UPDATE rooms
		SET rocketchat_server_id = NULL, rocketchat_room_id = NULL, is_bridged = FALSE, updated_at = $1
		WHERE matrix_room_id = $2
	`), nowMillis(), matrixRoomID)
	if err != nil {
		return fmt.Errorf("clear room bridge: %w", err)
	}
	return nil
}

// SetDisplayName updates the stored display name.
func (s *RoomStore) SetDisplayName(ctx context.Context, matrixRoomID, displayName string) error {
	_, err := s.q.ExecContext(ctx, s.rebind(
		`UPDATE rooms SET display_name = $1, updated_at = $2 WHERE matrix_room_id = $3`),
		displayName, nowMillis(), matrixRoomID)
	if err != nil {
		return fmt.Errorf("set room display name: %w", err)
	}
	return nil
}

// Users returns the users recorded as members of the room.
func (s *RoomStore) Users(ctx context.Context, matrixRoomID string) ([]*User, error) {
	rows, err := s.q.QueryContext(ctx, s.rebind(`
		SELECT u.matrix_user_id, u.language, u.last_message_sent, u.created_at, u.updated_at
		FROM users u
		JOIN users_in_rooms m ON m.matrix_user_id = u.matrix_user_id
		WHERE m.matrix_room_id = $1
		ORDER BY m.created_at
	`), matrixRoomID)
	if err != nil {
		return nil, fmt.Errorf("list room users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		if err := scanUser(rows, u); err != nil {
			return nil, fmt.Errorf("scan room user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Delete removes a room.
func (s *RoomStore) Delete(ctx context.Context, matrixRoomID string) error {
	_, err := s.q.ExecContext(ctx,
		s.rebind("DELETE FROM rooms WHERE matrix_room_id = $1"), matrixRoomID)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}
