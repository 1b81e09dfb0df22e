package database

import (
	"context"
	"database/sql"
	"fmt"
)

// MembershipStore tracks which users are in which rooms.
type MembershipStore struct {
	store
}

// Insert records a user as a member of a room.
func (s *MembershipStore) Insert(ctx context.Context, matrixUserID, matrixRoomID string) error {
	now := nowMillis()
	_, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO users_in_rooms (matrix_user_id, matrix_room_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`), matrixUserID, matrixRoomID, now, now)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// Exists reports whether the user is recorded as a member of the room.
func (s *MembershipStore) Exists(ctx context.Context, matrixUserID, matrixRoomID string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, s.rebind(
		`SELECT 1 FROM users_in_rooms WHERE matrix_user_id = $1 AND matrix_room_id = $2`),
		matrixUserID, matrixRoomID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}

// Delete removes a user from a room.
func (s *MembershipStore) Delete(ctx context.Context, matrixUserID, matrixRoomID string) error {
	_, err := s.q.ExecContext(ctx, s.rebind(
		`DELETE FROM users_in_rooms WHERE matrix_user_id = $1 AND matrix_room_id = $2`),
		matrixUserID, matrixRoomID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	return nil
}

// DeleteForRoom removes all membership records of a room.
func (s *MembershipStore) DeleteForRoom(ctx context.Context, matrixRoomID string) error {
	_, err := s.q.ExecContext(ctx,
		s.rebind("DELETE FROM users_in_rooms WHERE matrix_room_id = $1"), matrixRoomID)
	if err != nil {
		return fmt.Errorf("delete room memberships: %w", err)
	}
	return nil
}
