package database

import (
	"context"
	"database/sql"
	"fmt"
)

// User is a Matrix user the bridge has seen. LastMessageSent is epoch
// milliseconds of the last message forwarded to Rocket.Chat, zero if none.
type User struct {
	MatrixUserID    string
	Language        string
	LastMessageSent int64
	CreatedAt       int64
	UpdatedAt       int64
}

// UserStore provides CRUD operations for Matrix users.
type UserStore struct {
	store
}

const userColumns = "matrix_user_id, language, last_message_sent, created_at, updated_at"

// scanUser scans a row into a User struct.
func scanUser(scanner interface{ Scan(...interface{}) error }, u *User) error {
	return scanner.Scan(&u.MatrixUserID, &u.Language, &u.LastMessageSent, &u.CreatedAt, &u.UpdatedAt)
}

// Insert persists a new user. The language defaults to English when unset.
func (s *UserStore) Insert(ctx context.Context, u *User) error {
	if u.Language == "" {
		u.Language = "en"
	}
	now := nowMillis()
	u.CreatedAt = now
	u.UpdatedAt = now
	_, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO users (matrix_user_id, language, last_message_sent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`), u.MatrixUserID, u.Language, u.LastMessageSent, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// Get looks up a user by Matrix user id.
func (s *UserStore) Get(ctx context.Context, matrixUserID string) (*User, error) {
	u := &User{}
	err := scanUser(s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+userColumns+` FROM users WHERE matrix_user_id = $1`), matrixUserID), u)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetOrCreate returns the user, inserting it first if it does not exist yet.
func (s *UserStore) GetOrCreate(ctx context.Context, matrixUserID string) (*User, error) {
	u, err := s.Get(ctx, matrixUserID)
	if err != nil || u != nil {
		return u, err
	}
	u = &User{MatrixUserID: matrixUserID}
	if err := s.Insert(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// SetLastMessageSent records the time the user last had a message forwarded.
func (s *UserStore) SetLastMessageSent(ctx context.Context, matrixUserID string, sentAt int64) error {
	_, err := s.q.ExecContext(ctx, s.rebind(
		`UPDATE users SET last_message_sent = $1, updated_at = $2 WHERE matrix_user_id = $3`),
		sentAt, nowMillis(), matrixUserID)
	if err != nil {
		return fmt.Errorf("set last message sent: %w", err)
	}
	return nil
}

// Delete removes a user.
func (s *UserStore) Delete(ctx context.Context, matrixUserID string) error {
	_, err := s.q.ExecContext(ctx,
		s.rebind("DELETE FROM users WHERE matrix_user_id = $1"), matrixUserID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}
