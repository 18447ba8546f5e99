package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"harbor/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate entry")
)

type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(username string, role models.Role) (*models.User, error) {
	id, err := generateID("usr")
	if err != nil {
		return nil, fmt.Errorf("generating user ID: %w", err)
	}
	now := time.Now().UTC()

	_, err = r.db.Exec(
		`INSERT INTO users (id, username, role, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, username, string(role), now, now,
	)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	return &models.User{
		ID:        id,
		Username:  username,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: &now,
	}, nil
}

func (r *UserRepository) FindByID(id string) (*models.User, error) {
	return r.findOne(`SELECT id, username, avatar_url, role, created_at, updated_at, suspended_at FROM users WHERE id = ?`, id)
}

func (r *UserRepository) FindByUsername(username string) (*models.User, error) {
	return r.findOne(`SELECT id, username, avatar_url, role, created_at, updated_at, suspended_at FROM users WHERE username = ?`, username)
}

func (r *UserRepository) UpdateAvatarURL(id string, avatarURL *string) error {
	result, err := r.db.Exec(
		`UPDATE users SET avatar_url = ?, updated_at = ? WHERE id = ?`,
		avatarURL, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating avatar: %w", err)
	}
	return checkRowsAffected(result)
}

func (r *UserRepository) Suspend(id string) error {
	result, err := r.db.Exec(
		`UPDATE users SET suspended_at = ?, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("suspending user: %w", err)
	}
	return checkRowsAffected(result)
}

func (r *UserRepository) findOne(query string, args ...any) (*models.User, error) {
	var u models.User
	var role string
	var updatedAt, suspendedAt sql.NullTime

	err := r.db.QueryRow(query, args...).Scan(
		&u.ID,
		&u.Username,
		&u.AvatarURL,
		&role,
		&u.CreatedAt,
		&updatedAt,
		&suspendedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	u.Role = models.Role(role)
	u.UpdatedAt = nullTimeToPtr(updatedAt)
	u.SuspendedAt = nullTimeToPtr(suspendedAt)

	return &u, nil
}
