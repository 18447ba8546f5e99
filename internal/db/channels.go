package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"harbor/internal/models"
)

type ChannelRepository struct {
	db *DB
}

func NewChannelRepository(db *DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

func (r *ChannelRepository) Create(name string, kind models.ChannelKind, private bool) (*models.Channel, error) {
	id, err := generateID("chn")
	if err != nil {
		return nil, fmt.Errorf("generating channel ID: %w", err)
	}
	now := time.Now().UTC()

	_, err = r.db.Exec(
		`INSERT INTO channels (id, name, kind, private, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, string(kind), private, now,
	)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("creating channel: %w", err)
	}

	return &models.Channel{
		ID:        id,
		Name:      name,
		Kind:      kind,
		Private:   private,
		CreatedAt: now,
	}, nil
}

func (r *ChannelRepository) FindByID(id string) (*models.Channel, error) {
	var c models.Channel
	var kind string

	err := r.db.QueryRow(
		`SELECT id, name, kind, private, created_at FROM channels WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.Name, &kind, &c.Private, &c.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying channel: %w", err)
	}

	c.Kind = models.ChannelKind(kind)
	return &c, nil
}

func (r *ChannelRepository) FindAll() ([]*models.Channel, error) {
	rows, err := r.db.Query(`SELECT id, name, kind, private, created_at FROM channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer rows.Close()

	var channels []*models.Channel
	for rows.Next() {
		var c models.Channel
		var kind string
		if err := rows.Scan(&c.ID, &c.Name, &kind, &c.Private, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		c.Kind = models.ChannelKind(kind)
		channels = append(channels, &c)
	}

	return channels, rows.Err()
}

func (r *ChannelRepository) AddMember(channelID, userID string) error {
	_, err := r.db.Exec(
		`INSERT OR IGNORE INTO channel_members (channel_id, user_id, added_at) VALUES (?, ?, ?)`,
		channelID, userID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("adding channel member: %w", err)
	}
	return nil
}

func (r *ChannelRepository) RemoveMember(channelID, userID string) error {
	_, err := r.db.Exec(
		`DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?`,
		channelID, userID,
	)
	if err != nil {
		return fmt.Errorf("removing channel member: %w", err)
	}
	return nil
}

// CanAccess reports whether a user may read and post in the channel. Public
// channels are open to everyone; private channels require membership. A
// missing channel reports ErrNotFound.
func (r *ChannelRepository) CanAccess(userID, channelID string) (bool, error) {
	ch, err := r.FindByID(channelID)
	if err != nil {
		return false, err
	}
	if !ch.Private {
		return true, nil
	}

	var count int
	err = r.db.QueryRow(
		`SELECT COUNT(*) FROM channel_members WHERE channel_id = ? AND user_id = ?`,
		channelID, userID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking channel membership: %w", err)
	}
	return count > 0, nil
}
