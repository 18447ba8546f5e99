package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const settingIdleTimeoutMinutes = "idle_timeout_minutes"

type SettingsRepository struct {
	db *DB
}

func NewSettingsRepository(db *DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

func (r *SettingsRepository) Get(key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying setting %s: %w", key, err)
	}
	return value, nil
}

func (r *SettingsRepository) Set(key, value string) error {
	_, err := r.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// IdleTimeout returns the configured presence idle threshold. ErrNotFound
// means the setting was never written and the caller's default applies.
func (r *SettingsRepository) IdleTimeout() (time.Duration, error) {
	raw, err := r.Get(settingIdleTimeoutMinutes)
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		return 0, fmt.Errorf("invalid %s value %q", settingIdleTimeoutMinutes, raw)
	}
	return time.Duration(minutes) * time.Minute, nil
}
