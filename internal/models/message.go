package models

import "time"

type Message struct {
	ID              string     `json:"id"`
	ChannelID       string     `json:"channelId"`
	AuthorID        string     `json:"authorId"`
	AuthorName      string     `json:"authorName,omitempty"`
	AuthorAvatarURL *string    `json:"authorAvatarUrl,omitempty"`
	Content         string     `json:"content"`
	CreatedAt       time.Time  `json:"createdAt"`
	EditedAt        *time.Time `json:"editedAt,omitempty"`
}
