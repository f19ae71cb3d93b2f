package models

import "time"

// Instance is the persisted configuration of one automation instance.
// Token holds the credential encrypted by the vault, never plaintext.
type Instance struct {
	ID             string       `gorm:"primaryKey;size:64" json:"id"`
	Token          string       `gorm:"type:text;not null" json:"token"`
	ChannelID      string       `gorm:"size:32;not null" json:"channelId"`
	Logging        bool         `json:"logging"`
	QuotaCapacity  int          `json:"quotaCapacity"`
	Running        bool         `gorm:"index" json:"running"`
	Paused         bool         `json:"paused"`
	Stats          SessionStats `gorm:"serializer:json;type:text" json:"stats"`
	Identity       *Identity    `gorm:"serializer:json;type:text" json:"identity,omitempty"`
	LastDailyRunAt *time.Time   `json:"lastDailyRunAt,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// SessionStats is the persisted form of an engine's session counters.
type SessionStats struct {
	TotalRolls   int       `json:"totalRolls"`
	ClaimedNames []string  `json:"claimedNames"`
	StartedAt    time.Time `json:"startedAt"`
}

// Identity is the cached account identity of an instance's credential.
type Identity struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	DisplayName   string `json:"displayName,omitempty"`
	Discriminator string `json:"discriminator,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
	AvatarURL     string `json:"avatarUrl,omitempty"`
}
