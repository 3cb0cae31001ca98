package model

import (
	"strings"
	"time"
)

// RawProfile は永続化層から読み出したままのプロフィール行。
// 旧スキーマ由来のフィールド（FullName, ProfilePicture）を含む。
type RawProfile struct {
	UserID         string
	DisplayName    string
	FullName       string // 旧フィールド
	Username       string
	Bio            string
	AvatarURL      string
	ProfilePicture string // 旧フィールド
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NormalizeProfile は取り込み境界で1回だけ適用し、正規形のUserProfileを返す。
// 新フィールドが空の場合のみ旧フィールドを採用する。
func NormalizeProfile(raw RawProfile) UserProfile {
	displayName := strings.TrimSpace(raw.DisplayName)
	if displayName == "" {
		displayName = strings.TrimSpace(raw.FullName)
	}
	avatar := strings.TrimSpace(raw.AvatarURL)
	if avatar == "" {
		avatar = strings.TrimSpace(raw.ProfilePicture)
	}

	return UserProfile{
		UserID:      raw.UserID,
		DisplayName: displayName,
		Username:    strings.ToLower(strings.TrimSpace(raw.Username)),
		Bio:         raw.Bio,
		AvatarURL:   avatar,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
	}
}
