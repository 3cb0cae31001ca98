package onboarding

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/creatorgate/internal/model"
)

const (
	maxDisplayNameLength = 50
	maxBioLength         = 500

	// MinSubscriptionPriceCents と MaxSubscriptionPriceCents は月額購読価格の範囲。
	MinSubscriptionPriceCents int64 = 100
	MaxSubscriptionPriceCents int64 = 100000
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,30}$`)

// ProfileInput はプロフィール作成ステップの入力。
type ProfileInput struct {
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
	Bio         string `json:"bio"`
	AvatarURL   string `json:"avatar_url"`
}

// normalize は前後の空白を除去し、ユーザー名を小文字に揃える。
func (in ProfileInput) normalize() ProfileInput {
	return ProfileInput{
		DisplayName: strings.TrimSpace(in.DisplayName),
		Username:    strings.ToLower(strings.TrimSpace(in.Username)),
		Bio:         strings.TrimSpace(in.Bio),
		AvatarURL:   strings.TrimSpace(in.AvatarURL),
	}
}

// validate は正規化済みの入力を検証する。
func (in ProfileInput) validate() error {
	if in.DisplayName == "" {
		return model.NewValidationError("display_name", "表示名は必須です")
	}
	if utf8.RuneCountInString(in.DisplayName) > maxDisplayNameLength {
		return model.NewValidationError("display_name", "表示名は50文字以内で入力してください")
	}
	if in.Username == "" {
		return model.NewValidationError("username", "ユーザー名は必須です")
	}
	if !usernamePattern.MatchString(in.Username) {
		return model.NewValidationError("username", "ユーザー名は英小文字・数字・アンダースコアの3〜30文字で入力してください")
	}
	if utf8.RuneCountInString(in.Bio) > maxBioLength {
		return model.NewValidationError("bio", "自己紹介は500文字以内で入力してください")
	}
	if in.AvatarURL != "" && !strings.HasPrefix(in.AvatarURL, "https://") {
		return model.NewValidationError("avatar_url", "アイコン画像のURLはhttpsで指定してください")
	}
	return nil
}

// validatePrice は購読価格を検証する。nilは購読なし（単品販売のみ）を表す。
func validatePrice(price *int64) error {
	if price == nil {
		return nil
	}
	if *price < MinSubscriptionPriceCents || *price > MaxSubscriptionPriceCents {
		return model.NewValidationError("subscription_price", "購読価格は100〜100000の範囲で指定してください")
	}
	return nil
}
