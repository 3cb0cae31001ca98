// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, payment, content, system
	Action   string // ユーザー向け対処方法
	Field    string // バリデーションエラー時の対象フィールド
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation                = "VALIDATION_ERROR"
	ErrCodeUsernameTaken             = "USERNAME_TAKEN"
	ErrCodeStepInProgress            = "STEP_IN_PROGRESS"
	ErrCodeExternalService           = "EXTERNAL_SERVICE_ERROR"
	ErrCodeAuthExpired               = "AUTH_EXPIRED"
	ErrCodeProfileRequired           = "PROFILE_REQUIRED"
	ErrCodePaymentConnectionRequired = "PAYMENT_CONNECTION_REQUIRED"
	ErrCodeAlreadyCreator            = "ALREADY_CREATOR"
	ErrCodeCreatorNotFound           = "CREATOR_NOT_FOUND"
	ErrCodeItemNotFound              = "ITEM_NOT_FOUND"
	ErrCodeCheckoutNotFound          = "CHECKOUT_NOT_FOUND"
	ErrCodeInvalidCheckoutTarget     = "INVALID_CHECKOUT_TARGET"
	ErrCodeAlreadyEntitled           = "ALREADY_ENTITLED"
	ErrCodeCreatorIntentRequired     = "CREATOR_INTENT_REQUIRED"
	ErrCodeAccountNotVerified        = "ACCOUNT_NOT_VERIFIED"
	ErrCodeCheckoutInProgress        = "CHECKOUT_IN_PROGRESS"
)

// NewValidationError は入力値不正のエラーを生成する。状態遷移は発生しない。
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が正しくありません: %s", reason),
		Category: "validation",
		Action:   "入力内容を修正して再度送信してください。",
		Field:    field,
	}
}

// NewUsernameTakenError はユーザー名の重複エラーを生成する。
func NewUsernameTakenError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeUsernameTaken,
		Message:  fmt.Sprintf("ユーザー名は既に使用されています: %s", username),
		Category: "validation",
		Action:   "別のユーザー名を入力してください。",
		Field:    "username",
	}
}

// NewStepInProgressError は同一ユーザーの送信処理が実行中の場合のエラーを生成する。
func NewStepInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeStepInProgress,
		Message:  "前回の送信を処理中です。",
		Category: "validation",
		Action:   "処理が完了するまでお待ちください。",
	}
}

// NewExternalServiceError は決済プロバイダー等の外部サービス障害エラーを生成する。
func NewExternalServiceError(service string) *APIError {
	return &APIError{
		Code:     ErrCodeExternalService,
		Message:  fmt.Sprintf("外部サービスとの通信に失敗しました: %s", service),
		Category: "payment",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewAuthExpiredError は認証切れのエラーを生成する。
func NewAuthExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthExpired,
		Message:  "認証の有効期限が切れています。",
		Category: "auth",
		Action:   "ログインし直してください。途中の手続きはログイン後に再開できます。",
	}
}

// NewProfileRequiredError はユーザープロフィール未作成のエラーを生成する。
func NewProfileRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeProfileRequired,
		Message:  "プロフィールが作成されていません。",
		Category: "validation",
		Action:   "先にプロフィールを作成してください。",
	}
}

// NewPaymentConnectionRequiredError は決済アカウント連携前にクリエイタープロフィールを
// 作成しようとした場合のエラーを生成する。
func NewPaymentConnectionRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodePaymentConnectionRequired,
		Message:  "決済アカウントの連携が完了していません。",
		Category: "payment",
		Action:   "決済アカウントの連携を開始してください。",
	}
}

// NewAlreadyCreatorError は既にクリエイターである場合のエラーを生成する。
func NewAlreadyCreatorError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyCreator,
		Message:  "既にクリエイターとして登録されています。",
		Category: "validation",
		Action:   "プロフィール編集画面から設定を変更してください。",
	}
}

// NewCreatorNotFoundError はクリエイター未検出エラーを生成する。
func NewCreatorNotFoundError(creatorID string) *APIError {
	return &APIError{
		Code:     ErrCodeCreatorNotFound,
		Message:  fmt.Sprintf("指定されたクリエイターが見つかりません: %s", creatorID),
		Category: "content",
		Action:   "クリエイターIDを確認してください。",
	}
}

// NewItemNotFoundError はコンテンツ未検出エラーを生成する。
func NewItemNotFoundError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeItemNotFound,
		Message:  fmt.Sprintf("指定されたコンテンツが見つかりません: %s", itemID),
		Category: "content",
		Action:   "コンテンツIDを確認してください。",
	}
}

// NewCheckoutNotFoundError はチェックアウトセッション未検出エラーを生成する。
func NewCheckoutNotFoundError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeCheckoutNotFound,
		Message:  fmt.Sprintf("指定された決済セッションが見つかりません: %s", sessionID),
		Category: "payment",
		Action:   "もう一度購入手続きを開始してください。",
	}
}

// NewInvalidCheckoutTargetError はチェックアウト対象が不正な場合のエラーを生成する。
func NewInvalidCheckoutTargetError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCheckoutTarget,
		Message:  fmt.Sprintf("購入対象が正しくありません: %s", reason),
		Category: "validation",
		Action:   "購入対象を確認してください。",
	}
}

// NewAlreadyEntitledError は既に閲覧権限を持つ対象を購入しようとした場合のエラーを生成する。
func NewAlreadyEntitledError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyEntitled,
		Message:  "既に閲覧権限があります。",
		Category: "payment",
		Action:   "購入済みのコンテンツはそのまま閲覧できます。",
	}
}

// NewCreatorIntentRequiredError はクリエイター登録の意思表示前に決済連携を開始しようとした場合のエラーを生成する。
func NewCreatorIntentRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeCreatorIntentRequired,
		Message:  "クリエイター登録の内容が入力されていません。",
		Category: "validation",
		Action:   "購読価格の設定からやり直してください。",
	}
}

// NewAccountNotVerifiedError は決済アカウントの本人確認・口座登録が未完了の場合のエラーを生成する。
func NewAccountNotVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotVerified,
		Message:  "決済アカウントの確認が完了していません。",
		Category: "payment",
		Action:   "再試行して決済アカウントの登録を完了してください。",
	}
}

// NewCheckoutInProgressError は同一対象の決済手続きが進行中の場合のエラーを生成する。
func NewCheckoutInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeCheckoutInProgress,
		Message:  "同じ対象の決済手続きが進行中です。",
		Category: "payment",
		Action:   "決済の完了を待ってから画面を再読み込みしてください。",
	}
}

// HasCode はerrがAPIErrorであり指定コードを持つかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
