// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, openid, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeOpenIDRequired          = "OPENID_REQUIRED"
	ErrCodeXRIDisabled             = "XRI_DISABLED"
	ErrCodeInvalidOpenID           = "INVALID_OPENID"
	ErrCodeOpenIDCancelled         = "OPENID_CANCELLED"
	ErrCodeOpenIDFailure           = "OPENID_FAILURE"
	ErrCodeOpenIDSetupNeeded       = "OPENID_SETUP_NEEDED"
	ErrCodeOpenIDAlreadyAssociated = "OPENID_ALREADY_ASSOCIATED"
	ErrCodeAssociationNotFound     = "ASSOCIATION_NOT_FOUND"
	ErrCodeLastOpenID              = "LAST_OPENID"
	ErrCodeNeedAuthenticatedUser   = "NEED_AUTHENTICATED_USER"
	ErrCodeUserNotFound            = "USER_NOT_FOUND"
	ErrCodeUsernameTaken           = "USERNAME_TAKEN"
	ErrCodeInvalidUsername         = "INVALID_USERNAME"
	ErrCodeInvalidEmail            = "INVALID_EMAIL"
	ErrCodeActionNotFound          = "ACTION_NOT_FOUND"
	ErrCodeOpenIDNotSignedIn       = "OPENID_NOT_SIGNED_IN"
	ErrCodeOpenIDNotRegistered     = "OPENID_NOT_REGISTERED"
	ErrCodeCSRFTokenInvalid        = "CSRF_TOKEN_INVALID"
)

// NewOpenIDRequiredError はOpenID未入力エラーを生成する。
func NewOpenIDRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeOpenIDRequired,
		Message:  "Enter an OpenID",
		Category: "validation",
		Action:   "OpenIDのURLを入力してください。",
	}
}

// NewXRIDisabledError はi-name（XRI）が無効な場合のエラーを生成する。
func NewXRIDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeXRIDisabled,
		Message:  "i-names are not supported",
		Category: "validation",
		Action:   "URL形式のOpenIDを入力してください。",
	}
}

// NewInvalidOpenIDError はディスカバリーに失敗した場合のエラーを生成する。
func NewInvalidOpenIDError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOpenID,
		Message:  "The OpenID was invalid",
		Category: "openid",
		Action:   "OpenIDのURLが正しいか確認してください。",
	}
}

// NewOpenIDCancelledError はプロバイダー側で認証がキャンセルされた場合のエラーを生成する。
func NewOpenIDCancelledError() *APIError {
	return &APIError{
		Code:     ErrCodeOpenIDCancelled,
		Message:  "The request was cancelled",
		Category: "openid",
		Action:   "もう一度サインインしてください。",
	}
}

// NewOpenIDFailureError は認証レスポンスの検証に失敗した場合のエラーを生成する。
func NewOpenIDFailureError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeOpenIDFailure,
		Message:  fmt.Sprintf("Failure: %s", reason),
		Category: "openid",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewOpenIDSetupNeededError はプロバイダー側で追加操作が必要な場合のエラーを生成する。
func NewOpenIDSetupNeededError() *APIError {
	return &APIError{
		Code:     ErrCodeOpenIDSetupNeeded,
		Message:  "Setup needed",
		Category: "openid",
		Action:   "プロバイダーでサインイン手続きを完了してください。",
	}
}

// NewOpenIDAlreadyAssociatedError は他のアカウントに紐付いたOpenIDを紐付けようとした場合のエラーを生成する。
func NewOpenIDAlreadyAssociatedError(openid string) *APIError {
	return &APIError{
		Code:     ErrCodeOpenIDAlreadyAssociated,
		Message:  fmt.Sprintf("このOpenIDは別のアカウントに紐付いています: %s", openid),
		Category: "openid",
		Action:   "紐付け済みのアカウントでサインインするか、別のOpenIDを使用してください。",
	}
}

// NewAssociationNotFoundError は紐付けが見つからない場合のエラーを生成する。
func NewAssociationNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeAssociationNotFound,
		Message:  fmt.Sprintf("指定されたOpenIDの紐付けが見つかりません: %s", id),
		Category: "openid",
		Action:   "紐付け一覧を確認してください。",
	}
}

// NewLastOpenIDError は最後の1つのOpenIDを解除しようとした場合のエラーを生成する。
func NewLastOpenIDError() *APIError {
	return &APIError{
		Code:     ErrCodeLastOpenID,
		Message:  "最後のOpenIDは解除できません。",
		Category: "openid",
		Action:   "別のOpenIDを紐付けてから解除してください。",
	}
}

// NewNeedAuthenticatedUserError はログインが必要な画面に未ログインでアクセスした場合のエラーを生成する。
func NewNeedAuthenticatedUserError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeNeedAuthenticatedUser,
		Message:  message,
		Category: "auth",
		Action:   "既存のアカウントでサインインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUsernameTakenError はユーザー名が既に使われている場合のエラーを生成する。
func NewUsernameTakenError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeUsernameTaken,
		Message:  fmt.Sprintf("このユーザー名は既に使われています: %s", username),
		Category: "validation",
		Action:   "別のユーザー名を入力してください。",
	}
}

// NewInvalidUsernameError はユーザー名の形式が不正な場合のエラーを生成する。
func NewInvalidUsernameError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidUsername,
		Message:  fmt.Sprintf("無効なユーザー名です: %s", username),
		Category: "validation",
		Action:   "ユーザー名は英数字と _ . - で3〜30文字にしてください。",
	}
}

// NewInvalidEmailError はメールアドレスの形式が不正な場合のエラーを生成する。
func NewInvalidEmailError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  fmt.Sprintf("無効なメールアドレスです: %s", email),
		Category: "validation",
		Action:   "name@example.com の形式で入力するか、空欄にしてください。",
	}
}

// NewActionNotFoundError は未定義のアクションが要求された場合のエラーを生成する。
func NewActionNotFoundError(action string) *APIError {
	return &APIError{
		Code:     ErrCodeActionNotFound,
		Message:  fmt.Sprintf("unknown action: %s", action),
		Category: "system",
		Action:   "URLを確認してください。",
	}
}

// NewOpenIDNotSignedInError はこのセッションで検証していないOpenIDを使おうとした場合のエラーを生成する。
func NewOpenIDNotSignedInError(openid string) *APIError {
	return &APIError{
		Code:     ErrCodeOpenIDNotSignedIn,
		Message:  fmt.Sprintf("このOpenIDでサインインしていません: %s", openid),
		Category: "openid",
		Action:   "先にこのOpenIDでサインインしてください。",
	}
}

// NewOpenIDNotRegisteredError はOpenIDに紐付いたアカウントがない場合のエラーを生成する。
func NewOpenIDNotRegisteredError(openid string) *APIError {
	return &APIError{
		Code:     ErrCodeOpenIDNotRegistered,
		Message:  fmt.Sprintf("No account is associated with %s", openid),
		Category: "auth",
		Action:   "既存のアカウントでサインインしてからOpenIDを紐付けてください。",
	}
}

// NewCSRFTokenInvalidError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFTokenInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFTokenInvalid,
		Message:  "CSRF token validation failed",
		Category: "auth",
		Action:   "ページを再読み込みしてからもう一度送信してください。",
	}
}
