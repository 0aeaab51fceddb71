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
	Category string // カテゴリ: validation, not_found, conflict, external, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因となったエラー（外部サービスエラー等）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategoryNotFound   = "not_found"
	CategoryConflict   = "conflict"
	CategoryExternal   = "external"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeTimerNotFound       = "TIMER_NOT_FOUND"
	ErrCodeEntryNotFound       = "ENTRY_NOT_FOUND"
	ErrCodeProjectNotFound     = "PROJECT_NOT_FOUND"
	ErrCodeProjectNotMapped    = "PROJECT_NOT_MAPPED"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeAlreadySynced       = "ALREADY_SYNCED"
	ErrCodeActiveTimerConflict = "ACTIVE_TIMER_CONFLICT"
	ErrCodeExternalService     = "EXTERNAL_SERVICE_ERROR"
	ErrCodeCredentialsMissing  = "CREDENTIALS_MISSING"
)

// NewValidationError は入力値不正エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "入力内容を確認してください。",
	}
}

// NewTimerNotFoundError は実行中タイマー未検出エラーを生成する。
func NewTimerNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeTimerNotFound,
		Message:  fmt.Sprintf("実行中のタイマーがありません: %s", userID),
		Category: CategoryNotFound,
		Action:   "タイマーを開始してから操作してください。",
	}
}

// NewEntryNotFoundError は作業記録未検出エラーを生成する。
// 他ユーザーの記録を指定した場合も同じエラーを返す。
func NewEntryNotFoundError(entryID string) *APIError {
	return &APIError{
		Code:     ErrCodeEntryNotFound,
		Message:  fmt.Sprintf("指定された作業記録が見つかりません: %s", entryID),
		Category: CategoryNotFound,
		Action:   "作業記録IDを確認してください。",
	}
}

// NewProjectNotFoundError はプロジェクト未検出エラーを生成する。
func NewProjectNotFoundError(projectID string) *APIError {
	return &APIError{
		Code:     ErrCodeProjectNotFound,
		Message:  fmt.Sprintf("指定されたプロジェクトが見つかりません: %s", projectID),
		Category: CategoryNotFound,
		Action:   "プロジェクトIDを確認してください。",
	}
}

// NewProjectNotMappedError はJiraプロジェクトに対応するローカルプロジェクトがない場合のエラーを生成する。
func NewProjectNotMappedError(externalProjectID string) *APIError {
	return &APIError{
		Code:     ErrCodeProjectNotMapped,
		Message:  fmt.Sprintf("Jiraプロジェクトに対応するプロジェクトがありません: %s", externalProjectID),
		Category: CategoryNotFound,
		Action:   "プロジェクト設定でJiraプロジェクトを紐付けてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: CategoryNotFound,
		Action:   "ログインし直してください。",
	}
}

// NewAlreadySyncedError は同期済みの作業記録を再度エクスポートしようとした場合のエラーを生成する。
func NewAlreadySyncedError(entryID string) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadySynced,
		Message:  fmt.Sprintf("この作業記録は既にJiraへ同期されています: %s", entryID),
		Category: CategoryConflict,
		Action:   "Jira側の作業ログを確認してください。",
	}
}

// NewActiveTimerConflictError は実行中タイマーの同時更新が競合した場合のエラーを生成する。
func NewActiveTimerConflictError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeActiveTimerConflict,
		Message:  fmt.Sprintf("実行中タイマーの更新が競合しました: %s", userID),
		Category: CategoryConflict,
		Action:   "画面を再読み込みしてから再度お試しください。",
	}
}

// NewCredentialsMissingError はJira連携情報が未設定の場合のエラーを生成する。
func NewCredentialsMissingError() *APIError {
	return &APIError{
		Code:     ErrCodeCredentialsMissing,
		Message:  "Jira連携が設定されていません。",
		Category: CategoryValidation,
		Action:   "アカウント設定でJiraのURLとトークンを登録してください。",
	}
}

// NewExternalServiceError は外部サービス（Jira）呼び出し失敗エラーを生成する。
func NewExternalServiceError(operation string, err error) *APIError {
	return &APIError{
		Code:     ErrCodeExternalService,
		Message:  fmt.Sprintf("外部サービスの呼び出しに失敗しました: %s", operation),
		Category: CategoryExternal,
		Action:   "しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// HasCategory はエラーチェーンに指定カテゴリのAPIErrorが含まれるかを判定する。
func HasCategory(err error, category string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category == category
	}
	return false
}

// HasCode はエラーチェーンに指定コードのAPIErrorが含まれるかを判定する。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
