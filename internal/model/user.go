// Package model はドメインモデルを定義する。
package model

import "time"

// AccountType はJiraアカウントの認証方式を表す。
type AccountType string

const (
	// AccountTypeBasic はユーザー名とAPIトークンによるBasic認証。
	AccountTypeBasic AccountType = "basic"
	// AccountTypeOAuth はOAuthアクセストークンによるBearer認証。
	AccountTypeOAuth AccountType = "oauth"
)

// JiraCredentials はユーザーごとのJira接続情報を表す。
// Tokenは暗号化された状態で保存される。
type JiraCredentials struct {
	URL         string
	Token       string
	AccountType AccountType
	Username    string
}

// Configured は連携に必要な情報が揃っているかを返す。
func (c JiraCredentials) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// User はサービス利用ユーザーを表す。
type User struct {
	ID    string
	Name  string
	Email string
	// TimezoneOffset はUTCからローカル時刻を引いた差（ミリ秒）。
	// UTC+2 のユーザーは -7200000 となる。
	TimezoneOffset int64
	Jira           JiraCredentials
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Project はチームに属するプロジェクトを表す。
type Project struct {
	ID                string
	TeamID            string
	Name              string
	ExternalProjectID string // 紐付けたJiraプロジェクトID（未設定は空文字）
	CreatedAt         time.Time
}
