package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
)

// AdvisoryLocker はPostgreSQLのセッションアドバイザリロックでプロセスを跨いだユーザー単位の排他を行う。
// APIサーバー・ワーカー・CLIが同じnamespaceを使えば、同一ユーザーの処理は同時に1つだけ実行される。
type AdvisoryLocker struct {
	db        *sql.DB
	namespace string
}

// NewAdvisoryLocker はAdvisoryLockerを生成する。
func NewAdvisoryLocker(db *sql.DB, namespace string) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, namespace: namespace}
}

// LockUser は指定ユーザーのロックを取得するまで待つ。
// ロックは専用の接続に紐づくため、返されたunlockを呼ぶまで接続をプールに戻さない。
func (l *AdvisoryLocker) LockUser(ctx context.Context, userID string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("ロック用の接続の取得に失敗しました: %w", err)
	}

	key := l.namespace + ":" + userID
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ユーザーロックの取得に失敗しました: %w", err)
	}

	return func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			// 解放できなかった接続は破棄し、セッション終了でロックを解放させる
			conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		conn.Close()
	}, nil
}
