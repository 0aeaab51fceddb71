package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hitoshi/timekeeper/internal/model"
)

// UserIDHeader は認証ゲートウェイが検証済みユーザーIDを渡すヘッダー名。
const UserIDHeader = "X-User-ID"

type contextKey string

const (
	userIDContextKey     contextKey = "user_id"
	userIDSinkContextKey contextKey = "user_id_sink"
)

// ErrNoUserID はコンテキストにユーザーIDが存在しないことを示す。
var ErrNoUserID = errors.New("user ID not found in context")

// NewGatewayUserMiddleware は上流ゲートウェイが付与したユーザーIDをコンテキストに格納する。
// ヘッダーが無い場合は401を返し、後続のハンドラーを呼び出さない。
func NewGatewayUserMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
			if userID == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
					Code:     "UNAUTHENTICATED",
					Message:  "ユーザーを特定できません。",
					Category: "auth",
					Action:   "認証ゲートウェイ経由でアクセスしてください。",
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
		})
	}
}

// UserIDFromContext はコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", ErrNoUserID
	}
	return userID, nil
}

// ContextWithUserID はユーザーIDを格納したコンテキストを返す。
// 外側のロギングミドルウェアが受け取り先を登録していれば、そこにも書き込む。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if sink, ok := ctx.Value(userIDSinkContextKey).(*string); ok {
		*sink = userID
	}
	return context.WithValue(ctx, userIDContextKey, userID)
}

func withUserIDSink(ctx context.Context, sink *string) context.Context {
	return context.WithValue(ctx, userIDSinkContextKey, sink)
}
