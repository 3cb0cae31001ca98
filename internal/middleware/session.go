// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/creatorgate/internal/identity"
	"github.com/hitoshi/creatorgate/internal/model"
)

const (
	// AccessTokenCookie はアクセストークンを保持するCookieの名前。
	AccessTokenCookie = "access_token"
	// BrowserSessionCookie はブラウザセッションIDを保持するCookieの名前。
	// ログイン状態とは独立しており、オンボーディングの一時状態のキーになる。
	BrowserSessionCookie = "browser_session"

	browserSessionMaxAge = 30 * 24 * time.Hour
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	viewerContextKey         = contextKey("viewer")
	browserSessionContextKey = contextKey("browser_session")
	subjectSinkContextKey    = contextKey("subject_sink")
)

// TokenVerifier はアクセストークンの検証に必要なインターフェース。
type TokenVerifier interface {
	Verify(token string) (*model.Identity, error)
}

// ViewerResolver は認証済みIdentityからプロフィール付きの閲覧者を解決する。
type ViewerResolver interface {
	Resolve(ctx context.Context, id model.Identity) (*identity.Viewer, error)
}

// SessionConfig はCookieの設定。
type SessionConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewSessionMiddleware はブラウザセッションCookieを保証し、
// アクセストークンが有効な場合は閲覧者をリクエストコンテキストに注入する。
// トークンはAuthorizationヘッダー（Bearer）、なければCookieから読み取る。
// トークンがない・無効な場合は未ログインとして次に渡す。認証必須のルートはRequireViewerで保護する。
func NewSessionMiddleware(verifier TokenVerifier, resolver ViewerResolver, config SessionConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := ContextWithBrowserSession(r.Context(), ensureBrowserSession(w, r, config))

			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			id, err := verifier.Verify(token)
			if err != nil {
				slog.Debug("access token rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			viewer, err := resolver.Resolve(ctx, *id)
			if err != nil {
				slog.Warn("failed to resolve viewer",
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			reportSubject(ctx, viewer.Subject())
			next.ServeHTTP(w, r.WithContext(ContextWithViewer(ctx, viewer)))
		})
	}
}

// RequireViewer は認証済みの閲覧者がいない場合に401 AUTH_EXPIREDを返すミドルウェア。
// NewSessionMiddlewareの後に配置する。
func RequireViewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ViewerFromContext(r.Context()) == nil {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthExpiredError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// ensureBrowserSession は既存のブラウザセッションIDを返す。未設定の場合は発行してCookieに設定する。
func ensureBrowserSession(w http.ResponseWriter, r *http.Request, config SessionConfig) string {
	if c, err := r.Cookie(BrowserSessionCookie); err == nil {
		if _, perr := uuid.Parse(c.Value); perr == nil {
			return c.Value
		}
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     BrowserSessionCookie,
		Value:    id,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   int(browserSessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// ClearAuthCookies はログアウト時にアクセストークンとブラウザセッションのCookieを削除する。
func ClearAuthCookies(w http.ResponseWriter, config SessionConfig) {
	for _, name := range []string{AccessTokenCookie, BrowserSessionCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   config.CookieDomain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   config.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// ViewerFromContext はリクエストコンテキストから閲覧者を取得する。未ログインの場合はnil。
func ViewerFromContext(ctx context.Context) *identity.Viewer {
	v, _ := ctx.Value(viewerContextKey).(*identity.Viewer)
	return v
}

// ContextWithViewer はコンテキストに閲覧者を注入する。
func ContextWithViewer(ctx context.Context, v *identity.Viewer) context.Context {
	return context.WithValue(ctx, viewerContextKey, v)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	subject := ViewerFromContext(ctx).Subject()
	if subject == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return subject, nil
}

// BrowserSessionFromContext はリクエストコンテキストからブラウザセッションIDを取得する。
func BrowserSessionFromContext(ctx context.Context) string {
	s, _ := ctx.Value(browserSessionContextKey).(string)
	return s
}

// ContextWithBrowserSession はコンテキストにブラウザセッションIDを注入する。
func ContextWithBrowserSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, browserSessionContextKey, sessionID)
}

// withSubjectSink は外側のミドルウェアが解決後のユーザーIDを受け取る書き込み先を設定する。
func withSubjectSink(ctx context.Context, sink *string) context.Context {
	return context.WithValue(ctx, subjectSinkContextKey, sink)
}

func reportSubject(ctx context.Context, subject string) {
	if sink, ok := ctx.Value(subjectSinkContextKey).(*string); ok && sink != nil {
		*sink = subject
	}
}
