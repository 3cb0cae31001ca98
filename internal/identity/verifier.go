// Package identity は外部認証プロバイダーのトークン検証と、
// 閲覧者プロフィールの解決・キャッシュを提供する。
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/creatorgate/internal/model"
)

var (
	// ErrMissingToken はトークンが提示されなかったことを表す。
	ErrMissingToken = errors.New("missing token")
	// ErrTokenExpired はトークンの有効期限切れを表す。
	ErrTokenExpired = errors.New("token expired")
	// ErrInvalidToken は署名・発行者・対象者のいずれかが不正なトークンを表す。
	ErrInvalidToken = errors.New("invalid token")
)

// Claims は認証プロバイダーが発行するアクセストークンのクレーム。
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Verifier はHS256で署名されたアクセストークンを検証する。
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewVerifier はVerifierを生成する。audienceが空の場合は対象者を検証しない。
func NewVerifier(secret, issuer, audience string) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// Verify はトークンを検証し、Identityを返す。
func (v *Verifier) Verify(tokenString string) (*model.Identity, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &model.Identity{Subject: claims.Subject, Email: claims.Email}, nil
}
