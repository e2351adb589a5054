// Package auth はBearerトークンの検証と発行を提供する。
//
// 検証はサーバー保持のシークレットと現在時刻のみに依存する純粋な処理であり、
// セッションストアを一切参照しない。これによりパイプラインを共有状態なしで
// 水平スケールできる。
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 認証エラーの種別。HTTPレイヤーではいずれも401にマッピングされる。
var (
	// ErrMissingToken は認証必須ルートでトークンが提示されなかったことを表す。
	ErrMissingToken = errors.New("認証トークンが提示されていません")
	// ErrMalformedToken はトークンのデコードに失敗したことを表す。
	ErrMalformedToken = errors.New("認証トークンの形式が不正です")
	// ErrExpiredToken はトークンの有効期限が過ぎていることを表す。
	ErrExpiredToken = errors.New("認証トークンの有効期限が切れています")
	// ErrInvalidSignature はトークンの署名検証に失敗したことを表す。
	ErrInvalidSignature = errors.New("認証トークンの署名が不正です")
)

// Principal は検証済みトークンから抽出された呼び出し元の識別情報。
// 1リクエストの間だけ生存し、構築後に変更されることはない。
type Principal struct {
	// Subject は認証済みユーザーの一意識別子。
	Subject string
	// Email はユーザーのメールアドレス。
	Email string
	// Scopes はトークンに付与されたスコープの集合。
	Scopes []string
	// IssuedAt はトークンの発行日時。
	IssuedAt time.Time
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time
}

// HasScope は指定されたスコープをPrincipalが持つかどうかを返す。
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// claims はJWTトークンのクレーム（ペイロード）を表す。
type claims struct {
	jwt.RegisteredClaims
	// Email はユーザーのメールアドレス。
	Email string `json:"email,omitempty"`
	// Scopes はトークンに付与されたスコープの集合。
	Scopes []string `json:"scopes,omitempty"`
}

// Verifier はHS256署名付きJWTトークンの検証器。
type Verifier struct {
	// secret はトークン署名・検証用の共有シークレット。
	secret []byte
	// skew は有効期限判定時に許容する時計のずれ。
	skew time.Duration
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// NewVerifier は新しいトークン検証器を生成する。
// skewにはサーバー間の時計のずれとして許容する時間を指定する。
func NewVerifier(secret string, skew time.Duration) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		skew:   skew,
		now:    time.Now,
	}
}

// Verify はトークン文字列を検証し、Principalを返す。
// 失敗時はErrMissingToken / ErrMalformedToken / ErrExpiredToken /
// ErrInvalidSignature のいずれかを返す。
// 有効期限切れの判定は署名検証の成否より優先する。
func (v *Verifier) Verify(tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	c := &claims{}
	token, err := jwt.ParseWithClaims(tokenString, c, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.skew),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, v.classifyError(tokenString, err)
	}
	if !token.Valid {
		return nil, ErrMalformedToken
	}

	return principalFromClaims(c), nil
}

// classifyError はjwtライブラリのエラーを認証エラー種別に分類する。
// 署名不正により検証が早期終了したトークンでも、期限切れであれば
// ErrExpiredTokenを返す。
func (v *Verifier) classifyError(tokenString string, err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpiredToken
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenUnverifiable) {
		if v.isExpiredUnverified(tokenString) {
			return ErrExpiredToken
		}
		return ErrInvalidSignature
	}
	return ErrMalformedToken
}

// isExpiredUnverified は署名を検証せずにトークンの期限切れのみを判定する。
func (v *Verifier) isExpiredUnverified(tokenString string) bool {
	c := &claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, c); err != nil {
		return false
	}
	if c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Time.Add(v.skew).Before(v.now())
}

// principalFromClaims は検証済みクレームからPrincipalを構築する。
func principalFromClaims(c *claims) *Principal {
	p := &Principal{
		Subject: c.Subject,
		Email:   c.Email,
		Scopes:  c.Scopes,
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}

// Issue は指定されたユーザー情報からアクセストークンを発行する。
// ttlにはトークンの有効期間を指定する。
func (v *Verifier) Issue(subject, email string, scopes []string, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "apibase",
		},
		Email:  email,
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}
