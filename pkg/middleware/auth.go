package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/apibase/internal/auth"
)

// contextKeyPrincipal はGinコンテキストにPrincipalを格納するためのキー。
const contextKeyPrincipal = "principal"

// BearerAuth はAuthorizationヘッダーのBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにPrincipalを設定する。
// 失敗時は機械可読なエラー種別とともに401を返す。内部のエラーメッセージや
// スタック情報をクライアントに返すことはない。
func BearerAuth(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "missing_token")
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			abortUnauthorized(c, "malformed_token")
			return
		}

		principal, err := verifier.Verify(tokenString)
		if err != nil {
			abortUnauthorized(c, authErrorKind(err))
			return
		}

		c.Set(contextKeyPrincipal, principal)
		c.Next()
	}
}

// authErrorKind は認証エラーを機械可読な種別文字列に変換する。
func authErrorKind(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "missing_token"
	case errors.Is(err, auth.ErrExpiredToken):
		return "expired_token"
	case errors.Is(err, auth.ErrInvalidSignature):
		return "invalid_signature"
	default:
		return "malformed_token"
	}
}

// abortUnauthorized は401レスポンスを返してパイプラインを打ち切る。
func abortUnauthorized(c *gin.Context, kind string) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": "認証に失敗しました",
		"kind":  kind,
	})
}

// GetPrincipal はGinコンテキストから検証済みPrincipalを取得する。
// BearerAuthミドルウェアが事前に適用されている必要がある。
func GetPrincipal(c *gin.Context) *auth.Principal {
	v, ok := c.Get(contextKeyPrincipal)
	if !ok {
		return nil
	}
	if p, ok := v.(*auth.Principal); ok {
		return p
	}
	return nil
}
