package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
// 通知の宛先判定に必要なセッション情報を運ぶ。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Role はユーザーのロール（例: "admin", "cleaner"）。
	Role string `json:"role"`
	// TenantID はユーザーが所属する会社（テナント）の識別子。
	TenantID string `json:"tenant_id"`
}

const (
	// issuer はトークン発行者。
	issuer = "fieldops-auth"
	// tokenQueryKey はWebSocket接続時にトークンを渡すクエリパラメータ名。
	// ブラウザのWebSocket APIはヘッダーを設定できないため使用する。
	tokenQueryKey = "access_token"

	contextKeyUserID   = "user_id"
	contextKeyRole     = "role"
	contextKeyTenantID = "tenant_id"
)

// ErrInvalidToken はトークンの形式・署名・必須クレームのいずれかが不正な場合に返される。
var ErrInvalidToken = errors.New("トークンが無効です")

// GenerateJWT はセッション情報からJWTトークンを生成する。
func GenerateJWT(secret, userID, role, tenantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
		},
		UserID:   userID,
		Role:     role,
		TenantID: tenantID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はトークン文字列を検証し、クレームを返す。
// HS256以外の署名方式とユーザーID・テナントIDが欠けたトークンは拒否する。
func ParseJWT(secret, tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" || claims.TenantID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseUnverified は署名を検証せずにクレームを読み取る。
// 秘密鍵を持たないクライアントが自身のセッション情報を知るために使用する。
func ParseUnverified(tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("トークンの解析に失敗: %w", err)
	}
	if claims.UserID == "" || claims.TenantID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id"、"role"、"tenant_id" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		claims, err := ParseJWT(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyRole, claims.Role)
		c.Set(contextKeyTenantID, claims.TenantID)
		c.Next()
	}
}

// bearerToken はAuthorizationヘッダー、またはWebSocket用のクエリパラメータからトークンを取り出す。
func bearerToken(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		token, found := strings.CutPrefix(authHeader, "Bearer ")
		return token, found && token != ""
	}
	if token := c.Query(tokenQueryKey); token != "" {
		return token, true
	}
	return "", false
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return getString(c, contextKeyUserID)
}

// GetRole はGinコンテキストからロールを取得する。
func GetRole(c *gin.Context) string {
	return getString(c, contextKeyRole)
}

// GetTenantID はGinコンテキストからテナントIDを取得する。
func GetTenantID(c *gin.Context) string {
	return getString(c, contextKeyTenantID)
}

func getString(c *gin.Context, key string) string {
	v, _ := c.Get(key)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
