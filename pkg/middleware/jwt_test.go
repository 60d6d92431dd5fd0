package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// newAuthRouter はJWTAuthを適用し、コンテキストの値をそのまま返すテスト用ルーターを構築する。
func newAuthRouter() *gin.Engine {
	router := gin.New()
	router.Use(JWTAuth(testSecret))
	router.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":   GetUserID(c),
			"role":      GetRole(c),
			"tenant_id": GetTenantID(c),
		})
	})
	return router
}

// TestGenerateJWT はGenerateJWT関数を検証する。
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	t.Run("セッション情報がクレームに含まれること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "user-123", "cleaner", "tenant-1", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		claims, err := ParseJWT(testSecret, tokenStr)
		if err != nil {
			t.Fatalf("ParseJWT()でエラーが発生: %v", err)
		}
		if claims.UserID != "user-123" {
			t.Errorf("UserID = %q, want %q", claims.UserID, "user-123")
		}
		if claims.Role != "cleaner" {
			t.Errorf("Role = %q, want %q", claims.Role, "cleaner")
		}
		if claims.TenantID != "tenant-1" {
			t.Errorf("TenantID = %q, want %q", claims.TenantID, "tenant-1")
		}
		if claims.Issuer != issuer {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, issuer)
		}
	})

	t.Run("異なるシークレットでは検証に失敗すること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "user-123", "cleaner", "tenant-1", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		if _, err := ParseJWT("another-secret", tokenStr); err == nil {
			t.Fatal("ParseJWT()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("期限切れトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "user-123", "cleaner", "tenant-1", -time.Minute)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		if _, err := ParseJWT(testSecret, tokenStr); err == nil {
			t.Fatal("ParseJWT()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestParseJWT は必須クレームの検証を確認する。
func TestParseJWT(t *testing.T) {
	t.Parallel()

	t.Run("テナントIDが無いトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		claims := JWTClaims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
			UserID:           "user-1",
		}
		tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("トークンの署名に失敗: %v", err)
		}
		if _, err := ParseJWT(testSecret, tokenStr); err != ErrInvalidToken {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("HS256以外の署名方式は拒否されること", func(t *testing.T) {
		t.Parallel()

		claims := JWTClaims{UserID: "user-1", TenantID: "tenant-1"}
		tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("トークンの署名に失敗: %v", err)
		}
		if _, err := ParseJWT(testSecret, tokenStr); err == nil {
			t.Fatal("ParseJWT()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestParseUnverified は署名を検証せずにセッション情報を読み取れることを検証する。
func TestParseUnverified(t *testing.T) {
	t.Parallel()

	tokenStr, err := GenerateJWT(testSecret, "user-9", "admin", "tenant-2", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}

	claims, err := ParseUnverified(tokenStr)
	if err != nil {
		t.Fatalf("ParseUnverified()でエラーが発生: %v", err)
	}
	if claims.UserID != "user-9" || claims.Role != "admin" || claims.TenantID != "tenant-2" {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := ParseUnverified("not-a-token"); err == nil {
		t.Fatal("ParseUnverified()がエラーを返すべきだが、nilが返った")
	}
}

// TestJWTAuth はJWTAuthミドルウェアを検証する。
func TestJWTAuth(t *testing.T) {
	t.Parallel()

	validToken, err := GenerateJWT(testSecret, "user-1", "cleaner", "tenant-1", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
	}{
		{
			name:       "有効なトークンでリクエストが成功すること",
			header:     "Bearer " + validToken,
			wantStatus: http.StatusOK,
		},
		{
			name:       "クエリパラメータのトークンでもリクエストが成功すること",
			query:      "?access_token=" + validToken,
			wantStatus: http.StatusOK,
		},
		{
			name:       "Authorizationヘッダーが無い場合401が返ること",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "Bearer接頭辞が無い場合401が返ること",
			header:     validToken,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "無効なトークンで401が返ること",
			header:     "Bearer invalid.token.value",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router := newAuthRouter()
			req := httptest.NewRequest(http.MethodGet, "/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				body := w.Body.String()
				want := `{"role":"cleaner","tenant_id":"tenant-1","user_id":"user-1"}`
				if body != want {
					t.Errorf("body = %s, want %s", body, want)
				}
			}
		})
	}
}

// TestGetUserID はコンテキスト未設定時の挙動を検証する。
func TestGetUserID(t *testing.T) {
	t.Parallel()

	t.Run("user_idが設定されていない場合に空文字列が返ること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		if got := GetUserID(c); got != "" {
			t.Errorf("GetUserID() = %q, want empty", got)
		}
	})

	t.Run("user_idが文字列以外の型の場合に空文字列が返ること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Set("user_id", 12345)
		if got := GetUserID(c); got != "" {
			t.Errorf("GetUserID() = %q, want empty", got)
		}
	})
}
