package remote

import (
	"context"
	"fmt"

	"github.com/nao1215/fieldops/internal/inbox"
	"github.com/nao1215/fieldops/pkg/middleware"
)

// TokenSession はJWTのクレームからユーザー情報を返すSessionProvider。
// 署名はサーバー側で検証されるため、ここでは検証しない。
type TokenSession struct {
	id inbox.Identity
}

// NewTokenSession はトークンを解析してTokenSessionを生成する。
func NewTokenSession(token string) (*TokenSession, error) {
	claims, err := middleware.ParseUnverified(token)
	if err != nil {
		return nil, fmt.Errorf("セッションの作成に失敗: %w", err)
	}
	return &TokenSession{id: inbox.Identity{
		UserID:   claims.UserID,
		Role:     claims.Role,
		TenantID: claims.TenantID,
	}}, nil
}

// Identity はSessionProviderを実装する。
func (s *TokenSession) Identity(context.Context) (inbox.Identity, error) {
	return s.id, nil
}
