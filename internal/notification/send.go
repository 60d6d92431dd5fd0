package notification

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/inbox"
)

// sendRequest は通知送信リクエストのJSON構造。
// 宛先はRecipientUserIDとTargetRoleのどちらか一方だけを指定する。
type sendRequest struct {
	// TenantID は通知が属するテナント。省略時は呼び出し元のテナント。
	TenantID string `json:"tenant_id"`
	// RecipientUserID は個人宛て通知の宛先ユーザーID。
	RecipientUserID *string `json:"recipient_user_id"`
	// TargetRole はブロードキャストの宛先ロール。"all"で全ロール。
	TargetRole *string `json:"target_role"`
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required"`
	// Message は通知メッセージ。
	Message string `json:"message" binding:"required"`
	// Category は通知のカテゴリ。
	Category inbox.Category `json:"category" binding:"required"`
	// Severity は通知の重要度。省略時はinfo。
	Severity inbox.Severity `json:"severity"`
	// Metadata は任意の付加情報。
	Metadata map[string]any `json:"metadata"`
	// PreferenceKey は宛先ユーザーの受信設定で確認するキー。個人宛ての場合だけ参照する。
	PreferenceKey string `json:"preference_key"`
}

// handleSend は通知を作成しNotificationCreatedイベントを配信するハンドラ。
// 内部API（各業務サービスから呼び出される）。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := identity(c)
		if !ok {
			return
		}

		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if req.TenantID == "" {
			req.TenantID = caller.TenantID
		}
		if req.TenantID != caller.TenantID {
			c.JSON(http.StatusForbidden, gin.H{"error": "他のテナントには通知を送信できません"})
			return
		}
		if req.Severity == "" {
			req.Severity = inbox.SeverityInfo
		}
		if !req.Category.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("未定義のカテゴリです: %s", req.Category)})
			return
		}
		if !req.Severity.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("未定義の重要度です: %s", req.Severity)})
			return
		}
		if req.PreferenceKey != "" && !inbox.ValidPreferenceKey(req.PreferenceKey) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("未定義の受信設定キーです: %s", req.PreferenceKey)})
			return
		}

		n := inbox.Notification{
			TenantID:        req.TenantID,
			RecipientUserID: req.RecipientUserID,
			TargetRole:      req.TargetRole,
			Title:           req.Title,
			Message:         req.Message,
			Category:        req.Category,
			Severity:        req.Severity,
			Metadata:        req.Metadata,
		}
		if err := n.ValidateTargeting(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if req.PreferenceKey != "" && n.Mode() == inbox.ModeDirect {
			gate := inbox.NewPreferenceGate(s.store, inbox.StaticSession(inbox.Identity{TenantID: req.TenantID}))
			allowed, err := gate.Allows(c.Request.Context(), *n.RecipientUserID, req.PreferenceKey)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "受信設定の確認に失敗しました"})
				s.logger.Error("受信設定確認エラー", zap.String("user_id", *n.RecipientUserID), zap.Error(err))
				return
			}
			if !allowed {
				notificationsSkippedTotal.WithLabelValues(req.PreferenceKey).Inc()
				c.JSON(http.StatusAccepted, gin.H{"skipped": true, "message": "受信設定により通知を送信しませんでした"})
				return
			}
		}

		created, err := s.store.InsertNotification(c.Request.Context(), n)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の作成に失敗しました"})
			s.logger.Error("通知作成エラー", zap.Error(err))
			return
		}
		notificationsSentTotal.WithLabelValues(created.Mode().String(), string(created.Category)).Inc()

		c.JSON(http.StatusCreated, gin.H{
			"id":      created.ID,
			"message": "通知を送信しました",
		})
	}
}
