package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/inbox"
)

// Mutation はローカル状態への楽観的な変更と、それに対応する永続化処理の組。
type Mutation struct {
	// Name はログに出力する操作名。
	Name string
	// Apply はローカル状態を即時に変更し、永続化と補償の処理を返す。
	// 変更すべきものが無い場合はnilを返す。
	Apply func() *Effect
}

// Effect はApplyが返す後続処理。
type Effect struct {
	// Commit はRecord Storeへの書き込みを行う。
	Commit func(ctx context.Context) error
	// Compensate はCommitが失敗したときにApplyの変更を取り消す。
	Compensate func()
}

// runMutation はApply → Commit → (失敗時)Compensate の順に実行する。
// 失敗はログに記録し、ErrMutationRejectedでラップして返す。
func runMutation(ctx context.Context, logger *zap.Logger, m Mutation) error {
	effect := m.Apply()
	if effect == nil {
		return nil
	}
	if err := effect.Commit(ctx); err != nil {
		effect.Compensate()
		logger.Warn("楽観的更新を取り消しました",
			zap.String("mutation", m.Name),
			zap.Error(err),
		)
		return fmt.Errorf("%s: %w: %w", m.Name, inbox.ErrMutationRejected, err)
	}
	return nil
}
