package inbox

import "errors"

var (
	// ErrTransientFetch は一覧・件数・設定の読み込みに失敗したことを表す。
	// ローカル状態は変更されず、古いが整合した状態が維持される。
	ErrTransientFetch = errors.New("通知データの取得に失敗しました")
	// ErrMutationRejected は楽観的に反映した変更がRecord Storeに拒否されたことを表す。
	ErrMutationRejected = errors.New("通知の更新が拒否されました")
	// ErrSubscriptionFault はリアルタイム購読が異常終了したことを表す。
	ErrSubscriptionFault = errors.New("通知の購読が停止しました")
	// ErrAmbiguousTarget は宛先ユーザーIDとロールの両方が設定されていることを表す。
	ErrAmbiguousTarget = errors.New("宛先ユーザーとロールの両方が指定されています")
	// ErrMissingTarget は宛先ユーザーIDとロールのどちらも設定されていないことを表す。
	ErrMissingTarget = errors.New("宛先が指定されていません")
	// ErrNotFound は対象の通知が存在しないことを表す。
	ErrNotFound = errors.New("通知が見つかりません")
)
