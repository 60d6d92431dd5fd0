// Package inbox は通知配信と既読状態の突き合わせを行う中核ロジックを提供する。
//
// 通知には個人宛て（direct）とロール宛て（broadcast）の2種類の配信形態があり、
// 既読状態の保存場所が異なる。個人宛ては通知レコード自身のis_read/read_atで、
// ブロードキャストはユーザーごとのReadStatusEntry台帳で管理する。
//
// 主な構成要素:
//   - Reconciler: 取得した通知の実効的な既読状態（EffectiveReadState）を求める
//   - Counter: 個人宛てとブロードキャストの未読件数を合算してバッジ件数を求める
//   - ReadTracker: 配信形態ごとの既読化処理（DirectReadTracker, BroadcastReadTracker）
//   - PreferenceGate: ユーザーごとの通知受信設定の保存と参照
//
// 永続化はStoreインターフェース越しに外部のRecord Storeへ委譲する。
package inbox
