// Package session はサインイン中のユーザー1人分の通知状態を保持する。
//
// Managerがリアルタイム購読の生成と破棄を一手に引き受け、Stateが通知一覧・
// 未読件数・受信設定をローカルに保持する。既読化や設定変更はローカル状態へ
// 楽観的に反映してからRecord Storeに書き込み、失敗した場合は反映前の状態に戻す。
package session
