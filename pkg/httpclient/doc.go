// Package httpclient は通知サービスのHTTP APIを呼び出すクライアントを提供する。
//
// リモートのRecord Store実装がセッション側から通知一覧や既読状態を
// 取得・更新する際に使用する。連続した失敗ではサーキットブレーカーが開き、
// 落ちているサービスへの呼び出しを即座に失敗させる。
package httpclient
