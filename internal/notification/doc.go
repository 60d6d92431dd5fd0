// Package notification は通知サービスのHTTPサーバーを提供する。
//
// 認証済みユーザーに対して、既読状態を突き合わせた通知一覧、未読件数、既読化、
// 受信設定のAPIと、通知作成をリアルタイムに届けるWebSocketストリームを公開する。
// 他サービスは内部APIから通知を作成し、受信設定で拒否された通知は作成しない。
package notification
