// Package remote は通知サービスのHTTP APIとWebSocketストリームを
// inbox.Storeとして扱うクライアントを提供する。
//
// 端末側のセッション（session.Manager）は、このStore越しに通知サービスへ
// 接続する。ユーザーとテナントはBearerトークンから決まるため、Storeの
// 各メソッドに渡されるユーザーIDやテナントIDはサーバー側で上書きされる。
package remote
