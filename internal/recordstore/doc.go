// Package recordstore は通知・既読台帳・受信設定をSQLiteに保存するRecord Storeを提供する。
//
// 通知の作成はBroker経由でNotificationCreatedイベントとして配信され、
// SubscribeToInsertsで購読したセッションに届く。プロセス内で完結する場合はMemoryBrokerを、
// 複数のサーバープロセスで共有する場合はRedisBrokerを使う。
package recordstore
