// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// セッション情報（ユーザーID・ロール・テナントID）を運ぶJWTの発行と検証、
// パニックリカバリ、ブラウザ向けのCORS設定を含む。
package middleware
