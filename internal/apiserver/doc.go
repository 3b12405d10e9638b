// Package apiserver はmTLS必須のリソースサーバーを提供する。
//
// トランスポート層（クライアント証明書の要求と検証）とアプリケーション層
// （Certificate Gate）の二重の防御を構成し、ゲートを通過した接続だけが
// ユーザーCRUDとデモ用エンドポイントに到達する。すべてのレスポンスは
// 認証済みクライアント名を含むエンベロープで返す。
package apiserver
