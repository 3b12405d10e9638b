// Package middleware は両サーバーで共有するGinミドルウェアを提供する。
//
// ClientCertはmTLSリソースサーバーの認証境界（Certificate Gate）であり、
// すべてのルートハンドラの前段で実行される。Recoveryはパニックを
// 500エンベロープへ変換し、リスナーの継続稼働を保証する。
package middleware
