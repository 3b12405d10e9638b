// Package forward はゲートウェイからバックエンドへのリクエスト転送を提供する。
//
// 転送先はTargetとして表現し、トランスポート（mTLS / 平文HTTP）は
// Targetのフィールドから決定する。URLスキームからの推測は行わない。
// 接続レベルの失敗はTransportErrorとしてアプリケーション層の失敗と
// 区別して報告する。
package forward
