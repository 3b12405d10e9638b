// Package tlsconf はmTLS用のTLS設定の組み立てを提供する。
//
// 証明書ファイルは起動時に一度だけ読み込む。必須ファイルの欠如は
// リクエスト単位のエラーではなく、起動失敗として扱うこと。
package tlsconf
