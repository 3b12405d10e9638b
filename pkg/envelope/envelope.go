package envelope

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// エラーコードの一覧。エンベロープの code フィールドに設定する。
const (
	// CodeNoClientCertificate はクライアント証明書が提示されなかったことを表す。
	CodeNoClientCertificate = "no_client_certificate"
	// CodeInvalidCertificateFields はクライアント証明書に必須フィールドが欠けていることを表す。
	CodeInvalidCertificateFields = "invalid_certificate_fields"
	// CodeNotFound は対象リソースが存在しないことを表す。
	CodeNotFound = "not_found"
	// CodeValidationError はリクエスト内容の検証に失敗したことを表す。
	CodeValidationError = "validation_error"
	// CodeInvalidMode はゲートウェイに不明な転送モードが指定されたことを表す。
	CodeInvalidMode = "invalid_mode"
	// CodeEndpointNotConfigured は転送先URLが未設定であることを表す。
	CodeEndpointNotConfigured = "endpoint_not_configured"
	// CodeTransportError は転送先への接続レベルの失敗を表す。
	CodeTransportError = "transport_error"
	// CodeInternalError はサーバー内部の予期しない失敗を表す。
	CodeInternalError = "internal_error"
	// CodeEndpointNotFound は未定義のルートへのアクセスを表す。
	CodeEndpointNotFound = "endpoint_not_found"
)

// Meta はエンベロープのmeta部に追加するフィールドの集合。
type Meta map[string]any

// newMeta はタイムスタンプとリクエストIDを持つmeta部を生成する。
// リクエストIDはレスポンスごとに新規発行し、再利用しない。
func newMeta(extra Meta) Meta {
	meta := Meta{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": uuid.New().String(),
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

// Success は成功レスポンスのエンベロープを生成する。
// extraに渡したフィールドはmeta部にマージされる。
func Success(data any, extra Meta) gin.H {
	return gin.H{
		"success": true,
		"data":    data,
		"meta":    newMeta(extra),
	}
}

// Failure は失敗レスポンスのエンベロープを生成する。
// codeにはこのパッケージで定義したエラーコードを指定する。
func Failure(code, errMsg string, extra Meta) gin.H {
	return gin.H{
		"success": false,
		"error":   errMsg,
		"code":    code,
		"meta":    newMeta(extra),
	}
}
