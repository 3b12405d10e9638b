package middleware

import (
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nakatomo/mtlsdemo/pkg/envelope"
)

// Identity はクライアント証明書から導出した認証済みクライアントの情報。
// 接続ごとに一度だけ導出し、そのリクエストの間は不変として扱う。
type Identity struct {
	// SubjectCN は証明書サブジェクトのCommonName。
	SubjectCN string
	// IssuerCN は証明書発行者のCommonName。
	IssuerCN string
	// Fingerprint は証明書のSHA-256フィンガープリント。
	Fingerprint string
	// NotBefore は証明書の有効期間の開始。
	NotBefore time.Time
	// NotAfter は証明書の有効期間の終了。
	NotAfter time.Time
}

// contextKeyIdentity はGinコンテキストに識別情報を格納するためのキー。
const contextKeyIdentity = "client_identity"

// ClientCert はクライアント証明書を検証するGinミドルウェアを返す。
// トランスポート層が提示させたピア証明書の形状を検証し、Identityとして
// コンテキストに添付する。証明書がない・必須フィールドが欠けている場合は
// 401で短絡し、ルートハンドラは一切実行されない。
func ClientCert() gin.HandlerFunc {
	return func(c *gin.Context) {
		state := c.Request.TLS
		if state == nil || len(state.PeerCertificates) == 0 {
			resp := envelope.Failure(envelope.CodeNoClientCertificate, "Client certificate required", nil)
			resp["message"] = "MTLS authentication failed - no client certificate provided"
			c.AbortWithStatusJSON(http.StatusUnauthorized, resp)
			return
		}

		cert := state.PeerCertificates[0]
		if cert.Subject.CommonName == "" || cert.Issuer.CommonName == "" {
			resp := envelope.Failure(envelope.CodeInvalidCertificateFields, "Invalid client certificate", nil)
			resp["message"] = "Client certificate missing required fields"
			c.AbortWithStatusJSON(http.StatusUnauthorized, resp)
			return
		}

		id := Identity{
			SubjectCN:   cert.Subject.CommonName,
			IssuerCN:    cert.Issuer.CommonName,
			Fingerprint: Fingerprint(cert),
			NotBefore:   cert.NotBefore,
			NotAfter:    cert.NotAfter,
		}

		// 監査ログ。可観測性のためであり、正しさには関与しない。
		log.Printf("クライアント証明書を受理: subject=%s issuer=%s fingerprint=%s valid=%s..%s",
			id.SubjectCN, id.IssuerCN, id.Fingerprint,
			id.NotBefore.UTC().Format(time.RFC3339), id.NotAfter.UTC().Format(time.RFC3339))

		c.Set(contextKeyIdentity, id)
		c.Next()
	}
}

// GetIdentity はGinコンテキストから認証済みクライアントの識別情報を取得する。
// ClientCertミドルウェアが事前に適用されている必要がある。
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// Fingerprint は証明書のSHA-256フィンガープリントをコロン区切りの16進で返す。
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
