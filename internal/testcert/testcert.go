// Package testcert はテスト専用の認証局（CA）と証明書の発行を提供する。
//
// mTLSのテストでは実際のX.509証明書が必要になるため、テストごとに
// 使い捨てのCAを生成し、サーバー証明書・クライアント証明書を発行する。
// 本番コードからは使用しないこと。
package testcert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// CA はテスト用の認証局。
type CA struct {
	// Cert はCA証明書。
	Cert *x509.Certificate
	// CertPEM はCA証明書のPEMエンコード。
	CertPEM []byte

	key *ecdsa.PrivateKey
}

// Pair は発行済みの証明書と秘密鍵の組。
type Pair struct {
	// TLS はtlsパッケージでそのまま使える証明書。
	TLS tls.Certificate
	// Leaf はパース済みのリーフ証明書。
	Leaf *x509.Certificate
	// CertPEM は証明書のPEMエンコード。
	CertPEM []byte
	// KeyPEM は秘密鍵のPEMエンコード。
	KeyPEM []byte
}

// NewCA はテスト用のCAを生成する。
func NewCA(t *testing.T) *CA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("CA鍵の生成に失敗: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          newSerial(t),
		Subject:               pkix.Name{CommonName: "mtlsdemo Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CA証明書の生成に失敗: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("CA証明書のパースに失敗: %v", err)
	}

	return &CA{
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		key:     key,
	}
}

// Pool はこのCAのみを信頼する証明書プールを返す。
func (ca *CA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	return pool
}

// IssueServer はlocalhost向けのサーバー証明書を発行する。
func (ca *CA) IssueServer(t *testing.T) Pair {
	t.Helper()

	return ca.issue(t, &x509.Certificate{
		SerialNumber: newSerial(t),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	})
}

// IssueClient は指定したCommonNameを持つクライアント証明書を発行する。
// cnが空文字の場合、サブジェクトCNが空の証明書を発行する。
func (ca *CA) IssueClient(t *testing.T, cn string) Pair {
	t.Helper()

	return ca.issue(t, &x509.Certificate{
		SerialNumber: newSerial(t),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
}

// issue はテンプレートからCA署名済み証明書を発行する共通処理。
func (ca *CA) issue(t *testing.T, tmpl *x509.Certificate) Pair {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("証明書鍵の生成に失敗: %v", err)
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("証明書の発行に失敗: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("証明書のパースに失敗: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("秘密鍵のエンコードに失敗: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("鍵ペアの構築に失敗: %v", err)
	}
	tlsCert.Leaf = leaf

	return Pair{TLS: tlsCert, Leaf: leaf, CertPEM: certPEM, KeyPEM: keyPEM}
}

// SelfSigned はCAを介さない自己署名証明書を発行する。
// サブジェクト・発行者CNが空の証明書を作りたいテストで使用する。
func SelfSigned(t *testing.T, cn string) Pair {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("証明書鍵の生成に失敗: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: newSerial(t),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("自己署名証明書の生成に失敗: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("自己署名証明書のパースに失敗: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("秘密鍵のエンコードに失敗: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("鍵ペアの構築に失敗: %v", err)
	}
	tlsCert.Leaf = leaf

	return Pair{TLS: tlsCert, Leaf: leaf, CertPEM: certPEM, KeyPEM: keyPEM}
}

// WriteFiles は証明書と秘密鍵をディレクトリに書き出し、パスを返す。
// pkg/tlsconf のようにファイルパスを受け取るコードのテストで使用する。
func (p Pair) WriteFiles(t *testing.T, dir, name string) (certPath, keyPath string) {
	t.Helper()

	certPath = filepath.Join(dir, name+".crt")
	keyPath = filepath.Join(dir, name+".key")
	if err := os.WriteFile(certPath, p.CertPEM, 0o600); err != nil {
		t.Fatalf("証明書の書き出しに失敗: %v", err)
	}
	if err := os.WriteFile(keyPath, p.KeyPEM, 0o600); err != nil {
		t.Fatalf("秘密鍵の書き出しに失敗: %v", err)
	}
	return certPath, keyPath
}

// WriteFile はCA証明書をディレクトリに書き出し、パスを返す。
func (ca *CA) WriteFile(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "ca.crt")
	if err := os.WriteFile(path, ca.CertPEM, 0o600); err != nil {
		t.Fatalf("CA証明書の書き出しに失敗: %v", err)
	}
	return path
}

// newSerial はランダムなシリアル番号を生成する。
func newSerial(t *testing.T) *big.Int {
	t.Helper()

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("シリアル番号の生成に失敗: %v", err)
	}
	return serial
}
