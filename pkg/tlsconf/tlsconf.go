package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Server はmTLSを強制するサーバー側TLS設定を組み立てる。
// クライアント証明書の提示をトランスポート層で必須とし、caFileのCAで検証する。
// アプリケーション層のCertificate Gateとは独立した防御層である。
func Server(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("サーバー証明書の読み込みに失敗: %w", err)
	}

	pool, err := loadCAPool(caFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Client はmTLS接続用のクライアント側TLS設定を組み立てる。
// insecureSkipVerifyは開発プロファイル専用のフラグで、既定は厳格検証とすること。
func Client(certFile, keyFile, caFile string, insecureSkipVerify bool) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("クライアント証明書の読み込みに失敗: %w", err)
	}

	pool, err := loadCAPool(caFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		InsecureSkipVerify: insecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}, nil
}

// loadCAPool はCA証明書ファイルから証明書プールを構築する。
func loadCAPool(caFile string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("CA証明書の読み込みに失敗: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("CA証明書のパースに失敗: %s", caFile)
	}
	return pool, nil
}

// Exists は証明書ファイルが存在するかどうかを返す。
// ゲートウェイのヘルスチェックで証明書の配置状況を報告するために使用する。
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
