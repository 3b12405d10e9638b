// フォワーディングゲートウェイのエントリポイント。
// 呼び出し元には証明書を要求せず、モードに応じてmTLSまたは平文の
// トランスポートでバックエンドへリクエストを中継する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nakatomo/mtlsdemo/internal/gateway"
	"github.com/nakatomo/mtlsdemo/pkg/forward"
)

func main() {
	// .envがあれば読み込む。なければ環境変数のみを使用する
	if err := godotenv.Load(); err != nil {
		log.Println(".envファイルが見つからないため環境変数のみを使用します")
	}

	port := getEnvOr("PORT", "3000")

	certFiles := gateway.CertFiles{
		ClientCert: getEnvOr("CLIENT_CERT_FILE", "client.crt"),
		ClientKey:  getEnvOr("CLIENT_KEY_FILE", "client.key"),
		CA:         getEnvOr("CA_CERT_FILE", "ca.crt"),
	}

	// ピア検証の緩和は開発プロファイル専用。既定は厳格検証
	insecure := os.Getenv("TLS_INSECURE_SKIP_VERIFY") == "true"
	if insecure {
		log.Println("警告: サーバー証明書の検証を緩和しています（開発プロファイル）")
	}

	// 証明書材料は起動時に一度だけ読み込む。欠如は致命条件
	forwarder, err := forward.New(forward.Config{
		ClientCertFile:     certFiles.ClientCert,
		ClientKeyFile:      certFiles.ClientKey,
		CAFile:             certFiles.CA,
		InsecureSkipVerify: insecure,
	})
	if err != nil {
		log.Fatalf("転送クライアントの初期化に失敗: %v", err)
	}

	recorderPort := 8000
	if v := os.Getenv("RECORDER_PROXY_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("RECORDER_PROXY_PORTが不正です: %q", v)
		}
		recorderPort = p
	}

	server := gateway.NewServer(gateway.Config{
		Port: port,
		Targets: gateway.Targets{
			LiveURL:      getEnvOr("LIVE_API_URL", "https://localhost:8443"),
			RecorderPort: recorderPort,
		},
		Forwarder: forwarder,
		CertFiles: certFiles,
		StaticDir: getEnvOr("STATIC_DIR", "public"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("ゲートウェイを起動します: http://localhost:%s", port)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("ゲートウェイの実行に失敗: %v", err)
	}
	log.Println("ゲートウェイを停止しました")
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
