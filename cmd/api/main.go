// mTLSリソースサーバーのエントリポイント。
// トランスポート層でクライアント証明書を要求・検証し、Certificate Gateを
// 通過したリクエストにのみユーザーCRUDとデモAPIを提供する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nakatomo/mtlsdemo/internal/apiserver"
	"github.com/nakatomo/mtlsdemo/internal/userstore"
	"github.com/nakatomo/mtlsdemo/pkg/tlsconf"
)

func main() {
	// .envがあれば読み込む。なければ環境変数のみを使用する
	if err := godotenv.Load(); err != nil {
		log.Println(".envファイルが見つからないため環境変数のみを使用します")
	}

	port := getEnvOr("API_PORT", "8443")

	// 証明書ファイルの欠如は起動時の致命条件であり、リクエスト単位では扱わない
	tlsCfg, err := tlsconf.Server(
		getEnvOr("SERVER_CERT_FILE", "server.crt"),
		getEnvOr("SERVER_KEY_FILE", "server.key"),
		getEnvOr("CA_CERT_FILE", "ca.crt"),
	)
	if err != nil {
		log.Fatalf("TLS設定の構築に失敗: %v", err)
	}

	// レコードの寿命はプロセスの寿命に束縛される
	store, err := userstore.Open(":memory:")
	if err != nil {
		log.Fatalf("ユーザーストアの初期化に失敗: %v", err)
	}
	defer store.Close()

	server := apiserver.NewServer(apiserver.Config{
		Port:  port,
		TLS:   tlsCfg,
		Store: store,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("mTLSリソースサーバーを起動します: https://localhost:%s", port)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("リソースサーバーの実行に失敗: %v", err)
	}
	log.Println("リソースサーバーを停止しました")
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
