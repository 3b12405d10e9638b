package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nakatomo/mtlsdemo/pkg/tlsconf"
)

// userAgent は転送リクエストに付与するUser-Agentヘッダー。
const userAgent = "mtls-demo-gateway/1.0"

// defaultTimeout は転送リクエストの既定タイムアウト。
// プロトコルレベルのタイムアウトは設けず、接続レベルで上限を与える。
const defaultTimeout = 30 * time.Second

// Config は転送クライアントの設定。
// 証明書材料は起動時に一度だけ読み込む。ファイルの欠如は構築エラーになる。
type Config struct {
	// ClientCertFile はmTLS用クライアント証明書のパス。
	ClientCertFile string
	// ClientKeyFile はmTLS用クライアント秘密鍵のパス。
	ClientKeyFile string
	// CAFile は転送先サーバー証明書を検証するCAバンドルのパス。
	CAFile string
	// InsecureSkipVerify はサーバー証明書の検証を緩和する開発用フラグ。既定は厳格検証。
	InsecureSkipVerify bool
	// Timeout は接続レベルのタイムアウト。ゼロの場合は既定値を使用する。
	Timeout time.Duration
}

// Client はターゲット記述子に従ってリクエストを転送するHTTPクライアント。
// mTLS用と平文用のトランスポートを構築時に用意し、呼び出しごとに
// Target.Transportの値だけで切り替える。
type Client struct {
	// mtls はクライアント証明書を提示するHTTPSクライアント。
	mtls *http.Client
	// plain は証明書材料を持たない平文HTTPクライアント。
	plain *http.Client
}

// Operation は転送する論理操作。
type Operation struct {
	// Method はHTTPメソッド。
	Method string
	// Path は転送先のパス（例: "/api/users"）。
	Path string
	// Body はJSONとして送信するリクエストボディ。nilの場合はボディなし。
	Body any
}

// Result は転送結果。
type Result struct {
	// StatusCode は転送先が返したHTTPステータスコード。
	StatusCode int
	// Data はレスポンスボディのJSONパース結果。
	// パースできない場合は {"raw": 本文} の形にフォールバックする。
	Data any
	// RawBody はレスポンスボディの生文字列。
	RawBody string
}

// TransportError は接続レベルの転送失敗（DNS・接続拒否・TLSハンドシェイク失敗）。
// アプリケーションレベルのエラーレスポンス（4xx/5xx）はこのエラーにはならない。
type TransportError struct {
	// Label は失敗した転送先のラベル。
	Label string
	// Err は下位のエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *TransportError) Error() string {
	return fmt.Sprintf("転送先 %s への接続に失敗: %v", e.Label, e.Err)
}

// Unwrap は下位のエラーを返す。
func (e *TransportError) Unwrap() error { return e.Err }

// New は転送クライアントを生成する。
// mTLS用の証明書材料を読み込めない場合はエラーを返す（起動時の致命条件）。
func New(cfg Config) (*Client, error) {
	tlsCfg, err := tlsconf.Client(cfg.ClientCertFile, cfg.ClientKeyFile, cfg.CAFile, cfg.InsecureSkipVerify)
	if err != nil {
		return nil, fmt.Errorf("転送クライアントの構築に失敗: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Client{
		mtls: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
		// 平文クライアントには証明書材料を一切与えない。
		plain: &http.Client{Timeout: timeout},
	}, nil
}

// Do はターゲットへ論理操作を転送し、正規化した結果を返す。
// 接続レベルの失敗は*TransportErrorとして返す。レスポンスボディが
// JSONでなくてもエラーにはせず、rawフィールドに包んで返す。
func (c *Client) Do(ctx context.Context, target Target, op Operation) (*Result, error) {
	httpClient, err := c.pick(target.Transport)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if op.Body != nil {
		jsonBody, err := json.Marshal(op.Body)
		if err != nil {
			return nil, fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	url := strings.TrimSuffix(target.BaseURL, "/") + op.Path
	req, err := http.NewRequestWithContext(ctx, op.Method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("転送リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Label: target.Label, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Label: target.Label, Err: err}
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Data:       parseBody(raw),
		RawBody:    string(raw),
	}, nil
}

// pick はトランスポート種別に対応するHTTPクライアントを返す。
// 判定はTarget.Transportの値のみで行い、URLスキームは参照しない。
func (c *Client) pick(transport Transport) (*http.Client, error) {
	switch transport {
	case TransportMTLS:
		return c.mtls, nil
	case TransportPlain:
		return c.plain, nil
	default:
		return nil, fmt.Errorf("不明なトランスポート種別: %q", transport)
	}
}

// parseBody はレスポンスボディをベストエフォートでJSONパースする。
// パースに失敗しても決して失敗させず、生文字列をフォールバックで包む。
func parseBody(raw []byte) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return data
}
