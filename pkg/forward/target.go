package forward

// Mode はゲートウェイの転送モード。
type Mode string

const (
	// ModeLive は本物のmTLS APIサーバーへ転送するモード。
	ModeLive Mode = "live"
	// ModeRecordingProxy はローカルの録画プロキシへ平文HTTPで転送するモード。
	ModeRecordingProxy Mode = "recording-proxy"
	// ModeMock は設定されたモックエンドポイントへ転送するモード。
	ModeMock Mode = "mock"
)

// Transport は転送に使用するトランスポート種別。
type Transport string

const (
	// TransportMTLS はクライアント証明書を提示するHTTPS接続。
	TransportMTLS Transport = "mtls"
	// TransportPlain は証明書材料を一切添付しない平文HTTP接続。
	TransportPlain Transport = "plain"
)

// Target は解決済みの転送先の記述子。
// Transportフィールドが転送方法の唯一の決定根拠であり、
// BaseURLのスキームを見てトランスポートを切り替えてはならない。
type Target struct {
	// Mode はこの転送先を選択したモード。
	Mode Mode
	// BaseURL は転送先のベースURL。
	BaseURL string
	// Transport は接続に使用するトランスポート種別。
	Transport Transport
	// Label は人間可読な転送先の説明。エラー報告とmeta部に使用する。
	Label string
}
