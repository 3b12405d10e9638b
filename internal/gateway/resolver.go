package gateway

import (
	"fmt"
	"strconv"

	"github.com/nakatomo/mtlsdemo/pkg/envelope"
	"github.com/nakatomo/mtlsdemo/pkg/forward"
)

// Targets はモードごとの既定の転送先設定。
type Targets struct {
	// LiveURL はliveモードの既定ベースURL。
	LiveURL string
	// RecorderPort はrecording-proxyモードの既定ポート。
	RecorderPort int
}

// resolveError はターゲット解決の失敗。
// エンベロープに載せるエラーコードとモード名を保持する。
type resolveError struct {
	// code はエンベロープ用のエラーコード。
	code string
	// message は人間可読なエラーメッセージ。
	message string
	// mode は解決に失敗したモード名。
	mode string
}

// Error はエラーメッセージを返す。
func (e *resolveError) Error() string { return e.message }

// errInvalidMode は不明なモード指定のエラーを生成する。
func errInvalidMode(mode string) *resolveError {
	return &resolveError{
		code:    envelope.CodeInvalidMode,
		message: "Invalid mode specified",
		mode:    mode,
	}
}

// errNotConfigured は転送先URL未設定のエラーを生成する。
func errNotConfigured(mode string) *resolveError {
	return &resolveError{
		code:    envelope.CodeEndpointNotConfigured,
		message: fmt.Sprintf("Please configure the %s endpoint URL", mode),
		mode:    mode,
	}
}

// errInvalidPort は数値として解釈できないポート指定のエラーを生成する。
func errInvalidPort(mode, port string) *resolveError {
	return &resolveError{
		code:    envelope.CodeValidationError,
		message: fmt.Sprintf("Invalid port: %q", port),
		mode:    mode,
	}
}

// resolve は (モード, 上書きパラメータ) から転送先記述子を導出する純関数。
// ネットワークには一切アクセスしない。mockモードでURLが未指定の場合は
// 転送を試みる前にここで失敗する。
func (t Targets) resolve(mode, urlOverride, portOverride string) (forward.Target, error) {
	switch forward.Mode(mode) {
	case forward.ModeLive:
		base := t.LiveURL
		if urlOverride != "" {
			base = urlOverride
		}
		return forward.Target{
			Mode:      forward.ModeLive,
			BaseURL:   base,
			Transport: forward.TransportMTLS,
			Label:     "Live API Endpoint",
		}, nil

	case forward.ModeRecordingProxy:
		port := t.RecorderPort
		if portOverride != "" {
			p, err := strconv.Atoi(portOverride)
			if err != nil {
				return forward.Target{}, errInvalidPort(mode, portOverride)
			}
			port = p
		}
		return forward.Target{
			Mode:      forward.ModeRecordingProxy,
			BaseURL:   fmt.Sprintf("http://localhost:%d", port),
			Transport: forward.TransportPlain,
			Label:     fmt.Sprintf("Recording Proxy (Port %d)", port),
		}, nil

	case forward.ModeMock:
		// mockには既定URLがない。上書きURLの指定が必須
		if urlOverride == "" {
			return forward.Target{}, errNotConfigured(mode)
		}
		return forward.Target{
			Mode:      forward.ModeMock,
			BaseURL:   urlOverride,
			Transport: forward.TransportPlain,
			Label:     "Mock API Endpoint",
		}, nil

	default:
		return forward.Target{}, errInvalidMode(mode)
	}
}
