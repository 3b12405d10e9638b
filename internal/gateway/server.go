package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/nakatomo/mtlsdemo/pkg/envelope"
	"github.com/nakatomo/mtlsdemo/pkg/forward"
	"github.com/nakatomo/mtlsdemo/pkg/middleware"
	"github.com/nakatomo/mtlsdemo/pkg/tlsconf"
)

// Forwarder はバックエンドへの転送を行うクライアントの抽象。
// 本番ではforward.Clientを使用し、テストではスパイに差し替える。
type Forwarder interface {
	Do(ctx context.Context, target forward.Target, op forward.Operation) (*forward.Result, error)
}

// CertFiles はゲートウェイが保持する証明書材料のパス。
// ヘルスチェックでの配置状況報告に使用する。
type CertFiles struct {
	// ClientCert はクライアント証明書のパス。
	ClientCert string
	// ClientKey はクライアント秘密鍵のパス。
	ClientKey string
	// CA はCAバンドルのパス。
	CA string
}

// Config はゲートウェイサーバーの構成。
type Config struct {
	// Port はサーバーのリッスンポート。
	Port string
	// Targets はモードごとの既定の転送先。
	Targets Targets
	// Forwarder は転送クライアント。
	Forwarder Forwarder
	// CertFiles は証明書材料のパス。
	CertFiles CertFiles
	// StaticDir はブラウザUIの静的ファイルディレクトリ。空の場合は配信しない。
	StaticDir string
}

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// targets はモードごとの既定の転送先。
	targets Targets
	// forwarder はバックエンドへの転送クライアント。
	forwarder Forwarder
	// certFiles は証明書材料のパス。
	certFiles CertFiles
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(cfg Config) *Server {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	if cfg.StaticDir != "" {
		// ブラウザUIの配信。UI自体はこのリポジトリの関心外
		router.Use(static.Serve("/", static.LocalFile(cfg.StaticDir, false)))
	}

	s := &Server{
		router:    router,
		port:      cfg.Port,
		targets:   cfg.Targets,
		forwarder: cfg.Forwarder,
		certFiles: cfg.CertFiles,
	}
	s.setupRoutes()

	return s
}

// Run はHTTPリスナーを起動する。ctxのキャンセルで正常終了する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", s.port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ゲートウェイの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	log.Println("ゲートウェイをシャットダウンします...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ゲートウェイの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		// 転送エンドポイント
		api.GET("/data", s.handleForwardRead())
		api.POST("/data", s.handleForwardWrite())
		// 設定の参照と受理
		api.GET("/config", s.handleGetConfig())
		api.POST("/config", s.handleUpdateConfig())
		// 証明書材料の配置状況
		api.GET("/health", s.handleHealth())
	}
}

// resolveFromQuery はクエリパラメータから転送先を解決する。
// 解決に失敗した場合は400エンベロープを書き込んでfalseを返す。
func (s *Server) resolveFromQuery(c *gin.Context) (forward.Target, string, bool) {
	mode := c.DefaultQuery("mode", string(forward.ModeLive))
	target, err := s.targets.resolve(mode, c.Query("url"), c.Query("port"))
	if err != nil {
		var re *resolveError
		if errors.As(err, &re) {
			c.JSON(http.StatusBadRequest,
				envelope.Failure(re.code, re.message, envelope.Meta{"mode": re.mode}))
		} else {
			c.JSON(http.StatusBadRequest,
				envelope.Failure(envelope.CodeInvalidMode, "Invalid mode specified", envelope.Meta{"mode": mode}))
		}
		return forward.Target{}, mode, false
	}
	return target, mode, true
}

// handleForwardRead は読み取り操作を転送先のユーザー一覧へ転送するハンドラを返す。
func (s *Server) handleForwardRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		target, mode, ok := s.resolveFromQuery(c)
		if !ok {
			return
		}

		log.Printf("GET %s/api/users へ転送します (mode=%s)", target.BaseURL, mode)

		result, err := s.forwarder.Do(c.Request.Context(), target, forward.Operation{
			Method: http.MethodGet,
			Path:   "/api/users",
		})
		if err != nil {
			s.writeForwardFailure(c, target, mode, err, nil)
			return
		}

		c.JSON(http.StatusOK, envelope.Success(result.Data, envelope.Meta{
			"endpoint":    target.Label,
			"mode":        mode,
			"status_code": result.StatusCode,
		}))
	}
}

// handleForwardWrite は書き込み操作を転送先のユーザー一覧へ転送するハンドラを返す。
// 送信したボディをmeta.request_bodyとして成功・失敗の両方でエコーする。
func (s *Server) handleForwardWrite() gin.HandlerFunc {
	return func(c *gin.Context) {
		target, mode, ok := s.resolveFromQuery(c)
		if !ok {
			return
		}

		var body any = map[string]any{}
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest,
					envelope.Failure(envelope.CodeValidationError, "Invalid request body", envelope.Meta{"mode": mode}))
				return
			}
		}

		log.Printf("POST %s/api/users へ転送します (mode=%s)", target.BaseURL, mode)

		result, err := s.forwarder.Do(c.Request.Context(), target, forward.Operation{
			Method: http.MethodPost,
			Path:   "/api/users",
			Body:   body,
		})
		if err != nil {
			s.writeForwardFailure(c, target, mode, err, body)
			return
		}

		c.JSON(http.StatusOK, envelope.Success(result.Data, envelope.Meta{
			"endpoint":     target.Label,
			"mode":         mode,
			"status_code":  result.StatusCode,
			"request_body": body,
		}))
	}
}

// writeForwardFailure は転送失敗を500エンベロープとして書き込む。
// リスナーは落とさず、転送先ラベルと下位エラーの内容を呼び出し元へ返す。
func (s *Server) writeForwardFailure(c *gin.Context, target forward.Target, mode string, err error, requestBody any) {
	log.Printf("転送に失敗: mode=%s endpoint=%s error=%v", mode, target.Label, err)

	extra := envelope.Meta{
		"endpoint": target.Label,
		"mode":     mode,
	}
	if requestBody != nil {
		extra["request_body"] = requestBody
	}

	var te *forward.TransportError
	if errors.As(err, &te) {
		resp := envelope.Failure(envelope.CodeTransportError, "MTLS request failed", extra)
		resp["message"] = te.Err.Error()
		c.JSON(http.StatusInternalServerError, resp)
		return
	}

	c.JSON(http.StatusInternalServerError,
		envelope.Failure(envelope.CodeInternalError, "Internal server error", extra))
}

// handleGetConfig は設定済みの既定転送先の一覧を返すハンドラを返す。
func (s *Server) handleGetConfig() gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoints := []gin.H{
			{
				"key":         string(forward.ModeLive),
				"base_url":    s.targets.LiveURL,
				"description": "Live API Endpoint",
			},
			{
				"key":         string(forward.ModeRecordingProxy),
				"base_url":    fmt.Sprintf("http://localhost:%d", s.targets.RecorderPort),
				"description": "Recording Proxy",
			},
			{
				"key":         string(forward.ModeMock),
				"base_url":    nil,
				"description": "Mock API Endpoint",
			},
		}

		c.JSON(http.StatusOK, envelope.Success(gin.H{
			"available_endpoints": endpoints,
		}, nil))
	}
}

// configUpdateRequest は設定更新リクエストのJSON構造。
type configUpdateRequest struct {
	// Mode は更新対象のモード名。
	Mode string `json:"mode"`
	// Config はモードの新しい設定内容。
	Config any `json:"config"`
}

// handleUpdateConfig は設定更新ペイロードを受理するハンドラを返す。
// 受理と内容のエコーのみを行い、永続化はしない。
func (s *Server) handleUpdateConfig() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req configUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Mode == "" || req.Config == nil {
			resp := envelope.Failure(envelope.CodeValidationError, "Mode and config are required", nil)
			resp["received"] = gin.H{"mode": req.Mode, "config": req.Config}
			c.JSON(http.StatusBadRequest, resp)
			return
		}

		c.JSON(http.StatusOK, envelope.Success(gin.H{
			"message": "Configuration received",
			"mode":    req.Mode,
			"config":  req.Config,
		}, nil))
	}
}

// handleHealth は必要な証明書材料の配置状況を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, envelope.Success(gin.H{
			"status": "healthy",
			"certificates": gin.H{
				"client_cert": tlsconf.Exists(s.certFiles.ClientCert),
				"client_key":  tlsconf.Exists(s.certFiles.ClientKey),
				"ca_cert":     tlsconf.Exists(s.certFiles.CA),
			},
		}, nil))
	}
}
