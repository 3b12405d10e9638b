package apiserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nakatomo/mtlsdemo/internal/userstore"
	"github.com/nakatomo/mtlsdemo/pkg/envelope"
	"github.com/nakatomo/mtlsdemo/pkg/middleware"
)

// serverVersion は /api/data と /api/info が報告するバージョン。
const serverVersion = "1.0.0"

// Config はリソースサーバーの構成。
type Config struct {
	// Port はリッスンポート。
	Port string
	// TLS はmTLSを強制するサーバー側TLS設定（tlsconf.Serverで構築する）。
	TLS *tls.Config
	// Store はユーザーストア。テストがケースごとに独立したストアを注入できる。
	Store *userstore.Store
}

// Server はmTLSリソースサーバーのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// tlsConfig はクライアント証明書を要求・検証するTLS設定。
	tlsConfig *tls.Config
	// store はユーザーストア。
	store *userstore.Store
}

// NewServer は新しいリソースサーバーを生成する。
// Certificate Gateはルート登録より先にエンジンへ適用するため、
// NoRouteを含むすべてのパスがゲートを通過する。
func NewServer(cfg Config) *Server {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.ClientCert())

	s := &Server{
		router:    router,
		port:      cfg.Port,
		tlsConfig: cfg.TLS,
		store:     cfg.Store,
	}
	s.setupRoutes()

	return s
}

// Run はmTLSを強制するHTTPSリスナーを起動する。
// ctxのキャンセルで処理中のリクエストを待ってから正常終了する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:      fmt.Sprintf(":%s", s.port),
		Handler:   s.router,
		TLSConfig: s.tlsConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		// 証明書はTLSConfig.Certificatesに読み込み済みのためファイルパスは渡さない
		errCh <- srv.ListenAndServeTLS("", "")
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("リソースサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	log.Println("リソースサーバーをシャットダウンします...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("リソースサーバーの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェック（ゲート通過後のみ到達する）
	s.router.GET("/health", s.handleHealth())

	api := s.router.Group("/api")
	{
		users := api.Group("/users")
		{
			// ユーザー一覧取得
			users.GET("", s.handleListUsers())
			// ユーザー詳細取得
			users.GET("/:id", s.handleGetUser())
			// ユーザー作成
			users.POST("", s.handleCreateUser())
			// ユーザー更新
			users.PUT("/:id", s.handleUpdateUser())
			// ユーザー削除
			users.DELETE("/:id", s.handleDeleteUser())
		}

		// デモ用データエンドポイント
		api.GET("/data", s.handleGetData())
		api.POST("/data", s.handlePostData())
		// APIケーパビリティ一覧
		api.GET("/info", s.handleInfo())
	}

	// 未定義ルート。エンジンレベルのミドルウェアが先に実行されるため、
	// このハンドラもCertificate Gateを通過した後にのみ到達する。
	s.router.NoRoute(s.handleNotFound())
}

// clientSubject は認証済みクライアントのサブジェクトCNを返す。
func clientSubject(c *gin.Context) string {
	id, ok := middleware.GetIdentity(c)
	if !ok {
		return "Unknown"
	}
	return id.SubjectCN
}

// handleHealth はサーバーとTLSセッションの状態を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := middleware.GetIdentity(c)

		tlsInfo := gin.H{}
		if state := c.Request.TLS; state != nil {
			tlsInfo["cipher"] = tls.CipherSuiteName(state.CipherSuite)
			tlsInfo["protocol"] = tlsVersionName(state.Version)
		}

		c.JSON(http.StatusOK, envelope.Success(gin.H{
			"status": "healthy",
			"server": "MTLS-enabled API",
			"client_cert": gin.H{
				"subject":     id.SubjectCN,
				"issuer":      id.IssuerCN,
				"fingerprint": id.Fingerprint,
			},
			"tls_info": tlsInfo,
		}, envelope.Meta{"authenticated_client": id.SubjectCN}))
	}
}

// tlsVersionName はTLSバージョン番号を表示名に変換する。
func tlsVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return fmt.Sprintf("0x%04x", version)
	}
}

// handleListUsers はユーザー一覧を返すハンドラを返す。
func (s *Server) handleListUsers() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := clientSubject(c)
		log.Printf("GET /api/users from client: %s", subject)

		users, err := s.store.List(c.Request.Context())
		if err != nil {
			log.Printf("ユーザー一覧の取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError,
				envelope.Failure(envelope.CodeInternalError, "Internal server error", envelope.Meta{"authenticated_client": subject}))
			return
		}

		c.JSON(http.StatusOK, envelope.Success(users, envelope.Meta{
			"count":                len(users),
			"authenticated_client": subject,
		}))
	}
}

// handleGetUser はユーザー詳細を返すハンドラを返す。
func (s *Server) handleGetUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := clientSubject(c)
		log.Printf("GET /api/users/%s from client: %s", c.Param("id"), subject)

		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusNotFound,
				envelope.Failure(envelope.CodeNotFound, "User not found", envelope.Meta{"authenticated_client": subject}))
			return
		}

		user, err := s.store.Get(c.Request.Context(), id)
		if errors.Is(err, userstore.ErrNotFound) {
			c.JSON(http.StatusNotFound,
				envelope.Failure(envelope.CodeNotFound, "User not found", envelope.Meta{"authenticated_client": subject}))
			return
		}
		if err != nil {
			log.Printf("ユーザー取得エラー: %v", err)
			c.JSON(http.StatusInternalServerError,
				envelope.Failure(envelope.CodeInternalError, "Internal server error", envelope.Meta{"authenticated_client": subject}))
			return
		}

		c.JSON(http.StatusOK, envelope.Success(user, envelope.Meta{"authenticated_client": subject}))
	}
}

// createUserRequest はユーザー作成リクエストのJSON構造。
type createUserRequest struct {
	// Name はユーザー名。
	Name string `json:"name"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// Role はロール。省略時は "user"。
	Role string `json:"role"`
}

// handleCreateUser はユーザー作成を処理するハンドラを返す。
func (s *Server) handleCreateUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := clientSubject(c)
		log.Printf("POST /api/users from client: %s", subject)

		var req createUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest,
				envelope.Failure(envelope.CodeValidationError, "Invalid request body", envelope.Meta{"authenticated_client": subject}))
			return
		}

		if req.Name == "" || req.Email == "" {
			c.JSON(http.StatusBadRequest,
				envelope.Failure(envelope.CodeValidationError, "Name and email are required", envelope.Meta{"authenticated_client": subject}))
			return
		}

		user, err := s.store.Create(c.Request.Context(), userstore.CreateParams{
			Name:  req.Name,
			Email: req.Email,
			Role:  req.Role,
		})
		if err != nil {
			log.Printf("ユーザー作成エラー: %v", err)
			c.JSON(http.StatusInternalServerError,
				envelope.Failure(envelope.CodeInternalError, "Internal server error", envelope.Meta{"authenticated_client": subject}))
			return
		}

		c.JSON(http.StatusCreated, envelope.Success(user, envelope.Meta{"authenticated_client": subject}))
	}
}

// updateUserRequest はユーザー部分更新リクエストのJSON構造。
// 省略されたフィールドは既存値を保持する。
type updateUserRequest struct {
	// Name はユーザー名。
	Name *string `json:"name"`
	// Email はメールアドレス。
	Email *string `json:"email"`
	// Role はロール。
	Role *string `json:"role"`
}

// handleUpdateUser はユーザー更新を処理するハンドラを返す。
func (s *Server) handleUpdateUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := clientSubject(c)
		log.Printf("PUT /api/users/%s from client: %s", c.Param("id"), subject)

		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusNotFound,
				envelope.Failure(envelope.CodeNotFound, "User not found", envelope.Meta{"authenticated_client": subject}))
			return
		}

		var req updateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest,
				envelope.Failure(envelope.CodeValidationError, "Invalid request body", envelope.Meta{"authenticated_client": subject}))
			return
		}

		user, err := s.store.Update(c.Request.Context(), id, userstore.UpdateParams{
			Name:  req.Name,
			Email: req.Email,
			Role:  req.Role,
		})
		if errors.Is(err, userstore.ErrNotFound) {
			c.JSON(http.StatusNotFound,
				envelope.Failure(envelope.CodeNotFound, "User not found", envelope.Meta{"authenticated_client": subject}))
			return
		}
		if err != nil {
			log.Printf("ユーザー更新エラー: %v", err)
			c.JSON(http.StatusInternalServerError,
				envelope.Failure(envelope.CodeInternalError, "Internal server error", envelope.Meta{"authenticated_client": subject}))
			return
		}

		c.JSON(http.StatusOK, envelope.Success(user, envelope.Meta{"authenticated_client": subject}))
	}
}

// handleDeleteUser はユーザー削除を処理するハンドラを返す。
func (s *Server) handleDeleteUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := clientSubject(c)
		log.Printf("DELETE /api/users/%s from client: %s", c.Param("id"), subject)

		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusNotFound,
				envelope.Failure(envelope.CodeNotFound, "User not found", envelope.Meta{"authenticated_client": subject}))
			return
		}

		user, err := s.store.Delete(c.Request.Context(), id)
		if errors.Is(err, userstore.ErrNotFound) {
			c.JSON(http.StatusNotFound,
				envelope.Failure(envelope.CodeNotFound, "User not found", envelope.Meta{"authenticated_client": subject}))
			return
		}
		if err != nil {
			log.Printf("ユーザー削除エラー: %v", err)
			c.JSON(http.StatusInternalServerError,
				envelope.Failure(envelope.CodeInternalError, "Internal server error", envelope.Meta{"authenticated_client": subject}))
			return
		}

		resp := envelope.Success(user, envelope.Meta{"authenticated_client": subject})
		resp["message"] = "User deleted successfully"
		c.JSON(http.StatusOK, resp)
	}
}

// handleGetData はデモ用データを返すハンドラを返す。
func (s *Server) handleGetData() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := clientSubject(c)
		log.Printf("GET /api/data from client: %s", subject)

		c.JSON(http.StatusOK, envelope.Success(gin.H{
			"message":      "Hello from MTLS-secured API",
			"random_value": rand.IntN(1000),
			"server_info": gin.H{
				"version":     serverVersion,
				"environment": "demo",
			},
		}, envelope.Meta{
			"authenticated_client": subject,
			"endpoint":             "/api/data",
		}))
	}
}

// handlePostData は受信データをエコーするハンドラを返す。
func (s *Server) handlePostData() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := clientSubject(c)
		log.Printf("POST /api/data from client: %s", subject)

		var body any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest,
				envelope.Failure(envelope.CodeValidationError, "Invalid request body", envelope.Meta{"authenticated_client": subject}))
			return
		}

		c.JSON(http.StatusOK, envelope.Success(gin.H{
			"message":       "Data received successfully",
			"received_data": body,
			"processed_at":  time.Now().UTC().Format(time.RFC3339),
			"echo":          fmt.Sprintf("Hello %s, your data was processed", subject),
		}, envelope.Meta{
			"authenticated_client": subject,
			"endpoint":             "/api/data",
		}))
	}
}

// handleInfo はAPIのケーパビリティ一覧を返すハンドラを返す。
func (s *Server) handleInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := clientSubject(c)

		c.JSON(http.StatusOK, envelope.Success(gin.H{
			"api": gin.H{
				"name":        "MTLS Demo API",
				"version":     serverVersion,
				"description": "Demonstration API with mutual TLS authentication",
				"endpoints": gin.H{
					"GET /health":           "Health check and TLS info",
					"GET /api/users":        "List all users",
					"GET /api/users/:id":    "Get user by ID",
					"POST /api/users":       "Create new user",
					"PUT /api/users/:id":    "Update user",
					"DELETE /api/users/:id": "Delete user",
					"GET /api/data":         "Generic data endpoint",
					"POST /api/data":        "Generic data submission",
					"GET /api/info":         "This endpoint",
				},
			},
			"security": gin.H{
				"mtls_enabled":         true,
				"client_cert_required": true,
				"authenticated_as":     subject,
			},
		}, envelope.Meta{"authenticated_client": subject}))
	}
}

// handleNotFound は未定義ルートへのアクセスを処理するハンドラを返す。
// Certificate Gateの後段で動くため、識別情報が確立済みであれば応答に含める。
func (s *Server) handleNotFound() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := envelope.Failure(envelope.CodeEndpointNotFound, "Endpoint not found",
			envelope.Meta{"authenticated_client": clientSubject(c)})
		resp["path"] = c.Request.URL.Path
		resp["method"] = c.Request.Method
		c.JSON(http.StatusNotFound, resp)
	}
}
