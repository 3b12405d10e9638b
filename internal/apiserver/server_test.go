package apiserver

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/nakatomo/mtlsdemo/internal/testcert"
	"github.com/nakatomo/mtlsdemo/internal/userstore"
	"github.com/nakatomo/mtlsdemo/pkg/envelope"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testHarness はリソースサーバーのテスト用ハーネス。
type testHarness struct {
	server *Server
	store  *userstore.Store
	ca     *testcert.CA
	client *x509.Certificate
}

// newTestHarness は独立したインメモリストアを持つテスト用サーバーを生成する。
func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	store, err := userstore.Open(":memory:")
	if err != nil {
		t.Fatalf("テスト用ストアの生成に失敗: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ca := testcert.NewCA(t)
	return &testHarness{
		server: NewServer(Config{Port: "0", Store: store}),
		store:  store,
		ca:     ca,
		client: ca.IssueClient(t, "demo-client").Leaf,
	}
}

// serve は認証済みクライアント証明書付きでリクエストを実行する。
func (h *testHarness) serve(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	return h.serveWithCerts(t, method, path, body, []*x509.Certificate{h.client})
}

// serveNoCert はクライアント証明書なしでリクエストを実行する。
func (h *testHarness) serveNoCert(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	return h.serveWithCerts(t, method, path, body, nil)
}

// serveWithCerts は任意のピア証明書状態でリクエストを実行する。
func (h *testHarness) serveWithCerts(t *testing.T, method, path, body string, certs []*x509.Certificate) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, bodyReader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if certs != nil {
		req.TLS = &tls.ConnectionState{
			PeerCertificates: certs,
			CipherSuite:      tls.TLS_AES_128_GCM_SHA256,
			Version:          tls.VersionTLS13,
		}
	}

	w := httptest.NewRecorder()
	h.server.router.ServeHTTP(w, req)
	return w
}

// decode はエンベロープをマップとしてデコードする。
func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v (body=%s)", err, w.Body.String())
	}
	return resp
}

// meta はエンベロープのmeta部を取り出す。
func meta(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()

	m, ok := resp["meta"].(map[string]any)
	if !ok {
		t.Fatalf("meta部がない: %v", resp)
	}
	return m
}

// TestCertificateGate はすべてのルートに対する認証境界のテスト。
func TestCertificateGate(t *testing.T) {
	t.Parallel()

	t.Run("証明書なしのリクエストは401でありストアは変異しない", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		w := h.serveNoCert(t, http.MethodPost, "/api/users", `{"name":"Mallory","email":"m@x.io"}`)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
		resp := decode(t, w)
		if resp["code"] != envelope.CodeNoClientCertificate {
			t.Errorf("code: got %v, want %v", resp["code"], envelope.CodeNoClientCertificate)
		}

		// ルートハンドラが実行されていないことをストアの状態で確認する
		after := h.serve(t, http.MethodGet, "/api/users", "")
		m := meta(t, decode(t, after))
		if m["count"] != float64(3) {
			t.Errorf("ストアが変異している: count=%v", m["count"])
		}
	})

	t.Run("必須フィールドが欠けた証明書は401のフィールド検証エラーになる", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		pair := testcert.SelfSigned(t, "")
		w := h.serveWithCerts(t, http.MethodGet, "/api/users", "", []*x509.Certificate{pair.Leaf})

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
		resp := decode(t, w)
		if resp["code"] != envelope.CodeInvalidCertificateFields {
			t.Errorf("code: got %v, want %v", resp["code"], envelope.CodeInvalidCertificateFields)
		}
	})

	t.Run("未定義ルートもゲートを通過してから404になる", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)

		// 証明書なし: 404より先に401で短絡する
		w := h.serveNoCert(t, http.MethodGet, "/no/such/route", "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("証明書なしのステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}

		// 証明書あり: 識別情報付きの404エンベロープ
		w = h.serve(t, http.MethodGet, "/no/such/route", "")
		if w.Code != http.StatusNotFound {
			t.Errorf("証明書ありのステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
		resp := decode(t, w)
		if resp["code"] != envelope.CodeEndpointNotFound {
			t.Errorf("code: got %v, want %v", resp["code"], envelope.CodeEndpointNotFound)
		}
		if resp["path"] != "/no/such/route" {
			t.Errorf("path: got %v, want /no/such/route", resp["path"])
		}
		if m := meta(t, resp); m["authenticated_client"] != "demo-client" {
			t.Errorf("meta.authenticated_client: got %v, want demo-client", m["authenticated_client"])
		}
	})
}

// TestHandleHealth はヘルスチェックのテスト。
func TestHandleHealth(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	w := h.serve(t, http.MethodGet, "/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	resp := decode(t, w)
	data := resp["data"].(map[string]any)
	if data["status"] != "healthy" {
		t.Errorf("data.status: got %v, want healthy", data["status"])
	}
	cert := data["client_cert"].(map[string]any)
	if cert["subject"] != "demo-client" {
		t.Errorf("client_cert.subject: got %v, want demo-client", cert["subject"])
	}
	tlsInfo := data["tls_info"].(map[string]any)
	if tlsInfo["protocol"] != "TLSv1.3" {
		t.Errorf("tls_info.protocol: got %v, want TLSv1.3", tlsInfo["protocol"])
	}
	if tlsInfo["cipher"] == "" {
		t.Error("tls_info.cipherが空")
	}
}

// TestUserCRUD はユーザーCRUDエンドポイントのテスト。
func TestUserCRUD(t *testing.T) {
	t.Parallel()

	t.Run("一覧は初期ユーザーとcountを返す", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		w := h.serve(t, http.MethodGet, "/api/users", "")

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		resp := decode(t, w)
		users := resp["data"].([]any)
		if len(users) != 3 {
			t.Errorf("ユーザー数: got %d, want 3", len(users))
		}
		m := meta(t, resp)
		if m["count"] != float64(3) {
			t.Errorf("meta.count: got %v, want 3", m["count"])
		}
		if m["authenticated_client"] != "demo-client" {
			t.Errorf("meta.authenticated_client: got %v", m["authenticated_client"])
		}
	})

	t.Run("作成は次の連番IDを割り当てロールを既定値にする", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		w := h.serve(t, http.MethodPost, "/api/users", `{"name":"Dana","email":"dana@x.io"}`)

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
		}
		data := decode(t, w)["data"].(map[string]any)
		if data["id"] != float64(4) {
			t.Errorf("id: got %v, want 4", data["id"])
		}
		if data["role"] != "user" {
			t.Errorf("role: got %v, want user", data["role"])
		}

		// 一覧に現れる
		listResp := decode(t, h.serve(t, http.MethodGet, "/api/users", ""))
		if m := meta(t, listResp); m["count"] != float64(4) {
			t.Errorf("作成後のcount: got %v, want 4", m["count"])
		}
	})

	t.Run("nameまたはemailがない作成は400の検証エラーになる", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		w := h.serve(t, http.MethodPost, "/api/users", `{"name":"NoEmail"}`)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
		resp := decode(t, w)
		if resp["code"] != envelope.CodeValidationError {
			t.Errorf("code: got %v, want %v", resp["code"], envelope.CodeValidationError)
		}
		if resp["error"] != "Name and email are required" {
			t.Errorf("error: got %v", resp["error"])
		}
	})

	t.Run("部分更新は指定フィールドのみを変更する", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		w := h.serve(t, http.MethodPut, "/api/users/2", `{"role":"admin"}`)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		data := decode(t, w)["data"].(map[string]any)
		if data["role"] != "admin" {
			t.Errorf("role: got %v, want admin", data["role"])
		}
		if data["name"] != "Bob Smith" || data["email"] != "bob@example.com" {
			t.Errorf("未指定フィールドが変化した: %v", data)
		}
		if data["created"] != "2024-02-20" {
			t.Errorf("createdが変化した: %v", data["created"])
		}
	})

	t.Run("削除は削除レコードを返し以後の取得は404になる", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		w := h.serve(t, http.MethodDelete, "/api/users/1", "")

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		resp := decode(t, w)
		if resp["message"] != "User deleted successfully" {
			t.Errorf("message: got %v", resp["message"])
		}

		after := h.serve(t, http.MethodGet, "/api/users/1", "")
		if after.Code != http.StatusNotFound {
			t.Errorf("削除後の取得: got %d, want %d", after.Code, http.StatusNotFound)
		}
		if resp := decode(t, after); resp["code"] != envelope.CodeNotFound {
			t.Errorf("code: got %v, want %v", resp["code"], envelope.CodeNotFound)
		}
	})

	t.Run("存在しないIDへの操作は404エンベロープになる", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		for _, tc := range []struct {
			method string
			path   string
			body   string
		}{
			{http.MethodGet, "/api/users/999", ""},
			{http.MethodPut, "/api/users/999", `{"role":"admin"}`},
			{http.MethodDelete, "/api/users/999", ""},
		} {
			w := h.serve(t, tc.method, tc.path, tc.body)
			if w.Code != http.StatusNotFound {
				t.Errorf("%s %s: got %d, want %d", tc.method, tc.path, w.Code, http.StatusNotFound)
			}
		}
	})

	t.Run("同一IDの取得はdataが構造的に一致しmetaのみ異なる", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		first := decode(t, h.serve(t, http.MethodGet, "/api/users/1", ""))
		second := decode(t, h.serve(t, http.MethodGet, "/api/users/1", ""))

		firstData, _ := json.Marshal(first["data"])
		secondData, _ := json.Marshal(second["data"])
		if string(firstData) != string(secondData) {
			t.Errorf("dataが一致しない: %s vs %s", firstData, secondData)
		}
		if meta(t, first)["request_id"] == meta(t, second)["request_id"] {
			t.Error("request_idが再利用されている")
		}
	})
}

// TestDataEndpoints はデモ用データエンドポイントのテスト。
func TestDataEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("GETはデモペイロードを返す", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		w := h.serve(t, http.MethodGet, "/api/data", "")

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		resp := decode(t, w)
		data := resp["data"].(map[string]any)
		if data["message"] != "Hello from MTLS-secured API" {
			t.Errorf("message: got %v", data["message"])
		}
		if m := meta(t, resp); m["endpoint"] != "/api/data" {
			t.Errorf("meta.endpoint: got %v", m["endpoint"])
		}
	})

	t.Run("POSTは受信データをエコーしクライアント名で挨拶する", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		w := h.serve(t, http.MethodPost, "/api/data", `{"probe":42}`)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		data := decode(t, w)["data"].(map[string]any)
		received := data["received_data"].(map[string]any)
		if received["probe"] != float64(42) {
			t.Errorf("received_data: got %v", received)
		}
		if data["echo"] != "Hello demo-client, your data was processed" {
			t.Errorf("echo: got %v", data["echo"])
		}
	})
}

// TestHandleInfo はケーパビリティ一覧のテスト。
func TestHandleInfo(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	w := h.serve(t, http.MethodGet, "/api/info", "")

	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	data := decode(t, w)["data"].(map[string]any)
	api := data["api"].(map[string]any)
	endpoints := api["endpoints"].(map[string]any)
	if len(endpoints) != 9 {
		t.Errorf("エンドポイント数: got %d, want 9", len(endpoints))
	}
	security := data["security"].(map[string]any)
	if security["mtls_enabled"] != true || security["authenticated_as"] != "demo-client" {
		t.Errorf("securityブロックが不正: %v", security)
	}
}

// TestRecovery はルートハンドラのパニックが500エンベロープに変換されるテスト。
func TestRecovery(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.server.router.GET("/boom", func(*gin.Context) { panic("想定外の失敗") })

	w := h.serve(t, http.MethodGet, "/boom", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusInternalServerError)
	}
	resp := decode(t, w)
	if resp["code"] != envelope.CodeInternalError {
		t.Errorf("code: got %v, want %v", resp["code"], envelope.CodeInternalError)
	}
	if strings.Contains(w.Body.String(), "想定外の失敗") {
		t.Error("パニックの内容が呼び出し元へ漏れている")
	}

	// リスナーは落ちておらず後続リクエストを処理できる
	after := h.serve(t, http.MethodGet, "/api/users", "")
	if after.Code != http.StatusOK {
		t.Errorf("パニック後のリクエスト: got %d, want %d", after.Code, http.StatusOK)
	}
}

// TestMTLSTransportLayer はトランスポート層の証明書強制のテスト。
// アプリケーション層のゲートとは独立に、ハンドシェイク自体が拒否されることを確認する。
func TestMTLSTransportLayer(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	ts := httptest.NewUnstartedServer(h.server.router)
	ts.TLS = &tls.Config{
		Certificates: []tls.Certificate{h.ca.IssueServer(t).TLS},
		ClientCAs:    h.ca.Pool(),
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	ts.StartTLS()
	t.Cleanup(ts.Close)

	t.Run("クライアント証明書なしではハンドシェイクが失敗する", func(t *testing.T) {
		client := &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: h.ca.Pool()},
			},
		}
		if _, err := client.Get(ts.URL + "/api/users"); err == nil {
			t.Error("証明書なしの接続が成功してしまった")
		}
	})

	t.Run("クライアント証明書ありでは識別情報付きで応答する", func(t *testing.T) {
		pair := h.ca.IssueClient(t, "integration-client")
		client := &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs:      h.ca.Pool(),
					Certificates: []tls.Certificate{pair.TLS},
				},
			},
		}
		resp, err := client.Get(ts.URL + "/api/users")
		if err != nil {
			t.Fatalf("mTLS接続に失敗: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		m := body["meta"].(map[string]any)
		if m["authenticated_client"] != "integration-client" {
			t.Errorf("meta.authenticated_client: got %v, want integration-client", m["authenticated_client"])
		}
	})
}
