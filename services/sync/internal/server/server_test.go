package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"bookshelf/internal/servicetoken"
	"bookshelf/pkg/domain"
	"bookshelf/pkg/store"
	"bookshelf/pkg/syncclient"
	"bookshelf/services/sync/internal/app"
)

func writeKeyPair(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.pem")
	publicPath := filepath.Join(dir, "public.pem")
	if err := os.WriteFile(privatePath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}), 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return privatePath, publicPath
}

type fixture struct {
	srv    *httptest.Server
	signer *servicetoken.Signer
	store  *store.MemoryStore
}

func newFixture(t *testing.T, ratePerMinute int) fixture {
	t.Helper()
	privatePath, publicPath := writeKeyPair(t)
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{PrivateKeyPath: privatePath, Issuer: "reader-service"})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	mem := store.NewMemoryStore()
	core, err := app.New(app.Config{Store: mem})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	redis := miniredis.RunT(t)
	s, err := New(Config{
		App:                      core,
		InternalJWTPublicKeyPath: publicPath,
		RedisAddr:                redis.Addr(),
		RateLimitPerMinute:       ratePerMinute,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return fixture{srv: srv, signer: signer, store: mem}
}

func (f fixture) post(t *testing.T, path, body string, signed bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		token, err := f.signer.Sign(syncclient.Audience)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

const currentUser = `{"id":"u1","email":"7@platform.local","displayName":"Bo","externalId":7,"createdAt":"2024-03-01T10:00:00Z","updatedAt":"2024-03-01T10:00:00Z"}`

func TestClientRoundTrip(t *testing.T) {
	f := newFixture(t, 10)
	client, err := syncclient.New(f.srv.URL, f.signer, 0)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	msg, err := client.Save(ctx, 7, map[string]string{
		domain.KeyCurrentUser: currentUser,
		domain.KeyBooks:       `[{"id":"b1","title":"Mine","authorId":"u1","status":"draft","source":"internal","createdAt":"2024-03-01T10:00:00Z","updatedAt":"2024-03-01T10:00:00Z"}]`,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if msg != "saved 2 keys" {
		t.Fatalf("message = %q", msg)
	}
	data, err := client.Load(ctx, 7)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if data[domain.KeyCurrentUser] != currentUser || !strings.Contains(data[domain.KeyBooks], `"id":"b1"`) {
		t.Fatalf("unexpected data: %v", data)
	}
	if len(f.store.Books()) != 1 {
		t.Fatalf("book not stored")
	}
}

func TestRequiresServiceToken(t *testing.T) {
	f := newFixture(t, 10)
	resp := f.post(t, "/sync-load", `{"externalId":7}`, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["code"] != "AUTH_INVALID_SERVICE_TOKEN" || body["success"] != false {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["requestId"] == "" || body["requestId"] == nil {
		t.Fatalf("request id should be echoed: %v", body)
	}
}

func TestRejectsBadRequests(t *testing.T) {
	f := newFixture(t, 10)

	resp := f.post(t, "/sync-save", `{bad`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400, got %d", resp.StatusCode)
	}
	resp = f.post(t, "/sync-save", `{"externalId":7,"data":{"books":"[]"}}`, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown owner: expected 404, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["code"] != "SYNC_USER_NOT_FOUND" {
		t.Fatalf("unexpected body: %v", body)
	}
	resp = f.post(t, "/sync-load", `{"externalId":0}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing external id: expected 400, got %d", resp.StatusCode)
	}

	token, _ := f.signer.Sign(syncclient.Audience)
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/sync-load", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	get, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", get.StatusCode)
	}
}

func TestLoadOfUnknownUserIsEmpty(t *testing.T) {
	f := newFixture(t, 10)
	resp := f.post(t, "/sync-load", `{"externalId":99}`, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["success"] != true || body["message"] != "no data" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestRateLimitPerExternalID(t *testing.T) {
	f := newFixture(t, 1)
	if resp := f.post(t, "/sync-load", `{"externalId":7}`, true); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", resp.StatusCode)
	}
	resp := f.post(t, "/sync-load", `{"externalId":7}`, true)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if resp := f.post(t, "/sync-load", `{"externalId":8}`, true); resp.StatusCode != http.StatusOK {
		t.Fatalf("other users keep their own quota, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, 10)
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServerRequiresRedisAndKeys(t *testing.T) {
	core, _ := app.New(app.Config{Store: store.NewMemoryStore()})
	_, publicPath := writeKeyPair(t)
	if _, err := New(Config{App: core, InternalJWTPublicKeyPath: publicPath}); err == nil {
		t.Fatalf("expected missing redis addr to fail")
	}
	if _, err := New(Config{App: core, RedisAddr: "localhost:6379"}); err == nil {
		t.Fatalf("expected missing public key to fail")
	}
}
