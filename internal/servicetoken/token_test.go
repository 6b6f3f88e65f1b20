package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
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
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
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

func newPair(t *testing.T, signerKid, verifierKid, audience string) (*Signer, *Verifier, string) {
	t.Helper()
	privatePath, publicPath := writeKeyPair(t)
	signer, err := NewSigner(SignerOptions{PrivateKeyPath: privatePath, KeyID: signerKid, Issuer: "reader-service"})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifier(VerifierOptions{
		PublicKeys:     map[string]string{verifierKid: publicPath},
		Audience:       audience,
		AllowedIssuers: []string{"reader-service"},
		Leeway:         time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return signer, verifier, privatePath
}

func TestSignAndVerify(t *testing.T) {
	signer, verifier, _ := newPair(t, "k1", "k1", "sync")
	token, err := signer.Sign("sync")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Issuer != "reader-service" || claims.ID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejects(t *testing.T) {
	t.Run("wrong audience", func(t *testing.T) {
		signer, verifier, _ := newPair(t, "k1", "k1", "sync")
		token, _ := signer.Sign("other")
		if _, err := verifier.Verify(token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})
	t.Run("unknown key id", func(t *testing.T) {
		signer, verifier, _ := newPair(t, "k1", "k2", "sync")
		token, _ := signer.Sign("sync")
		if _, err := verifier.Verify(token); err == nil {
			t.Fatalf("expected unknown kid to fail")
		}
	})
	t.Run("expired", func(t *testing.T) {
		signer, verifier, _ := newPair(t, "k1", "k1", "sync")
		signer.now = func() time.Time { return time.Now().Add(-time.Hour) }
		token, _ := signer.Sign("sync")
		if _, err := verifier.Verify(token); err == nil {
			t.Fatalf("expected expired token to fail")
		}
	})
	t.Run("future issued at", func(t *testing.T) {
		_, verifier, privatePath := newPair(t, "k1", "k1", "sync")
		key, err := LoadPrivateKey(privatePath)
		if err != nil {
			t.Fatalf("load key: %v", err)
		}
		now := time.Now()
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
			Issuer:    "reader-service",
			Subject:   "reader-service",
			Audience:  jwt.ClaimStrings{"sync"},
			IssuedAt:  jwt.NewNumericDate(now.Add(2 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
			ID:        "jti-1",
		})
		token.Header["kid"] = "k1"
		signed, _ := token.SignedString(key)
		if _, err := verifier.Verify(signed); err == nil {
			t.Fatalf("expected future iat to fail")
		}
	})
}

func TestRequireMiddleware(t *testing.T) {
	signer, verifier, _ := newPair(t, DefaultKeyID, DefaultKeyID, "sync")
	h := verifier.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ClaimsFromContext(r.Context()); !ok {
			t.Fatalf("expected claims in context")
		}
		w.WriteHeader(http.StatusNoContent)
	}), func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	req := httptest.NewRequest(http.MethodPost, "/sync-load", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d", rec.Code)
	}

	token, _ := signer.Sign("sync")
	req = httptest.NewRequest(http.MethodPost, "/sync-load", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("valid token: got %d", rec.Code)
	}
}

func TestConstructorsValidate(t *testing.T) {
	if _, err := NewSigner(SignerOptions{Issuer: "reader-service"}); err == nil {
		t.Fatalf("expected missing key path to fail")
	}
	if _, err := NewVerifier(VerifierOptions{Audience: "sync", AllowedIssuers: []string{"x"}}); err == nil {
		t.Fatalf("expected missing public key to fail")
	}
	if _, ok := BearerToken(httptest.NewRequest(http.MethodGet, "/", nil)); ok {
		t.Fatalf("expected no bearer token")
	}
}

func TestParseVerifyPublicKeys(t *testing.T) {
	keys, err := ParseVerifyPublicKeys(" old=/k/old.pem , new=/k/new.pem ,")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(keys) != 2 || keys["old"] != "/k/old.pem" || keys["new"] != "/k/new.pem" {
		t.Fatalf("unexpected keys: %v", keys)
	}
	if keys, err := ParseVerifyPublicKeys(""); err != nil || keys != nil {
		t.Fatalf("empty input: keys=%v err=%v", keys, err)
	}
	if _, err := ParseVerifyPublicKeys("missing-path="); err == nil {
		t.Fatalf("expected malformed entry to fail")
	}
}
