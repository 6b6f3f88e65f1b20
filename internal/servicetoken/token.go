// Package servicetoken signs and checks the short-lived RS256 tokens that
// services attach to internal calls.
package servicetoken

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTTL    = time.Minute
	DefaultLeeway = 15 * time.Second
	DefaultKeyID  = "internal-active"
)

var ErrUnauthorized = errors.New("service token rejected")

// Signer issues tokens for one calling service.
type Signer struct {
	issuer string
	ttl    time.Duration
	kid    string
	key    *rsa.PrivateKey
	now    func() time.Time
}

type SignerOptions struct {
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	TTL            time.Duration
}

// NewSigner loads the private key and builds a signer.
func NewSigner(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	path := strings.TrimSpace(opts.PrivateKeyPath)
	if path == "" {
		return nil, errors.New("service token private key path is required")
	}
	key, err := LoadPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load service token private key: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	kid := strings.TrimSpace(opts.KeyID)
	if kid == "" {
		kid = DefaultKeyID
	}
	return &Signer{issuer: issuer, ttl: ttl, kid: kid, key: key, now: time.Now}, nil
}

// Sign returns a token addressed to audience.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := s.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}

// Verifier accepts tokens for one audience from a fixed set of issuers.
type Verifier struct {
	audience string
	issuers  map[string]struct{}
	leeway   time.Duration
	keys     map[string]*rsa.PublicKey
}

// VerifierOptions configures a verifier. PublicKeys maps key ids to PEM paths
// so old and new keys can be accepted during a rotation; PublicKeyPath is
// registered under DefaultKeyID.
type VerifierOptions struct {
	PublicKeyPath  string
	PublicKeys     map[string]string
	DefaultKeyID   string
	Audience       string
	AllowedIssuers []string
	Leeway         time.Duration
}

// NewVerifier loads the public keys and builds a verifier.
func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	v := &Verifier{
		audience: strings.TrimSpace(opts.Audience),
		issuers:  make(map[string]struct{}),
		leeway:   opts.Leeway,
		keys:     make(map[string]*rsa.PublicKey),
	}
	if v.audience == "" {
		return nil, errors.New("service token audience is required")
	}
	for _, iss := range opts.AllowedIssuers {
		if iss = strings.TrimSpace(iss); iss != "" {
			v.issuers[iss] = struct{}{}
		}
	}
	if len(v.issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	if v.leeway <= 0 {
		v.leeway = DefaultLeeway
	}

	paths := make(map[string]string, len(opts.PublicKeys)+1)
	if p := strings.TrimSpace(opts.PublicKeyPath); p != "" {
		kid := strings.TrimSpace(opts.DefaultKeyID)
		if kid == "" {
			kid = DefaultKeyID
		}
		paths[kid] = p
	}
	for kid, p := range opts.PublicKeys {
		kid, p = strings.TrimSpace(kid), strings.TrimSpace(p)
		if kid != "" && p != "" {
			paths[kid] = p
		}
	}
	for kid, p := range paths {
		pub, err := LoadPublicKey(p)
		if err != nil {
			return nil, fmt.Errorf("load service token key %q: %w", kid, err)
		}
		v.keys[kid] = pub
	}
	if len(v.keys) == 0 {
		return nil, errors.New("service token verifier requires a public key")
	}
	return v, nil
}

// Verify checks signature, lifetime, audience and issuer.
func (v *Verifier) Verify(raw string) (jwt.RegisteredClaims, error) {
	var claims jwt.RegisteredClaims
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return claims, fmt.Errorf("%w: token required", ErrUnauthorized)
	}
	_, err := jwt.ParseWithClaims(raw, &claims, v.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if _, ok := v.issuers[claims.Issuer]; !ok {
		return claims, fmt.Errorf("%w: issuer %q not allowed", ErrUnauthorized, claims.Issuer)
	}
	if claims.ID == "" || strings.TrimSpace(claims.Subject) == "" {
		return claims, fmt.Errorf("%w: jti and subject required", ErrUnauthorized)
	}
	return claims, nil
}

func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid = strings.TrimSpace(kid); kid == "" {
		return nil, errors.New("token key id required")
	}
	pub, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown token key %q", kid)
	}
	return pub, nil
}

type claimsContextKey struct{}

// Require rejects requests without a valid bearer token. onReject writes the
// error response; the verified claims are available to next through
// ClaimsFromContext.
func (v *Verifier) Require(next http.Handler, onReject func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			onReject(w, r)
			return
		}
		claims, err := v.Verify(token)
		if err != nil {
			slog.Warn("service token rejected", "path", r.URL.Path, "err", err)
			onReject(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey{}, claims)))
	})
}

// ClaimsFromContext returns the claims stored by Require.
func ClaimsFromContext(ctx context.Context) (jwt.RegisteredClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(jwt.RegisteredClaims)
	return claims, ok
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, found := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !found || token == "" {
		return "", false
	}
	return token, true
}
