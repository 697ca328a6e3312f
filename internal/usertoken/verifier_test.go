package usertoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// provider is a fake identity provider serving a mutable JWKS.
type provider struct {
	t       *testing.T
	mu      sync.Mutex
	keys    map[string]*rsa.PrivateKey
	served  []string
	fetches atomic.Int32
	url     string
}

func newProvider(t *testing.T, kids ...string) *provider {
	t.Helper()
	p := &provider{t: t, keys: map[string]*rsa.PrivateKey{}}
	for _, kid := range kids {
		p.addKey(kid)
	}
	p.serve(kids...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		p.fetches.Add(1)
		p.mu.Lock()
		var doc struct {
			Keys []jsonWebKey `json:"keys"`
		}
		for _, kid := range p.served {
			pub := p.keys[kid].PublicKey
			doc.Keys = append(doc.Keys, jsonWebKey{
				Kty: "RSA",
				Kid: kid,
				Use: "sig",
				N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			})
		}
		p.mu.Unlock()
		w.Header().Set("Cache-Control", "public, max-age=300")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	p.url = srv.URL
	return p
}

func (p *provider) addKey(kid string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		p.t.Fatalf("generate key: %v", err)
	}
	p.mu.Lock()
	p.keys[kid] = key
	p.mu.Unlock()
}

func (p *provider) serve(kids ...string) {
	p.mu.Lock()
	p.served = kids
	p.mu.Unlock()
}

func (p *provider) mint(kid string, mutate func(*accessClaims)) string {
	p.t.Helper()
	now := time.Now()
	c := &accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "owner-1",
			Issuer:    DefaultIssuer,
			Audience:  jwt.ClaimStrings{DefaultAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		DeviceID: "phone-7",
	}
	if mutate != nil {
		mutate(c)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	tok.Header["kid"] = kid
	p.mu.Lock()
	key := p.keys[kid]
	p.mu.Unlock()
	if key == nil {
		var err error
		if key, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			p.t.Fatalf("generate key: %v", err)
		}
	}
	signed, err := tok.SignedString(key)
	if err != nil {
		p.t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestNewVerifierFailsFast(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if _, err := NewVerifier(Config{JWKSURL: down.URL}); err == nil {
		t.Fatalf("expected unreachable provider to fail")
	}
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"keys":[{"kty":"EC","kid":"ec-1"}]}`))
	}))
	defer empty.Close()
	if _, err := NewVerifier(Config{JWKSURL: empty.URL}); err == nil {
		t.Fatalf("expected key set without rsa keys to fail")
	}
}

func TestVerifyClaims(t *testing.T) {
	p := newProvider(t, "kid-1")
	v, err := NewVerifier(Config{JWKSURL: p.url, Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	id, err := v.Verify(context.Background(), p.mint("kid-1", nil))
	if err != nil || id.OwnerID != "owner-1" || id.DeviceID != "phone-7" {
		t.Fatalf("verify: id=%+v err=%v", id, err)
	}

	cases := []struct {
		name   string
		mutate func(*accessClaims)
	}{
		{"expired", func(c *accessClaims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute)) }},
		{"no expiry", func(c *accessClaims) { c.ExpiresAt = nil }},
		{"issued in future", func(c *accessClaims) { c.IssuedAt = jwt.NewNumericDate(time.Now().Add(2 * time.Minute)) }},
		{"wrong issuer", func(c *accessClaims) { c.Issuer = "someone-else" }},
		{"wrong audience", func(c *accessClaims) { c.Audience = jwt.ClaimStrings{"other-api"} }},
		{"no subject", func(c *accessClaims) { c.Subject = " " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), p.mint("kid-1", tc.mutate)); err == nil {
				t.Fatalf("expected rejection")
			}
		})
	}
}

func TestVerifyPicksUpRotatedKey(t *testing.T) {
	p := newProvider(t, "kid-1")
	v, err := NewVerifier(Config{JWKSURL: p.url})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	p.addKey("kid-2")
	p.serve("kid-2")

	// Inside the backoff window the new kid is not fetched yet.
	if _, err := v.Verify(context.Background(), p.mint("kid-2", nil)); err == nil {
		t.Fatalf("expected unknown kid to fail inside the backoff window")
	}
	if got := p.fetches.Load(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}

	v.keys.now = func() time.Time { return time.Now().Add(refreshBackoff) }
	if _, err := v.Verify(context.Background(), p.mint("kid-2", nil)); err != nil {
		t.Fatalf("verify rotated key: %v", err)
	}
	if got := p.fetches.Load(); got != 2 {
		t.Fatalf("fetches = %d, want 2", got)
	}
	// kid-1 is no longer published.
	if _, err := v.Verify(context.Background(), p.mint("kid-1", nil)); err == nil {
		t.Fatalf("expected retired key to fail")
	}
}

func TestAuthenticateCredentialSources(t *testing.T) {
	p := newProvider(t, "kid-1")
	v, err := NewVerifier(Config{JWKSURL: p.url})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token := p.mint("kid-1", nil)

	cases := []struct {
		name    string
		target  string
		headers map[string]string
		ok      bool
	}{
		{"bearer header", "/tasks", map[string]string{"Authorization": "Bearer " + token}, true},
		{"lowercase scheme", "/tasks", map[string]string{"Authorization": "bearer " + token}, true},
		{"basic scheme", "/tasks", map[string]string{"Authorization": "Basic " + token}, false},
		{"query without upgrade", "/tasks?access_token=" + token, nil, false},
		{"query on upgrade", "/notifications/ws?access_token=" + token, map[string]string{"Upgrade": "websocket"}, true},
		{"nothing", "/tasks", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			for k, val := range tc.headers {
				req.Header.Set(k, val)
			}
			id, err := v.Authenticate(req)
			if tc.ok && (err != nil || id.OwnerID != "owner-1") {
				t.Fatalf("authenticate: id=%+v err=%v", id, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected rejection")
			}
		})
	}
}

func TestMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"":                           0,
		"no-store":                   0,
		"public, max-age=60":         time.Minute,
		"MAX-AGE=5, must-revalidate": 5 * time.Second,
		"max-age=abc":                0,
	}
	for header, want := range cases {
		if got := maxAge(header); got != want {
			t.Fatalf("maxAge(%q) = %v, want %v", header, got, want)
		}
	}
}

func TestIdentityContext(t *testing.T) {
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatalf("empty context must not carry an identity")
	}
	ctx := WithIdentity(context.Background(), Identity{OwnerID: "o"})
	if id, ok := IdentityFromContext(ctx); !ok || id.OwnerID != "o" {
		t.Fatalf("unexpected identity %+v", id)
	}
}
