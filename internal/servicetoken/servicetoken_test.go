package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type keyPair struct {
	private    *rsa.PrivateKey
	privatePEM string
	publicPEM  string
}

func newKeyPair(t *testing.T, name string) keyPair {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	kp := keyPair{
		private:    key,
		privatePEM: filepath.Join(dir, name+".pem"),
		publicPEM:  filepath.Join(dir, name+".pub.pem"),
	}
	// PKCS#8 here; the server tests exercise PKCS#1.
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal private: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	if err := os.WriteFile(kp.privatePEM, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(kp.publicPEM, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return kp
}

func (kp keyPair) signer(t *testing.T, kid, issuer string) *Signer {
	t.Helper()
	s, err := NewSignerWithOptions(SignerOptions{PrivateKeyPath: kp.privatePEM, KeyID: kid, Issuer: issuer})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func verifierFor(t *testing.T, opts VerifierOptions) *Verifier {
	t.Helper()
	if opts.Audience == "" {
		opts.Audience = "recorder"
	}
	if opts.AllowedIssuers == nil {
		opts.AllowedIssuers = []string{"processor"}
	}
	v, err := NewVerifierWithOptions(opts)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestAuthorizeChecksScope(t *testing.T) {
	kp := newKeyPair(t, "scope")
	v := verifierFor(t, VerifierOptions{PublicKeyPath: kp.publicPEM})
	token, err := kp.signer(t, "", "processor").Sign("recorder", ScopeProcessorCallback)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest("POST", "/internal/processor/callback", nil)
	req.Header.Set("Authorization", "bearer "+token)

	claims, err := v.Authorize(req, ScopeProcessorCallback)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if claims.Subject != "processor" || !claims.HasScope(ScopeProcessorCallback) {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := v.Authorize(req, ScopeSettingsAdmin); !errors.Is(err, ErrScopeMissing) {
		t.Fatalf("expected scope error, got %v", err)
	}
	if _, err := v.Authorize(httptest.NewRequest("GET", "/", nil), ""); !errors.Is(err, ErrTokenMissing) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	kp := newKeyPair(t, "main")
	other := newKeyPair(t, "other")
	v := verifierFor(t, VerifierOptions{PublicKeyPath: kp.publicPEM, Leeway: time.Second})

	forge := func(kid string, key *rsa.PrivateKey, mutate func(*Claims)) string {
		now := time.Now()
		c := Claims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "processor",
			Subject:   "processor",
			Audience:  jwt.ClaimStrings{"recorder"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			ID:        "jti-1",
		}}
		if mutate != nil {
			mutate(&c)
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
		if kid != "" {
			tok.Header["kid"] = kid
		}
		signed, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return signed
	}

	cases := []struct {
		name  string
		token string
	}{
		{"wrong audience", forge(DefaultKeyID, kp.private, func(c *Claims) { c.Audience = jwt.ClaimStrings{"processor"} })},
		{"blocked issuer", forge(DefaultKeyID, kp.private, func(c *Claims) { c.Issuer = "stranger" })},
		{"unknown kid", forge("kid-9", kp.private, nil)},
		{"missing kid", forge("", kp.private, nil)},
		{"foreign key", forge(DefaultKeyID, other.private, nil)},
		{"future iat", forge(DefaultKeyID, kp.private, func(c *Claims) { c.IssuedAt = jwt.NewNumericDate(time.Now().Add(time.Hour)) })},
		{"expired", forge(DefaultKeyID, kp.private, func(c *Claims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour)) })},
		{"no exp", forge(DefaultKeyID, kp.private, func(c *Claims) { c.ExpiresAt = nil })},
		{"no jti", forge(DefaultKeyID, kp.private, func(c *Claims) { c.ID = "" })},
		{"no subject", forge(DefaultKeyID, kp.private, func(c *Claims) { c.Subject = "" })},
	}
	for _, tc := range cases {
		if _, err := v.Verify(tc.token); err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
	}
	if _, err := v.Verify(forge(DefaultKeyID, kp.private, nil)); err != nil {
		t.Fatalf("baseline token rejected: %v", err)
	}
}

func TestVerifierKeyRotation(t *testing.T) {
	oldKey := newKeyPair(t, "old")
	newKey := newKeyPair(t, "new")
	v := verifierFor(t, VerifierOptions{VerifyPublicKeyMap: map[string]string{
		"k-old": oldKey.publicPEM,
		"k-new": newKey.publicPEM,
	}})
	for _, s := range []*Signer{oldKey.signer(t, "k-old", "processor"), newKey.signer(t, "k-new", "processor")} {
		token, err := s.Sign("recorder")
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := v.Verify(token); err != nil {
			t.Fatalf("verify: %v", err)
		}
	}
	crossed, _ := oldKey.signer(t, "k-new", "processor").Sign("recorder")
	if _, err := v.Verify(crossed); err == nil {
		t.Fatalf("token signed by the wrong key for its kid must fail")
	}
}

func TestVerifierRejectsReplay(t *testing.T) {
	kp := newKeyPair(t, "replay")
	v := verifierFor(t, VerifierOptions{PublicKeyPath: kp.publicPEM, RejectReplay: true})
	s := kp.signer(t, "", "processor")
	token, _ := s.Sign("recorder")
	if _, err := v.Verify(token); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := v.Verify(token); !errors.Is(err, ErrTokenReplayed) {
		t.Fatalf("expected replay error, got %v", err)
	}
	fresh, _ := s.Sign("recorder")
	if _, err := v.Verify(fresh); err != nil {
		t.Fatalf("fresh token: %v", err)
	}
}

func TestConstructorValidation(t *testing.T) {
	kp := newKeyPair(t, "ctor")
	if _, err := NewSignerWithOptions(SignerOptions{Issuer: "processor"}); err == nil {
		t.Fatalf("signer without key path must fail")
	}
	if _, err := NewSignerWithOptions(SignerOptions{PrivateKeyPath: kp.privatePEM}); err == nil {
		t.Fatalf("signer without issuer must fail")
	}
	if _, err := NewVerifierWithOptions(VerifierOptions{Audience: "recorder", AllowedIssuers: []string{"p"}}); err == nil {
		t.Fatalf("verifier without keys must fail")
	}
	if _, err := NewVerifierWithOptions(VerifierOptions{PublicKeyPath: kp.publicPEM, Audience: "recorder"}); err == nil {
		t.Fatalf("verifier without issuers must fail")
	}
}

func TestParseVerifyPublicKeys(t *testing.T) {
	keys, err := ParseVerifyPublicKeys(" a=/k/a.pem , b=/k/b.pem,")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(keys) != 2 || keys["a"] != "/k/a.pem" || keys["b"] != "/k/b.pem" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if keys, err := ParseVerifyPublicKeys("  "); err != nil || keys != nil {
		t.Fatalf("empty input = %v, %v", keys, err)
	}
	for _, bad := range []string{"novalue", "=path", "kid="} {
		if _, err := ParseVerifyPublicKeys(bad); err == nil {
			t.Fatalf("%q should fail", bad)
		}
	}
}
