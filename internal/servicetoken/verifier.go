package servicetoken

import (
	"crypto/rsa"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Verifier validates internal service JWTs against audience and issuer
// allow-list.
type Verifier struct {
	audience string
	issuers  map[string]struct{}
	leeway   time.Duration
	keys     map[string]*rsa.PublicKey
	parser   *jwt.Parser
	seen     *jtiCache
}

// VerifierOptions configures internal service token verification.
type VerifierOptions struct {
	PublicKeyPath      string
	VerifyPublicKeyMap map[string]string
	DefaultKeyID       string
	Audience           string
	AllowedIssuers     []string
	Leeway             time.Duration
	// RejectReplay refuses a jti seen before within its lifetime.
	RejectReplay bool
}

func NewVerifierWithOptions(opts VerifierOptions) (*Verifier, error) {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("service token audience is required")
	}
	issuers := make(map[string]struct{})
	for _, iss := range opts.AllowedIssuers {
		if iss = strings.TrimSpace(iss); iss != "" {
			issuers[iss] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	defaultKid := strings.TrimSpace(opts.DefaultKeyID)
	if defaultKid == "" {
		defaultKid = DefaultKeyID
	}
	keys, err := loadKeyRing(opts.PublicKeyPath, defaultKid, opts.VerifyPublicKeyMap)
	if err != nil {
		return nil, err
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	v := &Verifier{
		audience: audience,
		issuers:  issuers,
		leeway:   leeway,
		keys:     keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithAudience(audience),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
	}
	if opts.RejectReplay {
		v.seen = &jtiCache{ids: make(map[string]time.Time)}
	}
	return v, nil
}

func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("token key id required")
	}
	pub, ok := v.keys[kid]
	if !ok {
		return nil, errUnknownKey
	}
	return pub, nil
}

// Verify validates signature, expiry, audience and issuer.
func (v *Verifier) Verify(token string) (Claims, error) {
	var claims Claims
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrTokenMissing
	}
	if _, err := v.parser.ParseWithClaims(token, &claims, v.keyFor); err != nil {
		return claims, err
	}
	if _, ok := v.issuers[claims.Issuer]; !ok {
		return claims, errIssuerBlocked
	}
	if err := claims.validateShape(); err != nil {
		return claims, err
	}
	if v.seen != nil && !v.seen.first(claims.ID, claims.ExpiresAt.Add(v.leeway)) {
		return claims, ErrTokenReplayed
	}
	return claims, nil
}

// Authorize verifies the request's bearer token and requires scope.
func (v *Verifier) Authorize(r *http.Request, scope string) (Claims, error) {
	token, ok := BearerToken(r)
	if !ok {
		return Claims{}, ErrTokenMissing
	}
	claims, err := v.Verify(token)
	if err != nil {
		return claims, err
	}
	if scope != "" && !claims.HasScope(scope) {
		return claims, ErrScopeMissing
	}
	return claims, nil
}

// jtiCache remembers token ids until they expire.
type jtiCache struct {
	mu    sync.Mutex
	ids   map[string]time.Time
	calls int
}

// first records id and reports whether it had not been seen.
func (c *jtiCache) first(id string, until time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.calls++
	if c.calls%256 == 0 {
		for k, exp := range c.ids {
			if now.After(exp) {
				delete(c.ids, k)
			}
		}
	}
	if exp, ok := c.ids[id]; ok && now.Before(exp) {
		return false
	}
	c.ids[id] = until
	return true
}
