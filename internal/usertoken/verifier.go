package usertoken

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer   = "recapai-auth"
	DefaultAudience = "recapai-api"
	DefaultLeeway   = 30 * time.Second
)

var errUnknownKey = errors.New("unknown token key")

type accessClaims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"did,omitempty"`
}

// Config configures user access-token verification.
type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Verifier checks RS256 access tokens against the provider's JWKS.
type Verifier struct {
	parser *jwt.Parser
	keys   *keySet
}

// NewVerifier fetches the key set once so a misconfigured URL fails at
// startup rather than on the first request.
func NewVerifier(cfg Config) (*Verifier, error) {
	url := strings.TrimSpace(cfg.JWKSURL)
	if url == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = DefaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}

	v := &Verifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
		keys: &keySet{url: url, client: client, now: time.Now},
	}
	if err := v.keys.fetch(context.Background()); err != nil {
		return nil, err
	}
	return v, nil
}

// Authenticate resolves the request's bearer token.
func (v *Verifier) Authenticate(r *http.Request) (Identity, error) {
	token := credential(r)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	return v.Verify(r.Context(), token)
}

// Verify validates token and returns the identity it carries. A token signed
// by a key the cache has not seen yet triggers one refresh and a retry.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	c, err := v.parse(token)
	if err != nil {
		missing := errors.Is(err, errUnknownKey)
		if !v.keys.shouldRefresh(missing) {
			return Identity{}, err
		}
		if refreshErr := v.keys.refresh(ctx); refreshErr != nil {
			return Identity{}, refreshErr
		}
		if c, err = v.parse(token); err != nil {
			return Identity{}, err
		}
	}
	owner := strings.TrimSpace(c.Subject)
	if owner == "" {
		return Identity{}, errors.New("token subject missing")
	}
	return Identity{OwnerID: owner, DeviceID: strings.TrimSpace(c.DeviceID)}, nil
}

func (v *Verifier) parse(token string) (*accessClaims, error) {
	c := &accessClaims{}
	_, err := v.parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if key, ok := v.keys.get(kid); ok {
			return key, nil
		}
		return nil, errUnknownKey
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
