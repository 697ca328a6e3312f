// Package servicetoken issues and checks the RS256 tokens services present
// to each other: the recorder when it calls the processor, and the processor
// or operators when they call the recorder's internal routes.
package servicetoken

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTokenTTL = 60 * time.Second
	DefaultLeeway   = 15 * time.Second
	DefaultKeyID    = "internal-active"
)

// Scopes carried by internal tokens. The processor webhook and the admin
// settings surface each require their own scope.
const (
	ScopeProcessorCallback = "processor.callback"
	ScopeSettingsAdmin     = "settings.admin"
	ScopeProcessorSubmit   = "processor.submit"
)

var (
	ErrTokenMissing  = errors.New("service token required")
	ErrScopeMissing  = errors.New("service token lacks required scope")
	ErrTokenReplayed = errors.New("service token already used")
	errUnknownKey    = errors.New("unknown token key")
	errIssuerBlocked = errors.New("issuer not allowed")
)

// Claims are the registered JWT claims plus a space separated scope list.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// HasScope reports whether scope is listed in the token.
func (c Claims) HasScope(scope string) bool {
	return slices.Contains(strings.Fields(c.Scope), scope)
}

func (c Claims) validateShape() error {
	switch {
	case c.ID == "":
		return errors.New("jti required")
	case strings.TrimSpace(c.Subject) == "":
		return errors.New("subject required")
	case c.ExpiresAt == nil:
		return errors.New("exp required")
	}
	return nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
