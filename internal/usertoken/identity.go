// Package usertoken authenticates end users from access tokens minted by the
// identity provider. Only verification lives here; issuing tokens belongs to
// the provider.
package usertoken

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when no usable credential is present.
var ErrUnauthenticated = errors.New("authentication required")

// Identity is the authenticated caller. OwnerID scopes every resource; the
// device id is informational and copied onto created records.
type Identity struct {
	OwnerID  string
	DeviceID string
}

// Authenticator resolves the caller of an HTTP request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.OwnerID != ""
}

// credential picks the raw token off a request. Browsers cannot set headers
// on a WebSocket handshake, so upgrades may carry it as access_token.
func credential(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if ok && strings.EqualFold(scheme, "bearer") {
		if token = strings.TrimSpace(token); token != "" {
			return token
		}
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}
