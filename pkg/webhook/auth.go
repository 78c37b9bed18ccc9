package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/httputil"
)

type contextKey string

const subjectKey contextKey = "subject"

// TokenVerifier checks a raw bearer token. *oidc.IDTokenVerifier satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// Authenticator guards routes with a bearer token
type Authenticator struct {
	verifier TokenVerifier
}

// NewAuthenticator wraps an existing verifier
func NewAuthenticator(verifier TokenVerifier) *Authenticator {
	return &Authenticator{verifier: verifier}
}

// NewOIDCAuthenticator discovers the issuer and verifies tokens issued for audience
func NewOIDCAuthenticator(ctx context.Context, issuer, audience string) (*Authenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return NewAuthenticator(provider.Verifier(&oidc.Config{ClientID: audience})), nil
}

// Subject returns the authenticated token subject, if any
func Subject(ctx context.Context) string {
	if s, ok := ctx.Value(subjectKey).(string); ok {
		return s
	}
	return ""
}

// Middleware rejects requests without a valid bearer token. A nil
// Authenticator lets everything through.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		token, err := a.verifier.Verify(r.Context(), parts[1])
		if err != nil {
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey, token.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
