package chi

import (
	"context"
	"net/http"
	"strings"

	"github.com/kailas-cloud/leasegate/internal/domain"
)

type credentialKey struct{}

// RequireCredential rejects requests without a well-formed Bearer agent
// credential and stores the raw token in the context. Signature checks
// happen in the services that own the signing secret.
func RequireCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, CodeInvalidCredential, "missing authorization header")
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(auth, bearerPrefix) {
			writeError(w, http.StatusUnauthorized, CodeInvalidCredential,
				"authorization header must use Bearer scheme")
			return
		}

		token := strings.TrimSpace(auth[len(bearerPrefix):])
		if token == "" || len(token) > domain.MaxCredentialLength {
			writeError(w, http.StatusUnauthorized, CodeInvalidCredential, "invalid credential")
			return
		}

		ctx := context.WithValue(r.Context(), credentialKey{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CredentialFromContext returns the credential stored by RequireCredential.
func CredentialFromContext(ctx context.Context) string {
	s, _ := ctx.Value(credentialKey{}).(string)
	return s
}
