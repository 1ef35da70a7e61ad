/*
auth.go - Principal extraction

PURPOSE:
  Session verification happens in the gateway in front of this service. The
  gateway forwards the verified principal in three headers:

    X-Subject-ID   auth subject id (required)
    X-User-Email   email used for identity resolution (optional)
    X-User-Role    admin | manager | employee (required)

  Missing subject: 401. Unknown role: 403. Per-task authorization is done by
  the engine.
*/
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/warp/staffdesk/recurring"
)

const (
	HeaderSubjectID = "X-Subject-ID"
	HeaderEmail     = "X-User-Email"
	HeaderRole      = "X-User-Role"
)

type principalKey struct{}

// RequirePrincipal rejects requests without a usable principal and stores it
// in the request context.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := recurring.Principal{
			SubjectID: strings.TrimSpace(r.Header.Get(HeaderSubjectID)),
			Email:     strings.TrimSpace(r.Header.Get(HeaderEmail)),
			Role:      recurring.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderRole)))),
		}
		if p.SubjectID == "" {
			writeError(w, http.StatusUnauthorized, "Missing principal", nil)
			return
		}
		if !p.Role.IsKnown() {
			writeError(w, http.StatusForbidden, "Unknown role", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p recurring.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by RequirePrincipal.
func PrincipalFrom(ctx context.Context) (recurring.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(recurring.Principal)
	return p, ok
}
