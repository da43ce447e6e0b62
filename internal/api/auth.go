package api

import (
	"context"
	"net/http"
	"strings"

	"enginehub/internal/storage"
)

type contextKey string

const ownerKey contextKey = "owner"

// RequireIdentity extracts the verified owner identity supplied by the
// external auth collaborator via the X-User-ID header. Requests without an
// identity are rejected; this layer never does credential checking itself.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if owner == "" {
			httpError(w, http.StatusUnauthorized, "authentication_error", "missing user identity")
			return
		}
		if owner == storage.SystemOwner {
			// Reserved for the shared fallback engine's internal owner;
			// accepting it would let a caller read or mutate that engine.
			httpError(w, http.StatusForbidden, "permission_error", "reserved user identity")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, owner)))
	})
}

// ownerFrom returns the verified owner id placed by RequireIdentity.
func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey).(string)
	return owner
}
