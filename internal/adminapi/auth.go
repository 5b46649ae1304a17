package adminapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/botcore/internal/boterrs"
)

// requireBearer wraps next with admin-token authentication: every request
// must carry "Authorization: Bearer <token>" matching the configured admin
// token, compared with subtle.ConstantTimeCompare so that a candidate of
// the right length does not leak a matching prefix through a timing side
// channel. A candidate of a different length is rejected immediately, so
// the token length itself is not hidden.
func requireBearer(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		candidate := extractBearer(r)
		if candidate == "" || subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) != 1 {
			writeError(w, boterrs.New(boterrs.CodeAuthError, "missing or invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearer(r *http.Request) string {
	const prefix = "Bearer "
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
}
