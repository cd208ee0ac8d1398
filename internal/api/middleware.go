package api

import (
	"net/http"
	"strings"
)

// requireAuth wraps a handler with bearer-token verification. The
// authenticated subject is passed through as the third argument; a
// missing or invalid token yields 401 and the handler never runs.
func (h *Handler) requireAuth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		subject, err := h.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, subject)
	}
}
