package httpapi

import (
	"context"
	"net/http"
	"strings"

	"tierstore/internal/tierstore"
)

type callerKey struct{}

// Caller is who a request acts for.
type Caller struct {
	// OwnerID is empty for anonymous callers.
	OwnerID string
	Admin   bool
}

func callerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// canAccess reports whether the caller may read or delete rec.
func (c Caller) canAccess(rec *tierstore.FileRecord) bool {
	return c.Admin || rec.OwnerID == c.OwnerID
}

// identify resolves the caller from the owner and role headers.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := Caller{
			OwnerID: strings.TrimSpace(r.Header.Get(s.opts.OwnerHeader)),
			Admin:   strings.EqualFold(strings.TrimSpace(r.Header.Get(s.opts.RoleHeader)), "admin"),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

// rejectRevoked answers 401 to requests carrying a revoked token, from the
// token query parameter or an Authorization bearer header.
func (s *Server) rejectRevoked(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := requestToken(r)
		if token == "" || s.denylist == nil {
			next.ServeHTTP(w, r)
			return
		}
		revoked, err := s.denylist.IsRevoked(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if revoked {
			writeJSON(w, http.StatusUnauthorized, "token has been revoked", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
