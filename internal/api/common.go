package api

import (
	"net/http"
	"strconv"

	"github.com/ignite/mailhub/internal/auth"
	"github.com/ignite/mailhub/internal/pkg/httputil"

	"github.com/go-chi/chi/v5"
)

// claims extracts the authenticated identity. The auth middleware
// guarantees it is present on every protected route.
func claims(r *http.Request) *auth.Claims {
	c, _ := auth.FromContext(r.Context())
	return c
}

// scopeID returns the owner filter for store lookups: admins see
// everything, everyone else only their own rows.
func scopeID(c *auth.Claims) int64 {
	if c.IsAdmin {
		return 0
	}
	return c.UserID
}

// pathID parses a numeric URL parameter; writes a 400 and returns false on
// garbage.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid "+name)
		return 0, false
	}
	return id, true
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
