package admin

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const auditScope = "gattc:audit:read"

// NewRouter returns a configured chi.Router for the admin introspection API.
//
// Route layout:
//
//	GET /healthz              – liveness probe (no authentication required)
//	GET /api/v1/connections   – live CLCB snapshot (JWT required)
//	GET /api/v1/peers         – cached server-record snapshot (JWT required)
//	GET /api/v1/audit         – audit log query (JWT + "gattc:audit:read" scope)
//
// pubKey verifies RS256 Bearer tokens on all /api routes. Pass nil to
// disable JWT validation (tests covering only request parsing/response
// formatting); the audit scope check is skipped along with it, since it has
// no claims to read without a validated token.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/connections", srv.handleGetConnections)
		r.Get("/peers", srv.handleGetPeers)

		r.Group(func(r chi.Router) {
			if pubKey != nil {
				r.Use(RequireScope(auditScope))
			}
			r.Get("/audit", srv.handleGetAudit)
		})
	})

	return r
}
