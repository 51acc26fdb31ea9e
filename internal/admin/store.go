// Package admin provides the read-only introspection HTTP API over a live
// gattc.Engine: a chi router, RS256 JWT middleware, and handlers for
// connection/peer listing and audit log queries.
package admin

import (
	"context"

	"github.com/openbt/gattcore/internal/gattc"
)

// EngineStore is the subset of *gattc.Engine used by the admin handlers.
// Defined as an interface so handlers can be tested without a running
// engine.
type EngineStore interface {
	Snapshot(ctx context.Context) (gattc.EngineSnapshot, error)
}
