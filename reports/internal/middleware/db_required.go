package middleware

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"report-evaluation-pipeline/shared/httpx"
)

type BrokerStatus interface {
	Connected() bool
}

// DependenciesMiddleware answers 503 before a handler runs when a backing
// service it needs is missing. Writes additionally need a connected broker,
// since every mutating route ends in a publish.
type DependenciesMiddleware struct {
	Pool   *pgxpool.Pool
	Broker BrokerStatus
	Skip   func(*http.Request) bool
}

func (m DependenciesMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Pool == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "database not configured", nil)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			if m.Broker == nil || !m.Broker.Connected() {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "message broker not connected", nil)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
