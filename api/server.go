/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. Logger:     zap request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Timeout:    Per-request deadline, propagated into the store
  5. CORS:       Cross-origin requests

ROUTE GROUPS:
  /api/transactions/*           Apply, cancel, list
  /api/summaries/*              Batch completion gate
  /api/budgets/*                Budgets and expense class totals
  /api/ledgers, /api/funds      Reference data
  /api/group-fund-fiscal-years  Group links
  /health                       Liveness

TENANCY:
  Every /api route requires the X-Okapi-Tenant header.

SECURITY NOTE:
  No authentication middleware. The service is expected to sit behind a
  gateway that authenticates and sets the tenant header.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/finance-engine/finance"
)

// TenantHeader carries the tenant id on every API request.
const TenantHeader = "X-Okapi-Tenant"

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	RequestTimeout time.Duration
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", TenantHeader},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(requireTenant)

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Post("/batch", h.ApplyBatch)
			r.Post("/{id}/cancel", h.CancelTransaction)
		})

		// Batch summary routes
		r.Route("/summaries", func(r chi.Router) {
			r.Post("/", h.CreateSummary)
			r.Get("/{stage}/{id}", h.GetSummary)
		})

		// Budget routes
		r.Route("/budgets", func(r chi.Router) {
			r.Get("/", h.FindBudget)
			r.Post("/", h.CreateBudget)
			r.Get("/{id}", h.GetBudget)
			r.Delete("/{id}", h.DeleteBudget)
			r.Get("/{id}/expense-classes", h.GetExpenseClassTotals)
		})

		// Reference data routes
		r.Post("/ledgers", h.CreateLedger)
		r.Post("/funds", h.CreateFund)
		r.Post("/group-fund-fiscal-years", h.LinkGroupFundFiscalYear)
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type tenantKey struct{}

// requireTenant rejects API requests without a tenant header.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			writeError(w, http.StatusBadRequest, "Missing "+TenantHeader+" header", nil)
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey{}, finance.TenantID(tenant))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFrom(ctx context.Context) finance.TenantID {
	tenant, _ := ctx.Value(tenantKey{}).(finance.TenantID)
	return tenant
}

// requestLogger logs one line per request through zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				}
				if tenant := r.Header.Get(TenantHeader); tenant != "" {
					fields = append(fields, zap.String("tenant", tenant))
				}
				switch {
				case ww.Status() >= 500:
					logger.Error("request", fields...)
				case ww.Status() >= 400:
					logger.Warn("request", fields...)
				default:
					logger.Info("request", fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
