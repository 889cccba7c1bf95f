package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-spend/internal/audit"
	"github.com/odyssey-erp/odyssey-spend/internal/budgets"
	"github.com/odyssey-erp/odyssey-spend/internal/observability"
	"github.com/odyssey-erp/odyssey-spend/internal/orders"
	"github.com/odyssey-erp/odyssey-spend/internal/purchaseorders"
	"github.com/odyssey-erp/odyssey-spend/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger               *slog.Logger
	Config               *Config
	BudgetHandler        *budgets.Handler
	OrderHandler         *orders.Handler
	PurchaseOrderHandler *purchaseorders.Handler
	AuditHandler         *audit.Handler
	JobHandler           *jobs.Handler
	Metrics              *observability.Metrics
}

// NewRouter constructs the chi.Router with the API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	bulk := BulkLimiter(params.Config)
	r.Route("/api/v1", func(r chi.Router) {
		if params.BudgetHandler != nil {
			params.BudgetHandler.MountRoutes(r, bulk)
		}
		if params.OrderHandler != nil {
			params.OrderHandler.MountRoutes(r, bulk)
		}
		if params.PurchaseOrderHandler != nil {
			params.PurchaseOrderHandler.MountRoutes(r)
		}
		if params.AuditHandler != nil {
			params.AuditHandler.MountRoutes(r)
		}
	})

	return r
}
