package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-spend/internal/platform/httpx"
)

// Handler serves the audit history endpoint.
type Handler struct {
	logger  *slog.Logger
	service *Service
	actors  httpx.ActorResolver
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, actors httpx.ActorResolver) *Handler {
	return &Handler{logger: logger, service: service, actors: actors}
}

// MountRoutes registers the audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/companies/{companyID}/audit", h.timeline)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	actorID, err := h.actors.RequireActor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	companyID, err := httpx.PathID(r, "companyID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	filters := TimelineFilters{
		CompanyID: companyID,
		Entity:    q.Get("entity"),
		EntityID:  q.Get("entity_id"),
		Action:    q.Get("action"),
	}
	if filters.ActorID, err = httpx.QueryInt64(r, "actor_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters.From = parseDate(q.Get("from"))
	filters.To = parseDate(q.Get("to"))
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	result, err := h.service.Timeline(r.Context(), actorID, filters)
	if err != nil {
		h.logger.Warn("audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func parseDate(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t
	}
	return time.Time{}
}
