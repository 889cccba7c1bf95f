package purchaseorders

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-spend/internal/platform/httpx"
)

// Handler exposes purchase order endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	actors    httpx.ActorResolver
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, actors httpx.ActorResolver) *Handler {
	return &Handler{logger: logger, service: service, actors: actors, validator: httpx.NewValidator()}
}

// MountRoutes registers purchase order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/companies/{companyID}/purchase-orders", h.list)
	r.Get("/purchase-orders/{poID}", h.get)
	r.Patch("/purchase-orders/{poID}/items/{itemID}", h.updateItem)
}

type itemStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending art_proof approved in_production completed"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
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
	filter := ListFilter{CompanyID: companyID, Status: Status(r.URL.Query().Get("status"))}
	filter.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	filter.PerPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))
	list, page, err := h.service.List(r.Context(), actorID, filter)
	if err != nil {
		h.respond(w, "list purchase orders", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"purchase_orders": list, "pagination": page})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actorID, err := h.actors.RequireActor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	poID, err := httpx.PathID(r, "poID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	po, err := h.service.Get(r.Context(), actorID, poID)
	if err != nil {
		h.respond(w, "get purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	actorID, err := h.actors.RequireActor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	poID, err := httpx.PathID(r, "poID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	itemID, err := httpx.PathID(r, "itemID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req itemStatusRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	po, err := h.service.UpdateItemStatus(r.Context(), actorID, poID, itemID, ItemStatus(req.Status))
	if err != nil {
		h.respond(w, "update purchase order item", err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
