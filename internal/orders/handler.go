package orders

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-spend/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// Handler exposes order endpoints.
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

// MountRoutes registers order routes. bulk wraps the bulk endpoints with a
// stricter limiter when set.
func (h *Handler) MountRoutes(r chi.Router, bulk func(http.Handler) http.Handler) {
	r.Post("/companies/{companyID}/orders", h.create)
	r.Get("/companies/{companyID}/orders", h.list)
	r.Group(func(r chi.Router) {
		if bulk != nil {
			r.Use(bulk)
		}
		r.Post("/orders/bulk/approve", h.bulkApprove)
		r.Post("/orders/bulk/status", h.bulkStatus)
	})
	r.Get("/orders/{orderID}", h.get)
	r.Post("/orders/{orderID}/approve", h.approve)
	r.Post("/orders/{orderID}/reject", h.reject)
	r.Post("/orders/{orderID}/cancel", h.cancel)
	r.Post("/orders/{orderID}/status", h.updateStatus)
	r.Patch("/orders/{orderID}/notes", h.updateNotes)
}

type createRequest struct {
	PaymentSource string `json:"payment_source" validate:"omitempty,oneof=company_budget personal"`
	Notes         string `json:"notes" validate:"max=2000"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason" validate:"max=1000"`
}

type notesRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

type bulkApproveRequest struct {
	OrderIDs []int64 `json:"order_ids" validate:"required,min=1,max=200,dive,gt=0"`
}

type bulkStatusRequest struct {
	OrderIDs []int64 `json:"order_ids" validate:"required,min=1,max=200,dive,gt=0"`
	Status   string  `json:"status" validate:"required"`
	Reason   string  `json:"reason" validate:"max=1000"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
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
	var req createRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.CreateFromCart(r.Context(), actorID, CreateOrderInput{
		CompanyID:     companyID,
		PaymentSource: shared.PaymentSource(req.PaymentSource),
		Notes:         req.Notes,
	})
	if err != nil {
		h.respond(w, "create order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
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
	filter := ListFilter{CompanyID: companyID}
	filter.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	filter.PerPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := shared.ParseOrderStatus(strings.TrimSpace(part))
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	list, page, err := h.service.List(r.Context(), actorID, filter)
	if err != nil {
		h.respond(w, "list orders", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orders": list, "pagination": page})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actorID, orderID, ok := h.actorAndOrder(w, r)
	if !ok {
		return
	}
	order, err := h.service.Get(r.Context(), actorID, orderID)
	if err != nil {
		h.respond(w, "get order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	actorID, orderID, ok := h.actorAndOrder(w, r)
	if !ok {
		return
	}
	order, err := h.service.Approve(r.Context(), actorID, orderID)
	if err != nil {
		h.respond(w, "approve order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	actorID, orderID, ok := h.actorAndOrder(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.Reject(r.Context(), actorID, orderID, req.Reason)
	if err != nil {
		h.respond(w, "reject order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	actorID, orderID, ok := h.actorAndOrder(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	order, err := h.service.Cancel(r.Context(), actorID, orderID, req.Reason)
	if err != nil {
		h.respond(w, "cancel order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	actorID, orderID, ok := h.actorAndOrder(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.UpdateStatus(r.Context(), actorID, orderID, shared.OrderStatus(req.Status), req.Reason)
	if err != nil {
		h.respond(w, "update order status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) updateNotes(w http.ResponseWriter, r *http.Request) {
	actorID, orderID, ok := h.actorAndOrder(w, r)
	if !ok {
		return
	}
	var req notesRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.UpdateNotes(r.Context(), actorID, orderID, req.Notes)
	if err != nil {
		h.respond(w, "update order notes", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) bulkApprove(w http.ResponseWriter, r *http.Request) {
	actorID, err := h.actors.RequireActor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req bulkApproveRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	results, err := h.service.BulkApprove(r.Context(), actorID, req.OrderIDs)
	if err != nil {
		h.respond(w, "bulk approve", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) bulkStatus(w http.ResponseWriter, r *http.Request) {
	actorID, err := h.actors.RequireActor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req bulkStatusRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	results, err := h.service.BulkUpdateStatus(r.Context(), actorID, req.OrderIDs, shared.OrderStatus(req.Status), req.Reason)
	if err != nil {
		h.respond(w, "bulk update status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) actorAndOrder(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	actorID, err := h.actors.RequireActor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return 0, 0, false
	}
	orderID, err := httpx.PathID(r, "orderID")
	if err != nil {
		httpx.RespondError(w, err)
		return 0, 0, false
	}
	return actorID, orderID, true
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
