package budgets

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-spend/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// Handler exposes budget endpoints.
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

// MountRoutes registers budget routes. bulk wraps the bulk endpoint with a
// stricter limiter when set.
func (h *Handler) MountRoutes(r chi.Router, bulk func(http.Handler) http.Handler) {
	r.Get("/periods", h.previewPeriod)
	r.Post("/companies/{companyID}/budgets", h.createBudget)
	r.Get("/companies/{companyID}/budgets", h.listBudgets)
	r.Get("/companies/{companyID}/availability", h.checkAvailability)
	r.Get("/budgets/{budgetID}", h.summary)
	r.Patch("/budgets/{budgetID}", h.updateBudget)
	r.Post("/budgets/{budgetID}/status", h.setStatus)
	r.Post("/budgets/{budgetID}/allocations", h.allocate)
	r.Patch("/allocations/{allocationID}", h.updateAllocation)
	r.Group(func(r chi.Router) {
		if bulk != nil {
			r.Use(bulk)
		}
		r.Post("/budgets/{budgetID}/allocations/bulk", h.bulkAllocate)
	})
}

type createBudgetRequest struct {
	PeriodType  string          `json:"period_type" validate:"required,oneof=monthly quarterly yearly"`
	TotalBudget decimal.Decimal `json:"total_budget"`
	PeriodStart *time.Time      `json:"period_start,omitempty"`
}

type updateBudgetRequest struct {
	TotalBudget decimal.Decimal `json:"total_budget"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=completed cancelled"`
}

type allocateRequest struct {
	MemberID int64           `json:"member_id" validate:"required,gt=0"`
	Amount   decimal.Decimal `json:"amount"`
}

type bulkAllocateRequest struct {
	MemberIDs []int64         `json:"member_ids" validate:"required,min=1,max=500,dive,gt=0"`
	Amount    decimal.Decimal `json:"amount"`
}

type updateAllocationRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type periodResponse struct {
	PeriodType  PeriodType `json:"period_type"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
	LastInstant time.Time  `json:"last_instant"`
}

func (h *Handler) previewPeriod(w http.ResponseWriter, r *http.Request) {
	pt, err := ParsePeriodType(r.URL.Query().Get("type"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	anchor := time.Now().UTC()
	if raw := r.URL.Query().Get("anchor"); raw != "" {
		anchor, err = parseAnchor(raw)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	window, err := PeriodBounds(pt, anchor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, periodResponse{PeriodType: pt, PeriodStart: window.Start, PeriodEnd: window.End, LastInstant: window.LastInstant()})
}

func parseAnchor(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: anchor must be RFC3339 or YYYY-MM-DD", shared.ErrValidation)
	}
	return t, nil
}

func (h *Handler) createBudget(w http.ResponseWriter, r *http.Request) {
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
	var req createBudgetRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := CreateBudgetInput{CompanyID: companyID, PeriodType: PeriodType(req.PeriodType), TotalBudget: req.TotalBudget}
	if req.PeriodStart != nil {
		input.Anchor = *req.PeriodStart
	}
	budget, err := h.service.CreateBudget(r.Context(), actorID, input)
	if err != nil {
		h.respond(w, "create budget", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, budget)
}

func (h *Handler) listBudgets(w http.ResponseWriter, r *http.Request) {
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
	list, err := h.service.ListBudgets(r.Context(), actorID, companyID, Status(r.URL.Query().Get("status")))
	if err != nil {
		h.respond(w, "list budgets", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"budgets": list})
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	actorID, err := h.actors.RequireActor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	budgetID, err := httpx.PathID(r, "budgetID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	summary, err := h.service.Summary(r.Context(), actorID, budgetID)
	if err != nil {
		h.respond(w, "budget summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) updateBudget(w http.ResponseWriter, r *http.Request) {
	actorID, err := h.actors.RequireActor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	budgetID, err := httpx.PathID(r, "budgetID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updateBudgetRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	budget, err := h.service.UpdateBudgetTotal(r.Context(), actorID, budgetID, req.TotalBudget)
	if err != nil {
		h.respond(w, "update budget", err)
		return
	}
	httpx.JSON(w, http.StatusOK, budget)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	actorID, err := h.actors.RequireActor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	budgetID, err := httpx.PathID(r, "budgetID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req statusRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	budget, err := h.service.SetBudgetStatus(r.Context(), actorID, budgetID, Status(req.Status))
	if err != nil {
		h.respond(w, "set budget status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, budget)
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	actorID, err := h.actors.RequireActor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	budgetID, err := httpx.PathID(r, "budgetID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req allocateRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	alloc, err := h.service.Allocate(r.Context(), actorID, AllocateInput{BudgetID: budgetID, MemberID: req.MemberID, Amount: req.Amount})
	if err != nil {
		h.respond(w, "allocate", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, alloc)
}

func (h *Handler) bulkAllocate(w http.ResponseWriter, r *http.Request) {
	actorID, err := h.actors.RequireActor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	budgetID, err := httpx.PathID(r, "budgetID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req bulkAllocateRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	results, err := h.service.BulkAllocate(r.Context(), actorID, budgetID, req.MemberIDs, req.Amount)
	if err != nil {
		h.respond(w, "bulk allocate", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) updateAllocation(w http.ResponseWriter, r *http.Request) {
	actorID, err := h.actors.RequireActor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	allocationID, err := httpx.PathID(r, "allocationID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updateAllocationRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	alloc, err := h.service.UpdateAllocation(r.Context(), actorID, allocationID, req.Amount)
	if err != nil {
		h.respond(w, "update allocation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, alloc)
}

func (h *Handler) checkAvailability(w http.ResponseWriter, r *http.Request) {
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
	memberID, err := httpx.QueryInt64(r, "member_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	amount := decimal.Zero
	if raw := r.URL.Query().Get("amount"); raw != "" {
		amount, err = decimal.NewFromString(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid amount %q", shared.ErrValidation, raw))
			return
		}
	}
	out, err := h.service.CheckAvailability(r.Context(), actorID, AvailabilityRequest{
		CompanyID:  companyID,
		MemberID:   memberID,
		PeriodType: PeriodType(r.URL.Query().Get("period_type")),
		Amount:     amount,
	})
	if err != nil {
		h.respond(w, "check availability", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
