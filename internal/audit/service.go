package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// TimelineParams is the query issued for one timeline page.
type TimelineParams struct {
	CompanyID  int64
	Entity     pgtype.Text
	EntityID   pgtype.Text
	Action     pgtype.Text
	ActorID    pgtype.Int8
	FromAt     pgtype.Timestamptz
	ToAt       pgtype.Timestamptz
	OffsetRows int32
	LimitRows  int32
}

// Repository reads audit records.
type Repository interface {
	Timeline(ctx context.Context, arg TimelineParams) ([]Entry, error)
}

// Authorizer restricts the history to company admins.
type Authorizer interface {
	RequireCompanyAdmin(ctx context.Context, actorID, companyID int64) error
}

// Service serves the read side of the audit sink.
type Service struct {
	repo  Repository
	authz Authorizer
}

// NewService builds the audit timeline service.
func NewService(repo Repository, authz Authorizer) *Service {
	return &Service{repo: repo, authz: authz}
}

// Timeline returns one page of a company's audit history, newest first.
func (s *Service) Timeline(ctx context.Context, actorID int64, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	if err := s.authz.RequireCompanyAdmin(ctx, actorID, filters.CompanyID); err != nil {
		return Result{}, err
	}
	if !filters.From.IsZero() && !filters.To.IsZero() && filters.To.Before(filters.From) {
		return Result{}, fmt.Errorf("%w: to precedes from", shared.ErrValidation)
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	params := TimelineParams{
		CompanyID:  filters.CompanyID,
		Entity:     optionalText(filters.Entity),
		EntityID:   optionalText(filters.EntityID),
		Action:     optionalText(strings.ToUpper(filters.Action)),
		ActorID:    optionalID(filters.ActorID),
		FromAt:     toPgTime(filters.From),
		ToAt:       toPgTime(filters.To),
		OffsetRows: int32((page - 1) * pageSize),
		LimitRows:  int32(pageSize + 1),
	}
	rows, err := s.repo.Timeline(ctx, params)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	if rows == nil {
		rows = []Entry{}
	}
	return Result{Rows: rows, Paging: paging}, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

func optionalID(id int64) pgtype.Int8 {
	if id <= 0 {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: id, Valid: true}
}
