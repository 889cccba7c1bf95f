package audit

import "time"

// TimelineFilters narrows the audit history of one company.
type TimelineFilters struct {
	CompanyID int64
	Entity    string
	EntityID  string
	Action    string
	ActorID   int64
	From      time.Time
	To        time.Time
	Page      int
	PageSize  int
}

// Entry is one audit record.
type Entry struct {
	ID        int64          `json:"id"`
	At        time.Time      `json:"at"`
	ActorID   int64          `json:"actor_id"`
	Action    string         `json:"action"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id"`
	OldValues map[string]any `json:"old_values,omitempty"`
	NewValues map[string]any `json:"new_values,omitempty"`
}

// PagingInfo is look-ahead pagination: HasNext is known without a count.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps a timeline page.
type Result struct {
	Rows   []Entry    `json:"rows"`
	Paging PagingInfo `json:"paging"`
}
