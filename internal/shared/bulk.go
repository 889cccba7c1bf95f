package shared

// ItemResult reports the outcome of one item of a bulk operation.
type ItemResult struct {
	ID      int64  `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NewItemResult builds a result from the per-item error.
func NewItemResult(id int64, err error) ItemResult {
	if err != nil {
		return ItemResult{ID: id, Error: err.Error()}
	}
	return ItemResult{ID: id, Success: true}
}

// UniqueIDs drops zero and repeated IDs, keeping first-seen order.
func UniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
