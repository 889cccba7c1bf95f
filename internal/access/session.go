package access

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// SessionResolver resolves the acting user from the session cookie. Sessions
// are written by the login service as JSON under "session:<id>".
type SessionResolver struct {
	client     *redis.Client
	cookieName string
}

type sessionPayload struct {
	UserID string `json:"user_id"`
}

// NewSessionResolver builds a resolver reading cookieName.
func NewSessionResolver(client *redis.Client, cookieName string) *SessionResolver {
	return &SessionResolver{client: client, cookieName: cookieName}
}

// RequireActor returns the user ID bound to the request's session.
func (s *SessionResolver) RequireActor(r *http.Request) (int64, error) {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return 0, fmt.Errorf("%w: no session", shared.ErrUnauthenticated)
	}
	raw, err := s.client.Get(r.Context(), sessionKey(cookie.Value)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("%w: session expired", shared.ErrUnauthenticated)
		}
		return 0, fmt.Errorf("access: load session: %w", err)
	}
	var payload sessionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, fmt.Errorf("%w: malformed session", shared.ErrUnauthenticated)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(payload.UserID), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: session has no user", shared.ErrUnauthenticated)
	}
	return id, nil
}

func sessionKey(id string) string {
	return "session:" + id
}
