package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// RoleStore is the source of truth for company roles.
type RoleStore interface {
	LookupRole(ctx context.Context, companyID, userID int64) (shared.ActorRole, error)
}

const noRole = "none"

// Authorizer answers capability questions for (actor, company) pairs. Roles
// are cached in Redis for a short TTL; cache failures fall through to the
// store.
type Authorizer struct {
	store  RoleStore
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewAuthorizer builds an Authorizer. A nil cache or a zero ttl disables
// caching.
func NewAuthorizer(store RoleStore, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{store: store, cache: cache, ttl: ttl, logger: logger}
}

// RoleFor returns the actor's role in the company or ErrUnauthorized.
func (a *Authorizer) RoleFor(ctx context.Context, actorID, companyID int64) (shared.ActorRole, error) {
	if actorID <= 0 {
		return "", shared.ErrUnauthenticated
	}
	role, err := a.lookup(ctx, companyID, actorID)
	if err != nil {
		return "", err
	}
	if role == "" {
		return "", fmt.Errorf("%w: user %d has no role in company %d", shared.ErrUnauthorized, actorID, companyID)
	}
	return role, nil
}

// RequireCompanyMember passes admins and members and returns the role.
func (a *Authorizer) RequireCompanyMember(ctx context.Context, actorID, companyID int64) (shared.ActorRole, error) {
	role, err := a.RoleFor(ctx, actorID, companyID)
	if err != nil {
		return "", err
	}
	if role != shared.RoleAdmin && role != shared.RoleMember {
		return "", fmt.Errorf("%w: company membership required", shared.ErrUnauthorized)
	}
	return role, nil
}

// RequireCompanyAdmin passes company admins only.
func (a *Authorizer) RequireCompanyAdmin(ctx context.Context, actorID, companyID int64) error {
	role, err := a.RoleFor(ctx, actorID, companyID)
	if err != nil {
		return err
	}
	if role != shared.RoleAdmin {
		return fmt.Errorf("%w: company admin required", shared.ErrUnauthorized)
	}
	return nil
}

// RequireVendorForCompany passes vendors assigned to the company.
func (a *Authorizer) RequireVendorForCompany(ctx context.Context, actorID, companyID int64) error {
	role, err := a.RoleFor(ctx, actorID, companyID)
	if err != nil {
		return err
	}
	if role != shared.RoleVendor {
		return fmt.Errorf("%w: vendor assignment required", shared.ErrUnauthorized)
	}
	return nil
}

// IsCompanyMember reports whether userID belongs to the company as an admin
// or member.
func (a *Authorizer) IsCompanyMember(ctx context.Context, companyID, userID int64) (bool, error) {
	role, err := a.lookup(ctx, companyID, userID)
	if err != nil {
		return false, err
	}
	return role == shared.RoleAdmin || role == shared.RoleMember, nil
}

// Invalidate drops the cached role after a membership change.
func (a *Authorizer) Invalidate(ctx context.Context, companyID, userID int64) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Del(ctx, roleKey(companyID, userID)).Err()
}

func (a *Authorizer) lookup(ctx context.Context, companyID, userID int64) (shared.ActorRole, error) {
	caching := a.cache != nil && a.ttl > 0
	key := roleKey(companyID, userID)
	if caching {
		cached, err := a.cache.Get(ctx, key).Result()
		switch {
		case err == nil:
			if cached == noRole {
				return "", nil
			}
			return shared.ActorRole(cached), nil
		case !errors.Is(err, redis.Nil):
			a.logger.Warn("role cache read", slog.String("key", key), slog.Any("error", err))
		}
	}
	role, err := a.store.LookupRole(ctx, companyID, userID)
	if err != nil {
		return "", err
	}
	if caching {
		value := string(role)
		if value == "" {
			value = noRole
		}
		if err := a.cache.Set(ctx, key, value, a.ttl).Err(); err != nil {
			a.logger.Warn("role cache write", slog.String("key", key), slog.Any("error", err))
		}
	}
	return role, nil
}

func roleKey(companyID, userID int64) string {
	return fmt.Sprintf("access:role:%d:%d", companyID, userID)
}
