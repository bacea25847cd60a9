package account

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oralhealth/intake/internal/platform/auth"
)

var (
	principalCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oralhealth_auth_cache_hits_total",
		Help: "Principal lookups served from the auth cache.",
	})
	principalCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oralhealth_auth_cache_misses_total",
		Help: "Principal lookups that went to the account store.",
	})
)

// PrincipalCache resolves token subjects to principals through a short-TTL
// LRU in front of the account repository.
type PrincipalCache struct {
	repo  Repository
	cache *expirable.LRU[string, *auth.Principal]
}

func NewPrincipalCache(repo Repository, size int, ttl time.Duration) *PrincipalCache {
	return &PrincipalCache{
		repo:  repo,
		cache: expirable.NewLRU[string, *auth.Principal](size, nil, ttl),
	}
}

func (c *PrincipalCache) ResolvePrincipal(ctx context.Context, id string) (*auth.Principal, error) {
	if p, ok := c.cache.Get(id); ok {
		principalCacheHits.Inc()
		return p, nil
	}
	principalCacheMisses.Inc()

	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, auth.ErrPrincipalNotFound
	}
	a, err := c.repo.GetByID(ctx, uid)
	if errors.Is(err, ErrNotFound) {
		return nil, auth.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, err
	}

	p := a.Principal()
	c.cache.Add(id, p)
	return p, nil
}

func (c *PrincipalCache) Invalidate(id string) {
	c.cache.Remove(id)
}

func (c *PrincipalCache) Len() int { return c.cache.Len() }
