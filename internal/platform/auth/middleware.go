package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	claimsKey    contextKey = "claims"
)

const (
	RolePatient = "patient"
	RoleAdmin   = "admin"

	StatusActive   = "active"
	StatusInactive = "inactive"
)

// ErrPrincipalNotFound is returned by a PrincipalResolver when the token
// subject no longer exists.
var ErrPrincipalNotFound = errors.New("principal not found")

// Principal is the authenticated caller attached to a request.
type Principal struct {
	ID      string
	LoginID string
	Role    string
	Status  string
}

func (p *Principal) IsAdmin() bool { return p != nil && p.Role == RoleAdmin }

// Owns reports whether ref names the principal, either by canonical id or
// by login id.
func (p *Principal) Owns(ref string) bool {
	return p != nil && ref != "" && (ref == p.ID || ref == p.LoginID)
}

// PrincipalResolver loads the current state of a token subject.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, id string) (*Principal, error)
}

// Gate verifies bearer tokens and resolves them to principals.
type Gate struct {
	tokens   *TokenManager
	revoked  RevocationStore
	resolver PrincipalResolver
}

func NewGate(tokens *TokenManager, revoked RevocationStore, resolver PrincipalResolver) *Gate {
	return &Gate{tokens: tokens, revoked: revoked, resolver: resolver}
}

// Tokens exposes the token manager used by the gate.
func (g *Gate) Tokens() *TokenManager { return g.tokens }

// Authenticate rejects requests without a valid, unrevoked bearer token for
// an existing active account.
func (g *Gate) Authenticate() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, err := BearerToken(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			ctx := c.Request().Context()
			claims, principal, err := g.Resolve(ctx, raw)
			if err != nil {
				return toHTTPError(err)
			}

			c.SetRequest(c.Request().WithContext(WithPrincipal(ctx, principal, claims)))
			return next(c)
		}
	}
}

// OptionalAuthenticate attaches the principal when a usable token is
// present and otherwise lets the request through anonymously.
func (g *Gate) OptionalAuthenticate() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, err := BearerToken(c.Request())
			if err != nil {
				return next(c)
			}
			ctx := c.Request().Context()
			if claims, principal, err := g.Resolve(ctx, raw); err == nil {
				c.SetRequest(c.Request().WithContext(WithPrincipal(ctx, principal, claims)))
			} else if claims, perr := g.tokens.Parse(raw); perr == nil {
				// Keep the claims so logout can still revoke the jti.
				c.SetRequest(c.Request().WithContext(context.WithValue(ctx, claimsKey, claims)))
			}
			return next(c)
		}
	}
}

// Resolve verifies raw and loads its principal.
func (g *Gate) Resolve(ctx context.Context, raw string) (*Claims, *Principal, error) {
	claims, err := g.tokens.Parse(raw)
	if err != nil {
		return nil, nil, err
	}

	if g.revoked != nil && claims.ID != "" {
		revoked, err := g.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, nil, err
		}
		if revoked {
			return nil, nil, ErrTokenRevoked
		}
	}

	principal, err := g.resolver.ResolvePrincipal(ctx, claims.Subject)
	if err != nil {
		return nil, nil, err
	}
	if principal.Status == StatusInactive {
		return nil, nil, ErrAccountInactive
	}
	return claims, principal, nil
}

var (
	ErrTokenRevoked    = errors.New("token has been revoked")
	ErrAccountInactive = errors.New("account is inactive")
)

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return echo.NewHTTPError(http.StatusUnauthorized, "token expired")
	case errors.Is(err, ErrTokenInvalid):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	case errors.Is(err, ErrTokenRevoked):
		return echo.NewHTTPError(http.StatusUnauthorized, "token has been revoked")
	case errors.Is(err, ErrPrincipalNotFound):
		return echo.NewHTTPError(http.StatusUnauthorized, "account no longer exists")
	case errors.Is(err, ErrAccountInactive):
		return echo.NewHTTPError(http.StatusForbidden, "account is inactive")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "authentication unavailable")
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// WithPrincipal returns a context carrying the authenticated caller.
func WithPrincipal(ctx context.Context, p *Principal, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, principalKey, p)
	if claims != nil {
		ctx = context.WithValue(ctx, claimsKey, claims)
	}
	return ctx
}

func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// UserIDFromContext returns the authenticated account id, or "".
func UserIDFromContext(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.ID
	}
	return ""
}
