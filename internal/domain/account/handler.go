package account

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/oralhealth/intake/internal/platform/auth"
	"github.com/oralhealth/intake/pkg/pagination"
)

type Handler struct {
	svc  *Service
	gate *auth.Gate
}

func NewHandler(svc *Service, gate *auth.Gate) *Handler {
	return &Handler{svc: svc, gate: gate}
}

// RegisterRoutes mounts the auth and patient account endpoints under api.
// loginLimit, when non-nil, throttles the login route.
func (h *Handler) RegisterRoutes(api *echo.Group, loginLimit echo.MiddlewareFunc) {
	var loginMW []echo.MiddlewareFunc
	if loginLimit != nil {
		loginMW = append(loginMW, loginLimit)
	}
	api.POST("/auth/login", h.Login, loginMW...)
	api.GET("/auth/verify", h.Verify)
	api.POST("/auth/logout", h.Logout, h.gate.OptionalAuthenticate())

	api.POST("/patients/register", h.Register)
	api.POST("/patients/application", h.Apply)

	authn := h.gate.Authenticate()
	admin := auth.RequireRole(auth.RoleAdmin)
	self := auth.RequireSelfOrAdmin("loginid")

	api.GET("/patients", h.List, authn, admin)
	api.POST("/patients", h.Create, authn, admin)
	api.GET("/patients/:loginid", h.Get, authn, self)
	api.PUT("/patients/:loginid", h.Update, authn, self)
	api.DELETE("/patients/:loginid", h.Delete, authn, admin)
}

type loginRequest struct {
	LoginID       string `json:"loginid"`
	LegacyLoginID string `json:"Login_ID"`
	Password      string `json:"Password"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := h.svc.Login(c.Request().Context(), pickLoginID(req.LoginID, req.LegacyLoginID), req.Password)
	switch {
	case err == nil:
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, "loginid and Password are required")
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid loginid or password")
	case errors.Is(err, ErrInactive):
		return echo.NewHTTPError(http.StatusForbidden, "account is inactive")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "login failed")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Login successful",
		"token":   res.Token,
		"patient": res.Account,
	})
}

func (h *Handler) Verify(c echo.Context) error {
	raw, err := auth.BearerToken(c.Request())
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]interface{}{
			"valid": false,
			"error": "No token provided",
		})
	}

	ctx := c.Request().Context()
	_, principal, err := h.gate.Resolve(ctx, raw)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrTokenInvalid):
		return c.JSON(http.StatusUnauthorized, map[string]interface{}{
			"valid": false,
			"error": auth.ErrorName(err),
		})
	case errors.Is(err, auth.ErrTokenRevoked), errors.Is(err, auth.ErrPrincipalNotFound):
		return c.JSON(http.StatusUnauthorized, map[string]interface{}{
			"valid":   false,
			"error":   "JsonWebTokenError",
			"message": err.Error(),
		})
	case errors.Is(err, auth.ErrAccountInactive):
		return c.JSON(http.StatusForbidden, map[string]interface{}{
			"valid":   false,
			"error":   "AccountInactive",
			"message": err.Error(),
		})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "verification failed")
	}

	id, err := uuid.Parse(principal.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "verification failed")
	}
	a, err := h.svc.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusUnauthorized, map[string]interface{}{
			"valid": false,
			"error": "JsonWebTokenError",
		})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "verification failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"valid":   true,
		"patient": a,
	})
}

// Logout revokes the presented token when there is one. It always succeeds
// from the client's point of view.
func (h *Handler) Logout(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.svc.Logout(ctx, auth.ClaimsFromContext(ctx)); err != nil {
		c.Logger().Warnf("token revocation failed: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Logout successful"})
}

func (h *Handler) Register(c echo.Context) error {
	return h.register(c, h.svc.Register, "Patient registered successfully")
}

func (h *Handler) Apply(c echo.Context) error {
	return h.register(c, h.svc.Apply, "Application submitted successfully")
}

func (h *Handler) register(c echo.Context, create func(ctx context.Context, req *RegisterRequest) (*Account, error), message string) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	a, err := create(c.Request().Context(), &req)
	if err != nil {
		if errors.Is(err, ErrValidation) && !req.complete() {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error":    "Missing required fields",
				"required": RequiredRegisterFields,
			})
		}
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message": message,
		"patient": a,
	})
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.Create(c.Request().Context(), &req)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	a, err := h.svc.Get(c.Request().Context(), c.Param("loginid"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Update(c echo.Context) error {
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	a, err := h.svc.Update(ctx, c.Param("loginid"), &req, auth.PrincipalFromContext(ctx))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("loginid")); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Patient deleted successfully"})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
