package report

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/oralhealth/intake/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, authn echo.MiddlewareFunc) {
	g := api.Group("/report", authn)
	g.GET("/:patientId/:recordId", h.Generate)
	g.GET("/:patientId/:recordId/status", h.Status)
}

func parseIDs(c echo.Context) (patientID, recordID uuid.UUID, ok bool) {
	p, err1 := uuid.Parse(c.Param("patientId"))
	r, err2 := uuid.Parse(c.Param("recordId"))
	return p, r, err1 == nil && err2 == nil
}

// Generate responds with the PDF as an attachment.
func (h *Handler) Generate(c echo.Context) error {
	patientID, recordID, ok := parseIDs(c)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Record not found"})
	}

	ctx := c.Request().Context()
	rep, err := h.svc.Generate(ctx, patientID, recordID, c.QueryParam("language"), auth.PrincipalFromContext(ctx))
	if err != nil {
		return renderError(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", rep.FileName))
	return c.Blob(http.StatusOK, "application/pdf", rep.Content)
}

func renderError(c echo.Context, err error) error {
	var re *RenderError
	switch {
	case errors.Is(err, ErrUnsupportedLanguage):
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":     "Unsupported language",
			"message":   err.Error(),
			"supported": Languages,
		})
	case errors.Is(err, ErrRecordNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Record not found"})
	case errors.Is(err, ErrNoFacePhoto):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "FacePhoto not found", "message": err.Error()})
	case errors.Is(err, ErrPhotoMissing):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Photo file not found", "message": err.Error()})
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.As(err, &re):
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error":   "PDF generation failed",
			"message": re.Error(),
			"details": map[string]string{
				"stdout": re.Stdout,
				"stderr": re.Stderr,
			},
		})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Status never starts the renderer.
func (h *Handler) Status(c echo.Context) error {
	patientID, recordID, ok := parseIDs(c)
	if !ok {
		return c.JSON(http.StatusNotFound, &Status{})
	}
	ctx := c.Request().Context()
	st, err := h.svc.Status(ctx, patientID, recordID, auth.PrincipalFromContext(ctx))
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return c.JSON(http.StatusNotFound, st)
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}
