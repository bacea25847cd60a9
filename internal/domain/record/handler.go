package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/oralhealth/intake/internal/platform/auth"
	"github.com/oralhealth/intake/internal/platform/filestore"
	"github.com/oralhealth/intake/pkg/pagination"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the record endpoints on api. authn must reject
// anonymous callers.
func (h *Handler) RegisterRoutes(api *echo.Group, authn echo.MiddlewareFunc) {
	g := api.Group("/patient-records", authn)
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/export", h.Export, auth.RequireRole(auth.RoleAdmin))
	g.GET("/patient/:loginid", h.ListByPatient, auth.RequireSelfOrAdmin("loginid"))
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Replace)
	g.PATCH("/:id", h.Patch)
	g.DELETE("/:id", h.Delete)

	// Per-patient note history. Notes are written through the record itself.
	api.GET("/recommends/patient/:loginid", h.notes(NoteRecommend), authn, auth.RequireSelfOrAdmin("loginid"))
	api.GET("/checklists/patient/:loginid", h.notes(NoteCheckList), authn, auth.RequireSelfOrAdmin("loginid"))
}

func (h *Handler) Create(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart/form-data body required")
	}
	defer form.RemoveAll() //nolint:errcheck // temp parts only

	in := &CreateInput{
		LoginID:        formValue(form.Value, "loginid", "Login_ID"),
		HRV:            formValue(form.Value, "HRV"),
		HRV2:           formValue(form.Value, "HRV2"),
		GSR:            formValue(form.Value, "GSR"),
		GSR2:           formValue(form.Value, "GSR2"),
		Pulse:          formValue(form.Value, "Pulse"),
		CheckList:      formValue(form.Value, "CheckList"),
		Recommend:      formValue(form.Value, "Recommend"),
		UploadDateTime: formValue(form.Value, "UploadDateTime"),
	}

	ctx := c.Request().Context()
	rec, err := h.svc.Create(ctx, in, form, auth.PrincipalFromContext(ctx))
	if err != nil {
		if errors.Is(err, ErrNoPhotos) {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error":          ErrNoPhotos.Error(),
				"requiredPhotos": filestore.Slots,
			})
		}
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message": "Patient record created successfully",
		"record":  rec,
	})
}

func formValue(values map[string][]string, keys ...string) string {
	for _, k := range keys {
		if v := values[k]; len(v) > 0 && strings.TrimSpace(v[0]) != "" {
			return v[0]
		}
	}
	return ""
}

func (h *Handler) List(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.svc.List(ctx, f, auth.PrincipalFromContext(ctx), pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListByPatient(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.svc.ListForPatient(ctx, c.Param("loginid"), auth.PrincipalFromContext(ctx), pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) notes(kind string) echo.HandlerFunc {
	return func(c echo.Context) error {
		pg := pagination.FromContext(c)
		ctx := c.Request().Context()
		items, total, err := h.svc.NotesForPatient(ctx, c.Param("loginid"), kind, auth.PrincipalFromContext(ctx), pg.Limit, pg.Offset)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
}

func (h *Handler) Export(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	items, _, err := h.svc.List(ctx, f, auth.PrincipalFromContext(ctx), 0, 0)
	if err != nil {
		return mapError(err)
	}

	var buf bytes.Buffer
	if err := WriteWorkbook(&buf, items); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	name := fmt.Sprintf("patient_records_%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, xlsxContentType, buf.Bytes())
}

func filterFromQuery(c echo.Context) (Filter, error) {
	f := Filter{
		LoginID:  firstNonEmpty(c.QueryParam("loginid"), c.QueryParam("Login_ID")),
		HasHRV:   queryBool(c, "hasHRV"),
		HasHRV2:  queryBool(c, "hasHRV2"),
		HasGSR:   queryBool(c, "hasGSR"),
		HasGSR2:  queryBool(c, "hasGSR2"),
		HasPulse: queryBool(c, "hasPulse"),
	}
	if v := c.QueryParam("startDate"); v != "" {
		t, err := ParseTime(v)
		if err != nil {
			return f, fmt.Errorf("startDate: %w", err)
		}
		f.Start = &t
	}
	if v := c.QueryParam("endDate"); v != "" {
		t, err := ParseTime(v)
		if err != nil {
			return f, fmt.Errorf("endDate: %w", err)
		}
		f.End = &t
	}
	return f, nil
}

func queryBool(c echo.Context, name string) bool {
	v, _ := strconv.ParseBool(c.QueryParam(name))
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	rec, err := h.svc.Get(ctx, id, auth.PrincipalFromContext(ctx))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Replace(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req ReplaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	rec, err := h.svc.Replace(ctx, id, &req, auth.PrincipalFromContext(ctx))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Patch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&fields); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	ctx := c.Request().Context()
	rec, err := h.svc.Patch(ctx, id, fields, auth.PrincipalFromContext(ctx))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	if err := h.svc.Delete(ctx, id, auth.PrincipalFromContext(ctx)); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Record deleted successfully"})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNoPhotos), errors.Is(err, filestore.ErrInvalidType):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, filestore.ErrTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
