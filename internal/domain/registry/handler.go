package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/vaxtrack/vaxtrack/internal/domain/immunization"
	"github.com/vaxtrack/vaxtrack/internal/domain/population"
	"github.com/vaxtrack/vaxtrack/pkg/pagination"
)

type Handler struct {
	svc      *Service
	pageSize int
}

// NewHandler binds the HTTP API to svc. pageSize is the list page size used
// when a request does not set page_size.
func NewHandler(svc *Service, pageSize int) *Handler {
	return &Handler{svc: svc, pageSize: pageSize}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/protocol", h.GetProtocol)

	api.POST("/patients", h.RegisterPatient)
	api.GET("/patients", h.ListPatients)
	api.GET("/patients/stats", h.GetStats)
	api.GET("/patients/:id", h.GetPatient)
	api.PUT("/patients/:id", h.UpdatePatient)
	api.DELETE("/patients/:id", h.DeletePatient)
	api.GET("/patients/:id/export", h.ExportSchedule)

	api.POST("/patients/:id/visits/:visit/vaccines/toggle", h.ToggleVaccine)
	api.POST("/patients/:id/visits/:visit/complete", h.MarkVisitComplete)
}

type toggleRequest struct {
	Vaccine string `json:"vaccine"`
}

func (h *Handler) GetProtocol(c echo.Context) error {
	return c.JSON(http.StatusOK, immunization.Protocol)
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var in RegisterInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	detail, err := h.svc.Register(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, detail)
}

func (h *Handler) GetPatient(c echo.Context) error {
	detail, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	detail, err := h.svc.Update(c.Request().Context(), c.Param("id"), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ToggleVaccine(c echo.Context) error {
	visit, err := visitParam(c)
	if err != nil {
		return err
	}
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Vaccine) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "vaccine is required")
	}
	view, err := h.svc.ToggleVaccine(c.Request().Context(), c.Param("id"), visit, req.Vaccine)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) MarkVisitComplete(c echo.Context) error {
	visit, err := visitParam(c)
	if err != nil {
		return err
	}
	view, err := h.svc.MarkVisitComplete(c.Request().Context(), c.Param("id"), visit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// ListPatients serves the population list. Supported query parameters are
// q, from, to, sort, order, page and page_size.
func (h *Handler) ListPatients(c echo.Context) error {
	q, err := h.parseQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.List(c.Request().Context(), q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(res.Summaries(), res.Total, pagination.Params{Page: res.Page, Size: res.PageSize}))
}

func (h *Handler) GetStats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// ExportSchedule returns the schedule as a download. format is json (the
// default) or csv.
func (h *Handler) ExportSchedule(c echo.Context) error {
	format := strings.ToLower(c.QueryParam("format"))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unsupported export format %q", format))
	}

	export, err := h.svc.Export(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition,
		mime.FormatMediaType("attachment", map[string]string{"filename": export.FileName(format)}))
	if format == "json" {
		return c.JSON(http.StatusOK, export)
	}

	var buf bytes.Buffer
	if err := immunization.WriteCSV(&buf, export.Rows); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

func (h *Handler) parseQuery(c echo.Context) (population.Query, error) {
	q := population.Query{
		Name: c.QueryParam("q"),
		Page: pagination.FromContext(c, h.pageSize),
	}
	var err error
	if q.SortBy, err = population.ParseSortKey(c.QueryParam("sort")); err != nil {
		return q, err
	}
	if q.Descending, err = population.ParseDescending(c.QueryParam("order")); err != nil {
		return q, err
	}
	if q.From, err = dateParam(c, "from"); err != nil {
		return q, err
	}
	if q.To, err = dateParam(c, "to"); err != nil {
		return q, err
	}
	return q, nil
}

func dateParam(c echo.Context, name string) (*immunization.Date, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return nil, nil
	}
	d, err := immunization.ParseDate(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return &d, nil
}

func visitParam(c echo.Context) (int, error) {
	n, err := strconv.Atoi(c.Param("visit"))
	if err != nil || n <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid visit number")
	}
	return n, nil
}

// httpError maps service errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrPatientNotFound), errors.Is(err, ErrScheduleNotFound),
		errors.Is(err, ErrVisitNotFound), errors.Is(err, ErrVaccineNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrScheduleResetRequired), errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNameRequired), errors.Is(err, ErrInvalidQuery),
		errors.Is(err, immunization.ErrInvalidBirthDate):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPersistence):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable, please retry")
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
