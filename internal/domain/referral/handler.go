package referral

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/referrals/internal/platform/apperror"
	"github.com/ehr/referrals/internal/platform/auth"
	"github.com/ehr/referrals/internal/platform/db"
	"github.com/ehr/referrals/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/referrals", auth.RequireRole(auth.RoleClinician, auth.RoleStaff))
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.GET("/:id/status", h.Status)
	g.POST("/:id/extract-text", h.ExtractText)
}

// DocumentID parses the :id path parameter.
func DocumentID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, apperror.Body{Code: apperror.KindValidation, Message: "invalid document id"})
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	var in UploadInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, apperror.Body{Code: apperror.KindValidation, Message: "invalid request body"})
	}
	ctx := c.Request().Context()
	d, err := h.svc.Create(ctx, auth.UserIDFromContext(ctx), db.PracticeFromContext(ctx), in)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := DocumentID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	d, err := h.svc.Get(ctx, db.PracticeFromContext(ctx), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	status := Status(c.QueryParam("status"))

	docs, total, err := h.svc.List(ctx, db.PracticeFromContext(ctx), status, pg.Limit, pg.Offset)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	filters := c.QueryParams()
	filters.Del("limit")
	filters.Del("offset")
	return c.JSON(http.StatusOK, pagination.NewResponse(docs, total, pg).WithNext(c.Request().URL.Path, filters))
}

func (h *Handler) Status(c echo.Context) error {
	id, err := DocumentID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	env, err := h.svc.Status(ctx, db.PracticeFromContext(ctx), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, env)
}

func (h *Handler) ExtractText(c echo.Context) error {
	id, err := DocumentID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	d, err := h.svc.ExtractText(ctx, auth.UserIDFromContext(ctx), db.PracticeFromContext(ctx), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, d)
}
