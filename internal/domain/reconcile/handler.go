package reconcile

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/referrals/internal/domain/referral"
	"github.com/ehr/referrals/internal/platform/apperror"
	"github.com/ehr/referrals/internal/platform/auth"
	"github.com/ehr/referrals/internal/platform/db"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes mounts the apply endpoint. Staff can upload and extract
// but only clinicians commit a referral to the record.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/referrals/:id/apply", h.Apply, auth.RequireRole(auth.RoleClinician))
}

func (h *Handler) Apply(c echo.Context) error {
	id, err := referral.DocumentID(c)
	if err != nil {
		return err
	}
	var in ApplyInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, apperror.Body{Code: apperror.KindValidation, Message: "invalid request body"})
	}
	ctx := c.Request().Context()
	res, err := h.engine.Apply(ctx, auth.UserIDFromContext(ctx), db.PracticeFromContext(ctx), id, in)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}
