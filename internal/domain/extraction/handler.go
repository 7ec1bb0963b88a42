package extraction

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/referrals/internal/domain/referral"
	"github.com/ehr/referrals/internal/platform/apperror"
	"github.com/ehr/referrals/internal/platform/auth"
	"github.com/ehr/referrals/internal/platform/db"
)

type Handler struct {
	fast *FastEngine
	full *FullEngine
}

func NewHandler(fast *FastEngine, full *FullEngine) *Handler {
	return &Handler{fast: fast, full: full}
}

// RegisterRoutes mounts the extraction endpoints. limit is applied to both
// and may be nil.
func (h *Handler) RegisterRoutes(api *echo.Group, limit echo.MiddlewareFunc) {
	mw := []echo.MiddlewareFunc{auth.RequireRole(auth.RoleClinician, auth.RoleStaff)}
	if limit != nil {
		mw = append(mw, limit)
	}
	g := api.Group("/referrals", mw...)
	g.POST("/:id/extract-fast", h.ExtractFast)
	g.POST("/:id/extract", h.ExtractFull)
}

func (h *Handler) ExtractFast(c echo.Context) error {
	id, err := referral.DocumentID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.fast.ExtractFast(ctx, auth.UserIDFromContext(ctx), db.PracticeFromContext(ctx), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ExtractFull(c echo.Context) error {
	id, err := referral.DocumentID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.full.ExtractFull(ctx, auth.UserIDFromContext(ctx), db.PracticeFromContext(ctx), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}
