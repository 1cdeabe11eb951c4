package orders

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/platform/auth"
	"github.com/labflow/labflow/pkg/pagination"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints: every lab role
	readGroup := api.Group("/orders", auth.RequireRole(auth.RoleReception, auth.RoleLabTech, auth.RoleBioanalyst, auth.RoleDispatcher))
	readGroup.GET("", h.ListOrders)
	readGroup.GET("/:id", h.GetOrder)
	readGroup.GET("/:id/history", h.GetHistory)

	// Registration: reception desk
	registerGroup := api.Group("/orders", auth.RequireRole(auth.RoleReception))
	registerGroup.POST("", h.RegisterOrder)

	// Bench work: technicians and bioanalysts
	benchGroup := api.Group("/orders", auth.RequireRole(auth.RoleLabTech, auth.RoleBioanalyst))
	benchGroup.POST("/:id/results", h.SubmitResults)
	benchGroup.POST("/:id/results/save", h.SaveResults)
	benchGroup.GET("/:id/results/sheet", h.ExportSheet)
	benchGroup.POST("/:id/results/sheet", h.ImportSheet)
	benchGroup.POST("/:id/alerts", h.PreviewAlerts)

	// Approval: bioanalysts only
	approveGroup := api.Group("/orders", auth.RequireRole(auth.RoleBioanalyst))
	approveGroup.POST("/:id/approve", h.Approve)
	approveGroup.POST("/:id/approve/confirm", h.ConfirmApproval)

	// Release: reception and dispatch
	releaseGroup := api.Group("/orders", auth.RequireRole(auth.RoleReception, auth.RoleDispatcher))
	releaseGroup.GET("/:id/approved", h.GetApproved)
	releaseGroup.POST("/:id/printed", h.MarkPrinted)
}

type resultsRequest struct {
	Entries []ResultEntry `json:"entries" validate:"dive"`
}

type declinedResponse struct {
	OrderID  int64  `json:"order_id"`
	Approved bool   `json:"approved"`
	Declined bool   `json:"declined"`
	Message  string `json:"message"`
}

// -- Orders --

func (h *Handler) RegisterOrder(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	snap, err := h.svc.RegisterOrder(c.Request().Context(), actorOf(c), req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, snap)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.GetOrder(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListOrdersByState(c.Request().Context(), actorOf(c), State(c.QueryParam("state")), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.GetTransitionHistory(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Results --

func (h *Handler) SubmitResults(c echo.Context) error {
	id, req, err := bindResults(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.SubmitBulkResults(c.Request().Context(), actorOf(c), id, req.Entries)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) SaveResults(c echo.Context) error {
	id, req, err := bindResults(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.SaveResults(c.Request().Context(), actorOf(c), id, req.Entries)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) ExportSheet(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	data, err := h.svc.ExportResultSheet(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return httpError(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=order-%d-results.xlsx", id))
	return c.Blob(http.StatusOK, xlsxContentType, data)
}

func (h *Handler) ImportSheet(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	file, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
	}
	defer file.Close()

	snap, err := h.svc.ImportResultSheet(c.Request().Context(), actorOf(c), id, file)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) PreviewAlerts(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	alerts, err := h.svc.EvaluateAlerts(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"alerts":             alerts,
		"confirmation_token": AlertFingerprint(alerts),
	})
}

// -- Approval --

func (h *Handler) Approve(c echo.Context) error {
	id, req, err := bindResults(c)
	if err != nil {
		return err
	}
	res, err := h.svc.ApproveOrder(c.Request().Context(), actorOf(c), id, req.Entries)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ConfirmApproval(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	var conf Confirmation
	if err := c.Bind(&conf); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	snap, err := h.svc.ConfirmApproval(c.Request().Context(), actorOf(c), id, conf)
	if errors.Is(err, ErrApprovalDeclined) {
		return c.JSON(http.StatusOK, declinedResponse{OrderID: id, Declined: true, Message: err.Error()})
	}
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// -- Release --

func (h *Handler) GetApproved(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.GetApprovedSnapshot(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) MarkPrinted(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.MarkPrinted(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// -- helpers --

func actorOf(c echo.Context) auth.Actor {
	return auth.ActorFromContext(c.Request().Context())
}

func orderID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	return id, nil
}

// bindResults reads the order id and an optional entries body.
func bindResults(c echo.Context) (int64, resultsRequest, error) {
	var req resultsRequest
	id, err := orderID(c)
	if err != nil {
		return 0, req, err
	}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return 0, req, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if err := c.Validate(&req); err != nil {
			return 0, req, err
		}
	}
	return id, req, nil
}

// httpError maps engine errors onto HTTP statuses.
func httpError(c echo.Context, err error) error {
	var (
		verr *ValidationError
		sv   *StateViolation
		cerr *ConfirmationRequiredError
		perr *PermissionError
	)
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message": "validation failed",
			"issues":  verr.Issues,
		})
	case errors.As(err, &sv):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message":   sv.Error(),
			"violation": sv,
		})
	case errors.As(err, &cerr):
		return echo.NewHTTPError(http.StatusPreconditionRequired, map[string]interface{}{
			"message":            cerr.Error(),
			"alerts":             cerr.Alerts,
			"confirmation_token": cerr.Token,
		})
	case errors.As(err, &perr):
		return echo.NewHTTPError(http.StatusForbidden, perr.Error())
	case errors.Is(err, ErrOrderNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	}
	zerolog.Ctx(c.Request().Context()).Error().Err(err).Str("route", c.Path()).Msg("order request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
