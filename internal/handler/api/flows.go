package api

import (
	"context"
	"time"

	models "SmartFlow/internal/domain/models"
	domrepo "SmartFlow/internal/domain/repository"
	"SmartFlow/internal/usecase"
	xhttp "SmartFlow/pkg/http"
	xlogger "SmartFlow/pkg/logger"
	"SmartFlow/pkg/util"

	"github.com/labstack/echo/v4"
)

// FlowsHandler serves the flow query API through the cached facade.
type FlowsHandler struct {
	logger *xlogger.Logger
	facade *usecase.QueryFacade
}

func NewFlowsHandler(logger *xlogger.Logger, facade *usecase.QueryFacade) *FlowsHandler {
	return &FlowsHandler{logger: logger, facade: facade}
}

func (h *FlowsHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/snapshot", h.Snapshot)
	g.GET("/signals", h.Signals)
	g.GET("/aggregate", h.Aggregate)
}

func (h *FlowsHandler) Snapshot(c echo.Context) error {
	req := &models.SnapshotRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	res, err := h.facade.Snapshot(c.Request().Context(), req.Instrument, models.Market(req.Market), models.Period(req.Period))
	if err != nil {
		h.logger.Error("snapshot usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=10")
	return xhttp.SuccessResponse(c, res)
}

func (h *FlowsHandler) Signals(c echo.Context) error {
	req := &models.SignalsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	res, err := h.facade.Signals(c.Request().Context(), models.Market(req.Market), models.DetectionMethod(req.Method), req.MinConfidence, req.Limit)
	if err != nil {
		h.logger.Error("signals usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.ListResponse(c, res, int64(len(res)))
}

func (h *FlowsHandler) Aggregate(c echo.Context) error {
	req := &models.AggregateRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	from, ok := xhttp.ParseTime(req.From)
	if !ok {
		return xhttp.BadRequestResponse(c, xhttp.BadRequestError("invalid from time"))
	}
	to, ok := xhttp.ParseTime(req.To)
	if !ok {
		return xhttp.BadRequestResponse(c, xhttp.BadRequestError("invalid to time"))
	}
	size := domrepo.NormalizeBucketSize(req.Size)
	from, to = util.AlignFromTo(from, to, string(size))

	res, err := h.facade.Aggregate(c.Request().Context(), req.Instrument, models.Market(req.Market), size.Duration(), from, to)
	if err != nil {
		h.logger.Error("aggregate usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.ListResponse(c, res, int64(len(res)))
}

// HealthChecker reports the liveness of one dependency.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler serves /healthz with per-dependency status.
type HealthHandler struct {
	logger *xlogger.Logger
	checks map[string]HealthChecker
}

func NewHealthHandler(logger *xlogger.Logger) *HealthHandler {
	return &HealthHandler{logger: logger, checks: make(map[string]HealthChecker)}
}

// AddCheck registers a named dependency check.
func (h *HealthHandler) AddCheck(name string, c HealthChecker) {
	if c != nil {
		h.checks[name] = c
	}
}

func (h *HealthHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Healthz)
}

// Healthz returns 200 when all dependencies answer, 503 otherwise. A failing
// dependency is reported but does not hide the healthy ones.
func (h *HealthHandler) Healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	healthy := true
	for name, check := range h.checks {
		if err := check.Health(ctx); err != nil {
			healthy = false
			status[name] = err.Error()
			h.logger.Warn("health check failed", xlogger.String("dependency", name), xlogger.Error(err))
			continue
		}
		status[name] = "ok"
	}

	body := map[string]interface{}{
		"status": "ok",
		"checks": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if !healthy {
		body["status"] = "degraded"
		return xhttp.DataResponse(c, 503, body)
	}
	return xhttp.SuccessResponse(c, body)
}
