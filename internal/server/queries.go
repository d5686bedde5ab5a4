package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	appconfig "github.com/quorum-ai/quorum/config"
	"github.com/quorum-ai/quorum/internal/budget"
	"github.com/quorum-ai/quorum/internal/delivery"
	"github.com/quorum-ai/quorum/internal/dispatch"
)

// QueriesHandler serves the query lifecycle endpoints.
type QueriesHandler struct {
	logger  *log.Logger
	manager *appconfig.Manager
	sched   *dispatch.Scheduler
	gateway *delivery.Gateway
}

func (h *QueriesHandler) Register(g *echo.Group) {
	g.POST("", h.submit)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.cancel)
	g.GET("/:id/result", h.result)
	g.GET("/:id/events", h.stream)
}

type submitRequest struct {
	Payload string                 `json:"payload"`
	Agents  []string               `json:"agents"`
	Budget  int64                  `json:"budget,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type submitResponse struct {
	QueryID     string           `json:"query_id"`
	State       string           `json:"state"`
	TotalBudget int64            `json:"total_budget"`
	Allocation  map[string]int64 `json:"allocation,omitempty"`
}

type queryStatusResponse struct {
	QueryID     string           `json:"query_id"`
	State       string           `json:"state"`
	Payload     string           `json:"payload"`
	Agents      []string         `json:"agents"`
	TotalBudget int64            `json:"total_budget"`
	SubmittedAt time.Time        `json:"submitted_at"`
	Allocation  map[string]int64 `json:"allocation,omitempty"`
}

func (h *QueriesHandler) submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Payload) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "payload required")
	}
	if len(req.Agents) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one agent required")
	}

	handle, err := h.sched.Submit(c.Request().Context(), dispatch.Request{
		Payload:     req.Payload,
		AgentIDs:    req.Agents,
		TotalBudget: req.Budget,
		Context:     req.Context,
	})
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrOverloaded):
		return echo.NewHTTPError(http.StatusTooManyRequests, "orchestrator overloaded, retry later")
	case errors.Is(err, budget.ErrInvalidBudget):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	q := handle.Query()
	resp := submitResponse{
		QueryID:     q.ID,
		State:       handle.State(),
		TotalBudget: q.TotalBudget,
	}
	if alloc := handle.Allocation(); alloc != nil {
		resp.Allocation = alloc
	}
	return c.JSON(http.StatusAccepted, resp)
}

func (h *QueriesHandler) get(c echo.Context) error {
	handle, ok := h.sched.Handle(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "query not found")
	}
	q := handle.Query()
	resp := queryStatusResponse{
		QueryID:     q.ID,
		State:       handle.State(),
		Payload:     q.Payload,
		Agents:      q.AgentIDs,
		TotalBudget: q.TotalBudget,
		SubmittedAt: q.SubmittedAt,
	}
	if alloc := handle.Allocation(); alloc != nil {
		resp.Allocation = alloc
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *QueriesHandler) cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.sched.Cancel(id); err != nil {
		if errors.Is(err, dispatch.ErrUnknownQuery) {
			return echo.NewHTTPError(http.StatusNotFound, "query not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"query_id": id, "state": dispatch.StateCancelled})
}

// result blocks until the aggregate result is ready or the timeout elapses.
func (h *QueriesHandler) result(c echo.Context) error {
	id := c.Param("id")
	timeout := h.manager.Snapshot().Server.ResultTimeout
	if val := strings.TrimSpace(c.QueryParam("timeout")); val != "" {
		if sec, err := strconv.Atoi(val); err == nil && sec > 0 {
			timeout = time.Duration(sec) * time.Second
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	res, err := h.sched.Result(ctx, id)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, res)
	case errors.Is(err, dispatch.ErrUnknownQuery):
		return echo.NewHTTPError(http.StatusNotFound, "query not found")
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "result not ready")
	default:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
}

// OpsHandler serves operational endpoints: live stats and config reload.
type OpsHandler struct {
	manager *appconfig.Manager
	sched   *dispatch.Scheduler
}

func (h *OpsHandler) Register(g *echo.Group) {
	g.GET("/stats", h.stats)
	g.POST("/reload", h.reload)
}

func (h *OpsHandler) stats(c echo.Context) error {
	st := h.sched.Stats()
	cfg := h.manager.Snapshot().Orchestrator
	return c.JSON(http.StatusOK, map[string]interface{}{
		"inflight":    st.Inflight,
		"queue_depth": st.QueueDepth,
		"tracked":     st.Tracked,
		"capacity":    cfg.Capacity,
		"queue_limit": cfg.QueueDepth,
	})
}

func (h *OpsHandler) reload(c echo.Context) error {
	if err := h.manager.Reload(); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reloaded"})
}
