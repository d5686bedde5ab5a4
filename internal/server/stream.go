package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// stream pushes per-agent outcomes and the final result for one query via
// Server-Sent Events. The stream closes after the completion event.
func (h *QueriesHandler) stream(c echo.Context) error {
	id := c.Param("id")
	if _, ok := h.sched.Handle(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "query not found")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	sub, unsubscribe := h.gateway.Subscribe(id)
	defer unsubscribe()

	send := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("event: " + event + "\n")); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ctx := c.Request().Context()
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			if _, err := resp.Write([]byte(": keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case n, open := <-sub:
			if !open {
				return nil
			}
			if n.Outcome != nil {
				if err := send("outcome", n); err != nil {
					h.logger.Printf("stream write for query %s failed: %v", id, err)
					return nil
				}
			}
			if n.Result != nil {
				if err := send("completed", n); err != nil {
					h.logger.Printf("stream write for query %s failed: %v", id, err)
				}
				return nil
			}
		}
	}
}
