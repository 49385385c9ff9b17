package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/txcore/pkg/txcore/breaker"
	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
	"github.com/randalmurphal/txcore/pkg/txcore/saga"
	"github.com/randalmurphal/txcore/pkg/txcore/tasks"
)

// ExternalDependency names the breaker guarding GET /external-service-call.
const ExternalDependency = "external-service"

func (s *Server) sagaStatus(c *gin.Context) {
	h := c.Query("execution")
	if h == "" {
		writeError(c, txerrors.Validation("server.sagaStatus", "execution query parameter is required"))
		return
	}
	st, err := s.core.Orchestrator.GetExecutionStatus(c.Request.Context(), saga.Handle(h))
	if errors.Is(err, saga.ErrExecutionNotFound) {
		notFound(c, fmt.Sprintf("execution %q not found", h))
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type cancelRequest struct {
	Execution saga.Handle `json:"execution"`
}

func (s *Server) cancelSaga(c *gin.Context) {
	const op = "server.cancelSaga"
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, txerrors.Validation(op, "invalid JSON body: %v", err))
		return
	}
	if req.Execution == "" {
		writeError(c, txerrors.Validation(op, "execution is required"))
		return
	}
	ok := s.core.Orchestrator.CancelExecution(c.Request.Context(), req.Execution)
	c.JSON(http.StatusOK, gin.H{"execution": req.Execution, "cancelled": ok})
}

type retryRequest struct {
	URL         string          `json:"url"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Delay       string          `json:"delay,omitempty"` // e.g. "30s"
}

func (s *Server) scheduleRetry(c *gin.Context) {
	const op = "server.scheduleRetry"
	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, txerrors.Validation(op, "invalid JSON body: %v", err))
		return
	}
	if req.MaxAttempts < 0 {
		writeError(c, txerrors.Validation(op, "max_attempts must be >= 0"))
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	ctx := c.Request.Context()
	var (
		h   tasks.TaskHandle
		err error
	)
	if req.Delay != "" {
		delay, perr := tasks.ParseDuration(req.Delay)
		if perr != nil {
			writeError(c, txerrors.Validation(op, "invalid delay %q: %v", req.Delay, perr))
			return
		}
		h, err = s.core.Tasks.ScheduleDelayed(ctx, req.URL, payload, delay)
	} else {
		h, err = s.core.Tasks.ScheduleRetry(ctx, req.URL, payload, req.MaxAttempts)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h)
}

func (s *Server) externalServiceCall(c *gin.Context) {
	b := s.core.Breakers.Get(ExternalDependency)
	resp, err := breaker.Call[gin.H](c.Request.Context(), b, s.external, nil)
	if breaker.IsOpen(err) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, breaker.DefaultFallback(ExternalDependency)(err))
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, txerrors.Response{
			Error:   string(txerrors.KindDependencyUnavailable),
			Message: err.Error(),
			Status:  http.StatusBadGateway,
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// httpExternalCall GETs url and treats any non-2xx answer as a failure.
// An empty url answers locally.
func httpExternalCall(url string) ExternalCall {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context) (gin.H, error) {
		if url == "" {
			return gin.H{"message": "External service call successful"}, nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("external service returned %d", resp.StatusCode)
		}
		return gin.H{"message": "External service call successful"}, nil
	}
}
