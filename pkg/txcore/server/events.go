package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
	"github.com/randalmurphal/txcore/pkg/txcore/event"
	"github.com/randalmurphal/txcore/pkg/txcore/observability"
)

// Event types published and handled by the service.
const (
	EventBookingCreated  = "booking_created"
	EventCustomerUpdated = "customer_updated"
	EventVersion         = "1"
)

// BookingCreated is the booking_created payload.
type BookingCreated struct {
	BookingID  string `json:"booking_id"`
	CustomerID string `json:"customer_id,omitempty"`
	ServiceID  string `json:"service_id,omitempty"`
	Amount     string `json:"amount,omitempty"`
}

// CustomerUpdated is the customer_updated payload.
type CustomerUpdated struct {
	CustomerID string `json:"customer_id"`
	Action     string `json:"action"`
}

// RegisterEventHandlers installs the booking_created and customer_updated
// v1 handlers on c.
func RegisterEventHandlers(c *event.Consumer, logger *slog.Logger) error {
	logger = observability.OrDefault(logger)

	err := c.RegisterHandler(EventBookingCreated, EventVersion, event.Typed(
		func(_ context.Context, env event.Envelope, p BookingCreated) error {
			if p.BookingID == "" {
				return txerrors.Validation("server.bookingCreated", "booking_id is required")
			}
			logger.Info("booking created event",
				slog.String("booking_id", p.BookingID),
				slog.String("customer_id", p.CustomerID),
				slog.String(observability.KeyCorrelationID, env.CorrelationID),
			)
			logger.Info("sending booking notification",
				slog.String("booking_id", p.BookingID),
				slog.String("customer_id", p.CustomerID),
			)
			return nil
		}))
	if err != nil {
		return err
	}

	return c.RegisterHandler(EventCustomerUpdated, EventVersion, event.Typed(
		func(_ context.Context, env event.Envelope, p CustomerUpdated) error {
			if p.CustomerID == "" {
				return txerrors.Validation("server.customerUpdated", "customer_id is required")
			}
			logger.Info("customer updated event",
				slog.String("customer_id", p.CustomerID),
				slog.String("action", p.Action),
				slog.String(observability.KeyCorrelationID, env.CorrelationID),
			)
			return nil
		}))
}

type bookingEventRequest struct {
	BookingID  string `json:"booking_id"`
	CustomerID string `json:"customer_id"`
}

type customerEventRequest struct {
	CustomerID string `json:"customer_id"`
	Action     string `json:"action"`
}

func (s *Server) triggerBookingEvent(c *gin.Context) {
	const op = "server.triggerBookingEvent"
	var req bookingEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, txerrors.Validation(op, "invalid JSON body: %v", err))
		return
	}
	if strings.TrimSpace(req.BookingID) == "" || strings.TrimSpace(req.CustomerID) == "" {
		writeError(c, txerrors.Validation(op, "booking_id and customer_id are required"))
		return
	}
	s.publish(c, EventBookingCreated, BookingCreated{BookingID: req.BookingID, CustomerID: req.CustomerID})
}

func (s *Server) triggerCustomerEvent(c *gin.Context) {
	const op = "server.triggerCustomerEvent"
	var req customerEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, txerrors.Validation(op, "invalid JSON body: %v", err))
		return
	}
	if strings.TrimSpace(req.CustomerID) == "" || strings.TrimSpace(req.Action) == "" {
		writeError(c, txerrors.Validation(op, "customer_id and action are required"))
		return
	}
	s.publish(c, EventCustomerUpdated, CustomerUpdated(req))
}

func (s *Server) publish(c *gin.Context, eventType string, payload any) {
	ev := s.core.Config.Events
	id, err := s.core.Producer.Publish(c.Request.Context(), ev.Domain, ev.Version, eventType,
		tenant(c), payload, c.GetHeader(HeaderCorrelation))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Event published", "message_id": id})
}

// processEvent is the push intake: the broker POSTs each message here and
// a non-2xx answer requests redelivery.
func (s *Server) processEvent(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeError(c, txerrors.Validation("server.processEvent", "read request body: %v", err))
		return
	}
	data, _, err := event.PushData(body)
	if err != nil {
		writeError(c, err)
		return
	}
	if _, err := s.core.Consumer.Dispatch(c.Request.Context(), data); err != nil {
		if txerrors.KindOf(err) == txerrors.KindValidation {
			writeError(c, err)
			return
		}
		s.logger.Error("event processing failed", slog.String(observability.KeyError, err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, txerrors.Response{
			Error:   string(txerrors.KindOf(err)),
			Message: err.Error(),
			Status:  http.StatusInternalServerError,
		})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) processDeadLetter(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeError(c, txerrors.Validation("server.processDeadLetter", "read request body: %v", err))
		return
	}
	dl, err := event.ParsePushEnvelope(body)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.core.DeadLetters.Process(c.Request.Context(), dl); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
