package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/randalmurphal/txcore/pkg/txcore/config"
	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
	"github.com/randalmurphal/txcore/pkg/txcore/observability"
	"github.com/randalmurphal/txcore/pkg/txcore/saga"
)

// Request headers read by the booking and event routes.
const (
	HeaderTenant      = "X-Tenant-ID"
	HeaderCorrelation = "X-Correlation-ID"
)

const defaultTenant = "default"

// DefaultBookingAmount is charged when a booking request carries no amount.
var DefaultBookingAmount = decimal.RequireFromString("50.00")

// BookingRequest is the body of POST /bookings.
type BookingRequest struct {
	ServiceID    string           `json:"service_id"`
	CustomerID   string           `json:"customer_id"`
	CustomerName string           `json:"customer_name"`
	Date         string           `json:"date"`
	Time         string           `json:"time"`
	Notes        string           `json:"notes,omitempty"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
}

func (r BookingRequest) validate() error {
	const op = "server.createBooking"
	required := []struct{ field, value string }{
		{"service_id", r.ServiceID},
		{"customer_name", r.CustomerName},
		{"date", r.Date},
		{"time", r.Time},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return txerrors.Validation(op, "%s is required", f.field)
		}
	}
	if r.Amount != nil && !r.Amount.IsPositive() {
		return txerrors.Validation(op, "amount must be positive")
	}
	return nil
}

func (r BookingRequest) amount() decimal.Decimal {
	if r.Amount == nil {
		return DefaultBookingAmount
	}
	return r.Amount.Round(2)
}

// BookingResponse is the 201 body of POST /bookings.
type BookingResponse struct {
	BookingID    string      `json:"booking_id"`
	ServiceID    string      `json:"service_id"`
	CustomerID   string      `json:"customer_id,omitempty"`
	CustomerName string      `json:"customer_name"`
	Date         string      `json:"date"`
	Time         string      `json:"time"`
	Notes        string      `json:"notes,omitempty"`
	Amount       string      `json:"amount"`
	Status       string      `json:"status"`
	Execution    saga.Handle `json:"execution"`
}

func newBookingID() string { return uuid.NewString() }

// BookingSteps builds the create_booking, process_payment and update_crm
// saga for one booking. The payment compensation refers to the
// transaction_id the payment service returns.
func BookingSteps(services config.ServicesConfig, bookingID string, req BookingRequest) []saga.Step {
	booking := strings.TrimRight(services.Booking, "/")
	payment := strings.TrimRight(services.Payment, "/")
	crm := strings.TrimRight(services.CRM, "/")

	data := map[string]any{
		"booking_id":    bookingID,
		"service_id":    req.ServiceID,
		"customer_id":   req.CustomerID,
		"customer_name": req.CustomerName,
		"date":          req.Date,
		"time":          req.Time,
	}
	if req.Notes != "" {
		data["notes"] = req.Notes
	}

	return []saga.Step{
		{
			Name: "create_booking",
			Execute: saga.Target{
				URL:     booking + "/execute",
				Payload: map[string]any{"action": "create", "data": data},
			},
			Compensate: saga.Target{
				URL:     booking + "/compensate",
				Payload: map[string]any{"action": "cancel", "booking_id": bookingID},
			},
		},
		{
			Name: "process_payment",
			Execute: saga.Target{
				URL: payment + "/execute",
				Payload: map[string]any{
					"action":        "charge",
					"booking_id":    bookingID,
					"amount":        req.amount().StringFixed(2),
					"customer_name": req.CustomerName,
				},
			},
			Compensate: saga.Target{
				URL:     payment + "/compensate",
				Payload: map[string]any{"action": "refund", "transaction_id": "{{transaction_id}}"},
			},
		},
		{
			Name: "update_crm",
			Execute: saga.Target{
				URL: crm + "/execute",
				Payload: map[string]any{
					"action":        "add_booking",
					"booking_id":    bookingID,
					"customer_name": req.CustomerName,
					"service_id":    req.ServiceID,
				},
			},
			Compensate: saga.Target{
				URL:     crm + "/compensate",
				Payload: map[string]any{"action": "remove_booking", "booking_id": bookingID},
			},
		},
	}
}

func (s *Server) createBooking(c *gin.Context) {
	var req BookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, txerrors.Validation("server.createBooking", "invalid JSON body: %v", err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	bookingID := s.newID()
	steps := BookingSteps(s.services, bookingID, req)

	h, err := s.core.Orchestrator.ExecuteSaga(ctx, "booking-"+bookingID, steps)
	if err != nil {
		writeError(c, err)
		return
	}
	s.logger.Info("booking created",
		slog.String("booking_id", bookingID),
		slog.String(observability.KeyExecution, string(h)),
	)

	// The booking is committed once the saga is accepted; the event is
	// best effort.
	ev := s.core.Config.Events
	if _, err := s.core.Producer.Publish(ctx, ev.Domain, ev.Version, EventBookingCreated,
		tenant(c), BookingCreated{
			BookingID:  bookingID,
			CustomerID: req.CustomerID,
			ServiceID:  req.ServiceID,
			Amount:     req.amount().StringFixed(2),
		}, c.GetHeader(HeaderCorrelation)); err != nil {
		observability.LogDegraded(s.logger, "booking_created_publish", err,
			slog.String("booking_id", bookingID))
	}

	c.JSON(http.StatusCreated, BookingResponse{
		BookingID:    bookingID,
		ServiceID:    req.ServiceID,
		CustomerID:   req.CustomerID,
		CustomerName: req.CustomerName,
		Date:         req.Date,
		Time:         req.Time,
		Notes:        req.Notes,
		Amount:       req.amount().StringFixed(2),
		Status:       "confirmed",
		Execution:    h,
	})
}

func tenant(c *gin.Context) string {
	if t := c.GetHeader(HeaderTenant); t != "" {
		return t
	}
	return defaultTenant
}
