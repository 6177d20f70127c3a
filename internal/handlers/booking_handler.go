package handlers

import (
	"errors"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"booking-engine/internal/services"
	"booking-engine/internal/status"
	"booking-engine/models"
)

type BookingHandler struct {
	bookings *services.BookingService
	seats    *services.SeatService
	tables   *services.TableService
	booths   *services.BoothService
}

func NewBookingHandler(bookings *services.BookingService) *BookingHandler {
	return &BookingHandler{
		bookings: bookings,
		seats:    services.NewSeatService(bookings),
		tables:   services.NewTableService(bookings),
		booths:   services.NewBoothService(bookings),
	}
}

// apiError maps the error taxonomy onto HTTP responses.
func apiError(err error) error {
	switch {
	case errors.Is(err, status.ErrInvalidInput):
		return apis.NewBadRequestError(err.Error(), err)
	case status.IsNotFound(err):
		return apis.NewNotFoundError(err.Error(), err)
	case status.IsConflict(err):
		return apis.NewApiError(http.StatusConflict, err.Error(), err)
	case errors.Is(err, status.ErrGatewayUnavailable):
		return apis.NewApiError(http.StatusBadGateway, "payment gateway unavailable, try again later", err)
	case errors.Is(err, status.ErrPaymentInProgress):
		return apis.NewApiError(http.StatusConflict, "payment already in progress", err)
	case status.IsRetryable(err):
		return apis.NewApiError(http.StatusServiceUnavailable, "temporarily unavailable, try again", err)
	default:
		return apis.NewApiError(http.StatusInternalServerError, "internal error", err)
	}
}

// Hold reserves units for the authenticated user.
// POST /api/v1/hold {event_id, unit_ids, kind}
func (h *BookingHandler) Hold(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req HoldRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if err := validateHoldRequest(&req); err != nil {
		return apis.NewBadRequestError(err.Error(), err)
	}

	ctx := e.Request.Context()
	userID := e.Auth.Id

	var (
		res *services.HoldResult
		err error
	)
	switch req.Kind {
	case "table":
		res, err = h.tables.Hold(ctx, req.EventID, userID, req.UnitIDs)
	case "booth":
		res, err = h.booths.Hold(ctx, req.EventID, userID, req.UnitIDs)
	default:
		res, err = h.seats.Hold(ctx, req.EventID, userID, req.UnitIDs)
	}
	if err != nil {
		var conflict *status.ConflictError
		if errors.As(err, &conflict) {
			return e.JSON(http.StatusConflict, map[string]any{
				"error":                "units unavailable",
				"conflicting_unit_ids": conflict.UnitIDs,
			})
		}
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"booking_id":  res.Booking.ID,
		"unit_ids":    res.Booking.UnitIDs,
		"total":       res.Booking.TotalAmount.String(),
		"payment_ref": res.PaymentRef,
		"expires_at":  res.Booking.ExpiresAt,
	})
}

// Confirm finalizes a pending booking.
// POST /api/v1/bookings/confirm {booking_id}
func (h *BookingHandler) Confirm(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req BookingActionRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if err := validateBookingAction(&req); err != nil {
		return apis.NewBadRequestError(err.Error(), err)
	}

	booking, err := h.bookings.Confirm(e.Request.Context(), req.BookingID)
	if err != nil {
		return apiError(err)
	}
	if booking.UserID != e.Auth.Id {
		return apis.NewNotFoundError("booking not found", nil)
	}
	return e.JSON(http.StatusOK, booking)
}

// Cancel voids a pending booking.
// POST /api/v1/bookings/cancel {booking_id, reason}
func (h *BookingHandler) Cancel(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req BookingActionRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if err := validateBookingAction(&req); err != nil {
		return apis.NewBadRequestError(err.Error(), err)
	}

	booking, err := h.bookings.Cancel(e.Request.Context(), req.BookingID, e.Auth.Id, req.Reason)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, booking)
}

// ExtendHold pushes the hold deadline of a pending booking forward.
// POST /api/v1/hold/extend {booking_id}
func (h *BookingHandler) ExtendHold(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req BookingActionRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if err := validateBookingAction(&req); err != nil {
		return apis.NewBadRequestError(err.Error(), err)
	}

	booking, err := h.bookings.ExtendHold(e.Request.Context(), req.BookingID, e.Auth.Id)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"booking_id": booking.ID,
		"expires_at": booking.ExpiresAt,
	})
}

// GetBooking returns one booking of the authenticated user.
// GET /api/v1/bookings/{bookingId}
func (h *BookingHandler) GetBooking(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	bookingID := e.Request.PathValue("bookingId")
	if bookingID == "" {
		return apis.NewBadRequestError("booking id is required", nil)
	}

	booking, err := h.bookings.GetBooking(e.Request.Context(), bookingID, e.Auth.Id)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, booking)
}

// History returns the authenticated user's bookings, newest first.
// GET /api/v1/bookings
func (h *BookingHandler) History(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	bookings, err := h.bookings.BookingHistory(e.Request.Context(), e.Auth.Id, 50)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"bookings": bookings,
		"total":    len(bookings),
	})
}

// GetEventUnits returns the event catalog with live availability.
// GET /api/v1/events/{eventId}/units
func (h *BookingHandler) GetEventUnits(e *core.RequestEvent) error {
	eventID := e.Request.PathValue("eventId")
	if eventID == "" {
		return apis.NewBadRequestError("event id is required", nil)
	}

	units, err := h.bookings.ListAvailability(e.Request.Context(), eventID)
	if err != nil {
		return apiError(err)
	}

	available := 0
	sections := make(map[string][]*services.UnitAvailability)
	for _, u := range units {
		if u.Status == models.UnitAvailable {
			available++
		}
		sections[u.Unit.Section] = append(sections[u.Unit.Section], u)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"event_id":        eventID,
		"sections":        sections,
		"total_units":     len(units),
		"available_units": available,
	})
}
