// Package handlers exposes the booking engine over HTTP and maps domain
// errors onto status codes.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/careslot/careslot/libs/httpx"
	"github.com/careslot/careslot/services/booking-engine/internal/availability"
	"github.com/careslot/careslot/services/booking-engine/internal/booking"
	"github.com/careslot/careslot/services/booking-engine/internal/calendar"
	"github.com/careslot/careslot/services/booking-engine/internal/metrics"
	"github.com/careslot/careslot/services/booking-engine/internal/model"
	"github.com/careslot/careslot/services/booking-engine/internal/slotkey"
)

// Window is the bookable portion of a day, in UTC hours.
type Window struct {
	StartHour int
	EndHour   int
}

// SlotStore is the read/materialize surface the availability and listing
// endpoints need.
type SlotStore interface {
	OccupiedSlots(ctx context.Context, tenantID, providerID, serviceID string, from, to, now time.Time) ([]model.Slot, error)
	UpsertFreeSlots(ctx context.Context, slots []model.Slot) error
	ListAppointments(ctx context.Context, tenantID string, limit int) ([]model.Appointment, error)
}

type Holder interface {
	Hold(ctx context.Context, slotID, requesterID string) (time.Time, error)
	Release(ctx context.Context, slotID string) error
}

type Booker interface {
	Book(ctx context.Context, req booking.Request) (booking.Result, error)
}

type Canceller interface {
	Cancel(ctx context.Context, tenantID, appointmentID, reason string) (model.Appointment, error)
}

type BookingHandler struct {
	store      SlotStore
	holds      Holder
	transactor Booker
	canceller  Canceller
	cal        calendar.Adapter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	window     Window
}

func NewBookingHandler(
	store SlotStore,
	holds Holder,
	transactor Booker,
	canceller Canceller,
	cal calendar.Adapter,
	m *metrics.Metrics,
	logger *slog.Logger,
	window Window,
) *BookingHandler {
	if window.EndHour <= window.StartHour {
		window = Window{StartHour: 9, EndHour: 17}
	}
	return &BookingHandler{
		store:      store,
		holds:      holds,
		transactor: transactor,
		canceller:  canceller,
		cal:        cal,
		metrics:    m,
		logger:     logger,
		window:     window,
	}
}

func (h *BookingHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/public/slots", h.Slots)
	mux.HandleFunc("/api/v1/public/holds", h.Hold)
	mux.HandleFunc("/api/v1/public/holds/release", h.ReleaseHold)
	mux.HandleFunc("/api/v1/public/book", h.Book)
	mux.HandleFunc("/api/v1/appointments", h.ListAppointments)
	mux.HandleFunc("/api/v1/appointments/cancel", h.Cancel)
}

type slotItem struct {
	SlotID    string `json:"slot_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Available bool   `json:"available"`
}

// Slots computes the candidate grid for one provider day. Open candidates are
// materialized as free slot rows so a later hold addresses an existing id.
func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	tenantID := strings.TrimSpace(q.Get("tenant_id"))
	providerID := strings.TrimSpace(q.Get("provider_id"))
	serviceID := strings.TrimSpace(q.Get("service_id"))
	if tenantID == "" || providerID == "" || serviceID == "" {
		http.Error(w, "tenant_id, provider_id and service_id required", http.StatusBadRequest)
		return
	}

	day, err := time.Parse("2006-01-02", q.Get("date"))
	if err != nil {
		http.Error(w, "invalid date (want YYYY-MM-DD)", http.StatusBadRequest)
		return
	}
	duration := minutesParam(q.Get("duration_minutes"), 30*time.Minute)
	step := minutesParam(q.Get("step_minutes"), 0)
	if step <= 0 {
		step = duration
	}
	if duration <= 0 || duration > 8*time.Hour {
		http.Error(w, "invalid duration_minutes", http.StatusBadRequest)
		return
	}

	windowStart := time.Date(day.Year(), day.Month(), day.Day(), h.window.StartHour, 0, 0, 0, time.UTC)
	windowEnd := time.Date(day.Year(), day.Month(), day.Day(), h.window.EndHour, 0, 0, 0, time.UTC)
	now := time.Now().UTC()
	ctx := r.Context()

	busyEvents, err := h.cal.ListBusyEvents(ctx, providerID, windowStart, windowEnd)
	if err != nil {
		h.logger.Error("calendar busy query failed", "provider_id", providerID, "err", err)
		http.Error(w, "calendar unavailable", http.StatusBadGateway)
		return
	}
	busy := make([]availability.Interval, 0, len(busyEvents))
	for _, b := range busyEvents {
		busy = append(busy, availability.Interval{Start: b.Start, End: b.End})
	}

	occupiedSlots, err := h.store.OccupiedSlots(ctx, tenantID, providerID, serviceID, windowStart, windowEnd, now)
	if err != nil {
		http.Error(w, "failed to load slots", http.StatusInternalServerError)
		return
	}
	occupied := make([]availability.Interval, 0, len(occupiedSlots))
	for _, s := range occupiedSlots {
		occupied = append(occupied, availability.Interval{Start: s.StartTime, End: s.EndTime})
	}

	candidates := availability.Candidates(windowStart, windowEnd, duration, step, occupied, busy, now)

	var open []model.Slot
	items := make([]slotItem, 0, len(candidates))
	for _, c := range candidates {
		id := slotkey.ID(tenantID, providerID, serviceID, c.Start)
		items = append(items, slotItem{
			SlotID:    id,
			StartTime: c.Start.Format(time.RFC3339),
			EndTime:   c.End.Format(time.RFC3339),
			Available: c.Available,
		})
		if c.Available {
			open = append(open, model.Slot{
				ID:         id,
				TenantID:   tenantID,
				ProviderID: providerID,
				ServiceID:  serviceID,
				StartTime:  c.Start,
				EndTime:    c.End,
				Status:     model.SlotFree,
			})
		}
	}
	if err := h.store.UpsertFreeSlots(ctx, open); err != nil {
		http.Error(w, "failed to persist slots", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"slots": items})
}

func minutesParam(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Minute
}

type holdRequest struct {
	SlotID      string `json:"slot_id"`
	RequesterID string `json:"requester_id"`
}

type holdResponse struct {
	SlotID    string `json:"slot_id"`
	HeldUntil string `json:"held_until"`
}

func (h *BookingHandler) Hold(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req holdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.SlotID = strings.TrimSpace(req.SlotID)
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	if req.SlotID == "" || req.RequesterID == "" {
		http.Error(w, "slot_id and requester_id required", http.StatusBadRequest)
		return
	}

	heldUntil, err := h.holds.Hold(r.Context(), req.SlotID, req.RequesterID)
	if err != nil {
		h.writeDomainError(w, err, "failed to hold slot")
		return
	}
	h.metrics.HoldsPlaced.Inc()
	writeJSON(w, http.StatusOK, holdResponse{
		SlotID:    req.SlotID,
		HeldUntil: heldUntil.Format(time.RFC3339),
	})
}

func (h *BookingHandler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req holdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.SlotID) == "" {
		http.Error(w, "slot_id required", http.StatusBadRequest)
		return
	}

	if err := h.holds.Release(r.Context(), strings.TrimSpace(req.SlotID)); err != nil {
		h.writeDomainError(w, err, "failed to release slot")
		return
	}
	h.metrics.HoldsReleased.Inc()
	w.WriteHeader(http.StatusNoContent)
}

type bookRequest struct {
	SlotID            string `json:"slot_id"`
	RequesterID       string `json:"requester_id"`
	ServiceID         string `json:"service_id"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Email             string `json:"email"`
	Phone             string `json:"phone"`
	ConsentGiven      bool   `json:"consent_given"`
	VerificationToken string `json:"verification_token"`
}

type bookResponse struct {
	AppointmentID   string `json:"appointment_id"`
	ExternalEventID string `json:"external_event_id,omitempty"`
}

func (h *BookingHandler) Book(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	res, err := h.transactor.Book(r.Context(), booking.Request{
		SlotID:      strings.TrimSpace(req.SlotID),
		RequesterID: strings.TrimSpace(req.RequesterID),
		ServiceID:   strings.TrimSpace(req.ServiceID),
		Patient: booking.Patient{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Email:     req.Email,
			Phone:     req.Phone,
		},
		ConsentGiven:      req.ConsentGiven,
		VerificationToken: req.VerificationToken,
		Origin:            httpx.ClientIP(r),
	})
	if err != nil {
		h.countBookingFailure(err)
		h.writeDomainError(w, err, "failed to book slot")
		return
	}

	h.metrics.Bookings.WithLabelValues("committed").Inc()
	writeJSON(w, http.StatusCreated, bookResponse{
		AppointmentID:   res.AppointmentID,
		ExternalEventID: res.ExternalEventID,
	})
}

func (h *BookingHandler) countBookingFailure(err error) {
	switch {
	case errors.Is(err, model.ErrCollision):
		h.metrics.CollisionHits.Inc()
		h.metrics.Bookings.WithLabelValues("collision").Inc()
	case errors.Is(err, model.ErrSlotExpiredOrTaken):
		h.metrics.Bookings.WithLabelValues("expired").Inc()
	case errors.Is(err, model.ErrRateLimited):
		h.metrics.RateLimited.Inc()
		h.metrics.Bookings.WithLabelValues("rate_limited").Inc()
	case errors.Is(err, model.ErrUpstream):
		h.metrics.Bookings.WithLabelValues("upstream_error").Inc()
	default:
		h.metrics.Bookings.WithLabelValues("rejected").Inc()
	}
}

type cancelRequest struct {
	TenantID      string `json:"tenant_id"`
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

type cancelResponse struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
	CancelledAt   string `json:"cancelled_at"`
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.TenantID == "" || req.AppointmentID == "" {
		http.Error(w, "tenant_id and appointment_id required", http.StatusBadRequest)
		return
	}

	appt, err := h.canceller.Cancel(r.Context(), req.TenantID, req.AppointmentID, strings.TrimSpace(req.Reason))
	if err != nil {
		h.writeDomainError(w, err, "failed to cancel appointment")
		return
	}
	h.metrics.Cancellations.Inc()

	cancelledAt := ""
	if appt.CancelledAt != nil {
		cancelledAt = appt.CancelledAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, cancelResponse{
		AppointmentID: appt.ID,
		Status:        appt.Status,
		CancelledAt:   cancelledAt,
	})
}

type appointmentItem struct {
	AppointmentID string `json:"appointment_id"`
	ProviderID    string `json:"provider_id"`
	ServiceID     string `json:"service_id"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Status        string `json:"status"`
	CancelledAt   string `json:"cancelled_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func (h *BookingHandler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		http.Error(w, "tenant_id required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	appts, err := h.store.ListAppointments(r.Context(), tenantID, limit)
	if err != nil {
		http.Error(w, "failed to list appointments", http.StatusInternalServerError)
		return
	}

	items := make([]appointmentItem, 0, len(appts))
	for _, a := range appts {
		item := appointmentItem{
			AppointmentID: a.ID,
			ProviderID:    a.ProviderID,
			ServiceID:     a.ServiceID,
			StartTime:     a.StartTime.Format(time.RFC3339),
			EndTime:       a.EndTime.Format(time.RFC3339),
			Status:        a.Status,
			CreatedAt:     a.CreatedAt.Format(time.RFC3339),
		}
		if a.CancelledAt != nil {
			item.CancelledAt = a.CancelledAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": items})
}

// writeDomainError translates the sentinel errors onto the public status
// codes. Anything unrecognized is a 500 with a generic message.
func (h *BookingHandler) writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, model.ErrSlotUnavailable):
		http.Error(w, "slot is not available", http.StatusConflict)
	case errors.Is(err, model.ErrSlotExpiredOrTaken):
		http.Error(w, "hold expired or slot was taken", http.StatusGone)
	case errors.Is(err, model.ErrCollision):
		http.Error(w, "time conflicts with the provider's calendar", http.StatusConflict)
	case errors.Is(err, model.ErrRateLimited):
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	case errors.Is(err, model.ErrVerificationFailed):
		http.Error(w, "verification failed", http.StatusForbidden)
	case errors.Is(err, model.ErrAlreadyCancelled):
		http.Error(w, "appointment already cancelled", http.StatusConflict)
	case errors.Is(err, model.ErrAlreadyCompleted):
		http.Error(w, "appointment already completed", http.StatusConflict)
	case errors.Is(err, model.ErrUpstream):
		http.Error(w, "upstream dependency unavailable", http.StatusBadGateway)
	default:
		h.logger.Error(fallback, "err", err)
		http.Error(w, fallback, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
