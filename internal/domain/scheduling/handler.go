package scheduling

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/booking/internal/platform/auth"
	"github.com/ehr/booking/internal/platform/etag"
	"github.com/ehr/booking/pkg/pagination"
)

const (
	defaultQueryDuration = 30
	defaultStatsDays     = 30
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse, registrar, scheduler
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar", "scheduler"))
	readGroup.GET("/providers/:id/availability", h.GetAvailability)
	readGroup.GET("/providers/:id/schedule", h.GetProviderSchedule)
	readGroup.GET("/patients/:id/reservations", h.ListPatientReservations)
	readGroup.GET("/reservations", h.ListReservations)
	readGroup.GET("/reservations/:id", h.GetReservation)

	// Write endpoints – admin, physician, nurse, registrar, scheduler
	writeGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar", "scheduler"))
	writeGroup.POST("/reservations", h.CreateReservation)
	writeGroup.PATCH("/reservations/:id", h.UpdateReservation)
	writeGroup.POST("/reservations/:id/cancel", h.CancelReservation)
	writeGroup.POST("/reservations/:id/transitions", h.TransitionReservation)
	writeGroup.POST("/reservations/:id/reminders", h.SendReminder)

	// Reporting – admin, manager
	reportGroup := api.Group("", auth.RequireRole("admin", "manager"))
	reportGroup.GET("/statistics", h.GetStatistics)
}

// -- Reads --

func (h *Handler) GetAvailability(c echo.Context) error {
	resourceID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	date, err := ParseDate(c.QueryParam("date"))
	if err != nil {
		return httpError(invalid("date", "%v", err))
	}
	duration, err := intParam(c, "duration", defaultQueryDuration)
	if err != nil {
		return err
	}
	step, err := intParam(c, "step", 0)
	if err != nil {
		return err
	}
	avail, err := h.svc.ListAvailableSlots(c.Request().Context(), resourceID, date, duration, step)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, avail)
}

func (h *Handler) GetProviderSchedule(c echo.Context) error {
	resourceID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	date, err := ParseDate(c.QueryParam("date"))
	if err != nil {
		return httpError(invalid("date", "%v", err))
	}
	items, err := h.svc.ProviderSchedule(c.Request().Context(), resourceID, date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resource_id":  resourceID,
		"date":         date,
		"reservations": items,
	})
}

func (h *Handler) ListPatientReservations(c echo.Context) error {
	subjectID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListSubjectReservations(c.Request().Context(), subjectID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c))
}

var searchParams = []string{
	"resource_id", "subject_id", "location_id", "department_id",
	"date", "date_from", "date_to", "status", "priority", "appointment_type",
}

func (h *Handler) ListReservations(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := make(map[string]string)
	for _, k := range searchParams {
		if v := c.QueryParam(k); v != "" {
			params[k] = v
		}
	}
	items, total, err := h.svc.SearchReservations(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c))
}

func (h *Handler) GetReservation(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	r, err := h.svc.GetReservation(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if etag.NotModified(c, r.VersionID) {
		etag.Set(c, r.VersionID)
		return c.NoContent(http.StatusNotModified)
	}
	return reservationJSON(c, http.StatusOK, r)
}

func (h *Handler) GetStatistics(c echo.Context) error {
	to := DateOf(time.Now().UTC())
	if v := c.QueryParam("to"); v != "" {
		d, err := ParseDate(v)
		if err != nil {
			return httpError(invalid("to", "%v", err))
		}
		to = d
	}
	from := to.AddDays(1 - defaultStatsDays)
	if v := c.QueryParam("from"); v != "" {
		d, err := ParseDate(v)
		if err != nil {
			return httpError(invalid("from", "%v", err))
		}
		from = d
	}
	window, err := intParam(c, "window_days", DefaultStatsWindowDays)
	if err != nil {
		return err
	}
	st, err := h.svc.GetStatistics(c.Request().Context(), Period{From: from, To: to, WindowDays: window})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// -- Writes --

func (h *Handler) CreateReservation(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return httpError(invalid("", "malformed request body"))
	}
	r, err := h.svc.CreateReservation(c.Request().Context(), req, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderLocation, strings.TrimSuffix(c.Request().URL.Path, "/")+"/"+r.ID.String())
	return reservationJSON(c, http.StatusCreated, r)
}

func (h *Handler) UpdateReservation(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return httpError(invalid("", "unreadable request body"))
	}
	patch, err := DecodePatch(body)
	if err != nil {
		return httpError(err)
	}
	ctx, err := pinnedContext(c)
	if err != nil {
		return err
	}
	r, err := h.svc.UpdateReservation(ctx, id, patch, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return reservationJSON(c, http.StatusOK, r)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelReservation(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return httpError(invalid("", "malformed request body"))
	}
	ctx, err := pinnedContext(c)
	if err != nil {
		return err
	}
	r, err := h.svc.CancelReservation(ctx, id, req.Reason, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	return reservationJSON(c, http.StatusOK, r)
}

func (h *Handler) TransitionReservation(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in TransitionInput
	if err := c.Bind(&in); err != nil {
		return httpError(invalid("", "malformed request body"))
	}
	ctx, err := pinnedContext(c)
	if err != nil {
		return err
	}
	var r *Reservation
	if in.Event == EventCancel {
		r, err = h.svc.CancelReservation(ctx, id, in.Reason, actorOf(c))
	} else {
		r, err = h.svc.Transition(ctx, id, in, actorOf(c))
	}
	if err != nil {
		return httpError(err)
	}
	return reservationJSON(c, http.StatusOK, r)
}

type reminderRequest struct {
	Channel Channel    `json:"channel"`
	SendAt  *time.Time `json:"send_at,omitempty"`
}

func (h *Handler) SendReminder(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req reminderRequest
	if err := c.Bind(&req); err != nil {
		return httpError(invalid("", "malformed request body"))
	}
	r, err := h.svc.SendReminder(c.Request().Context(), id, req.Channel, req.SendAt, actorOf(c))
	if err != nil {
		return httpError(err)
	}
	status := http.StatusOK
	if n := len(r.Reminders); n > 0 && r.Reminders[n-1].DeliveryStatus == DeliveryQueued {
		status = http.StatusAccepted
	}
	return reservationJSON(c, status, r)
}

// -- Helpers --

func reservationJSON(c echo.Context, code int, r *Reservation) error {
	etag.Set(c, r.VersionID)
	return c.JSON(code, r)
}

func actorOf(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

// pinnedContext carries an If-Match version into the service call.
func pinnedContext(c echo.Context) (context.Context, error) {
	ctx := c.Request().Context()
	v, ok, err := etag.IfMatch(c)
	if err != nil || !ok {
		return ctx, err
	}
	return WithExpectedVersion(ctx, v), nil
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, httpError(invalid(name, "invalid id"))
	}
	return id, nil
}

func intParam(c echo.Context, name string, def int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, httpError(invalid(name, "must be an integer"))
	}
	return n, nil
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error       string     `json:"error"`
	Kind        string     `json:"kind"`
	Field       string     `json:"field,omitempty"`
	Conflicting *uuid.UUID `json:"conflicting_reservation_id,omitempty"`
}

// httpError maps a core error onto its HTTP status.
func httpError(err error) error {
	body := errorBody{Error: err.Error()}
	var code int
	switch {
	case errors.Is(err, ErrValidation):
		code, body.Kind = http.StatusBadRequest, "validation"
		var ve *ValidationError
		if errors.As(err, &ve) {
			body.Field = ve.Field
		}
	case errors.Is(err, ErrNotFound):
		code, body.Kind = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrConflict):
		code, body.Kind = http.StatusConflict, "conflict"
		var ce *ConflictError
		if errors.As(err, &ce) && ce.Existing != nil {
			id := ce.Existing.ID
			body.Conflicting = &id
		}
	case errors.Is(err, ErrInvalidTransition):
		code, body.Kind = http.StatusUnprocessableEntity, "invalid_transition"
	case errors.Is(err, ErrStaleWrite):
		code, body.Kind = http.StatusPreconditionFailed, "stale_write"
	case errors.Is(err, ErrDependencyUnavailable):
		code, body.Kind = http.StatusServiceUnavailable, "dependency_unavailable"
		body.Error = "a backing service is unavailable, retry later"
	default:
		code, body.Kind = http.StatusInternalServerError, "internal"
		body.Error = "internal error"
	}
	return echo.NewHTTPError(code, body).SetInternal(err)
}
