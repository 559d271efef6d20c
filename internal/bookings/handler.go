package bookings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ensembleworks/troupegate/internal/middleware"
	"github.com/ensembleworks/troupegate/internal/notify"
	"github.com/ensembleworks/troupegate/internal/pageflow"
	"github.com/ensembleworks/troupegate/internal/telemetry/tracing"
	"github.com/ensembleworks/troupegate/internal/troupeapi"
	"github.com/ensembleworks/troupegate/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type bookingsAPI interface {
	ListBookings(ctx context.Context) ([]troupeapi.Booking, error)
	Book(ctx context.Context, booking troupeapi.Booking) (*troupeapi.Booking, error)
	ApproveBooking(ctx context.Context, id int) error
	RejectBooking(ctx context.Context, id int) error
	EventTypes(ctx context.Context) ([]troupeapi.EventType, error)
	CreateEventType(ctx context.Context, eventType troupeapi.EventType) (*troupeapi.EventType, error)
	DeleteEventType(ctx context.Context, id int) error
}

type ListResponse struct {
	Bookings []troupeapi.Booking `json:"bookings"`
	Total    int                 `json:"total"`
}

type EventTypesResponse struct {
	EventTypes []troupeapi.EventType `json:"event_types"`
}

// BookResponse tells the booking form what to do next: on success the
// form resets for the next visitor.
type BookResponse struct {
	Booking *troupeapi.Booking `json:"booking"`
	Reset   bool               `json:"reset"`
}

type Handler struct {
	api      bookingsAPI
	notifier *notify.Service
	flow     *pageflow.Flow[[]troupeapi.Booking]
}

func NewHandler(api bookingsAPI, notifier *notify.Service) *Handler {
	return &Handler{
		api:      api,
		notifier: notifier,
		flow:     pageflow.New[[]troupeapi.Booking](),
	}
}

func (handler *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/bookings/book", handler.handleBook).Methods("POST", "OPTIONS").Name("bookings-book")
	router.HandleFunc("/bookings/event-types", handler.handleEventTypes).Methods("GET").Name("bookings-event-types")
	router.HandleFunc("/bookings/event-types", handler.handleCreateEventType).Methods("POST", "OPTIONS").Name("bookings-create-event-type")
	router.HandleFunc("/bookings/event-types/{id}", handler.handleDeleteEventType).Methods("DELETE", "OPTIONS").Name("bookings-delete-event-type")
	router.HandleFunc("/bookings", handler.handleList).Methods("GET").Name("bookings-list")
	router.HandleFunc("/bookings/{id}/approve", handler.handleApprove).Methods("POST", "OPTIONS").Name("bookings-approve")
	router.HandleFunc("/bookings/{id}/reject", handler.handleReject).Methods("POST", "OPTIONS").Name("bookings-reject")
}

func (handler *Handler) submit(ctx context.Context, mutate func(ctx context.Context) error) error {
	err := handler.flow.Submit(ctx, mutate)
	if !errors.Is(err, pageflow.ErrNotLoaded) {
		return err
	}
	if _, loadErr := handler.flow.Load(ctx, handler.api.ListBookings); loadErr != nil {
		return loadErr
	}
	return handler.flow.Submit(ctx, mutate)
}

// handleBook serves the public booking form. Validation happens fully
// before dispatch, so a rejected form costs no remote call, and a valid
// one costs exactly one.
func (handler *Handler) handleBook(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.bookings.book")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	var booking troupeapi.Booking
	if err := json.NewDecoder(r.Body).Decode(&booking); err != nil {
		log.Errorf("new booking, decode params: %s", err)
		http.Error(w, "invalid booking payload", http.StatusBadRequest)
		return
	}

	if missing := missingBookingFields(booking); len(missing) > 0 {
		http.Error(w, fmt.Sprintf("missing required fields: %v", missing), http.StatusBadRequest)
		return
	}

	booked, err := handler.api.Book(ctx, booking)
	if err != nil {
		log.Errorf("new booking [%s / %s]: %s", booking.UserEmail, booking.EventType, err)
		handler.notifier.Push(token, notify.KindError, "booking failed, please try again")
		http.Error(w, "booking failed", troupeapi.GatewayStatus(err))
		return
	}

	log.Debugf("new booking: [%s] [%s] on %s", booked.UserName, booked.EventType, booked.EventDate)
	handler.notifier.Push(token, notify.KindSuccess, "booking received")
	pkg.SendJSON(w, http.StatusCreated, BookResponse{Booking: booked, Reset: true})
}

func missingBookingFields(b troupeapi.Booking) []string {
	var missing []string
	for field, value := range map[string]string{
		"user_name":    b.UserName,
		"user_email":   b.UserEmail,
		"phone_number": b.PhoneNumber,
		"event_type":   b.EventType,
		"event_date":   b.EventDate,
		"event_time":   b.EventTime,
	} {
		if value == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

func (handler *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.bookings.list")
	defer span.End()

	bookings, err := handler.flow.Load(ctx, handler.api.ListBookings)
	if err != nil {
		log.Errorf("list bookings: %s", err)
		handler.notifier.Push(middleware.TokenFromContext(ctx), notify.KindError, "failed to load bookings")
		http.Error(w, "failed to load bookings", troupeapi.GatewayStatus(err))
		return
	}

	if bookings == nil {
		bookings = []troupeapi.Booking{}
	}
	pkg.SendJSON(w, http.StatusOK, ListResponse{Bookings: bookings, Total: len(bookings)})
}

func (handler *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	handler.handleDecision(w, r, "approve")
}

func (handler *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	handler.handleDecision(w, r, "reject")
}

func (handler *Handler) handleDecision(w http.ResponseWriter, r *http.Request, decision string) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.bookings."+decision)
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "error, id NaN", http.StatusBadRequest)
		return
	}

	err = handler.submit(ctx, func(ctx context.Context) error {
		if decision == "approve" {
			return handler.api.ApproveBooking(ctx, id)
		}
		return handler.api.RejectBooking(ctx, id)
	})
	if err != nil {
		log.Errorf("%s booking %d: %s", decision, id, err)
		handler.notifier.Push(token, notify.KindError, fmt.Sprintf("failed to %s booking", decision))
		http.Error(w, fmt.Sprintf("failed to %s booking", decision), troupeapi.GatewayStatus(err))
		return
	}

	if _, err := handler.flow.Refetch(ctx); err != nil {
		log.Errorf("refetch bookings after %s: %s", decision, err)
	}

	outcome := "approved"
	if decision == "reject" {
		outcome = "rejected"
	}
	handler.notifier.Push(token, notify.KindSuccess, "booking "+outcome)
	pkg.WriteJSONResponseOK(w, fmt.Sprintf(`{"%s":%d}`, outcome, id))
}

func (handler *Handler) handleEventTypes(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.bookings.eventTypes")
	defer span.End()

	eventTypes, err := handler.api.EventTypes(ctx)
	if err != nil {
		log.Errorf("list event types: %s", err)
		http.Error(w, "failed to load event types", troupeapi.GatewayStatus(err))
		return
	}

	if eventTypes == nil {
		eventTypes = []troupeapi.EventType{}
	}
	pkg.SendJSON(w, http.StatusOK, EventTypesResponse{EventTypes: eventTypes})
}

func (handler *Handler) handleCreateEventType(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.bookings.createEventType")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	var eventType troupeapi.EventType
	if err := json.NewDecoder(r.Body).Decode(&eventType); err != nil {
		log.Errorf("create event type, decode params: %s", err)
		http.Error(w, "invalid event type payload", http.StatusBadRequest)
		return
	}
	if eventType.EventType == "" {
		http.Error(w, "error, event type name empty", http.StatusBadRequest)
		return
	}
	if eventType.Fee < 0 {
		http.Error(w, "error, negative fee", http.StatusBadRequest)
		return
	}

	created, err := handler.api.CreateEventType(ctx, eventType)
	if err != nil {
		log.Errorf("create event type [%s]: %s", eventType.EventType, err)
		handler.notifier.Push(token, notify.KindError, "failed to create event type")
		http.Error(w, "failed to create event type", troupeapi.GatewayStatus(err))
		return
	}

	handler.notifier.Push(token, notify.KindSuccess, "event type created")
	pkg.SendJSON(w, http.StatusCreated, created)
}

func (handler *Handler) handleDeleteEventType(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.bookings.deleteEventType")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "error, id NaN", http.StatusBadRequest)
		return
	}

	// destructive, the confirmation has to be explicit
	if r.URL.Query().Get("confirm") != "true" {
		http.Error(w, "deletion not confirmed", http.StatusBadRequest)
		return
	}

	if err := handler.api.DeleteEventType(ctx, id); err != nil {
		// the platform refuses to delete a type still referenced by
		// bookings, and the admin should see that as its own message
		if troupeapi.IsConflict(err) {
			log.Debugf("delete event type %d refused, dependent bookings", id)
			handler.notifier.Push(token, notify.KindWarning, "event type has dependent bookings and cannot be deleted")
			http.Error(w, "event type has dependent bookings", http.StatusConflict)
			return
		}
		log.Errorf("delete event type %d: %s", id, err)
		handler.notifier.Push(token, notify.KindError, "failed to delete event type")
		http.Error(w, "failed to delete event type", troupeapi.GatewayStatus(err))
		return
	}

	handler.notifier.Push(token, notify.KindSuccess, "event type deleted")
	pkg.WriteJSONResponseOK(w, `{"deleted":`+strconv.Itoa(id)+`}`)
}
