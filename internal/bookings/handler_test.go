package bookings

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ensembleworks/troupegate/internal/middleware"
	"github.com/ensembleworks/troupegate/internal/notify"
	"github.com/ensembleworks/troupegate/internal/session"
	"github.com/ensembleworks/troupegate/internal/troupeapi"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBookingsAPI struct {
	bookings   []troupeapi.Booking
	eventTypes []troupeapi.EventType

	bookCalls      int
	bookErr        error
	approved       []int
	rejected       []int
	deleteTypeErr  error
	deletedTypeIDs []int
}

func (f *fakeBookingsAPI) ListBookings(_ context.Context) ([]troupeapi.Booking, error) {
	return f.bookings, nil
}

func (f *fakeBookingsAPI) Book(_ context.Context, booking troupeapi.Booking) (*troupeapi.Booking, error) {
	f.bookCalls++
	if f.bookErr != nil {
		return nil, f.bookErr
	}
	booking.ID = len(f.bookings) + 1
	booking.Status = troupeapi.BookingPending
	f.bookings = append(f.bookings, booking)
	return &booking, nil
}

func (f *fakeBookingsAPI) ApproveBooking(_ context.Context, id int) error {
	f.approved = append(f.approved, id)
	return nil
}

func (f *fakeBookingsAPI) RejectBooking(_ context.Context, id int) error {
	f.rejected = append(f.rejected, id)
	return nil
}

func (f *fakeBookingsAPI) EventTypes(_ context.Context) ([]troupeapi.EventType, error) {
	return f.eventTypes, nil
}

func (f *fakeBookingsAPI) CreateEventType(_ context.Context, eventType troupeapi.EventType) (*troupeapi.EventType, error) {
	eventType.ID = len(f.eventTypes) + 1
	f.eventTypes = append(f.eventTypes, eventType)
	return &eventType, nil
}

func (f *fakeBookingsAPI) DeleteEventType(_ context.Context, id int) error {
	if f.deleteTypeErr != nil {
		return f.deleteTypeErr
	}
	f.deletedTypeIDs = append(f.deletedTypeIDs, id)
	for i := range f.eventTypes {
		if f.eventTypes[i].ID == id {
			f.eventTypes = append(f.eventTypes[:i], f.eventTypes[i+1:]...)
			break
		}
	}
	return nil
}

func setupBookingsRouterForTests(t *testing.T, api *fakeBookingsAPI) (*mux.Router, *notify.Service) {
	t.Helper()
	notifier := notify.NewService(time.Minute, nil)
	handler := NewHandler(api, notifier)
	r := mux.NewRouter()
	handler.SetupRoutes(r)
	return r, notifier
}

func withAdminSession(req *http.Request) *http.Request {
	sess := &session.Session{
		UserID:   1,
		Username: "dusan",
		Role:     session.RoleAdmin,
		APIToken: "platform-token",
	}
	return req.WithContext(middleware.ContextWithSession(req.Context(), sess, "gateway-token"))
}

func validBooking() troupeapi.Booking {
	return troupeapi.Booking{
		UserName:    "Maya",
		UserEmail:   "maya@example.com",
		PhoneNumber: "+381641234567",
		EventType:   "Wedding",
		EventDate:   "2026-10-02",
		EventTime:   "17:00",
	}
}

func TestHandler_Book_success(t *testing.T) {
	api := &fakeBookingsAPI{}
	r, notifier := setupBookingsRouterForTests(t, api)

	body, err := json.Marshal(validBooking())
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/bookings/book", bytes.NewReader(body)))

	require.Equal(t, http.StatusCreated, rr.Code)
	// a valid form costs exactly one remote call
	assert.Equal(t, 1, api.bookCalls)

	var resp BookResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Reset)
	assert.Equal(t, troupeapi.BookingPending, resp.Booking.Status)

	// anonymous visitors get the outcome in the response body only,
	// nothing may leak into a shared queue
	assert.Empty(t, notifier.Pending(""))
}

func TestHandler_Book_missingFields(t *testing.T) {
	api := &fakeBookingsAPI{}
	r, _ := setupBookingsRouterForTests(t, api)

	booking := validBooking()
	booking.PhoneNumber = ""
	booking.EventDate = ""
	body, err := json.Marshal(booking)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/bookings/book", bytes.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	// nothing was dispatched
	assert.Equal(t, 0, api.bookCalls)
}

func TestHandler_ApproveAndReject(t *testing.T) {
	api := &fakeBookingsAPI{
		bookings: []troupeapi.Booking{
			{ID: 1, UserName: "Maya", Status: troupeapi.BookingPending},
			{ID: 2, UserName: "Luka", Status: troupeapi.BookingPending},
		},
	}
	r, _ := setupBookingsRouterForTests(t, api)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/bookings/1/approve", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []int{1}, api.approved)
	assert.Equal(t, `{"approved":1}`, rr.Body.String())

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/bookings/2/reject", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []int{2}, api.rejected)
	assert.Equal(t, `{"rejected":2}`, rr.Body.String())
}

func TestHandler_EventTypes(t *testing.T) {
	api := &fakeBookingsAPI{
		eventTypes: []troupeapi.EventType{{ID: 1, EventType: "Wedding", Fee: 1200}},
	}
	r, _ := setupBookingsRouterForTests(t, api)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/bookings/event-types", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp EventTypesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.EventTypes, 1)
	assert.Equal(t, "Wedding", resp.EventTypes[0].EventType)
}

func TestHandler_DeleteEventType_withDependentBookings(t *testing.T) {
	api := &fakeBookingsAPI{
		eventTypes:    []troupeapi.EventType{{ID: 1, EventType: "Wedding", Fee: 1200}},
		deleteTypeErr: &troupeapi.Error{Kind: troupeapi.KindHTTP, Status: http.StatusBadRequest, Msg: "event type has bookings"},
	}
	r, notifier := setupBookingsRouterForTests(t, api)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, withAdminSession(httptest.NewRequest("DELETE", "/bookings/event-types/1?confirm=true", nil)))

	assert.Equal(t, http.StatusConflict, rr.Code)
	// the list stays as it was
	assert.Len(t, api.eventTypes, 1)

	pending := notifier.Pending("gateway-token")
	require.Len(t, pending, 1)
	assert.Equal(t, notify.KindWarning, pending[0].Kind)
	assert.Contains(t, pending[0].Message, "dependent bookings")
}

func TestHandler_DeleteEventType_requiresConfirmation(t *testing.T) {
	api := &fakeBookingsAPI{
		eventTypes: []troupeapi.EventType{{ID: 1, EventType: "Wedding", Fee: 1200}},
	}
	r, _ := setupBookingsRouterForTests(t, api)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, withAdminSession(httptest.NewRequest("DELETE", "/bookings/event-types/1", nil)))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "deletion not confirmed")
	assert.Empty(t, api.deletedTypeIDs)
	assert.Len(t, api.eventTypes, 1)
}

func TestHandler_DeleteEventType_success(t *testing.T) {
	api := &fakeBookingsAPI{
		eventTypes: []troupeapi.EventType{{ID: 1, EventType: "Wedding", Fee: 1200}},
	}
	r, _ := setupBookingsRouterForTests(t, api)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, withAdminSession(httptest.NewRequest("DELETE", "/bookings/event-types/1?confirm=true", nil)))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []int{1}, api.deletedTypeIDs)
	assert.Empty(t, api.eventTypes)
}
