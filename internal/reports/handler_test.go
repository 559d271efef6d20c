package reports

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ensembleworks/troupegate/internal/notify"
	"github.com/ensembleworks/troupegate/internal/troupeapi"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReportsAPI struct {
	users      []troupeapi.User
	bookings   []troupeapi.Booking
	attendance []troupeapi.AttendanceRecord
	complaints []troupeapi.Complaint

	usersErr error
}

func (f *fakeReportsAPI) ListUsers(_ context.Context) ([]troupeapi.User, error) {
	if f.usersErr != nil {
		return nil, f.usersErr
	}
	return f.users, nil
}

func (f *fakeReportsAPI) ListBookings(_ context.Context) ([]troupeapi.Booking, error) {
	return f.bookings, nil
}

func (f *fakeReportsAPI) AllAttendance(_ context.Context) ([]troupeapi.AttendanceRecord, error) {
	return f.attendance, nil
}

func (f *fakeReportsAPI) ListComplaints(_ context.Context) ([]troupeapi.Complaint, error) {
	return f.complaints, nil
}

func setupReportsRouterForTests(t *testing.T, api *fakeReportsAPI) *mux.Router {
	t.Helper()
	handler := NewHandler(api, notify.NewService(time.Minute, nil))
	handler.NowFunc = func() time.Time {
		return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	}
	r := mux.NewRouter()
	handler.SetupRoutes(r)
	return r
}

func TestHandler_Report(t *testing.T) {
	api := &fakeReportsAPI{
		users:      []troupeapi.User{{ID: 1, Name: "Ann"}},
		bookings:   []troupeapi.Booking{{ID: 1, UserName: "Maya", Status: troupeapi.BookingPending}},
		attendance: []troupeapi.AttendanceRecord{{ID: 1, UserID: 1, Status: troupeapi.AttendancePresent}},
		complaints: []troupeapi.Complaint{{ID: 1, UserID: 1, Status: troupeapi.ComplaintPending}},
	}
	r := setupReportsRouterForTests(t, api)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/reports", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Len(t, report.Users, 1)
	assert.Len(t, report.Bookings, 1)
	assert.Len(t, report.Attendance, 1)
	assert.Len(t, report.Complaints, 1)
	assert.False(t, report.Partial)
	assert.Equal(t, "2026-09-01T12:00:00Z", report.GeneratedAt)
}

func TestHandler_Report_partialOnOneFailure(t *testing.T) {
	api := &fakeReportsAPI{
		usersErr:   errors.New("users api down"),
		bookings:   []troupeapi.Booking{{ID: 1, UserName: "Maya"}},
		complaints: []troupeapi.Complaint{{ID: 1, UserID: 1}},
	}
	r := setupReportsRouterForTests(t, api)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/reports", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.True(t, report.Partial)
	assert.Empty(t, report.Users)
	// the collections that did load are kept
	assert.Len(t, report.Bookings, 1)
	assert.Len(t, report.Complaints, 1)
}

func TestHandler_Export_users(t *testing.T) {
	api := &fakeReportsAPI{
		users: []troupeapi.User{
			{ID: 1, Name: "Ann", Email: "ann@example.com", Username: "ann", Role: "user", Qualification: "Expert"},
		},
	}
	r := setupReportsRouterForTests(t, api)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/reports/export/users", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "id,name,email,username,role,qualification")
	assert.Contains(t, rr.Body.String(), "1,Ann,ann@example.com,ann,user,Expert")
}

func TestHandler_Export_unknownTable(t *testing.T) {
	r := setupReportsRouterForTests(t, &fakeReportsAPI{})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/reports/export/payroll", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
