package troupeapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/troupegate/internal/telemetry/metrics"
)

func TestClient_Login(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/auth/login", r.URL.Path)

		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		require.Equal(t, "dara", creds["username"])
		require.Equal(t, "s3cret", creds["password"])

		_ = json.NewEncoder(w).Encode(LoginResult{
			UserID:   7,
			Username: "dara",
			Role:     "admin",
			Token:    "platform-token",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL+"/api", server.Client())

	result, err := client.Login(context.Background(), "dara", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, 7, result.UserID)
	assert.Equal(t, "admin", result.Role)
	assert.Equal(t, "platform-token", result.Token)
}

func TestClient_CallsCounted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users":
			_ = json.NewEncoder(w).Encode([]User{{ID: 1, Username: "ann"}})
		default:
			http.Error(w, "nope", http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	metricsManager := metrics.NewTestManager()
	client := NewClient(server.URL, server.Client(), WithMetrics(metricsManager))

	_, err := client.ListUsers(context.Background())
	require.NoError(t, err)
	_, err = client.ListBookings(context.Background())
	require.Error(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(metricsManager.CounterPlatformAPICalls.WithLabelValues("listUsers", "ok")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(metricsManager.CounterPlatformAPICalls.WithLabelValues("listBookings", "error")), 0.001)
}

func TestClient_Login_Validation(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())

	_, err := client.Login(context.Background(), "", "s3cret")
	require.Error(t, err)
	assert.Equal(t, KindValidation, ErrKind(err))
	// nothing was dispatched
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestClient_TokenAttached(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer platform-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client()).WithToken("platform-token")

	_, err := client.ListUsers(context.Background())
	require.NoError(t, err)
}

func TestClient_AnonymousHasNoAuthHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())

	_, err := client.ListSchedule(context.Background())
	require.NoError(t, err)
}

func TestClient_HTTPErrorClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "event type has dependent bookings", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())

	err := client.DeleteEventType(context.Background(), 3)
	require.Error(t, err)
	assert.Equal(t, KindHTTP, ErrKind(err))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "dependent bookings")
}

func TestClient_NetworkErrorClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serverURL := server.URL
	server.Close() // nothing is listening anymore

	client := NewClient(serverURL, http.DefaultClient)

	_, err := client.ListBookings(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindNetwork, ErrKind(err))
}

func TestClient_TimeoutClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), WithTimeout(50*time.Millisecond))

	_, err := client.ListComplaints(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindTimeout, ErrKind(err))
	assert.True(t, IsTimeout(err))
}

func TestClient_DecodeErrorClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())

	_, err := client.ListUsers(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindDecode, ErrKind(err))
}

func TestClient_EventTypesCached(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusOK)
			return
		}
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode([]EventType{{ID: 1, EventType: "Wedding", Fee: 500}})
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	ctx := context.Background()

	first, err := client.EventTypes(ctx)
	require.NoError(t, err)
	second, err := client.EventTypes(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second call must come from cache")

	// mutation evicts, next read hits the API again
	require.NoError(t, client.DeleteEventType(ctx, 1))
	_, err = client.EventTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_Book_Validation(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())

	_, err := client.Book(context.Background(), Booking{
		UserName:  "Ann",
		UserEmail: "ann@example.com",
		// phone number missing
		EventType: "Wedding",
		EventDate: "2025-06-01",
		EventTime: "18:00",
	})
	require.Error(t, err)
	assert.Equal(t, KindValidation, ErrKind(err))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestClient_Book(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, "/bookings/book", r.URL.Path)

		var booking Booking
		require.NoError(t, json.NewDecoder(r.Body).Decode(&booking))
		booking.ID = 11
		booking.Status = BookingPending
		_ = json.NewEncoder(w).Encode(booking)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())

	created, err := client.Book(context.Background(), Booking{
		UserName:    "Ann",
		UserEmail:   "ann@example.com",
		PhoneNumber: "123456",
		EventType:   "Wedding",
		EventDate:   "2025-06-01",
		EventTime:   "18:00",
	})
	require.NoError(t, err)
	assert.Equal(t, 11, created.ID)
	assert.Equal(t, BookingPending, created.Status)
	// exactly one POST per submit
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_MarkAttendance_Payload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/attendance/mark", r.URL.Path)

		var payload struct {
			Date    string           `json:"date"`
			Records []AttendanceMark `json:"records"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "2025-03-14", payload.Date)
		assert.Equal(t, []AttendanceMark{
			{UserID: 1, Status: AttendancePresent},
			{UserID: 2, Status: AttendanceAbsent},
		}, payload.Records)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())

	err := client.MarkAttendance(context.Background(), "2025-03-14", []AttendanceMark{
		{UserID: 1, Status: AttendancePresent},
		{UserID: 2, Status: AttendanceAbsent},
	})
	require.NoError(t, err)
}

func TestClient_UploadTraining_Multipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "Warmup routine", r.FormValue("title"))
		assert.Equal(t, "Basics", r.FormValue("description"))
		assert.Equal(t, FileTypePDF, r.FormValue("fileType"))
		assert.Equal(t, "dara", r.FormValue("uploadedBy"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "warmup.pdf", header.Filename)

		content, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "%PDF-1.4 fake", string(content))

		_ = json.NewEncoder(w).Encode(Training{ID: 5, Title: "Warmup routine", FileType: FileTypePDF})
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())

	training, err := client.UploadTraining(context.Background(), UploadTrainingParams{
		Title:       "Warmup routine",
		Description: "Basics",
		FileType:    FileTypePDF,
		UploadedBy:  "dara",
		FileName:    "warmup.pdf",
		File:        strings.NewReader("%PDF-1.4 fake"),
	})
	require.NoError(t, err)
	assert.Equal(t, 5, training.ID)
}

func TestClient_UploadTraining_RejectsUnknownFileType(t *testing.T) {
	client := NewClient("http://unused", http.DefaultClient)

	_, err := client.UploadTraining(context.Background(), UploadTrainingParams{
		Title:    "x",
		FileType: "gif",
		File:     strings.NewReader("x"),
	})
	require.Error(t, err)
	assert.Equal(t, KindValidation, ErrKind(err))
}
