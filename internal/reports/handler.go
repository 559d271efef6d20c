package reports

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ensembleworks/troupegate/internal/middleware"
	"github.com/ensembleworks/troupegate/internal/notify"
	"github.com/ensembleworks/troupegate/internal/pageflow"
	"github.com/ensembleworks/troupegate/internal/telemetry/tracing"
	"github.com/ensembleworks/troupegate/internal/troupeapi"
	"github.com/ensembleworks/troupegate/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type reportsAPI interface {
	ListUsers(ctx context.Context) ([]troupeapi.User, error)
	ListBookings(ctx context.Context) ([]troupeapi.Booking, error)
	AllAttendance(ctx context.Context) ([]troupeapi.AttendanceRecord, error)
	ListComplaints(ctx context.Context) ([]troupeapi.Complaint, error)
}

type Report struct {
	troupeapi.ReportData
	// Partial is set when some collections failed to load; the report
	// still carries whatever did load
	Partial bool `json:"partial,omitempty"`
}

type Handler struct {
	api      reportsAPI
	notifier *notify.Service
	// NowFunc stamps generated reports, swapped out in tests
	NowFunc func() time.Time
}

func NewHandler(api reportsAPI, notifier *notify.Service) *Handler {
	return &Handler{
		api:      api,
		notifier: notifier,
		NowFunc:  time.Now,
	}
}

func (handler *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/reports", handler.handleReport).Methods("GET").Name("reports")
	router.HandleFunc("/reports/export/{table}", handler.handleExport).Methods("GET").Name("reports-export")
}

// buildReport pulls all four collections in parallel. One failing
// collection degrades the report to partial instead of sinking it.
func (handler *Handler) buildReport(ctx context.Context) (*Report, error) {
	report := &Report{}
	err := pageflow.FetchAll(ctx,
		func(ctx context.Context) error {
			var fetchErr error
			report.Users, fetchErr = handler.api.ListUsers(ctx)
			return fetchErr
		},
		func(ctx context.Context) error {
			var fetchErr error
			report.Bookings, fetchErr = handler.api.ListBookings(ctx)
			return fetchErr
		},
		func(ctx context.Context) error {
			var fetchErr error
			report.Attendance, fetchErr = handler.api.AllAttendance(ctx)
			return fetchErr
		},
		func(ctx context.Context) error {
			var fetchErr error
			report.Complaints, fetchErr = handler.api.ListComplaints(ctx)
			return fetchErr
		},
	)
	report.GeneratedAt = handler.NowFunc().Format(time.RFC3339)
	report.Partial = err != nil
	return report, err
}

func (handler *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.reports.report")
	defer span.End()

	report, err := handler.buildReport(ctx)
	if err != nil {
		log.Errorf("build report: %s", err)
		handler.notifier.Push(middleware.TokenFromContext(ctx), notify.KindWarning, "some report data failed to load")
	}

	pkg.SendJSON(w, http.StatusOK, report)
}

func (handler *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.reports.export")
	defer span.End()

	table := mux.Vars(r)["table"]

	report, err := handler.buildReport(ctx)
	if err != nil {
		log.Errorf("build report for export: %s", err)
		http.Error(w, "failed to build report", troupeapi.GatewayStatus(err))
		return
	}

	rows, err := tableRows(report, table)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Add("Content-Type", pkg.ContentType.CSV)
	w.Header().Add("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", table))

	csvWriter := csv.NewWriter(w)
	if err := csvWriter.WriteAll(rows); err != nil {
		log.Errorf("write %s csv: %s", table, err)
	}
}

func tableRows(report *Report, table string) ([][]string, error) {
	switch table {
	case "users":
		rows := [][]string{{"id", "name", "email", "username", "role", "qualification"}}
		for _, user := range report.Users {
			rows = append(rows, []string{
				strconv.Itoa(user.ID), user.Name, user.Email, user.Username, user.Role, user.Qualification,
			})
		}
		return rows, nil
	case "bookings":
		rows := [][]string{{"id", "user_name", "user_email", "event_type", "event_date", "event_time", "fee", "status"}}
		for _, booking := range report.Bookings {
			rows = append(rows, []string{
				strconv.Itoa(booking.ID), booking.UserName, booking.UserEmail, booking.EventType,
				booking.EventDate, booking.EventTime, strconv.FormatFloat(booking.Fee, 'f', 2, 64), booking.Status,
			})
		}
		return rows, nil
	case "attendance":
		rows := [][]string{{"id", "user_id", "user_name", "date", "status"}}
		for _, record := range report.Attendance {
			rows = append(rows, []string{
				strconv.Itoa(record.ID), strconv.Itoa(record.UserID), record.UserName, record.Date, record.Status,
			})
		}
		return rows, nil
	case "complaints":
		rows := [][]string{{"id", "user_id", "user_name", "status", "complaint_text", "response"}}
		for _, complaint := range report.Complaints {
			rows = append(rows, []string{
				strconv.Itoa(complaint.ID), strconv.Itoa(complaint.UserID), complaint.UserName,
				complaint.Status, complaint.ComplaintText, complaint.Response,
			})
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("unknown report table: %s", table)
	}
}
