package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
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

type attendanceAPI interface {
	AllAttendance(ctx context.Context) ([]troupeapi.AttendanceRecord, error)
	MarkAttendance(ctx context.Context, date string, marks []troupeapi.AttendanceMark) error
	ListUsers(ctx context.Context) ([]troupeapi.User, error)
}

type ListResponse struct {
	Records []troupeapi.AttendanceRecord `json:"records"`
	Stats   []UserStats                  `json:"stats"`
	Total   int                          `json:"total"`
}

// MarkRequest carries the trainer's toggles for one day. Only the
// members toggled present are listed; everyone else on the roster is
// recorded absent.
type MarkRequest struct {
	Date    string `json:"date"`
	Present []int  `json:"present"`
}

type MarkResponse struct {
	Date   string `json:"date"`
	Marked int    `json:"marked"`
}

type Handler struct {
	api      attendanceAPI
	notifier *notify.Service
	flow     *pageflow.Flow[[]troupeapi.AttendanceRecord]

	mu sync.Mutex
	// days the platform already holds a record for; submits for these
	// are refused without a remote call
	recordedDays map[string]bool
}

func NewHandler(api attendanceAPI, notifier *notify.Service) *Handler {
	return &Handler{
		api:          api,
		notifier:     notifier,
		flow:         pageflow.New[[]troupeapi.AttendanceRecord](),
		recordedDays: make(map[string]bool),
	}
}

func (handler *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/attendance/mark", handler.handleMark).Methods("POST", "OPTIONS").Name("attendance-mark")
	router.HandleFunc("/attendance", handler.handleList).Methods("GET").Name("attendance-list")
}

func (handler *Handler) dayRecorded(date string) bool {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	return handler.recordedDays[date]
}

func (handler *Handler) setDayRecorded(date string) {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	handler.recordedDays[date] = true
}

func (handler *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.attendance.list")
	defer span.End()

	records, err := handler.flow.Load(ctx, handler.api.AllAttendance)
	if err != nil {
		log.Errorf("list attendance: %s", err)
		handler.notifier.Push(middleware.TokenFromContext(ctx), notify.KindError, "failed to load attendance records")
		http.Error(w, "failed to load attendance records", troupeapi.GatewayStatus(err))
		return
	}

	if records == nil {
		records = []troupeapi.AttendanceRecord{}
	}
	pkg.SendJSON(w, http.StatusOK, ListResponse{
		Records: records,
		Stats:   Analyze(records),
		Total:   len(records),
	})
}

// handleMark records a whole day in one shot: every member on the
// roster gets an entry, present when toggled, absent otherwise.
func (handler *Handler) handleMark(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.attendance.mark")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	var markReq MarkRequest
	if err := json.NewDecoder(r.Body).Decode(&markReq); err != nil {
		log.Errorf("mark attendance, decode params: %s", err)
		http.Error(w, "invalid marking payload", http.StatusBadRequest)
		return
	}
	if markReq.Date == "" {
		markReq.Date = time.Now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", markReq.Date); err != nil {
		http.Error(w, "error, date not in YYYY-MM-DD form", http.StatusBadRequest)
		return
	}

	if handler.dayRecorded(markReq.Date) {
		handler.notifier.Push(token, notify.KindWarning, "attendance for "+markReq.Date+" is already recorded")
		http.Error(w, "attendance already recorded for "+markReq.Date, http.StatusBadRequest)
		return
	}

	users, err := handler.api.ListUsers(ctx)
	if err != nil {
		log.Errorf("mark attendance, list roster: %s", err)
		handler.notifier.Push(token, notify.KindError, "failed to load member roster")
		http.Error(w, "failed to load member roster", troupeapi.GatewayStatus(err))
		return
	}
	if len(users) == 0 {
		http.Error(w, "error, no members to mark", http.StatusBadRequest)
		return
	}

	present := make(map[int]bool, len(markReq.Present))
	for _, userID := range markReq.Present {
		present[userID] = true
	}

	marks := make([]troupeapi.AttendanceMark, 0, len(users))
	for _, user := range users {
		status := troupeapi.AttendanceAbsent
		if present[user.ID] {
			status = troupeapi.AttendancePresent
		}
		marks = append(marks, troupeapi.AttendanceMark{UserID: user.ID, Status: status})
	}

	if err := handler.api.MarkAttendance(ctx, markReq.Date, marks); err != nil {
		if troupeapi.IsConflict(err) {
			// the platform already holds this day, remember that and
			// stop further submissions gateway-side
			handler.setDayRecorded(markReq.Date)
			log.Debugf("mark attendance %s refused, already recorded", markReq.Date)
			handler.notifier.Push(token, notify.KindWarning, "attendance for "+markReq.Date+" is already recorded")
			http.Error(w, "attendance already recorded for "+markReq.Date, http.StatusConflict)
			return
		}
		log.Errorf("mark attendance %s: %s", markReq.Date, err)
		handler.notifier.Push(token, notify.KindError, "failed to record attendance")
		http.Error(w, "failed to record attendance", troupeapi.GatewayStatus(err))
		return
	}

	handler.setDayRecorded(markReq.Date)

	if _, err := handler.flow.Refetch(ctx); err != nil && !errors.Is(err, pageflow.ErrNothingLoaded) {
		log.Errorf("refetch attendance after marking: %s", err)
	}

	handler.notifier.Push(token, notify.KindSuccess, "attendance recorded")
	pkg.SendJSON(w, http.StatusCreated, MarkResponse{Date: markReq.Date, Marked: len(marks)})
}
