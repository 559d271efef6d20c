package schedule

import (
	"context"
	"encoding/json"
	"errors"
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

type scheduleAPI interface {
	ListSchedule(ctx context.Context) ([]troupeapi.ScheduleEvent, error)
	CreateScheduleEvent(ctx context.Context, event troupeapi.ScheduleEvent) (*troupeapi.ScheduleEvent, error)
	UpdateScheduleEvent(ctx context.Context, id int, event troupeapi.ScheduleEvent) error
	DeleteScheduleEvent(ctx context.Context, id int) error
}

type ListResponse struct {
	Events []troupeapi.ScheduleEvent `json:"events"`
	Total  int                       `json:"total"`
}

type Handler struct {
	api      scheduleAPI
	notifier *notify.Service
	flow     *pageflow.Flow[[]troupeapi.ScheduleEvent]
	// NowFunc anchors date bucket filters, swapped out in tests
	NowFunc func() time.Time
}

func NewHandler(api scheduleAPI, notifier *notify.Service) *Handler {
	return &Handler{
		api:      api,
		notifier: notifier,
		flow:     pageflow.New[[]troupeapi.ScheduleEvent](),
		NowFunc:  time.Now,
	}
}

func (handler *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/schedule", handler.handleList).Methods("GET").Name("schedule-list")
	router.HandleFunc("/schedule", handler.handleCreate).Methods("POST", "OPTIONS").Name("schedule-create")
	router.HandleFunc("/schedule/{id}", handler.handleUpdate).Methods("PUT", "OPTIONS").Name("schedule-update")
	router.HandleFunc("/schedule/{id}", handler.handleDelete).Methods("DELETE", "OPTIONS").Name("schedule-delete")
}

func (handler *Handler) submit(ctx context.Context, mutate func(ctx context.Context) error) error {
	err := handler.flow.Submit(ctx, mutate)
	if !errors.Is(err, pageflow.ErrNotLoaded) {
		return err
	}
	if _, loadErr := handler.flow.Load(ctx, handler.api.ListSchedule); loadErr != nil {
		return loadErr
	}
	return handler.flow.Submit(ctx, mutate)
}

func (handler *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.schedule.list")
	defer span.End()

	events, err := handler.flow.Load(ctx, handler.api.ListSchedule)
	if err != nil {
		log.Errorf("list schedule: %s", err)
		handler.notifier.Push(middleware.TokenFromContext(ctx), notify.KindError, "failed to load schedule")
		http.Error(w, "failed to load schedule", troupeapi.GatewayStatus(err))
		return
	}

	query := r.URL.Query()
	events = Apply(events, Filter{
		Text:   query.Get("q"),
		Venue:  query.Get("venue"),
		Bucket: ParseBucket(query.Get("range")),
		Now:    handler.NowFunc(),
	})

	pkg.SendJSON(w, http.StatusOK, ListResponse{Events: events, Total: len(events)})
}

func (handler *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.schedule.create")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	var event troupeapi.ScheduleEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		log.Errorf("create schedule event, decode params: %s", err)
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}
	if event.Title == "" || event.Date == "" || event.Time == "" {
		http.Error(w, "error, title, date or time empty", http.StatusBadRequest)
		return
	}
	if _, err := time.Parse("2006-01-02", event.Date); err != nil {
		http.Error(w, "error, date not in YYYY-MM-DD form", http.StatusBadRequest)
		return
	}

	if sess, ok := middleware.SessionFromContext(ctx); ok {
		event.CreatedBy = sess.Username
	}

	var created *troupeapi.ScheduleEvent
	err := handler.submit(ctx, func(ctx context.Context) error {
		var submitErr error
		created, submitErr = handler.api.CreateScheduleEvent(ctx, event)
		return submitErr
	})
	if err != nil {
		log.Errorf("create schedule event [%s]: %s", event.Title, err)
		handler.notifier.Push(token, notify.KindError, "failed to create event")
		http.Error(w, "failed to create event", troupeapi.GatewayStatus(err))
		return
	}

	if _, err := handler.flow.Refetch(ctx); err != nil {
		log.Errorf("refetch schedule after create: %s", err)
	}

	handler.notifier.Push(token, notify.KindSuccess, "event created")
	pkg.SendJSON(w, http.StatusCreated, created)
}

func (handler *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.schedule.update")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "error, id NaN", http.StatusBadRequest)
		return
	}

	var event troupeapi.ScheduleEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		log.Errorf("update schedule event %d, decode params: %s", id, err)
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}

	if err := handler.submit(ctx, func(ctx context.Context) error {
		return handler.api.UpdateScheduleEvent(ctx, id, event)
	}); err != nil {
		log.Errorf("update schedule event %d: %s", id, err)
		handler.notifier.Push(token, notify.KindError, "failed to update event")
		http.Error(w, "failed to update event", troupeapi.GatewayStatus(err))
		return
	}

	if _, err := handler.flow.Refetch(ctx); err != nil {
		log.Errorf("refetch schedule after update: %s", err)
	}

	handler.notifier.Push(token, notify.KindSuccess, "event updated")
	pkg.WriteJSONResponseOK(w, `{"updated":`+strconv.Itoa(id)+`}`)
}

func (handler *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.schedule.delete")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "error, id NaN", http.StatusBadRequest)
		return
	}

	if err := handler.submit(ctx, func(ctx context.Context) error {
		return handler.api.DeleteScheduleEvent(ctx, id)
	}); err != nil {
		log.Errorf("delete schedule event %d: %s", id, err)
		handler.notifier.Push(token, notify.KindError, "failed to delete event")
		http.Error(w, "failed to delete event", troupeapi.GatewayStatus(err))
		return
	}

	if _, err := handler.flow.Refetch(ctx); err != nil {
		log.Errorf("refetch schedule after delete: %s", err)
	}

	handler.notifier.Push(token, notify.KindSuccess, "event deleted")
	pkg.WriteJSONResponseOK(w, `{"deleted":`+strconv.Itoa(id)+`}`)
}
