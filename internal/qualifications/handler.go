package qualifications

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

type qualificationsAPI interface {
	ListQualifications(ctx context.Context) ([]troupeapi.Qualification, error)
	SetQualification(ctx context.Context, userID int, level string) error
}

type ListResponse struct {
	Qualifications []troupeapi.Qualification `json:"qualifications"`
	Total          int                       `json:"total"`
}

type SetRequest struct {
	Qualification string `json:"qualification"`
}

type Handler struct {
	api      qualificationsAPI
	notifier *notify.Service
	flow     *pageflow.Flow[[]troupeapi.Qualification]
}

func NewHandler(api qualificationsAPI, notifier *notify.Service) *Handler {
	return &Handler{
		api:      api,
		notifier: notifier,
		flow:     pageflow.New[[]troupeapi.Qualification](),
	}
}

func (handler *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/qualifications", handler.handleList).Methods("GET").Name("qualifications-list")
	router.HandleFunc("/qualifications/{userID}", handler.handleSet).Methods("PUT", "OPTIONS").Name("qualifications-set")
}

func (handler *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.qualifications.list")
	defer span.End()

	// the page keeps its cache warm so optimistic patches stay visible;
	// refresh=true forces a round trip
	var qualifications []troupeapi.Qualification
	var err error
	if snapshot := handler.flow.Snapshot(); snapshot.Status == pageflow.StatusLoaded &&
		r.URL.Query().Get("refresh") != "true" {
		qualifications = snapshot.Data
	} else {
		qualifications, err = handler.flow.Load(ctx, handler.api.ListQualifications)
	}
	if err != nil {
		log.Errorf("list qualifications: %s", err)
		handler.notifier.Push(middleware.TokenFromContext(ctx), notify.KindError, "failed to load qualifications")
		http.Error(w, "failed to load qualifications", troupeapi.GatewayStatus(err))
		return
	}

	if qualifications == nil {
		qualifications = []troupeapi.Qualification{}
	}
	pkg.SendJSON(w, http.StatusOK, ListResponse{Qualifications: qualifications, Total: len(qualifications)})
}

// handleSet applies the new level optimistically and reconciles: when
// the platform rejects the change, the local patch is rolled back and
// the admin notified, so the page never keeps showing a level the
// platform refused.
func (handler *Handler) handleSet(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.qualifications.set")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	userID, err := strconv.Atoi(mux.Vars(r)["userID"])
	if err != nil {
		http.Error(w, "error, user id NaN", http.StatusBadRequest)
		return
	}

	var setReq SetRequest
	if err := json.NewDecoder(r.Body).Decode(&setReq); err != nil {
		log.Errorf("set qualification for user %d, decode params: %s", userID, err)
		http.Error(w, "invalid qualification payload", http.StatusBadRequest)
		return
	}

	switch setReq.Qualification {
	case troupeapi.QualificationBeginner, troupeapi.QualificationIntermediate, troupeapi.QualificationExpert:
	default:
		http.Error(w, fmt.Sprintf("unknown qualification level: %s", setReq.Qualification), http.StatusBadRequest)
		return
	}

	rollback, err := handler.patchLevel(ctx, userID, setReq.Qualification)
	if err != nil {
		log.Errorf("set qualification for user %d, load page: %s", userID, err)
		http.Error(w, "failed to load qualifications", troupeapi.GatewayStatus(err))
		return
	}

	if err := handler.api.SetQualification(ctx, userID, setReq.Qualification); err != nil {
		rollback()
		log.Errorf("set qualification for user %d to %s: %s", userID, setReq.Qualification, err)
		handler.notifier.Push(token, notify.KindError, "failed to update qualification, change reverted")
		http.Error(w, "failed to update qualification", troupeapi.GatewayStatus(err))
		return
	}

	handler.notifier.Push(token, notify.KindSuccess, "qualification updated")
	pkg.WriteJSONResponseOK(w, fmt.Sprintf(`{"user_id":%d,"qualification":%q}`, userID, setReq.Qualification))
}

func (handler *Handler) patchLevel(ctx context.Context, userID int, level string) (func(), error) {
	apply := func(qualifications []troupeapi.Qualification) []troupeapi.Qualification {
		patched := make([]troupeapi.Qualification, len(qualifications))
		copy(patched, qualifications)
		for i := range patched {
			if patched[i].UserID == userID {
				patched[i].Qualification = level
			}
		}
		return patched
	}

	rollback, err := handler.flow.Patch(apply)
	if !errors.Is(err, pageflow.ErrNotLoaded) {
		return rollback, err
	}

	if _, loadErr := handler.flow.Load(ctx, handler.api.ListQualifications); loadErr != nil {
		return nil, loadErr
	}
	return handler.flow.Patch(apply)
}
