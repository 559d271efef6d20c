package complaints

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ensembleworks/troupegate/internal/middleware"
	"github.com/ensembleworks/troupegate/internal/notify"
	"github.com/ensembleworks/troupegate/internal/pageflow"
	"github.com/ensembleworks/troupegate/internal/session"
	"github.com/ensembleworks/troupegate/internal/telemetry/tracing"
	"github.com/ensembleworks/troupegate/internal/troupeapi"
	"github.com/ensembleworks/troupegate/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type complaintsAPI interface {
	ListComplaints(ctx context.Context) ([]troupeapi.Complaint, error)
	ComplaintsForUser(ctx context.Context, userID int) ([]troupeapi.Complaint, error)
	FileComplaint(ctx context.Context, userID int, text string) (*troupeapi.Complaint, error)
	ReappealComplaint(ctx context.Context, id int) error
	UpdateComplaint(ctx context.Context, id int, status, response string) error
}

type ListResponse struct {
	Complaints []troupeapi.Complaint `json:"complaints"`
	Total      int                   `json:"total"`
}

type FileRequest struct {
	ComplaintText string `json:"complaint_text"`
}

type UpdateRequest struct {
	Status   string `json:"status"`
	Response string `json:"response"`
}

type Handler struct {
	api      complaintsAPI
	notifier *notify.Service
	flow     *pageflow.Flow[[]troupeapi.Complaint]
}

func NewHandler(api complaintsAPI, notifier *notify.Service) *Handler {
	return &Handler{
		api:      api,
		notifier: notifier,
		flow:     pageflow.New[[]troupeapi.Complaint](),
	}
}

func (handler *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/complaints/file", handler.handleFile).Methods("POST", "OPTIONS").Name("complaints-file")
	router.HandleFunc("/complaints/user/{userID}", handler.handleForUser).Methods("GET").Name("complaints-for-user")
	router.HandleFunc("/complaints/reappeal/{id}", handler.handleReappeal).Methods("POST", "OPTIONS").Name("complaints-reappeal")
	router.HandleFunc("/complaints", handler.handleList).Methods("GET").Name("complaints-list")
	router.HandleFunc("/complaints/{id}", handler.handleUpdate).Methods("PUT", "OPTIONS").Name("complaints-update")
}

func (handler *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.complaints.list")
	defer span.End()

	complaints, err := handler.flow.Load(ctx, handler.api.ListComplaints)
	if err != nil {
		log.Errorf("list complaints: %s", err)
		handler.notifier.Push(middleware.TokenFromContext(ctx), notify.KindError, "failed to load complaints")
		http.Error(w, "failed to load complaints", troupeapi.GatewayStatus(err))
		return
	}

	if complaints == nil {
		complaints = []troupeapi.Complaint{}
	}
	pkg.SendJSON(w, http.StatusOK, ListResponse{Complaints: complaints, Total: len(complaints)})
}

func (handler *Handler) handleForUser(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.complaints.forUser")
	defer span.End()

	userID, err := strconv.Atoi(mux.Vars(r)["userID"])
	if err != nil {
		http.Error(w, "error, user id NaN", http.StatusBadRequest)
		return
	}

	// a member only ever sees their own complaints
	if sess, ok := middleware.SessionFromContext(ctx); ok && sess.Role != session.RoleAdmin && sess.UserID != userID {
		http.Error(w, "no can do", http.StatusForbidden)
		return
	}

	complaints, err := handler.api.ComplaintsForUser(ctx, userID)
	if err != nil {
		log.Errorf("list complaints for user %d: %s", userID, err)
		http.Error(w, "failed to load complaints", troupeapi.GatewayStatus(err))
		return
	}

	if complaints == nil {
		complaints = []troupeapi.Complaint{}
	}
	pkg.SendJSON(w, http.StatusOK, ListResponse{Complaints: complaints, Total: len(complaints)})
}

// handleFile appends the complaint optimistically; if the platform
// rejects it the append is rolled back and the member notified.
func (handler *Handler) handleFile(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.complaints.file")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	sess, ok := middleware.SessionFromContext(ctx)
	if !ok {
		http.Error(w, "no can do", http.StatusUnauthorized)
		return
	}

	var fileReq FileRequest
	if err := json.NewDecoder(r.Body).Decode(&fileReq); err != nil {
		log.Errorf("file complaint, decode params: %s", err)
		http.Error(w, "invalid complaint payload", http.StatusBadRequest)
		return
	}
	if fileReq.ComplaintText == "" {
		http.Error(w, "error, complaint text empty", http.StatusBadRequest)
		return
	}

	rollback, _ := handler.flow.Patch(func(complaints []troupeapi.Complaint) []troupeapi.Complaint {
		patched := make([]troupeapi.Complaint, len(complaints), len(complaints)+1)
		copy(patched, complaints)
		return append(patched, troupeapi.Complaint{
			UserID:        sess.UserID,
			UserName:      sess.Username,
			ComplaintText: fileReq.ComplaintText,
			Status:        troupeapi.ComplaintPending,
		})
	})

	filed, err := handler.api.FileComplaint(ctx, sess.UserID, fileReq.ComplaintText)
	if err != nil {
		if rollback != nil {
			rollback()
		}
		log.Errorf("file complaint for user %d: %s", sess.UserID, err)
		handler.notifier.Push(token, notify.KindError, "failed to file complaint")
		http.Error(w, "failed to file complaint", troupeapi.GatewayStatus(err))
		return
	}

	handler.notifier.Push(token, notify.KindSuccess, "complaint filed")
	pkg.SendJSON(w, http.StatusCreated, filed)
}

func (handler *Handler) handleReappeal(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.complaints.reappeal")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "error, id NaN", http.StatusBadRequest)
		return
	}

	if current, found := handler.currentStatus(ctx, id); found {
		if err := CheckTransition(current, troupeapi.ComplaintReappealed); err != nil {
			handler.notifier.Push(token, notify.KindWarning, err.Error())
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := handler.api.ReappealComplaint(ctx, id); err != nil {
		log.Errorf("reappeal complaint %d: %s", id, err)
		handler.notifier.Push(token, notify.KindError, "failed to reappeal complaint")
		http.Error(w, "failed to reappeal complaint", troupeapi.GatewayStatus(err))
		return
	}

	if _, err := handler.flow.Refetch(ctx); err != nil && !errors.Is(err, pageflow.ErrNothingLoaded) {
		log.Errorf("refetch complaints after reappeal: %s", err)
	}

	handler.notifier.Push(token, notify.KindSuccess, "complaint reappealed")
	pkg.WriteJSONResponseOK(w, `{"reappealed":`+strconv.Itoa(id)+`}`)
}

func (handler *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.complaints.update")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "error, id NaN", http.StatusBadRequest)
		return
	}

	var updateReq UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&updateReq); err != nil {
		log.Errorf("update complaint %d, decode params: %s", id, err)
		http.Error(w, "invalid update payload", http.StatusBadRequest)
		return
	}

	current, found := handler.currentStatus(ctx, id)
	if !found {
		http.Error(w, "complaint not found", http.StatusNotFound)
		return
	}
	if err := CheckTransition(current, updateReq.Status); err != nil {
		// invalid transitions never leave the gateway
		handler.notifier.Push(token, notify.KindWarning, err.Error())
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := handler.api.UpdateComplaint(ctx, id, updateReq.Status, updateReq.Response); err != nil {
		log.Errorf("update complaint %d to %s: %s", id, updateReq.Status, err)
		handler.notifier.Push(token, notify.KindError, "failed to update complaint")
		http.Error(w, "failed to update complaint", troupeapi.GatewayStatus(err))
		return
	}

	if _, err := handler.flow.Refetch(ctx); err != nil && !errors.Is(err, pageflow.ErrNothingLoaded) {
		log.Errorf("refetch complaints after update: %s", err)
	}

	handler.notifier.Push(token, notify.KindSuccess, "complaint "+updateReq.Status)
	pkg.WriteJSONResponseOK(w, `{"updated":`+strconv.Itoa(id)+`}`)
}

// currentStatus looks the complaint up, loading the page when needed.
func (handler *Handler) currentStatus(ctx context.Context, id int) (string, bool) {
	snapshot := handler.flow.Snapshot()
	complaints := snapshot.Data
	if snapshot.Status != pageflow.StatusLoaded {
		var err error
		complaints, err = handler.flow.Load(ctx, handler.api.ListComplaints)
		if err != nil {
			log.Errorf("load complaints for status check: %s", err)
			return "", false
		}
	}

	for _, complaint := range complaints {
		if complaint.ID == id {
			return complaint.Status, true
		}
	}
	return "", false
}
