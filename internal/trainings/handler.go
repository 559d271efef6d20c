package trainings

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ensembleworks/troupegate/internal/middleware"
	"github.com/ensembleworks/troupegate/internal/notify"
	"github.com/ensembleworks/troupegate/internal/pageflow"
	"github.com/ensembleworks/troupegate/internal/telemetry/tracing"
	"github.com/ensembleworks/troupegate/internal/troupeapi"
	"github.com/ensembleworks/troupegate/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const maxUploadBytes = 100 << 20 // 100 MB

type trainingsAPI interface {
	ListTrainings(ctx context.Context) ([]troupeapi.Training, error)
	GetTraining(ctx context.Context, id int) (*troupeapi.Training, error)
	DeleteTraining(ctx context.Context, id int) error
	UploadTraining(ctx context.Context, params troupeapi.UploadTrainingParams) (*troupeapi.Training, error)
}

type ListResponse struct {
	Trainings []troupeapi.Training `json:"trainings"`
	Total     int                  `json:"total"`
}

type ViewResponse struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

type Handler struct {
	api      trainingsAPI
	blobs    *BlobStore
	notifier *notify.Service
	flow     *pageflow.Flow[[]troupeapi.Training]
}

func NewHandler(api trainingsAPI, blobs *BlobStore, notifier *notify.Service) *Handler {
	return &Handler{
		api:      api,
		blobs:    blobs,
		notifier: notifier,
		flow:     pageflow.New[[]troupeapi.Training](),
	}
}

func (handler *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/trainings", handler.handleList).Methods("GET").Name("trainings-list")
	router.HandleFunc("/trainings", handler.handleUpload).Methods("POST", "OPTIONS").Name("trainings-upload")
	router.HandleFunc("/trainings/blob/{key}", handler.handleBlob).Methods("GET").Name("trainings-blob")
	router.HandleFunc("/trainings/{id}/view", handler.handleView).Methods("GET").Name("trainings-view")
	router.HandleFunc("/trainings/{id}", handler.handleDelete).Methods("DELETE", "OPTIONS").Name("trainings-delete")
}

func (handler *Handler) submit(ctx context.Context, mutate func(ctx context.Context) error) error {
	err := handler.flow.Submit(ctx, mutate)
	if !errors.Is(err, pageflow.ErrNotLoaded) {
		return err
	}
	if _, loadErr := handler.flow.Load(ctx, handler.api.ListTrainings); loadErr != nil {
		return loadErr
	}
	return handler.flow.Submit(ctx, mutate)
}

func (handler *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.trainings.list")
	defer span.End()

	trainings, err := handler.flow.Load(ctx, handler.api.ListTrainings)
	if err != nil {
		log.Errorf("list trainings: %s", err)
		handler.notifier.Push(middleware.TokenFromContext(ctx), notify.KindError, "failed to load trainings")
		http.Error(w, "failed to load trainings", troupeapi.GatewayStatus(err))
		return
	}

	if trainings == nil {
		trainings = []troupeapi.Training{}
	}
	// the file payload is only served through view links
	for i := range trainings {
		trainings[i].FileData = ""
	}
	pkg.SendJSON(w, http.StatusOK, ListResponse{Trainings: trainings, Total: len(trainings)})
}

// handleView fetches the training with its file payload, decodes it and
// parks it in the blob store. The returned link stays valid until the
// blob expires.
func (handler *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.trainings.view")
	defer span.End()

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "error, id NaN", http.StatusBadRequest)
		return
	}

	training, err := handler.api.GetTraining(ctx, id)
	if err != nil {
		log.Errorf("view training %d: %s", id, err)
		http.Error(w, "failed to load training", troupeapi.GatewayStatus(err))
		return
	}
	if training.FileData == "" {
		http.Error(w, "training has no file", http.StatusNotFound)
		return
	}

	fileBytes, err := base64.StdEncoding.DecodeString(training.FileData)
	if err != nil {
		log.Errorf("view training %d, decode file data: %s", id, err)
		http.Error(w, "corrupt training file", http.StatusBadGateway)
		return
	}

	key, err := handler.blobs.Put(fileBytes, contentTypeFor(training.FileType))
	if err != nil {
		log.Errorf("view training %d, store blob: %s", id, err)
		http.Error(w, "failed to prepare training file", http.StatusInternalServerError)
		return
	}

	pkg.SendJSON(w, http.StatusOK, ViewResponse{ID: id, URL: "/trainings/blob/" + key})
}

func (handler *Handler) handleBlob(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	data, contentType, err := handler.blobs.Get(key)
	if err != nil {
		http.Error(w, "file link expired", http.StatusGone)
		return
	}

	pkg.WriteResponseBytesOK(w, contentType, data)
}

func (handler *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.trainings.upload")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		log.Errorf("upload training, parse multipart form: %s", err)
		http.Error(w, "parse form error", http.StatusBadRequest)
		return
	}

	title := r.FormValue("title")
	description := r.FormValue("description")
	fileType := r.FormValue("fileType")
	if title == "" {
		http.Error(w, "error, title empty", http.StatusBadRequest)
		return
	}
	if fileType != troupeapi.FileTypeVideo && fileType != troupeapi.FileTypePDF {
		http.Error(w, fmt.Sprintf("unsupported file type: %s", fileType), http.StatusBadRequest)
		return
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "error, file missing", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if err := checkFileContentType(fileType, fileHeader.Header.Get("Content-Type")); err != nil {
		handler.notifier.Push(token, notify.KindError, err.Error())
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	uploadedBy := ""
	if sess, ok := middleware.SessionFromContext(ctx); ok {
		uploadedBy = sess.Username
	}

	var uploaded *troupeapi.Training
	err = handler.submit(ctx, func(ctx context.Context) error {
		var submitErr error
		uploaded, submitErr = handler.api.UploadTraining(ctx, troupeapi.UploadTrainingParams{
			Title:       title,
			Description: description,
			FileType:    fileType,
			UploadedBy:  uploadedBy,
			FileName:    fileHeader.Filename,
			File:        file,
		})
		return submitErr
	})
	if err != nil {
		log.Errorf("upload training [%s]: %s", title, err)
		handler.notifier.Push(token, notify.KindError, "failed to upload training")
		http.Error(w, "failed to upload training", troupeapi.GatewayStatus(err))
		return
	}

	if _, err := handler.flow.Refetch(ctx); err != nil {
		log.Errorf("refetch trainings after upload: %s", err)
	}

	log.Debugf("new training uploaded: [%s] by [%s]: %d", uploaded.Title, uploadedBy, uploaded.ID)
	handler.notifier.Push(token, notify.KindSuccess, "training uploaded")
	pkg.SendJSON(w, http.StatusCreated, uploaded)
}

func (handler *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.trainings.delete")
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

	if err := handler.submit(ctx, func(ctx context.Context) error {
		return handler.api.DeleteTraining(ctx, id)
	}); err != nil {
		log.Errorf("delete training %d: %s", id, err)
		handler.notifier.Push(token, notify.KindError, "failed to delete training")
		http.Error(w, "failed to delete training", troupeapi.GatewayStatus(err))
		return
	}

	if _, err := handler.flow.Refetch(ctx); err != nil {
		log.Errorf("refetch trainings after delete: %s", err)
	}

	handler.notifier.Push(token, notify.KindSuccess, "training deleted")
	pkg.WriteJSONResponseOK(w, `{"deleted":`+strconv.Itoa(id)+`}`)
}

func contentTypeFor(fileType string) string {
	if fileType == troupeapi.FileTypePDF {
		return "application/pdf"
	}
	return "video/mp4"
}

// checkFileContentType rejects uploads whose file does not match the
// declared type before anything is sent to the platform API.
func checkFileContentType(declared, fileContentType string) error {
	switch declared {
	case troupeapi.FileTypeVideo:
		if !strings.HasPrefix(fileContentType, "video/") {
			return fmt.Errorf("declared type video but file is %s", fileContentType)
		}
	case troupeapi.FileTypePDF:
		if fileContentType != "application/pdf" {
			return fmt.Errorf("declared type pdf but file is %s", fileContentType)
		}
	}
	return nil
}
