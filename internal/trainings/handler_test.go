package trainings

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/ensembleworks/troupegate/internal/notify"
	"github.com/ensembleworks/troupegate/internal/troupeapi"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrainingsAPI struct {
	trainings  []troupeapi.Training
	uploadErr  error
	lastUpload *troupeapi.UploadTrainingParams
	deleted    []int
}

func (f *fakeTrainingsAPI) ListTrainings(_ context.Context) ([]troupeapi.Training, error) {
	return f.trainings, nil
}

func (f *fakeTrainingsAPI) GetTraining(_ context.Context, id int) (*troupeapi.Training, error) {
	for i := range f.trainings {
		if f.trainings[i].ID == id {
			return &f.trainings[i], nil
		}
	}
	return nil, errors.New("no such training")
}

func (f *fakeTrainingsAPI) DeleteTraining(_ context.Context, id int) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeTrainingsAPI) UploadTraining(_ context.Context, params troupeapi.UploadTrainingParams) (*troupeapi.Training, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.lastUpload = &params
	training := troupeapi.Training{
		ID:       len(f.trainings) + 1,
		Title:    params.Title,
		FileType: params.FileType,
	}
	f.trainings = append(f.trainings, training)
	return &training, nil
}

func setupTrainingsRouterForTests(t *testing.T, api *fakeTrainingsAPI, blobTTL time.Duration) (*mux.Router, *BlobStore) {
	t.Helper()
	blobs := NewBlobStore(blobTTL)
	handler := NewHandler(api, blobs, notify.NewService(time.Minute, nil))
	r := mux.NewRouter()
	handler.SetupRoutes(r)
	return r, blobs
}

func multipartUpload(t *testing.T, fileType, fileContentType string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "Warmup routine"))
	require.NoError(t, mw.WriteField("description", "daily warmup"))
	require.NoError(t, mw.WriteField("fileType", fileType))

	partHeader := textproto.MIMEHeader{}
	partHeader.Set("Content-Disposition", `form-data; name="file"; filename="warmup.bin"`)
	partHeader.Set("Content-Type", fileContentType)
	fileWriter, err := mw.CreatePart(partHeader)
	require.NoError(t, err)
	_, err = io.Copy(fileWriter, bytes.NewReader([]byte("file-bytes")))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHandler_List_omitsFileData(t *testing.T) {
	api := &fakeTrainingsAPI{
		trainings: []troupeapi.Training{
			{ID: 1, Title: "Stretching", FileType: troupeapi.FileTypeVideo, FileData: "aGVsbG8="},
		},
	}
	r, _ := setupTrainingsRouterForTests(t, api, time.Minute)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/trainings", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp ListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Empty(t, resp.Trainings[0].FileData)
}

func TestHandler_ViewAndBlob(t *testing.T) {
	fileBytes := []byte("%PDF-1.4 fake pdf")
	api := &fakeTrainingsAPI{
		trainings: []troupeapi.Training{
			{
				ID:       5,
				Title:    "Posture guide",
				FileType: troupeapi.FileTypePDF,
				FileData: base64.StdEncoding.EncodeToString(fileBytes),
			},
		},
	}
	r, _ := setupTrainingsRouterForTests(t, api, time.Minute)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/trainings/5/view", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var view ViewResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Contains(t, view.URL, "/trainings/blob/")

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", view.URL, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, fileBytes, rr.Body.Bytes())
	assert.Equal(t, "application/pdf", rr.Header().Get("Content-Type"))
}

func TestBlobStore_expiredLinkIsGone(t *testing.T) {
	blobs := NewBlobStore(time.Minute)
	handler := NewHandler(&fakeTrainingsAPI{}, blobs, notify.NewService(time.Minute, nil))
	r := mux.NewRouter()
	handler.SetupRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/trainings/blob/no-such-key", nil))
	assert.Equal(t, http.StatusGone, rr.Code)
}

func TestHandler_Upload(t *testing.T) {
	api := &fakeTrainingsAPI{}
	r, _ := setupTrainingsRouterForTests(t, api, time.Minute)

	body, contentType := multipartUpload(t, troupeapi.FileTypeVideo, "video/mp4")
	req := httptest.NewRequest("POST", "/trainings", body)
	req.Header.Set("Content-Type", contentType)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	require.NotNil(t, api.lastUpload)
	assert.Equal(t, "Warmup routine", api.lastUpload.Title)
	assert.Equal(t, troupeapi.FileTypeVideo, api.lastUpload.FileType)
	assert.Equal(t, "warmup.bin", api.lastUpload.FileName)
}

func TestHandler_Upload_mismatchedContentType(t *testing.T) {
	api := &fakeTrainingsAPI{}
	r, _ := setupTrainingsRouterForTests(t, api, time.Minute)

	// declared pdf, actual file is a video
	body, contentType := multipartUpload(t, troupeapi.FileTypePDF, "video/mp4")
	req := httptest.NewRequest("POST", "/trainings", body)
	req.Header.Set("Content-Type", contentType)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Nil(t, api.lastUpload)
}

func TestHandler_Delete_requiresConfirmation(t *testing.T) {
	api := &fakeTrainingsAPI{
		trainings: []troupeapi.Training{{ID: 3, Title: "Old routine"}},
	}
	r, _ := setupTrainingsRouterForTests(t, api, time.Minute)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("DELETE", "/trainings/3", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, api.deleted)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("DELETE", "/trainings/3?confirm=true", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []int{3}, api.deleted)
}
