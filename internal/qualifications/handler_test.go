package qualifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
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

type fakeQualificationsAPI struct {
	qualifications []troupeapi.Qualification
	setErr         error
	setCalls       int
}

func (f *fakeQualificationsAPI) ListQualifications(_ context.Context) ([]troupeapi.Qualification, error) {
	return f.qualifications, nil
}

func (f *fakeQualificationsAPI) SetQualification(_ context.Context, userID int, level string) error {
	f.setCalls++
	if f.setErr != nil {
		return f.setErr
	}
	for i := range f.qualifications {
		if f.qualifications[i].UserID == userID {
			f.qualifications[i].Qualification = level
		}
	}
	return nil
}

func setupQualificationsRouterForTests(t *testing.T, api *fakeQualificationsAPI) (*mux.Router, *notify.Service) {
	t.Helper()
	notifier := notify.NewService(time.Minute, nil)
	handler := NewHandler(api, notifier)
	r := mux.NewRouter()
	handler.SetupRoutes(r)
	return r, notifier
}

func listLevels(t *testing.T, r *mux.Router) map[int]string {
	t.Helper()
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/qualifications", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp ListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	levels := make(map[int]string, len(resp.Qualifications))
	for _, q := range resp.Qualifications {
		levels[q.UserID] = q.Qualification
	}
	return levels
}

func setLevel(t *testing.T, r *mux.Router, userID int, level string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(SetRequest{Qualification: level})
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/qualifications/"+strconv.Itoa(userID), bytes.NewReader(body))
	sess := &session.Session{UserID: 1, Username: "dusan", Role: session.RoleAdmin, APIToken: "platform-token"}
	req = req.WithContext(middleware.ContextWithSession(req.Context(), sess, "gateway-token"))
	r.ServeHTTP(rr, req)
	return rr
}

func TestHandler_Set_optimisticUpdate(t *testing.T) {
	api := &fakeQualificationsAPI{
		qualifications: []troupeapi.Qualification{
			{UserID: 1, UserName: "Ann", Qualification: troupeapi.QualificationBeginner},
			{UserID: 2, UserName: "Ben", Qualification: troupeapi.QualificationIntermediate},
		},
	}
	r, _ := setupQualificationsRouterForTests(t, api)

	rr := setLevel(t, r, 1, troupeapi.QualificationExpert)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, api.setCalls)

	levels := listLevels(t, r)
	assert.Equal(t, troupeapi.QualificationExpert, levels[1])
	assert.Equal(t, troupeapi.QualificationIntermediate, levels[2])
}

func TestHandler_Set_rollbackOnRemoteFailure(t *testing.T) {
	api := &fakeQualificationsAPI{
		qualifications: []troupeapi.Qualification{
			{UserID: 1, UserName: "Ann", Qualification: troupeapi.QualificationBeginner},
		},
	}
	r, notifier := setupQualificationsRouterForTests(t, api)

	// warm the page cache, then fail the remote call
	listLevels(t, r)
	api.setErr = errors.New("boom")

	rr := setLevel(t, r, 1, troupeapi.QualificationExpert)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	// the optimistic patch was rolled back
	levels := listLevels(t, r)
	assert.Equal(t, troupeapi.QualificationBeginner, levels[1])

	pending := notifier.Pending("gateway-token")
	require.Len(t, pending, 1)
	assert.Equal(t, notify.KindError, pending[0].Kind)
	assert.Contains(t, pending[0].Message, "reverted")
}

func TestHandler_Set_unknownLevel(t *testing.T) {
	api := &fakeQualificationsAPI{
		qualifications: []troupeapi.Qualification{{UserID: 1, Qualification: troupeapi.QualificationBeginner}},
	}
	r, _ := setupQualificationsRouterForTests(t, api)

	rr := setLevel(t, r, 1, "Grandmaster")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 0, api.setCalls)
}
