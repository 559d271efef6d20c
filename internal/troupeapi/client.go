package troupeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ensembleworks/troupegate/internal/telemetry/metrics"
	"github.com/ensembleworks/troupegate/internal/telemetry/tracing"

	"github.com/coocood/freecache"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRequestTimeout = 15 * time.Second

	eventTypesCacheExpire     = 60 // seconds
	qualificationsCacheExpire = 60
	dashboardCacheExpire      = 30

	eventTypesPath     = "/bookings/event-types"
	qualificationsPath = "/qualifications"
	dashboardPath      = "/admin/dashboard"
)

// Client is the single configured client for the remote troupe
// platform API. All gateway pages go through it; it owns the base URL,
// the per-request timeout, the error classification and a small cache
// for hot GETs.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	cache          *freecache.Cache
	timeout        time.Duration
	token          string
	metricsManager *metrics.Manager
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithMetrics(metricsManager *metrics.Manager) Option {
	return func(c *Client) {
		c.metricsManager = metricsManager
	}
}

func NewClient(baseURL string, httpClient *http.Client, opts ...Option) *Client {
	megabyte := 1024 * 1024
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		cache:      freecache.NewCache(10 * megabyte),
		timeout:    defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithToken returns a view of the client that attaches the given
// platform token to every request. The underlying connection pool and
// cache are shared between views.
func (c *Client) WithToken(token string) *Client {
	view := *c
	view.token = token
	return &view
}

func (c *Client) do(ctx context.Context, opName, method, path string, reqBody interface{}) (_ []byte, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "troupeapi."+opName)
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	// a hung request must not leave a page stuck forever
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if reqBody != nil {
		bodyBytes, merr := json.Marshal(reqBody)
		if merr != nil {
			return nil, fmt.Errorf("marshal request body: %w", merr)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	respBytes, err := c.send(req)
	c.countCall(opName, err)
	return respBytes, err
}

func (c *Client) countCall(opName string, err error) {
	if c.metricsManager == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metricsManager.CounterPlatformAPICalls.WithLabelValues(opName, outcome).Inc()
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	log.Tracef("troupe api call: %s %s", req.Method, req.URL.Path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportErr(err)
	}

	if resp.StatusCode >= 300 {
		return nil, newHTTPError(resp.StatusCode, strings.TrimSpace(string(respBytes)))
	}

	return respBytes, nil
}

type ctxKey string

const ctxKeyToken ctxKey = "troupeapi-token"

// ContextWithToken attaches a platform token to the context. The auth
// middleware uses it to scope requests to the logged in user without
// handlers having to carry token-bound client views around.
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxKeyToken, token)
}

func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(ctxKeyToken).(string)
	return token
}

func (c *Client) setAuth(req *http.Request) {
	token := TokenFromContext(req.Context())
	if token == "" {
		token = c.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) doJSON(ctx context.Context, opName, method, path string, reqBody, out interface{}) error {
	respBytes, err := c.do(ctx, opName, method, path, reqBody)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBytes, out); err != nil {
		return newDecodeError(err)
	}
	return nil
}

// cachedGetJSON serves hot GETs from the in-process cache. Mutations to
// the cached resources evict their entries.
func (c *Client) cachedGetJSON(ctx context.Context, opName, path string, expireSeconds int, out interface{}) error {
	cacheKey := []byte(path)
	if cachedBytes, err := c.cache.Get(cacheKey); err == nil {
		if err := json.Unmarshal(cachedBytes, out); err == nil {
			log.Tracef("troupe api: %s served from cache", path)
			return nil
		}
		log.Errorf("troupe api: unmarshal cached %s failed, refetching", path)
	}

	respBytes, err := c.do(ctx, opName, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(respBytes, out); err != nil {
		return newDecodeError(err)
	}

	if err := c.cache.Set(cacheKey, respBytes, expireSeconds); err != nil {
		log.Errorf("troupe api: cache set for %s: %s", path, err)
	}
	return nil
}

func (c *Client) evict(path string) {
	c.cache.Del([]byte(path))
}

// auth

func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	if username == "" || password == "" {
		return nil, newValidationError("username and password are required")
	}

	loginReq := struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{username, password}

	result := &LoginResult{}
	if err := c.doJSON(ctx, "login", http.MethodPost, "/auth/login", loginReq, result); err != nil {
		return nil, err
	}
	return result, nil
}

// users

func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.doJSON(ctx, "listUsers", http.MethodGet, "/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) GetUser(ctx context.Context, id int) (*User, error) {
	user := &User{}
	if err := c.doJSON(ctx, "getUser", http.MethodGet, fmt.Sprintf("/users/%d", id), nil, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (c *Client) CreateUser(ctx context.Context, user User) (*User, error) {
	if user.Username == "" || user.Email == "" {
		return nil, newValidationError("username and email are required")
	}
	created := &User{}
	if err := c.doJSON(ctx, "createUser", http.MethodPost, "/users", user, created); err != nil {
		return nil, err
	}
	return created, nil
}

func (c *Client) UpdateUser(ctx context.Context, id int, user User) error {
	return c.doJSON(ctx, "updateUser", http.MethodPut, fmt.Sprintf("/users/%d", id), user, nil)
}

func (c *Client) DeleteUser(ctx context.Context, id int) error {
	return c.doJSON(ctx, "deleteUser", http.MethodDelete, fmt.Sprintf("/users/%d", id), nil, nil)
}

func (c *Client) Profile(ctx context.Context) (*User, error) {
	user := &User{}
	if err := c.doJSON(ctx, "profile", http.MethodGet, "/public/profile", nil, user); err != nil {
		return nil, err
	}
	return user, nil
}

// trainings

func (c *Client) ListTrainings(ctx context.Context) ([]Training, error) {
	var trainings []Training
	if err := c.doJSON(ctx, "listTrainings", http.MethodGet, "/trainings", nil, &trainings); err != nil {
		return nil, err
	}
	return trainings, nil
}

func (c *Client) GetTraining(ctx context.Context, id int) (*Training, error) {
	training := &Training{}
	if err := c.doJSON(ctx, "getTraining", http.MethodGet, fmt.Sprintf("/trainings/%d", id), nil, training); err != nil {
		return nil, err
	}
	return training, nil
}

func (c *Client) DeleteTraining(ctx context.Context, id int) error {
	return c.doJSON(ctx, "deleteTraining", http.MethodDelete, fmt.Sprintf("/trainings/%d", id), nil, nil)
}

type UploadTrainingParams struct {
	Title       string
	Description string
	FileType    string // video | pdf
	UploadedBy  string
	FileName    string
	File        io.Reader
}

// UploadTraining sends the training as a multipart form, the one
// non-JSON request the platform API takes.
func (c *Client) UploadTraining(ctx context.Context, params UploadTrainingParams) (_ *Training, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "troupeapi.uploadTraining")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if params.Title == "" {
		return nil, newValidationError("training title is required")
	}
	if params.FileType != FileTypeVideo && params.FileType != FileTypePDF {
		return nil, newValidationError(fmt.Sprintf("unsupported file type: %s", params.FileType))
	}
	if params.File == nil {
		return nil, newValidationError("training file is required")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, value := range map[string]string{
		"title":       params.Title,
		"description": params.Description,
		"fileType":    params.FileType,
		"uploadedBy":  params.UploadedBy,
	} {
		if err := mw.WriteField(field, value); err != nil {
			return nil, fmt.Errorf("write multipart field %s: %w", field, err)
		}
	}
	fileWriter, err := mw.CreateFormFile("file", params.FileName)
	if err != nil {
		return nil, fmt.Errorf("create multipart file: %w", err)
	}
	if _, err := io.Copy(fileWriter, params.File); err != nil {
		return nil, fmt.Errorf("copy multipart file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/trainings", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAuth(req)

	respBytes, err := c.send(req)
	c.countCall("uploadTraining", err)
	if err != nil {
		return nil, err
	}

	training := &Training{}
	if err := json.Unmarshal(respBytes, training); err != nil {
		return nil, newDecodeError(err)
	}
	return training, nil
}

// schedule

func (c *Client) ListSchedule(ctx context.Context) ([]ScheduleEvent, error) {
	var events []ScheduleEvent
	if err := c.doJSON(ctx, "listSchedule", http.MethodGet, "/schedule", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) CreateScheduleEvent(ctx context.Context, event ScheduleEvent) (*ScheduleEvent, error) {
	if event.Title == "" || event.Date == "" {
		return nil, newValidationError("event title and date are required")
	}
	created := &ScheduleEvent{}
	if err := c.doJSON(ctx, "createScheduleEvent", http.MethodPost, "/schedule", event, created); err != nil {
		return nil, err
	}
	return created, nil
}

func (c *Client) UpdateScheduleEvent(ctx context.Context, id int, event ScheduleEvent) error {
	return c.doJSON(ctx, "updateScheduleEvent", http.MethodPut, fmt.Sprintf("/schedule/%d", id), event, nil)
}

func (c *Client) DeleteScheduleEvent(ctx context.Context, id int) error {
	return c.doJSON(ctx, "deleteScheduleEvent", http.MethodDelete, fmt.Sprintf("/schedule/%d", id), nil, nil)
}

// bookings

func (c *Client) ListBookings(ctx context.Context) ([]Booking, error) {
	var bookings []Booking
	if err := c.doJSON(ctx, "listBookings", http.MethodGet, "/bookings", nil, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

func (c *Client) EventTypes(ctx context.Context) ([]EventType, error) {
	var eventTypes []EventType
	if err := c.cachedGetJSON(ctx, "eventTypes", eventTypesPath, eventTypesCacheExpire, &eventTypes); err != nil {
		return nil, err
	}
	return eventTypes, nil
}

func (c *Client) CreateEventType(ctx context.Context, eventType EventType) (*EventType, error) {
	if eventType.EventType == "" {
		return nil, newValidationError("event type name is required")
	}
	created := &EventType{}
	if err := c.doJSON(ctx, "createEventType", http.MethodPost, eventTypesPath, eventType, created); err != nil {
		return nil, err
	}
	c.evict(eventTypesPath)
	return created, nil
}

func (c *Client) DeleteEventType(ctx context.Context, id int) error {
	if err := c.doJSON(ctx, "deleteEventType", http.MethodDelete, fmt.Sprintf("%s/%d", eventTypesPath, id), nil, nil); err != nil {
		return err
	}
	c.evict(eventTypesPath)
	return nil
}

func (c *Client) Book(ctx context.Context, booking Booking) (*Booking, error) {
	switch {
	case booking.UserName == "",
		booking.UserEmail == "",
		booking.PhoneNumber == "",
		booking.EventType == "",
		booking.EventDate == "",
		booking.EventTime == "":
		return nil, newValidationError("all booking fields except notes are required")
	}

	created := &Booking{}
	if err := c.doJSON(ctx, "book", http.MethodPost, "/bookings/book", booking, created); err != nil {
		return nil, err
	}
	return created, nil
}

func (c *Client) ApproveBooking(ctx context.Context, id int) error {
	return c.doJSON(ctx, "approveBooking", http.MethodPost, fmt.Sprintf("/bookings/approve/%d", id), nil, nil)
}

func (c *Client) RejectBooking(ctx context.Context, id int) error {
	return c.doJSON(ctx, "rejectBooking", http.MethodPost, fmt.Sprintf("/bookings/reject/%d", id), nil, nil)
}

// attendance

func (c *Client) AllAttendance(ctx context.Context) ([]AttendanceRecord, error) {
	var records []AttendanceRecord
	if err := c.doJSON(ctx, "allAttendance", http.MethodGet, "/attendance/all", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) MarkAttendance(ctx context.Context, date string, marks []AttendanceMark) error {
	if date == "" {
		return newValidationError("attendance date is required")
	}
	if len(marks) == 0 {
		return newValidationError("attendance marks are empty")
	}

	markReq := struct {
		Date    string           `json:"date"`
		Records []AttendanceMark `json:"records"`
	}{date, marks}

	return c.doJSON(ctx, "markAttendance", http.MethodPost, "/attendance/mark", markReq, nil)
}

// qualifications

func (c *Client) ListQualifications(ctx context.Context) ([]Qualification, error) {
	var qualifications []Qualification
	if err := c.cachedGetJSON(ctx, "listQualifications", qualificationsPath, qualificationsCacheExpire, &qualifications); err != nil {
		return nil, err
	}
	return qualifications, nil
}

func (c *Client) SetQualification(ctx context.Context, userID int, level string) error {
	switch level {
	case QualificationBeginner, QualificationIntermediate, QualificationExpert:
	default:
		return newValidationError(fmt.Sprintf("unknown qualification level: %s", level))
	}

	setReq := struct {
		UserID        int    `json:"user_id"`
		Qualification string `json:"qualification"`
	}{userID, level}

	if err := c.doJSON(ctx, "setQualification", http.MethodPut, qualificationsPath, setReq, nil); err != nil {
		return err
	}
	c.evict(qualificationsPath)
	return nil
}

// complaints

func (c *Client) ListComplaints(ctx context.Context) ([]Complaint, error) {
	var complaints []Complaint
	if err := c.doJSON(ctx, "listComplaints", http.MethodGet, "/complaints", nil, &complaints); err != nil {
		return nil, err
	}
	return complaints, nil
}

func (c *Client) ComplaintsForUser(ctx context.Context, userID int) ([]Complaint, error) {
	var complaints []Complaint
	if err := c.doJSON(ctx, "complaintsForUser", http.MethodGet, fmt.Sprintf("/complaints/user/%d", userID), nil, &complaints); err != nil {
		return nil, err
	}
	return complaints, nil
}

func (c *Client) FileComplaint(ctx context.Context, userID int, text string) (*Complaint, error) {
	if text == "" {
		return nil, newValidationError("complaint text is required")
	}

	fileReq := struct {
		UserID        int    `json:"user_id"`
		ComplaintText string `json:"complaint_text"`
	}{userID, text}

	filed := &Complaint{}
	if err := c.doJSON(ctx, "fileComplaint", http.MethodPost, "/complaints/file", fileReq, filed); err != nil {
		return nil, err
	}
	return filed, nil
}

func (c *Client) ReappealComplaint(ctx context.Context, id int) error {
	return c.doJSON(ctx, "reappealComplaint", http.MethodPost, fmt.Sprintf("/complaints/reappeal/%d", id), nil, nil)
}

func (c *Client) UpdateComplaint(ctx context.Context, id int, status, response string) error {
	updateReq := struct {
		Status   string `json:"status"`
		Response string `json:"response"`
	}{status, response}

	return c.doJSON(ctx, "updateComplaint", http.MethodPut, fmt.Sprintf("/complaints/%d", id), updateReq, nil)
}

// dashboard

func (c *Client) AdminDashboard(ctx context.Context) (*DashboardSummary, error) {
	summary := &DashboardSummary{}
	if err := c.cachedGetJSON(ctx, "adminDashboard", dashboardPath, dashboardCacheExpire, summary); err != nil {
		return nil, err
	}
	return summary, nil
}
