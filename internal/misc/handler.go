package misc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ensembleworks/troupegate/internal/middleware"
	"github.com/ensembleworks/troupegate/internal/nav"
	"github.com/ensembleworks/troupegate/internal/notify"
	"github.com/ensembleworks/troupegate/internal/session"
	"github.com/ensembleworks/troupegate/internal/telemetry/metrics"
	"github.com/ensembleworks/troupegate/internal/telemetry/tracing"
	"github.com/ensembleworks/troupegate/internal/troupeapi"
	"github.com/ensembleworks/troupegate/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
)

type loginAPI interface {
	Login(ctx context.Context, username, password string) (*troupeapi.LoginResult, error)
}

type Handler struct {
	api            loginAPI
	sessions       *session.Store
	notifier       *notify.Service
	versionInfo    string
	metricsManager *metrics.Manager
}

func NewHandler(
	api loginAPI,
	sessions *session.Store,
	notifier *notify.Service,
	versionInfo string,
	metricsManager *metrics.Manager,
) *Handler {
	return &Handler{
		api:            api,
		sessions:       sessions,
		notifier:       notifier,
		versionInfo:    versionInfo,
		metricsManager: metricsManager,
	}
}

func (handler *Handler) SetupRoutes(
	mainRouter *mux.Router,
	rateLimiter middleware.RequestRateLimiter,
	metricsManager *metrics.Manager,
	loginRateLimitAllowedPerMin int,
) {
	mainRouter.HandleFunc("/", handler.handleRoot).Methods("GET", "POST", "OPTIONS").Name("root")
	mainRouter.HandleFunc("/version", handler.handleGetVersionInfo).Methods("GET").Name("version")
	mainRouter.HandleFunc("/nav", handler.handleNav).Methods("GET").Name("nav")
	mainRouter.HandleFunc("/notifications", handler.handleNotifications).Methods("GET").Name("notifications")
	mainRouter.HandleFunc("/notifications", handler.handleDropNotifications).Methods("DELETE", "OPTIONS").Name("notifications-drop")

	loginSubrouter := mainRouter.PathPrefix("/a").Subrouter()
	loginSubrouter.
		HandleFunc("/login", handler.handleLogin).
		Methods("POST", "OPTIONS").Name("login")
	loginSubrouter.
		HandleFunc("/logout", handler.handleLogout).
		Methods("GET", "OPTIONS").Name("logout")

	// rate limit the /login and /logout endpoints to prevent abuse
	if rateLimiter != nil {
		loginSubrouter.Use(middleware.RateLimit(rateLimiter, "login", loginRateLimitAllowedPerMin, metricsManager))
	}
}

func (handler *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	pkg.WriteTextResponseOK(w, "I'm OK, thanks ;)")
}

func (handler *Handler) handleGetVersionInfo(w http.ResponseWriter, _ *http.Request) {
	pkg.WriteTextResponseOK(w, handler.versionInfo)
}

// handleNav returns the navigation for whoever asks: entries follow the
// session role and fall back to the anonymous set.
func (handler *Handler) handleNav(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "miscHandler.nav")
	defer span.End()

	pkg.SendJSON(w, http.StatusOK, nav.Entries(middleware.RoleFromContext(ctx)))
}

// handleNotifications drains the pending queue for the session; each
// message is delivered at most once and quietly expires if never read.
func (handler *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	_, span := tracing.GlobalTracer.Start(r.Context(), "miscHandler.notifications")
	defer span.End()

	token := r.Header.Get(middleware.SessionTokenHeader)
	notifications := handler.notifier.Pending(token)
	if notifications == nil {
		notifications = []notify.Notification{}
	}
	pkg.SendJSON(w, http.StatusOK, notifications)
}

func (handler *Handler) handleDropNotifications(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(middleware.SessionTokenHeader)
	handler.notifier.Drop(token)
	pkg.WriteTextResponseOK(w, "dropped")
}

func (handler *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "miscHandler.login")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	type loginRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	var loginReq loginRequest
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&loginReq); err != nil {
			log.Errorf("login, unmarshal json params: %s", err)
			http.Error(w, "login failed", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			log.Errorf("login failed, parse form error: %s", err)
			http.Error(w, "parse form error", http.StatusInternalServerError)
			return
		}
		loginReq = loginRequest{
			Username: r.Form.Get("username"),
			Password: r.Form.Get("password"),
		}
	}

	if loginReq.Username == "" {
		http.Error(w, "error, username empty", http.StatusBadRequest)
		return
	}
	if loginReq.Password == "" {
		http.Error(w, "error, password empty", http.StatusBadRequest)
		return
	}

	// credentials are checked by the platform API, the gateway only
	// keeps the resulting session
	loginResult, err := handler.api.Login(ctx, loginReq.Username, loginReq.Password)
	if err != nil {
		if troupeapi.HTTPStatus(err) == http.StatusUnauthorized {
			log.Tracef("failed login attempt for user: %s", loginReq.Username)
			span.SetStatus(codes.Error, "wrong-credentials")
			http.Error(w, "error, wrong credentials", http.StatusUnauthorized)
			return
		}
		log.Errorf("login failed for user %s: %s", loginReq.Username, err)
		http.Error(w, "login failed", troupeapi.GatewayStatus(err))
		return
	}

	token, err := handler.sessions.Add(ctx, session.Session{
		UserID:    loginResult.UserID,
		Username:  loginResult.Username,
		Role:      session.ParseRole(loginResult.Role),
		APIToken:  loginResult.Token,
		CreatedAt: time.Now(),
	})
	if err != nil {
		log.Errorf("login failed, create session: %s", err)
		http.Error(w, "create session error", http.StatusInternalServerError)
		return
	}

	if handler.metricsManager != nil {
		handler.metricsManager.CounterLogins.Inc()
	}

	log.Debugf("user %s logged in, role %s", loginResult.Username, loginResult.Role)
	pkg.SendJSON(w, http.StatusOK, struct {
		Token string `json:"token"`
		Role  string `json:"role"`
	}{Token: token, Role: loginResult.Role})
}

func (handler *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "miscHandler.logout")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "GET, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	token := r.Header.Get(middleware.SessionTokenHeader)
	if token == "" {
		http.Error(w, "no can do", http.StatusUnauthorized)
		return
	}

	if err := handler.sessions.Remove(ctx, token); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			http.Error(w, "no can do", http.StatusUnauthorized)
			return
		}
		log.Errorf("logout, remove session: %s", err)
		http.Error(w, "logout failed", http.StatusInternalServerError)
		return
	}

	handler.notifier.Drop(token)

	pkg.WriteTextResponseOK(w, "logged-out")
}
