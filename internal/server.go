package internal

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ensembleworks/troupegate/internal/attendance"
	"github.com/ensembleworks/troupegate/internal/bookings"
	"github.com/ensembleworks/troupegate/internal/complaints"
	"github.com/ensembleworks/troupegate/internal/config"
	"github.com/ensembleworks/troupegate/internal/dashboard"
	"github.com/ensembleworks/troupegate/internal/middleware"
	"github.com/ensembleworks/troupegate/internal/misc"
	"github.com/ensembleworks/troupegate/internal/notify"
	"github.com/ensembleworks/troupegate/internal/qualifications"
	"github.com/ensembleworks/troupegate/internal/reports"
	"github.com/ensembleworks/troupegate/internal/schedule"
	"github.com/ensembleworks/troupegate/internal/session"
	"github.com/ensembleworks/troupegate/internal/telemetry/metrics"
	"github.com/ensembleworks/troupegate/internal/telemetry/tracing"
	"github.com/ensembleworks/troupegate/internal/trainings"
	"github.com/ensembleworks/troupegate/internal/troupeapi"
	"github.com/ensembleworks/troupegate/internal/users"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Server struct {
	httpServer        *http.Server
	metricsHttpServer *http.Server
	versionInfo       string

	config    *config.Config
	apiClient *troupeapi.Client
	sessions  *session.Store
	notifier  *notify.Service
	blobs     *trainings.BlobStore

	redisClient *redis.Client

	// metrics
	metricsManager *metrics.Manager
	promRegistry   *prometheus.Registry
	otelShutdown   func()
}

type NewServerParams struct {
	Config                  *config.Config
	VersionInfo             string
	RedisPassword           string
	HoneycombTracingEnabled bool
}

func NewServer(
	ctx context.Context,
	params NewServerParams,
) (*Server, error) {
	promRegistry := metrics.SetupPrometheus()
	metricsManager := metrics.NewManager("troupegate", "gateway", promRegistry)
	metricsManager.GaugeLifeSignal.Set(0)

	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(params.Config.RedisHost, params.Config.RedisPort),
		Password: params.RedisPassword,
		DB:       0, // use default DB
	})

	rdbStatus := rdb.Ping(ctx)
	if err := rdbStatus.Err(); err != nil {
		log.Errorf("--> failed to ping redis: %s", err)
	} else {
		log.Debugf("redis ping: %s", rdbStatus.Val())
	}

	sessions := session.NewStore(
		time.Duration(params.Config.SessionTTLHours)*time.Hour,
		rdb,
	)
	go func() {
		for range time.Tick(time.Hour * 8) {
			sessions.ScanAndClean(ctx)
		}
	}()

	// use honeycomb distro to setup OpenTelemetry SDK
	otelShutdown, err := tracing.HoneycombSetup(params.HoneycombTracingEnabled, "troupegate", rdb)
	if err != nil {
		return nil, err
	}

	tracedHttpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	apiClient := troupeapi.NewClient(
		params.Config.TroupeAPIBaseURL,
		tracedHttpClient,
		troupeapi.WithTimeout(time.Duration(params.Config.APIRequestTimeoutSec)*time.Second),
		troupeapi.WithMetrics(metricsManager),
	)

	s := &Server{
		config:      params.Config,
		versionInfo: params.VersionInfo,
		apiClient:   apiClient,
		sessions:    sessions,
		notifier:    notify.NewService(time.Duration(params.Config.NotificationTTLSec)*time.Second, metricsManager),
		blobs:       trainings.NewBlobStore(time.Duration(params.Config.TrainingBlobTTLSec) * time.Second),

		redisClient: rdb,

		// telemetry
		metricsManager: metricsManager,
		promRegistry:   promRegistry,
		otelShutdown:   otelShutdown,
	}

	return s, nil
}

func (s *Server) routerSetup() *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("troupegate-router"))

	reqRateLimiter := redis_rate.NewLimiter(s.redisClient)
	miscHandler := misc.NewHandler(s.apiClient, s.sessions, s.notifier, s.versionInfo, s.metricsManager)
	miscHandler.SetupRoutes(r, reqRateLimiter, s.metricsManager, s.config.LoginRateLimitAllowedPerMin)

	usersHandler := users.NewHandler(s.apiClient, s.notifier)
	usersHandler.SetupRoutes(r)

	trainingsHandler := trainings.NewHandler(s.apiClient, s.blobs, s.notifier)
	trainingsHandler.SetupRoutes(r)

	scheduleHandler := schedule.NewHandler(s.apiClient, s.notifier)
	scheduleHandler.SetupRoutes(r)

	bookingsHandler := bookings.NewHandler(s.apiClient, s.notifier)
	bookingsHandler.SetupRoutes(r)

	attendanceHandler := attendance.NewHandler(s.apiClient, s.notifier)
	attendanceHandler.SetupRoutes(r)

	qualificationsHandler := qualifications.NewHandler(s.apiClient, s.notifier)
	qualificationsHandler.SetupRoutes(r)

	complaintsHandler := complaints.NewHandler(s.apiClient, s.notifier)
	complaintsHandler.SetupRoutes(r)

	reportsHandler := reports.NewHandler(s.apiClient, s.notifier)
	reportsHandler.SetupRoutes(r)

	dashboardHandler := dashboard.NewHandler(s.apiClient)
	dashboardHandler.SetupRoutes(r)

	// all the rest - unhandled paths
	r.HandleFunc("/{unknown}", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}).Methods("GET", "POST", "PUT", "OPTIONS").Name("unknown")

	authMiddleware := middleware.NewAuthMiddlewareHandler(s.sessions)

	r.Use(middleware.PanicRecovery(s.metricsManager))
	r.Use(middleware.LogRequest())
	r.Use(middleware.RequestMetrics(s.metricsManager))
	r.Use(middleware.Cors())
	r.Use(authMiddleware.AuthCheck())
	r.Use(middleware.DrainAndCloseRequest())

	return r
}

func (s *Server) Serve(ctx context.Context, host string, port int) {
	router := s.routerSetup()

	s.notifier.StartJanitor(ctx, time.Minute)

	// queued notifications die with their session
	sessionChanges := s.sessions.Subscribe()
	go func() {
		defer s.sessions.Unsubscribe(sessionChanges)
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-sessionChanges:
				if !ok {
					return
				}
				if change.Type == session.ChangeRemoved {
					s.notifier.Drop(change.Token)
				}
			}
		}
	}()

	ipAndPort := net.JoinHostPort(host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Handler:      router,
		Addr:         ipAndPort,
		WriteTimeout: time.Minute,
		ReadTimeout:  time.Minute,
		ConnState:    s.connStateMetrics,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.HandlerFor(
		s.promRegistry,
		promhttp.HandlerOpts{},
	))
	metricsAddr := net.JoinHostPort(s.config.PrometheusMetricsHost, s.config.PrometheusMetricsPort)
	s.metricsHttpServer = &http.Server{
		Addr:    metricsAddr,
		Handler: metricsRouter,
	}

	go func() {
		log.Infof(" > server listening on: [%s]", ipAndPort)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("troupegate service, listen and serve: %s", err)
		}
	}()

	go func() {
		log.Debugf(" > metrics listening on: [%s]", metricsAddr)
		err := s.metricsHttpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("metrics service, listen and serve: %s", err)
		}
	}()

	s.metricsManager.GaugeLifeSignal.Set(1)
}

func (s *Server) GracefulShutdown() {
	log.Debug("graceful shutdown initiated ...")

	s.metricsManager.GaugeLifeSignal.Set(0)

	s.otelShutdown()
	log.Trace("otel shut down ...")

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			log.Errorf("failed to close redis client conn: %s", err)
		}
	}

	if ok := sentry.Flush(5 * time.Second); ok {
		log.Debugf("sentry flush ok: %t", ok)
	}

	maxWaitDuration := time.Second * 15
	ctx, timeoutCancel := context.WithTimeout(context.Background(), maxWaitDuration)
	defer timeoutCancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Error(" >>> failed to gracefully shutdown http server")
	}
	log.Warnln("server shut down")

	if err := s.metricsHttpServer.Shutdown(ctx); err != nil {
		log.Error(" >>> failed to gracefully shutdown metrics http server")
	}
	log.Warnln("metrics server shut down")
}

func (s *Server) connStateMetrics(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.metricsManager.GaugeRequests.Add(1)
	case http.StateClosed:
		s.metricsManager.GaugeRequests.Add(-1)
	default:
		// do nothing
	}
}
