package dashboard

import (
	"context"
	"net/http"

	"github.com/ensembleworks/troupegate/internal/middleware"
	"github.com/ensembleworks/troupegate/internal/nav"
	"github.com/ensembleworks/troupegate/internal/telemetry/tracing"
	"github.com/ensembleworks/troupegate/internal/troupeapi"
	"github.com/ensembleworks/troupegate/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type dashboardAPI interface {
	AdminDashboard(ctx context.Context) (*troupeapi.DashboardSummary, error)
}

// View is the landing page model: the summary counts plus the
// navigation for whoever is looking at it.
type View struct {
	Summary    *troupeapi.DashboardSummary `json:"summary"`
	Navigation nav.View                    `json:"navigation"`
}

type Handler struct {
	api dashboardAPI
}

func NewHandler(api dashboardAPI) *Handler {
	return &Handler{api: api}
}

func (handler *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/dashboard", handler.handleDashboard).Methods("GET").Name("dashboard")
}

func (handler *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.dashboard")
	defer span.End()

	summary, err := handler.api.AdminDashboard(ctx)
	if err != nil {
		log.Errorf("load dashboard: %s", err)
		http.Error(w, "failed to load dashboard", troupeapi.GatewayStatus(err))
		return
	}

	pkg.SendJSON(w, http.StatusOK, View{
		Summary:    summary,
		Navigation: nav.Entries(middleware.RoleFromContext(ctx)),
	})
}
