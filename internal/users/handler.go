package users

import (
	"context"
	"encoding/json"
	"errors"
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

type usersAPI interface {
	ListUsers(ctx context.Context) ([]troupeapi.User, error)
	GetUser(ctx context.Context, id int) (*troupeapi.User, error)
	CreateUser(ctx context.Context, user troupeapi.User) (*troupeapi.User, error)
	UpdateUser(ctx context.Context, id int, user troupeapi.User) error
	DeleteUser(ctx context.Context, id int) error
	Profile(ctx context.Context) (*troupeapi.User, error)
}

type ListResponse struct {
	Users []troupeapi.User `json:"users"`
	Total int              `json:"total"`
}

type Handler struct {
	api      usersAPI
	notifier *notify.Service
	flow     *pageflow.Flow[[]troupeapi.User]
}

func NewHandler(api usersAPI, notifier *notify.Service) *Handler {
	return &Handler{
		api:      api,
		notifier: notifier,
		flow:     pageflow.New[[]troupeapi.User](),
	}
}

// submit runs a mutation through the page flow. A mutation arriving
// before any list load first loads the page, then retries.
func (handler *Handler) submit(ctx context.Context, mutate func(ctx context.Context) error) error {
	err := handler.flow.Submit(ctx, mutate)
	if !errors.Is(err, pageflow.ErrNotLoaded) {
		return err
	}
	if _, loadErr := handler.flow.Load(ctx, handler.api.ListUsers); loadErr != nil {
		return loadErr
	}
	return handler.flow.Submit(ctx, mutate)
}

func (handler *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/users", handler.handleList).Methods("GET").Name("users-list")
	router.HandleFunc("/users", handler.handleCreate).Methods("POST", "OPTIONS").Name("users-create")
	router.HandleFunc("/users/{id}", handler.handleGet).Methods("GET").Name("users-get")
	router.HandleFunc("/users/{id}", handler.handleUpdate).Methods("PUT", "OPTIONS").Name("users-update")
	router.HandleFunc("/users/{id}", handler.handleDelete).Methods("DELETE", "OPTIONS").Name("users-delete")
	router.HandleFunc("/profile", handler.handleProfile).Methods("GET").Name("profile")
}

func (handler *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.users.list")
	defer span.End()

	users, err := handler.flow.Load(ctx, handler.api.ListUsers)
	if err != nil {
		log.Errorf("list users: %s", err)
		handler.notifier.Push(middleware.TokenFromContext(ctx), notify.KindError, "failed to load users")
		http.Error(w, "failed to load users", troupeapi.GatewayStatus(err))
		return
	}

	if users == nil {
		users = []troupeapi.User{}
	}
	pkg.SendJSON(w, http.StatusOK, ListResponse{Users: users, Total: len(users)})
}

// handleGet serves the edit form prefill for a single member.
func (handler *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.users.get")
	defer span.End()

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "error, id NaN", http.StatusBadRequest)
		return
	}

	user, err := handler.api.GetUser(ctx, id)
	if err != nil {
		log.Errorf("get user %d: %s", id, err)
		http.Error(w, "failed to load user", troupeapi.GatewayStatus(err))
		return
	}

	pkg.SendJSON(w, http.StatusOK, user)
}

func (handler *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.users.create")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	var user troupeapi.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		log.Errorf("create user, decode params: %s", err)
		http.Error(w, "invalid user payload", http.StatusBadRequest)
		return
	}
	if user.Username == "" || user.Name == "" {
		http.Error(w, "error, name or username empty", http.StatusBadRequest)
		return
	}

	var created *troupeapi.User
	err := handler.submit(ctx, func(ctx context.Context) error {
		var submitErr error
		created, submitErr = handler.api.CreateUser(ctx, user)
		return submitErr
	})
	if err != nil {
		log.Errorf("create user [%s]: %s", user.Username, err)
		handler.notifier.Push(token, notify.KindError, "failed to create user")
		http.Error(w, "failed to create user", troupeapi.GatewayStatus(err))
		return
	}

	// mutations re-fetch, the remote list is the truth
	if _, err := handler.flow.Refetch(ctx); err != nil {
		log.Errorf("refetch users after create: %s", err)
	}

	handler.notifier.Push(token, notify.KindSuccess, "user created")
	pkg.SendJSON(w, http.StatusCreated, created)
}

func (handler *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.users.update")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "error, id NaN", http.StatusBadRequest)
		return
	}

	var user troupeapi.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		log.Errorf("update user %d, decode params: %s", id, err)
		http.Error(w, "invalid user payload", http.StatusBadRequest)
		return
	}

	if err := handler.submit(ctx, func(ctx context.Context) error {
		return handler.api.UpdateUser(ctx, id, user)
	}); err != nil {
		log.Errorf("update user %d: %s", id, err)
		handler.notifier.Push(token, notify.KindError, "failed to update user")
		http.Error(w, "failed to update user", troupeapi.GatewayStatus(err))
		return
	}

	if _, err := handler.flow.Refetch(ctx); err != nil {
		log.Errorf("refetch users after update: %s", err)
	}

	handler.notifier.Push(token, notify.KindSuccess, "user updated")
	pkg.WriteJSONResponseOK(w, `{"updated":`+strconv.Itoa(id)+`}`)
}

func (handler *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.users.delete")
	defer span.End()
	token := middleware.TokenFromContext(ctx)

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "error, id NaN", http.StatusBadRequest)
		return
	}

	if err := handler.submit(ctx, func(ctx context.Context) error {
		return handler.api.DeleteUser(ctx, id)
	}); err != nil {
		log.Errorf("delete user %d: %s", id, err)
		handler.notifier.Push(token, notify.KindError, "failed to delete user")
		http.Error(w, "failed to delete user", troupeapi.GatewayStatus(err))
		return
	}

	if _, err := handler.flow.Refetch(ctx); err != nil {
		log.Errorf("refetch users after delete: %s", err)
	}

	handler.notifier.Push(token, notify.KindSuccess, "user deleted")
	pkg.WriteJSONResponseOK(w, `{"deleted":`+strconv.Itoa(id)+`}`)
}

func (handler *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.users.profile")
	defer span.End()

	profile, err := handler.api.Profile(ctx)
	if err != nil {
		log.Errorf("get profile: %s", err)
		http.Error(w, "failed to load profile", troupeapi.GatewayStatus(err))
		return
	}

	pkg.SendJSON(w, http.StatusOK, profile)
}
