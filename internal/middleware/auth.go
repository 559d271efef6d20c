package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/ensembleworks/troupegate/internal/nav"
	"github.com/ensembleworks/troupegate/internal/session"
	"github.com/ensembleworks/troupegate/internal/telemetry/tracing"
	"github.com/ensembleworks/troupegate/internal/troupeapi"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
)

// SessionTokenHeader carries the gateway session token. A non-standard
// header, so browsers preflight with OPTIONS first.
const SessionTokenHeader = "X-TROUPE-TOKEN"

type ctxKey string

const (
	ctxKeySession ctxKey = "troupegate-session"
	ctxKeyToken   ctxKey = "troupegate-token"
)

// ContextWithSession binds a resolved session and its gateway token to
// the context, the way AuthCheck does for authenticated requests.
func ContextWithSession(ctx context.Context, sess *session.Session, token string) context.Context {
	ctx = context.WithValue(ctx, ctxKeySession, sess)
	ctx = context.WithValue(ctx, ctxKeyToken, token)
	return troupeapi.ContextWithToken(ctx, sess.APIToken)
}

func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(ctxKeySession).(*session.Session)
	return sess, ok
}

func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(ctxKeyToken).(string)
	return token
}

func RoleFromContext(ctx context.Context) session.Role {
	if sess, ok := SessionFromContext(ctx); ok {
		return session.ParseRole(string(sess.Role))
	}
	return session.RoleAnonymous
}

type AuthMiddlewareHandler struct {
	sessions *session.Store
}

func NewAuthMiddlewareHandler(sessions *session.Store) *AuthMiddlewareHandler {
	return &AuthMiddlewareHandler{
		sessions: sessions,
	}
}

// AuthCheck resolves the session token to a role and enforces the
// route policy. A missing or invalid token degrades to anonymous
// instead of failing; anonymous access to a protected path is 401.
func (h *AuthMiddlewareHandler) AuthCheck() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.GlobalTracer.Start(r.Context(), "middleware.auth")
			defer span.End()

			if r.Method == http.MethodOptions {
				w.Header().Add("Allow", "GET, POST, PUT, DELETE, OPTIONS")
				w.WriteHeader(http.StatusOK)
				span.SetStatus(codes.Ok, "options-ok")
				return
			}

			role := session.RoleAnonymous
			var sess *session.Session

			token := r.Header.Get(SessionTokenHeader)
			if token != "" {
				var err error
				sess, err = h.sessions.Get(ctx, token)
				switch {
				case err == nil:
					role = session.ParseRole(string(sess.Role))
				case errors.Is(err, session.ErrSessionNotFound):
					log.Tracef("[invalid token] [auth middleware] degrading to anonymous => %s", r.URL.Path)
					sess = nil
				default:
					log.Errorf("[failed session check] => %s: %s", r.URL.Path, err)
					sess = nil
				}
			}

			if !nav.Allowed(role, r.Method, r.URL.Path) {
				span.SetStatus(codes.Error, "not-allowed")
				if role == session.RoleAnonymous {
					http.Error(w, "no can do", http.StatusUnauthorized)
					return
				}
				http.Error(w, "no can do", http.StatusForbidden)
				return
			}

			if sess != nil {
				ctx = ContextWithSession(ctx, sess, token)
			}

			span.SetStatus(codes.Ok, "ok")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
