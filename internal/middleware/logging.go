package middleware

import (
	"net/http"

	"github.com/ensembleworks/troupegate/pkg"

	log "github.com/sirupsen/logrus"
)

func LogRequest() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userAgent := r.Header.Get("User-Agent")
			reqIp, _ := pkg.ReadUserIP(r)
			log.Tracef(" ====> request [%s] path: [%s] [ip: %s] [UA: %s]", r.Method, r.URL.Path, reqIp, userAgent)
			next.ServeHTTP(w, r)
		})
	}
}
