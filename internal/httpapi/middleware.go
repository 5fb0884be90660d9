package httpapi

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"

	logx "alertrelay/pkg/logx"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// logMiddleware logs the route template, never the raw path, so a secret
// in /webhook/{secret} stays out of the logs.
func (a *api) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("route", route),
			logx.Int("status", rec.status),
			logx.Duration("took", time.Since(start)),
		}
		if rec.status >= 500 {
			a.log.Warn("http request", fields...)
			return
		}
		a.log.Debug("http request", fields...)
	})
}

func (a *api) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				a.log.Error("http handler panic", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
				jsonErr(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
