package middleware

import (
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"llamastream/pkg/logging/logging"
)

// Recoverer logs panics and answers 500 when nothing has been written yet.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logging.L(r.Context()).Error("panic recovered",
					zap.Any("error", rec),
					zap.ByteString("stack", debug.Stack()),
				)

				// a streamed response can't change its status any more
				if ww.Status() != 0 {
					return
				}
				ww.Header().Set("Content-Type", "application/json")
				ww.WriteHeader(http.StatusInternalServerError)
				_, _ = ww.Write([]byte(`{"error":"internal_server_error"}`))
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
