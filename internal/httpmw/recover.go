package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/packgate/internal/log"
	"github.com/keithlinneman/packgate/internal/xerrors"
)

var internalErrorBody = []byte(`{"error":"internal error"}` + "\n")

// Recover turns a handler panic into a JSON 500 and logs it with the stack.
// onPanic runs after logging and feeds the panic counter. http.ErrAbortHandler
// is re-panicked so net/http can drop the connection.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if ok {
					err = xerrors.Wrap(err, "panic")
				} else {
					err = xerrors.Newf("panic: %s", fmt.Sprint(rec))
				}
				logger.Error(r.Context(), err, "handler panic recovered",
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic()
				}

				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Cache-Control", "no-store")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write(internalErrorBody)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
