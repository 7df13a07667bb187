package errors

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

// ErrorHandler wraps an http.Handler and converts panics into a generic
// 500 envelope with no internal detail.
func ErrorHandler(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					requestID := w.Header().Get("X-Request-ID")
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.ByteString("stacktrace", debug.Stack()),
						zap.String("request_id", requestID),
					)
					WriteError(w, NewInternalError(requestID, nil))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// LogError logs an error with its context. Client errors are logged at
// warn level, everything else at error level.
func LogError(logger *zap.Logger, err error, requestID string) {
	var re *RelayError
	if As(err, &re) {
		log := logger.Error
		if re.Code < 500 {
			log = logger.Warn
		}
		log("request error",
			zap.String("error_type", string(re.Type)),
			zap.String("message", re.Message),
			zap.Int("code", re.Code),
			zap.String("request_id", requestID),
			zap.Any("details", re.Details),
			zap.NamedError("cause", re.err),
		)
		return
	}
	logger.Error("unexpected error",
		zap.Error(err),
		zap.String("request_id", requestID),
	)
}
