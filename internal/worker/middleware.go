package worker

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// correlation reads X-Correlation-ID (generating one if absent), echoes it
// on the response and puts a request logger carrying it into the context.
// The id is also kept on the request so forwarded calls carry it upstream.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Extract correlation ID from request header
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			// Generate one and forward it to the remote host
			correlationID = uuid.New().String()
			r.Header.Set("X-Correlation-ID", correlationID)
		}

		// Add to response headers for client verification
		w.Header().Set("X-Correlation-ID", correlationID)

		// Add to logger context for all logs in this request
		logger := log.With().Str("correlation_id", correlationID).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}
