// Package api serves the two HTTP surfaces: the public gateway (auth,
// document intents, chat forwarding) and the internal worker (graph
// runs, ingestion dispatch, vector deletes). Both are chi routers; the
// gateway talks to the worker over internal/worker.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// respond writes v as a JSON body with the given status.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", slog.Any("error", err))
	}
}

// respondError maps err onto its HTTP status and the API error body.
func respondError(w http.ResponseWriter, err error) {
	body, _ := errors.FormatJSON(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errors.HTTPStatus(err))
	_, _ = w.Write(body)
}

// decode parses the request body into v. Unknown fields are ignored so
// older clients keep working across payload additions.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrapf(errors.KindInvalidInput, err, "invalid request body")
	}
	return nil
}

// requestLog emits one structured line per request. Status comes from
// chi's wrapper, which keeps http.Flusher intact for the SSE handlers.
func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)))
	})
}
