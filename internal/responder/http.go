package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/remiblancher/qocsp/internal/audit"
	"github.com/remiblancher/qocsp/internal/ocsp"
)

// ServerOptions configures ListenAndServe.
type ServerOptions struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Handler returns the HTTP handler: GET /{base64 request} and POST /.
func (r *Responder) Handler() http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(r.logRequests)
	mux.Use(middleware.Recoverer)

	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Post("/", r.serveOCSP)
	mux.Get("/", r.serveOCSP)
	mux.Get("/*", r.serveOCSP)

	return mux
}

func (r *Responder) serveOCSP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	r.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("method", req.Method)))

	ocspReq, err := ocsp.ParseRequestFromHTTP(req)
	if err != nil {
		r.fail(ctx, w, req.Method, ocsp.StatusMalformedRequest, err)
		return
	}

	der, err := r.Respond(ctx, ocspReq, req.Method)
	switch {
	case errors.Is(err, ErrNotAuthoritative):
		r.fail(ctx, w, req.Method, ocsp.StatusUnauthorized, err)
		return
	case err != nil:
		r.fail(ctx, w, req.Method, ocsp.StatusInternalError, err)
		return
	}

	w.Header().Set("Content-Type", ocsp.ContentTypeResponse)
	if req.Method == http.MethodGet && r.opts.NextUpdate > 0 {
		w.Header().Set("Cache-Control",
			"max-age="+strconv.Itoa(int(r.opts.NextUpdate.Seconds()))+", public, no-transform, must-revalidate")
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(der)
}

// fail answers with an unsigned error response. OCSP errors travel in a
// 200 OK body.
func (r *Responder) fail(ctx context.Context, w http.ResponseWriter, method string, status ocsp.ResponseStatus, cause error) {
	r.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
	r.loggerFor(ctx).LogAttrs(ctx, slog.LevelWarn, "rejected OCSP request",
		slog.String("status", status.String()),
		slog.String("method", method),
		slog.Any("err", cause))
	_ = audit.LogOCSPServe("", status.String(), method, false, cause.Error())

	der, err := ocsp.NewErrorResponse(status)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ocsp.ContentTypeResponse)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(der)
}

// logRequests echoes the request ID and logs every HTTP exchange.
func (r *Responder) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ctx := req.Context()
		requestID := middleware.GetReqID(ctx)
		w.Header().Set("X-Request-ID", requestID)
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, req)

		r.loggerFor(ctx).LogAttrs(ctx, slog.LevelDebug, "http request",
			slog.String("request_id", requestID),
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", ww.status),
			slog.Duration("duration", time.Since(start)))
	})
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// ListenAndServe serves the responder and watches the status file until
// ctx is canceled, then shuts the server down gracefully.
func (r *Responder) ListenAndServe(ctx context.Context, opts ServerOptions) error {
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	srv := &http.Server{
		Addr:         opts.Addr,
		Handler:      r.Handler(),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watchErr := make(chan error, 1)
	go func() { watchErr <- r.Watch(watchCtx) }()

	errChan := make(chan error, 1)
	go func() { errChan <- srv.ListenAndServe() }()

	logger := r.loggerFor(ctx)
	logger.LogAttrs(ctx, slog.LevelInfo, "OCSP responder listening",
		slog.String("addr", opts.Addr),
		slog.String("responder", r.opts.Certificate.Subject.String()))

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case err := <-watchErr:
		_ = srv.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "OCSP responder stopped")
	return nil
}
