// Package web serves the review API over HTTP as JSON.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/conorfennell/kioku/internal/auth"
	"github.com/conorfennell/kioku/internal/domain"
	kerrors "github.com/conorfennell/kioku/internal/errors"
	"github.com/conorfennell/kioku/internal/render"
	"github.com/conorfennell/kioku/internal/review"
	ksync "github.com/conorfennell/kioku/internal/sync"
)

const (
	GracefulShutdownTimeout = 10 * time.Second
	maxBodyBytes            = 1 << 20
)

// Store is what the handlers read directly, beyond the review service and
// the syncer.
type Store interface {
	Ping(ctx context.Context) error
	GetAllSources(ctx context.Context) ([]domain.Source, error)
	DeleteSource(ctx context.Context, id int64, at time.Time) error
	FindItemByHash(ctx context.Context, hash string) (*domain.Item, error)
}

// Server holds the dependencies for the HTTP handlers.
type Server struct {
	store    Store
	reviews  *review.Service
	syncer   *ksync.Syncer
	renderer *render.Renderer
	verifier *auth.Verifier
	now      func() time.Time
}

func NewServer(store Store, reviews *review.Service, syncer *ksync.Syncer, verifier *auth.Verifier) *Server {
	return &Server{
		store:    store,
		reviews:  reviews,
		syncer:   syncer,
		renderer: render.New(),
		verifier: verifier,
		now:      time.Now,
	}
}

// Handler returns the routed API wrapped in logging and recovery middleware.
// Everything under /api/ also requires a learner identity.
func (s *Server) Handler(logger zerolog.Logger) http.Handler {
	api := alice.New(s.identify)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.Handle("POST /api/enroll", api.ThenFunc(s.handleEnroll))
	mux.Handle("GET /api/due", api.ThenFunc(s.handleDue))
	mux.Handle("GET /api/stats", api.ThenFunc(s.handleStats))
	mux.Handle("GET /api/cards/{id}", api.ThenFunc(s.handleGetCard))
	mux.Handle("GET /api/cards/{id}/preview", api.ThenFunc(s.handlePreview))
	mux.Handle("GET /api/cards/{id}/history", api.ThenFunc(s.handleHistory))
	mux.Handle("POST /api/cards/{id}/review", api.ThenFunc(s.handleReview))
	mux.Handle("POST /api/cards/{id}/unreview", api.ThenFunc(s.handleUnreview))
	mux.Handle("GET /api/items/{hash}", api.ThenFunc(s.handleGetItem))

	mux.Handle("GET /api/sources", api.ThenFunc(s.handleListSources))
	mux.Handle("POST /api/sources", api.ThenFunc(s.handleAddSource))
	mux.Handle("DELETE /api/sources/{id}", api.ThenFunc(s.handleDeleteSource))
	mux.Handle("POST /api/sync", api.ThenFunc(s.handleSync))

	return alice.New(
		hlog.NewHandler(logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request")
		}),
		hlog.RequestIDHandler("req_id", "X-Request-Id"),
		recoverer,
	).Then(mux)
}

// Run serves srv until ctx is cancelled, then shuts it down gracefully.
func Run(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("addr", srv.Addr).Msg("http-listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("got quit signal...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), GracefulShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Msg("server gracefully shut down")
		return nil
	}
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				hlog.FromRequest(r).Error().Interface("panic", v).Bytes("stack", debug.Stack()).Msg("panic-recovered")
				writeError(w, r, kerrors.NewInternal(nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// identify resolves the learner and stores it in the request context.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		learnerID, err := s.verifier.Learner(r)
		if err != nil {
			hlog.FromRequest(r).Debug().Err(err).Msg("learner-unidentified")
			writeError(w, r, kerrors.NewUnauthorized("could not identify learner"))
			return
		}
		ctx := auth.StoreLearnerInContext(r.Context(), learnerID)
		l := zerolog.Ctx(ctx).With().Str("learner_id", learnerID).Logger()
		next.ServeHTTP(w, r.WithContext(l.WithContext(ctx)))
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("response-encode-failed")
	}
}

type errorBody struct {
	Code    kerrors.ErrorCode `json:"code"`
	Message string            `json:"message"`
	Details map[string]any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kerr := kerrors.As(err)
	if kerr.Status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request-failed")
		// Internal messages can carry driver details; don't leak them.
		kerr = &kerrors.KiokuError{Code: kerr.Code, Status: kerr.Status, Message: "internal error"}
	}
	writeJSON(w, r, kerr.Status, map[string]errorBody{
		"error": {Code: kerr.Code, Message: kerr.Message, Details: kerr.Details},
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return kerrors.NewInvalidRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

// intQuery parses an optional integer query parameter; absent means 0.
func intQuery(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, kerrors.NewInvalidRequest(name + " must be a non-negative integer")
	}
	return n, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, kerrors.NewInvalidRequest("invalid source id")
	}
	return id, nil
}
