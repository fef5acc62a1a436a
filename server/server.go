package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tangled.sh/tangled.sh/tandem/config"
	"tangled.sh/tangled.sh/tandem/db"
	"tangled.sh/tangled.sh/tandem/notifier"
	"tangled.sh/tangled.sh/tandem/pipeline"
	"tangled.sh/tangled.sh/tandem/queue"
	"tangled.sh/tangled.sh/tandem/telemetry"
	"tangled.sh/tangled.sh/tandem/trigger"
)

// Runner starts a pipeline run under a caller-chosen ID.
type Runner interface {
	RunWithID(ctx context.Context, id string, ev trigger.Event, observers ...pipeline.Observer) *pipeline.Run
}

type Server struct {
	cfg    *config.Config
	db     *db.DB
	n      *notifier.Notifier
	jq     *queue.Queue
	runner Runner
	tel    *telemetry.Telemetry
	l      *slog.Logger
}

func New(cfg *config.Config, d *db.DB, n *notifier.Notifier, jq *queue.Queue, runner Runner, tel *telemetry.Telemetry, l *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		db:     d,
		n:      n,
		jq:     jq,
		runner: runner,
		tel:    tel,
		l:      l,
	}
}

func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(s.RequestLogger)
	if s.tel != nil {
		mux.Use(s.tel.RequestInFlight(), s.tel.RequestDuration())
	}

	mux.Post("/trigger", s.Trigger)
	mux.Get("/runs/{id}", s.GetRun)
	mux.Get("/logs/{run}/{stage}", s.Logs)
	mux.HandleFunc("/events", s.Events)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.l.Info("starting tandem server", "address", s.cfg.Server.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type triggerResponse struct {
	ID string `json:"id"`
}

func (s *Server) Trigger(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Trigger")

	var body trigger.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding event: %w", err))
		return
	}
	ev, err := trigger.NewEvent(string(body.Kind), body.Ref, body.HeadRef)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id := uuid.NewString()
	if err := s.db.CreateRun(id, ev, string(pipeline.RunPending), s.n); err != nil {
		l.Error("failed to create run", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to create run"))
		return
	}

	ok, err := s.jq.Enqueue(queue.Job{
		ID: id,
		Run: func(ctx context.Context) error {
			run := s.runner.RunWithID(ctx, id, ev)
			if !run.Succeeded() {
				return fmt.Errorf("run %s finished as %s (release %s)", id, run.State(), run.Release())
			}
			return nil
		},
		OnFail: func(err error) {
			l.Warn("pipeline run did not succeed", "run", id, "error", err)
		},
	})
	if err != nil || !ok {
		if derr := s.db.DeleteRun(id, s.n); derr != nil {
			l.Error("failed to drop unqueued run", "run", id, "error", derr)
		}
		l.Error("failed to enqueue run: queue is full or stopped", "run", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("run queue is full"))
		return
	}

	l.Info("run enqueued", "run", id, "event", ev.String())
	writeJSON(w, http.StatusAccepted, triggerResponse{ID: id})
}

func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.db.GetRun(chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.l.Error("failed to get run", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to get run"))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
