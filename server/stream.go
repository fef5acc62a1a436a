package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hpcloud/tail"

	"tangled.sh/tangled.sh/tandem/db"
	"tangled.sh/tangled.sh/tandem/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	keepalive = 30 * time.Second
	// how long a followed log may stay quiet after its stage finished
	settleDelay = 500 * time.Millisecond
)

// Events streams every status event as JSON: the whole backlog first, then
// live rows as they are recorded.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Events")
	l.Info("received new connection")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Info("upgraded http to wss")

	ch, unsubscribe := s.n.Subscribe()
	defer unsubscribe()

	ctx := s.watchClose(r.Context(), conn, l)

	var cursor int64

	// complete backfill first before going to live data
	l.Info("going through backfill", "cursor", cursor)
	if err := s.streamEvents(conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case <-ch:
			l.Debug("going through live data", "cursor", cursor)
			if err := s.streamEvents(conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-time.After(keepalive):
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
			}
		}
	}
}

func (s *Server) streamEvents(conn *websocket.Conn, cursor *int64) error {
	for {
		evts, err := s.db.GetEvents(*cursor)
		if err != nil {
			return err
		}

		for _, ev := range evts {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.ID
		}

		// pages are capped at 100 rows
		if len(evts) < 100 {
			return nil
		}
	}
}

// watchClose returns a context that is cancelled once the client goes away.
func (s *Server) watchClose(ctx context.Context, conn *websocket.Conn, l *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				l.Debug("connection closed", "err", err)
				return
			}
		}
	}()
	return ctx
}

// Logs serves the JSON-lines log of one stage. With ?follow=true the
// request is upgraded to a websocket that streams lines until the stage is
// finished.
func (s *Server) Logs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run")
	stageID := chi.URLParam(r, "stage")
	l := s.l.With("handler", "Logs", "run", runID, "stage", stageID)

	st, err := s.db.GetStage(runID, stageID)
	if errors.Is(err, db.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		l.Error("failed to get stage", "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to get stage"))
		return
	}

	path, err := securejoin.SecureJoin(s.cfg.Pipeline.RunDir, runID+"/"+stageID+".log")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if r.URL.Query().Get("follow") == "true" {
		s.followLogs(w, r, l, path, runID, stageID)
		return
	}

	if st.State == string(pipeline.StatePending) || st.State == string(pipeline.StateSkipped) {
		writeError(w, http.StatusNotFound, errors.New("stage has no logs"))
		return
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, errors.New("stage has no logs"))
		return
	}
	if err != nil {
		l.Error("failed to open log", "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to open log"))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		l.Debug("log copy interrupted", "err", err)
	}
}

func (s *Server) stageFinished(runID, stageID string) bool {
	st, err := s.db.GetStage(runID, stageID)
	if err != nil {
		return false
	}
	return pipeline.State(st.State).IsTerminal()
}

func (s *Server) followLogs(w http.ResponseWriter, r *http.Request, l *slog.Logger, path, runID, stageID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		l.Error("failed to tail log", "err", err)
		return
	}
	defer t.Cleanup()
	defer t.Stop()

	ch, unsubscribe := s.n.Subscribe()
	defer unsubscribe()

	ctx := s.watchClose(r.Context(), conn, l)

	finished := s.stageFinished(runID, stageID)
	idle := time.NewTimer(settleDelay)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				l.Error("failed to read log", "err", line.Err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line.Text)); err != nil {
				l.Debug("failed to write log line", "err", err)
				return
			}
			idle.Reset(settleDelay)
		case <-ch:
			if !finished && s.stageFinished(runID, stageID) {
				finished = true
				idle.Reset(settleDelay)
			}
		case <-idle.C:
			if finished {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stage finished")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			idle.Reset(keepalive)
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Debug("failed to write control", "err", err)
			}
		}
	}
}
