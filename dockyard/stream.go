package dockyard

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hpcloud/tail"
	"tangled.sh/tangled.sh/dockyard/dockyard/db"
	"tangled.sh/tangled.sh/dockyard/dockyard/models"
)

const keepalive = 30 * time.Second

// how often a followed log checks whether its run has finished
var statusPoll = time.Second

func (s *Dockyard) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if s.cfg.Server.Dev {
		u.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return u
}

// watchClose cancels the returned context once the client goes away.
func watchClose(ctx context.Context, conn *websocket.Conn) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()
	return ctx, cancel
}

func (s *Dockyard) Events(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Events")
	l.Debug("received new connection")

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx, cancel := watchClose(r.Context(), conn)
	defer cancel()

	var cursor int64

	// complete backfill first before going to live data
	if err := s.streamEvents(conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			l.Debug("stopping stream: client closed connection")
			return
		case <-ch:
			if err := s.streamEvents(conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-time.After(keepalive):
			if err = conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
			}
		}
	}
}

// streamEvents writes every event after cursor, a page at a time.
func (s *Dockyard) streamEvents(conn *websocket.Conn, cursor *int64) error {
	for {
		events, err := s.db.GetEvents(*cursor)
		if err != nil {
			return err
		}

		for _, ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.Created
		}

		if len(events) < 100 {
			return nil
		}
	}
}

// Logs streams the log file of a run, one JSON line per message. For a run
// that is still going the file is followed until the run finishes.
func (s *Dockyard) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l := s.l.With("handler", "Logs", "run", id)

	run, err := s.db.GetRun(id)
	switch {
	case errors.Is(err, db.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	path := models.LogFilePath(s.cfg.Pipelines.LogDir, run.RunId())
	finished := run.Status.IsFinish()

	if finished {
		if _, err := os.Stat(path); err != nil {
			writeError(w, http.StatusNotFound, errors.New("run has no logs"))
			return
		}
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := watchClose(r.Context(), conn)
	defer cancel()

	t, err := tail.TailFile(path, tail.Config{
		Follow: !finished,
		Logger: tail.DiscardingLogger,
	})
	if err != nil {
		l.Error("failed to tail log", "err", err)
		return
	}

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			// unblock the tailer if it is waiting to hand over a line
			go func() {
				for range t.Lines {
				}
			}()
			t.Stop()
			t.Cleanup()
		})
	}
	defer stop()

	ticker := time.NewTicker(statusPoll)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			return

		case line, ok := <-t.Lines:
			if !ok {
				closeLog(conn)
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
			sent++

		case <-ticker.C:
			if finished {
				continue
			}
			run, err := s.db.GetRun(id)
			if err != nil {
				l.Error("failed to check run status", "err", err)
				return
			}
			if !run.Status.IsFinish() {
				continue
			}

			// the file is complete now, send whatever the tailer has not
			stop()
			if err := sendFrom(conn, path, sent); err != nil {
				l.Debug("failed to send rest of log", "err", err)
				return
			}
			closeLog(conn)
			return
		}
	}
}

// sendFrom writes every line of the file at path after the first skip.
func sendFrom(conn *websocket.Conn, path string, skip int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for n := 0; scanner.Scan(); n++ {
		if n < skip {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, scanner.Bytes()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func closeLog(conn *websocket.Conn) {
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "end of log"),
		time.Now().Add(time.Second),
	)
}
