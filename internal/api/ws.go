package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"farmestly-reports/internal/notify"
)

const wsWriteWait = 10 * time.Second

// handleWS streams status updates for one job until it reaches a terminal state.
// The subscription is opened before the current status is read so a transition
// between the two cannot be missed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	accountID := accountFrom(r.Context())
	if _, err := s.reports.GetJobForAccount(r.Context(), jobID, accountID); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.wsLifetime)
	defer cancel()
	sub, err := s.subscriber.Subscribe(ctx, jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()
	log := s.logger.With("job_id", jobID, "account_id", accountID)

	// Clients only listen; a read error means they went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	job, err := s.reports.GetJobForAccount(ctx, jobID, accountID)
	if err != nil {
		log.Warn("reload job for stream", "error", err)
		return
	}
	if err := writeWS(conn, statusOf(job)); err != nil || job.Status.Terminal() {
		closeWS(conn)
		return
	}

	for {
		select {
		case <-ctx.Done():
			closeWS(conn)
			return
		case ev, ok := <-sub.Events():
			if !ok {
				closeWS(conn)
				return
			}
			if err := writeWS(conn, eventStatus(ev)); err != nil {
				log.Debug("websocket write", "error", err)
				return
			}
			if ev.Status.Terminal() {
				closeWS(conn)
				return
			}
		}
	}
}

func eventStatus(ev notify.Event) statusResponse {
	return statusResponse{JobID: ev.JobID, Status: ev.Status, UpdatedAt: ev.At, Result: ev.Result, Error: ev.Error}
}

func writeWS(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}

func closeWS(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
