package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"golang.org/x/net/websocket"

	"recapai/internal/usertoken"
	"recapai/internal/util"
)

const wsWriteTimeout = 10 * time.Second

// handleNotifications upgrades to a WebSocket and streams the owner's
// terminal task events until either side goes away.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "SYSTEM_UNAVAILABLE", "notifications not configured")
		return
	}
	ws := websocket.Server{
		Handshake: s.checkOrigin,
		Handler: func(conn *websocket.Conn) {
			s.streamEvents(r.Context(), conn, id)
		},
	}
	ws.ServeHTTP(w, r)
}

// checkOrigin accepts native clients without an Origin and browsers from
// the CORS allow-list.
func (s *Server) checkOrigin(cfg *websocket.Config, r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	if !slices.Contains(s.corsOrigins, "*") && !slices.Contains(s.corsOrigins, origin) {
		return fmt.Errorf("origin %q not allowed", origin)
	}
	var err error
	cfg.Origin, err = websocket.Origin(cfg, r)
	return err
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, id usertoken.Identity) {
	logger := util.LoggerFromContext(ctx)
	session := s.hub.Open(id.OwnerID)
	defer s.hub.Close(session)
	defer conn.Close()
	logger.Info("notification session opened", "session", session.ID)

	// Clients only ever send close frames; a read error means the peer left.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard string
		for {
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			logger.Info("notification session closed", "session", session.ID, "dropped", session.Dropped())
			return
		case <-ctx.Done():
			return
		case ev, ok := <-session.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := websocket.JSON.Send(conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Warn("notification send failed", "session", session.ID, "task_id", ev.TaskID, "err", err)
				}
				return
			}
		}
	}
}
