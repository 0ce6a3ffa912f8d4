package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"
)

const maxClientFrame = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientFrame is the only inbound message: {"type":"auth","user_id":"..."}.
type clientFrame struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// handleWS registers a live session. A caller already identified by the
// gateway header is bound at once; otherwise the client sends an auth frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxClientFrame)
	sess := s.dir.Connect(conn)
	defer s.dir.Disconnect(sess.ID)

	if id := r.Header.Get(userHeader); id != "" {
		if err := s.dir.Authenticate(sess.ID, id); err != nil {
			s.logger.Warn("websocket auth failed", "session", sess.ID, "error", err)
			return
		}
	}
	for {
		var f clientFrame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", "session", sess.ID, "error", err)
			}
			return
		}
		if f.Type != "auth" {
			continue
		}
		if err := s.dir.Authenticate(sess.ID, f.UserID); err != nil {
			s.logger.Warn("websocket auth rejected", "session", sess.ID, "error", err)
		}
	}
}
