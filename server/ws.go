package server

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

type HealthResponse struct {
	Program        string
	ActiveSessions int64
	TotalSessions  int64
}

func (s *Server) router() http.Handler {
	router := httprouter.New()
	router.GET("/relay", s.relayWS)
	router.GET("/healthz", s.health)
	return router
}

// relayWS relays a WebSocket connection exactly like a TCP connection.
// Binary messages from the client are the process stdin, and process output is sent back as binary messages.
func (s *Server) relayWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !s.trackRelay() {
		http.Error(w, "server is stopping", http.StatusServiceUnavailable)
		return
	}
	defer s.relays.Done()

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.logger.Debugf("relay WebSocket accept error: %s", err)
		return
	}
	s.logger.Debugw("accepted WebSocket conn", "RemoteAddr", r.RemoteAddr)

	conn := websocket.NetConn(s.ctx, wsConn, websocket.MessageBinary)
	s.serve(conn, r.RemoteAddr)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := HealthResponse{
		Program:        s.program,
		ActiveSessions: s.activeSessions.Load(),
		TotalSessions:  s.totalSessions.Load(),
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.logger.Debugf("error marshaling health response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
