package server

import (
	"log"
	"net/http"

	"github.com/aeolun/jimchat/pkg/protocol"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients may be served from anywhere
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and serves it like a TCP client using
// the framed wire format.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	conn := protocol.NewWebSocketConn(ws)
	started := s.goConn(func() {
		s.serveConn(conn, "ws", protocol.FramingFramed)
	})
	if !started {
		conn.Close()
	}
}
