package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/picochat/picochat/pkg/protocol"
	"github.com/picochat/picochat/pkg/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and serves the socket exactly like
// a TCP client: binary messages carry protocol frames.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	maxFrame := s.config.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = protocol.MaxFrameSize
	}
	ws.SetReadLimit(int64(maxFrame) + protocol.HeaderSize)

	s.serveConn(transport.NewWebSocketConn(ws), "websocket")
}
