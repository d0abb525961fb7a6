package main

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/itskum47/FwForge/control_plane/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS for the dashboard is enforced by CORSMiddleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades to a WebSocket that receives build events.
// Optional filters: ?buildId=<id> and ?topic=stage.updated,build.finished.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	if a.hub.ClientCount() >= maxWSConnections {
		writeError(w, http.StatusServiceUnavailable, "too many stream clients")
		return
	}
	logger := logging.FromContext(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newStreamClient(conn, r.URL.Query())
	if !a.hub.Register(c) {
		conn.Close()
		return
	}
	go c.writePump()

	c.readPump(logger)
	a.hub.Unregister(c)
}
