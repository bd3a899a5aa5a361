package fakedevice

import (
	"net/http"
	"time"

	"github.com/danmuck/edgelink/internal/transport"
	"github.com/gorilla/websocket"
)

// Handler upgrades each request to a WebSocket and serves d on it until the
// client goes away.
func Handler(d *Device) http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.logger.Warn().Err(err).Msg("upgrade failed")
			return
		}
		conn := transport.NewWebsocketConn(ws, 5*time.Second, 0)
		defer conn.Close()
		d.logger.Info().Str("remote", r.RemoteAddr).Msg("client connected")
		err = d.Serve(r.Context(), conn)
		d.logger.Info().Str("remote", r.RemoteAddr).Err(err).Msg("client disconnected")
	})
}
