package monitor

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSResponse is the JSON envelope sent to event subscribers.
type WSResponse struct {
	Type    string      `json:"type"` // "subscribed", "route"
	Payload interface{} `json:"payload"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// HandleEvents returns an HTTP handler that upgrades connections to
// WebSocket and streams every published Event as a "route" message. Closing
// done ends every stream.
func HandleEvents(hub *Hub, done <-chan struct{}, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		events, cancel := hub.Subscribe()
		defer cancel()

		// Subscribers only listen; the read loop exists to notice the close
		// and to process pongs.
		closed := make(chan struct{})
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						log.Debug().Err(err).Msg("websocket read error")
					}
					return
				}
			}
		}()

		if err := writeWS(conn, WSResponse{Type: "subscribed", Payload: map[string]string{"status": "ok"}}); err != nil {
			return
		}

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case <-done:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if err := writeWS(conn, WSResponse{Type: "route", Payload: e}); err != nil {
					log.Debug().Err(err).Msg("websocket write error")
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

func writeWS(conn *websocket.Conn, v WSResponse) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}
