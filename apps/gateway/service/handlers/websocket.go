// Package handlers exposes the gateway's HTTP surface: the websocket
// endpoint clients connect through and the administrative listing routes.
package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/antinvestor/service-stream/apps/gateway/service/business"
	"github.com/antinvestor/service-stream/apps/gateway/service/events"
	"github.com/gorilla/websocket"
	"github.com/pitabwire/util"
)

const (
	readBufferSize   = 4096
	writeBufferSize  = 4096
	maxMessageSize   = 1 << 20
	writeTimeout     = 10 * time.Second
	closeGracePeriod = time.Second
)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		// Origin enforcement belongs to the edge proxy in front of the gateway.
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// wsStream adapts a websocket connection to the gateway's stream contract.
// Writes are serialised: the outbound worker and inbound error replies share
// the socket.
type wsStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSStream(conn *websocket.Conn) *wsStream {
	conn.SetReadLimit(maxMessageSize)
	return &wsStream{conn: conn}
}

// Receive blocks for the next parseable client frame. A malformed frame gets
// an error reply and the read loop continues; only transport errors end the
// stream.
func (s *wsStream) Receive() (*events.ClientFrame, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		frame, err := events.ParseClientFrame(data)
		if err != nil {
			_ = s.Send(events.NewErrorFrame(events.ErrorDetail{
				Code:    "malformed_frame",
				Message: "could not parse frame",
			}))
			continue
		}
		return frame, nil
	}
}

func (s *wsStream) Send(frame *events.ServerFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(frame)
}

// Close sends a close frame best-effort and tears the socket down. Safe to
// call more than once.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

var _ business.ClientStream = (*wsStream)(nil)

// HandleWS upgrades the request and runs the connection lifecycle until the
// client goes away. A missing subscription_id gets a generated one, returned
// to the client in the connect ack.
func (s *StreamServer) HandleWS(w http.ResponseWriter, r *http.Request) {
	subscriptionID := r.URL.Query().Get("subscription_id")
	if subscriptionID == "" {
		subscriptionID = util.IDString()
	}
	clientID := r.URL.Query().Get("client_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		util.Log(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}

	stream := newWSStream(conn)
	defer func() { _ = stream.Close() }()

	util.Log(r.Context()).WithFields(map[string]any{
		"subscription_id": subscriptionID,
		"client_id":       clientID,
	}).Info("new client connection")

	if err = s.gateway.HandleConnection(r.Context(), subscriptionID, clientID, stream); err != nil {
		util.Log(r.Context()).WithError(err).
			WithField("subscription_id", subscriptionID).
			Debug("connection ended with error")
	}
}
