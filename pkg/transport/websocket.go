package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketSubprotocol is the only subprotocol offered and accepted.
const WebSocketSubprotocol = "rssl.rwf"

// wsConn carries one message per binary WebSocket message.
type wsConn struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
}

func (w *wsConn) ReadFrame() ([]byte, error) {
	for {
		typ, b, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		} else if typ == websocket.BinaryMessage {
			return b, nil
		}
	}
}

func (w *wsConn) WriteFrame(b []byte) error {
	w.writeLock.Lock()
	defer w.writeLock.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (w *wsConn) Close() error {
	w.writeLock.Lock()
	// Best effort close frame
	w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.writeLock.Unlock()
	return w.conn.Close()
}

func (w *wsConn) RemoteAddr() string { return w.conn.RemoteAddr().String() }

func newWebSocketChannel(conn *websocket.Conn, config ChannelConfig) Channel {
	config.applyDefaults()
	conn.SetReadLimit(int64(config.MaxMessageSize))
	return newChannel(&wsConn{conn: conn}, "websocket", config)
}

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string, config ChannelConfig) (Channel, error) {
	d := websocket.Dialer{Subprotocols: []string{WebSocketSubprotocol}}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed dialing %v: %w", url, err)
	} else if conn.Subprotocol() != WebSocketSubprotocol {
		conn.Close()
		return nil, fmt.Errorf("server did not accept subprotocol %v", WebSocketSubprotocol)
	}
	return newWebSocketChannel(conn, config), nil
}

// WebSocketHandler upgrades requests and hands each channel to accept, which
// owns it from then on.
func WebSocketHandler(config ChannelConfig, accept func(Channel)) http.Handler {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{WebSocketSubprotocol},
		CheckOrigin:  func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			if config.Log != nil {
				config.Log.Debugf("WebSocket upgrade failed: %v", err)
			}
			return
		} else if conn.Subprotocol() != WebSocketSubprotocol {
			conn.Close()
			return
		}
		accept(newWebSocketChannel(conn, config))
	})
}
