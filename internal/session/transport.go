package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lexiqai/doctalk/internal/observability"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size; response audio chunks can be large.
	maxMessageSize = 16 << 20
)

// transport is one live WebSocket handle. A Manager owns at most one at a
// time; gen identifies which connection attempt produced it.
type transport struct {
	conn      *websocket.Conn
	gen       uint64
	done      chan struct{}
	closeOnce sync.Once
	metrics   *observability.ConnectionMetrics
	logger    zerolog.Logger
}

func newTransport(conn *websocket.Conn, gen uint64, connID string, logger zerolog.Logger) *transport {
	return &transport{
		conn:    conn,
		gen:     gen,
		done:    make(chan struct{}),
		metrics: observability.NewConnectionMetrics(connID),
		logger:  logger,
	}
}

// write sends one text frame. writeMu serializes all writers of a Manager.
func (t *transport) write(writeMu *sync.Mutex, data []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *transport) ping(writeMu *sync.Mutex) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close drops the connection without a close handshake.
func (t *transport) close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
		t.metrics.RecordClose()
	})
}

// closeNormal sends a normal-closure frame before closing.
func (t *transport) closeNormal(writeMu *sync.Mutex) {
	t.closeOnce.Do(func() {
		writeMu.Lock()
		err := t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second),
		)
		writeMu.Unlock()
		if err != nil {
			t.logger.Debug().Err(err).Msg("Failed to send close frame")
		}
		close(t.done)
		t.conn.Close()
		t.metrics.RecordClose()
	})
}
