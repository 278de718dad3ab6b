package signaling

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/relay"
)

const wsWriteWait = 5 * time.Second

// wsTransport is relay.Transport over one WebSocket. Text frames go through
// the send queue and a single write pump; pings and close frames use
// WriteControl, which gorilla allows concurrently with the pump.
type wsTransport struct {
	conn  *websocket.Conn
	queue *sendQueue

	closeOnce sync.Once
	done      chan struct{}
}

func newWSTransport(conn *websocket.Conn, queueFrames, queueBytes int) *wsTransport {
	return &wsTransport{
		conn:  conn,
		queue: newSendQueue(queueFrames, queueBytes),
		done:  make(chan struct{}),
	}
}

func (t *wsTransport) Send(frame []byte) error {
	return t.queue.Enqueue(frame)
}

func (t *wsTransport) Close(reason relay.CloseReason) {
	t.closeOnce.Do(func() {
		close(t.done)
		t.queue.Close()
		// WriteControl waits for the write lock, which a pump stuck on a peer
		// that stopped reading holds until its deadline. Callers include
		// another connection's fan-out, so the close frame goes out async.
		go func() {
			_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(reason.Code, reason.Text), time.Now().Add(wsWriteWait))
			_ = t.conn.Close()
		}()
	})
}

func (t *wsTransport) writePump() {
	for {
		frame, ok := t.queue.Dequeue()
		if !ok {
			return
		}
		_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			t.Close(relay.CloseDeliveryFailed)
			return
		}
	}
}

func (t *wsTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
