package client

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/race/netplay/config"
	"github.com/race/netplay/internal/network"
)

// Transport carries messages to the host.
type Transport interface {
	Send(data []byte) error
	Close() error
	Done() <-chan struct{}
}

var (
	errTransportClosed = errors.New("transport closed")
	errSendBufferFull  = errors.New("send buffer full")
)

// wsTransport is a websocket connection with a buffered write pump.
type wsTransport struct {
	ws       *websocket.Conn
	onRecv   func([]byte)
	sendChan chan []byte
	done     chan struct{}
	once     sync.Once
}

func newWSTransport(ws *websocket.Conn, onRecv func([]byte)) *wsTransport {
	return &wsTransport{
		ws:       ws,
		onRecv:   onRecv,
		sendChan: make(chan []byte, config.SendBufferSize),
		done:     make(chan struct{}),
	}
}

// Send queues data for the write pump. Unreliable telemetry is dropped when
// the buffer is full; a reliable message that does not fit closes the
// transport, since a lost command would leave the session out of step.
func (t *wsTransport) Send(data []byte) error {
	select {
	case t.sendChan <- data:
		return nil
	case <-t.done:
		return errTransportClosed
	default:
	}

	if len(data) > 0 && data[0] == network.MsgTypeUnreliable {
		return nil
	}
	log.Printf("[Client] Send buffer full, closing connection")
	t.Close()
	return errSendBufferFull
}

// Close shuts the connection down. Safe to call multiple times.
func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		t.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(config.WriteWait))
		err = t.ws.Close()
	})
	return err
}

// Done is closed once the connection is gone.
func (t *wsTransport) Done() <-chan struct{} {
	return t.done
}

func (t *wsTransport) writePump() {
	defer t.Close()

	for {
		select {
		case <-t.done:
			return
		case message := <-t.sendChan:
			t.ws.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := t.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) readPump() {
	defer t.Close()

	t.ws.SetReadLimit(config.MaxMessageSize * 4)
	for {
		_, message, err := t.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Client] Read error: %v", err)
			}
			return
		}
		t.onRecv(message)
	}
}
