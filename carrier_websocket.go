package minerva

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/pkg/errors"
)

// WebSocketDialer carries transports over WebSocket connections. Every text
// message holds one or more length-prefixed frames.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// NewWebSocketDialer returns a dialer to a ws:// or wss:// URL.
func NewWebSocketDialer(url string) *WebSocketDialer {
	return &WebSocketDialer{URL: url, Dialer: websocket.DefaultDialer}
}

func (d *WebSocketDialer) Persistent() bool {
	return true
}

func (d *WebSocketDialer) Framing() Framing {
	return LengthPrefixFraming
}

func (d *WebSocketDialer) Label() string {
	return fmt.Sprintf("websocket dialer to %v", d.URL)
}

func (d *WebSocketDialer) Dial(req CarrierRequest, l CarrierListener) Carrier {
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsCarrier{l: l, cancel: cancel, out: newOutbox()}
	go c.run(ctx, d, req)
	return c
}

type wsCarrier struct {
	l      CarrierListener
	cancel context.CancelFunc
	out    *outbox
	mx     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (c *wsCarrier) run(ctx context.Context, d *WebSocketDialer, req CarrierRequest) {
	conn, resp, err := d.Dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.Close()
		c.l.OnClosed(errors.Wrapf(err, "transport #%d via %v", req.TransportNumber, d.Label()))
		return
	}
	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		conn.Close()
		c.l.OnClosed(nil)
		return
	}
	c.conn = conn
	c.mx.Unlock()
	c.l.OnHeaders(-1)
	go c.writeLoop(conn)
	err = c.readLoop(conn)
	c.Close()
	c.l.OnClosed(err)
}

func (c *wsCarrier) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if len(msg) == 0 {
			continue
		}
		buf := pool.Get(len(msg))
		copy(buf, msg)
		c.l.OnData(buf)
	}
}

func (c *wsCarrier) writeLoop(conn *websocket.Conn) {
	for {
		payload, ok := c.out.next()
		if !ok {
			return
		}
		err := conn.WriteMessage(websocket.TextMessage, payload)
		pool.Put(payload)
		if err != nil {
			log.Debugf("Failed to write websocket message: %v", err)
			conn.Close()
			return
		}
	}
}

func (c *wsCarrier) Write(payload []byte) error {
	if !c.out.push(payload) {
		pool.Put(payload)
		return errors.New("websocket carrier closed")
	}
	return nil
}

func (c *wsCarrier) Close() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	c.out.close()
	if c.conn != nil {
		c.conn.Close()
	}
}
