package minerva

import (
	"context"
	"fmt"
	"net"
	"sync"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/pkg/errors"
)

// ContextDialer is satisfied by *net.Dialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// SocketDialer carries transports over persistent TCP connections with
// length-prefixed frames in both directions.
type SocketDialer struct {
	Network string
	Addr    string
	Dialer  ContextDialer
}

// NewSocketDialer returns a dialer to a TCP address.
func NewSocketDialer(addr string) *SocketDialer {
	return &SocketDialer{Network: "tcp", Addr: addr, Dialer: &net.Dialer{}}
}

func (d *SocketDialer) Persistent() bool {
	return true
}

func (d *SocketDialer) Framing() Framing {
	return LengthPrefixFraming
}

func (d *SocketDialer) Label() string {
	return fmt.Sprintf("socket dialer to %v %v", d.Network, d.Addr)
}

func (d *SocketDialer) Dial(req CarrierRequest, l CarrierListener) Carrier {
	ctx, cancel := context.WithCancel(context.Background())
	c := &socketCarrier{l: l, cancel: cancel, out: newOutbox()}
	go c.run(ctx, d, req)
	return c
}

type socketCarrier struct {
	l      CarrierListener
	cancel context.CancelFunc
	out    *outbox
	mx     sync.Mutex
	conn   net.Conn
	closed bool
}

func (c *socketCarrier) run(ctx context.Context, d *SocketDialer, req CarrierRequest) {
	conn, err := d.Dialer.DialContext(ctx, d.Network, d.Addr)
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
	err = pump(conn, c.l)
	c.Close()
	c.l.OnClosed(err)
}

func (c *socketCarrier) writeLoop(conn net.Conn) {
	for {
		payload, ok := c.out.next()
		if !ok {
			return
		}
		_, err := conn.Write(payload)
		pool.Put(payload)
		if err != nil {
			log.Debugf("Failed to write to %v: %v", conn.RemoteAddr(), err)
			// the read loop sees the closed conn and reports it
			conn.Close()
			return
		}
	}
}

func (c *socketCarrier) Write(payload []byte) error {
	if !c.out.push(payload) {
		pool.Put(payload)
		return errors.New("socket carrier closed")
	}
	return nil
}

func (c *socketCarrier) Close() {
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

// outbox queues payloads for a write loop without ever blocking the writer.
type outbox struct {
	mx     sync.Mutex
	cond   *sync.Cond
	queued [][]byte
	closed bool
}

func newOutbox() *outbox {
	o := &outbox{}
	o.cond = sync.NewCond(&o.mx)
	return o
}

func (o *outbox) push(payload []byte) bool {
	o.mx.Lock()
	defer o.mx.Unlock()
	if o.closed {
		return false
	}
	o.queued = append(o.queued, payload)
	o.cond.Signal()
	return true
}

// next blocks until there is a payload, or returns false once closed.
func (o *outbox) next() ([]byte, bool) {
	o.mx.Lock()
	defer o.mx.Unlock()
	for len(o.queued) == 0 && !o.closed {
		o.cond.Wait()
	}
	if o.closed {
		return nil, false
	}
	payload := o.queued[0]
	o.queued = o.queued[1:]
	return payload, true
}

func (o *outbox) close() {
	o.mx.Lock()
	defer o.mx.Unlock()
	o.closed = true
	for _, payload := range o.queued {
		pool.Put(payload)
	}
	o.queued = nil
	o.cond.Broadcast()
}
