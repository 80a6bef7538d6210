package minerva

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/pkg/errors"
)

const defaultChunkSize = 8192

// HTTPDialer carries transports as HTTP POST requests. The request body is
// the newline-framed frames, the response is read incrementally.
type HTTPDialer struct {
	URL    string
	Client *http.Client
}

// NewHTTPDialer returns a dialer posting to url. A nil client means
// http.DefaultClient.
func NewHTTPDialer(url string, client *http.Client) *HTTPDialer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDialer{URL: url, Client: client}
}

func (d *HTTPDialer) Persistent() bool {
	return false
}

func (d *HTTPDialer) Framing() Framing {
	return NewlineFraming
}

func (d *HTTPDialer) Label() string {
	return fmt.Sprintf("HTTP dialer to %v", d.URL)
}

func (d *HTTPDialer) Dial(req CarrierRequest, l CarrierListener) Carrier {
	ctx, cancel := context.WithCancel(context.Background())
	return &httpCarrier{d: d, req: req, l: l, ctx: ctx, cancel: cancel}
}

type httpCarrier struct {
	d       *HTTPDialer
	req     CarrierRequest
	l       CarrierListener
	ctx     context.Context
	cancel  context.CancelFunc
	written int32
	once    sync.Once
}

func (c *httpCarrier) Write(payload []byte) error {
	if !atomic.CompareAndSwapInt32(&c.written, 0, 1) {
		pool.Put(payload)
		return ErrCarrierOneShot
	}
	go c.roundTrip(payload)
	return nil
}

func (c *httpCarrier) roundTrip(payload []byte) {
	defer pool.Put(payload)
	err := c.doRoundTrip(payload)
	if err != nil && c.ctx.Err() == nil {
		err = errors.Wrapf(err, "transport #%d via %v", c.req.TransportNumber, c.d.Label())
	}
	c.l.OnClosed(err)
}

func (c *httpCarrier) doRoundTrip(payload []byte) error {
	hreq, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.d.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "text/plain")
	resp, err := c.d.Client.Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected HTTP status %v", resp.Status)
	}
	c.l.OnHeaders(resp.ContentLength)
	return pump(resp.Body, c.l)
}

// pump passes everything read from r to the listener in pooled chunks until
// EOF, which is reported as nil.
func pump(r io.Reader, l CarrierListener) error {
	for {
		buf := pool.Get(defaultChunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			l.OnData(buf[:n])
		} else {
			pool.Put(buf)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *httpCarrier) Close() {
	c.once.Do(c.cancel)
}
