package minerva

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// recordingListener collects carrier events from any goroutine.
type recordingListener struct {
	mx            sync.Mutex
	contentLength int64
	headers       int
	data          []byte
	closed        chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{contentLength: -2, closed: make(chan error, 1)}
}

func (l *recordingListener) OnHeaders(contentLength int64) {
	l.mx.Lock()
	l.headers++
	l.contentLength = contentLength
	l.mx.Unlock()
}

func (l *recordingListener) OnData(chunk []byte) {
	l.mx.Lock()
	l.data = append(l.data, chunk...)
	l.mx.Unlock()
	pool.Put(chunk)
}

func (l *recordingListener) OnClosed(err error) {
	l.closed <- err
}

func (l *recordingListener) waitClosed(t *testing.T) error {
	select {
	case err := <-l.closed:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("carrier never closed")
	}
	return nil
}

// chanHandler is a Handler for streams running on a Loop.
type chanHandler struct {
	strings      chan string
	resets       chan string
	disconnected chan struct{}
}

func newChanHandler() *chanHandler {
	return &chanHandler{
		strings:      make(chan string, 100),
		resets:       make(chan string, 1),
		disconnected: make(chan struct{}),
	}
}

func (h *chanHandler) StringReceived(s string) {
	h.strings <- s
}

func (h *chanHandler) StreamReset(reason string, applicationLevel bool) {
	h.resets <- reason
}

func (h *chanHandler) Disconnected() {
	close(h.disconnected)
}

func (h *chanHandler) next(t *testing.T) string {
	select {
	case s := <-h.strings:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("no string received")
	}
	return ""
}

func (h *chanHandler) waitDisconnected(t *testing.T) {
	select {
	case <-h.disconnected:
	case <-time.After(waitTimeout):
		t.Fatal("stream never disconnected")
	}
}

func testHTTPClient() *http.Client {
	return &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
}

func TestHTTPCarrier(t *testing.T) {
	defer leaktest.Check(t)()
	gotBody := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody <- string(b)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Length", "8")
		io.WriteString(w, ";)]}^\nC\n")
	}))
	defer srv.Close()

	d := NewHTTPDialer(srv.URL, testHTTPClient())
	assert.False(t, d.Persistent())
	assert.Equal(t, NewlineFraming, d.Framing())
	l := newRecordingListener()
	c := d.Dial(CarrierRequest{StreamID: "abc", TransportNumber: 0, Kind: HTTPLongPoll}, l)
	payload := pool.Get(6)
	copy(payload, "hello ")
	require.NoError(t, c.Write(payload))
	assert.Equal(t, ErrCarrierOneShot, c.Write(pool.Get(1)))

	assert.NoError(t, l.waitClosed(t))
	assert.Equal(t, "hello ", <-gotBody)
	l.mx.Lock()
	defer l.mx.Unlock()
	assert.Equal(t, 1, l.headers)
	assert.Equal(t, int64(8), l.contentLength)
	assert.Equal(t, ";)]}^\nC\n", string(l.data))
}

func TestHTTPCarrierBadStatus(t *testing.T) {
	defer leaktest.Check(t)()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := newRecordingListener()
	c := NewHTTPDialer(srv.URL, testHTTPClient()).Dial(CarrierRequest{TransportNumber: 3}, l)
	require.NoError(t, c.Write(pool.Get(1)))
	err := l.waitClosed(t)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "503")
		assert.Contains(t, err.Error(), "transport #3")
	}
	assert.Equal(t, 0, l.headers)
}

func TestHTTPCarrierClose(t *testing.T) {
	defer leaktest.Check(t)()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, ";)]}^\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	l := newRecordingListener()
	c := NewHTTPDialer(srv.URL, testHTTPClient()).Dial(CarrierRequest{}, l)
	require.NoError(t, c.Write(pool.Get(1)))
	assert.Eventually(t, func() bool {
		l.mx.Lock()
		defer l.mx.Unlock()
		return len(l.data) > 0
	}, waitTimeout, 10*time.Millisecond)
	c.Close()
	c.Close()
	l.waitClosed(t)
}

// httpPeer answers long-poll requests like a server holding one stream.
type httpPeer struct {
	t        *testing.T
	mx       sync.Mutex
	acked    int
	sent     int
	received chan string
	resets   chan string
}

func (p *httpPeer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}
	lines, status := NewNewlineDecoder(1 << 20).Feed(body)
	assert.Equal(p.t, StatusOK, status)
	out := []Frame{CommentFrame{Preamble}}
	hold := false
	p.mx.Lock()
	var echoes []Frame
	for _, line := range lines {
		f, err := DecodeFrame(line)
		if !assert.NoError(p.t, err) {
			continue
		}
		switch f := f.(type) {
		case HelloFrame:
			if f.RequestNewStream {
				out = append(out, StreamCreatedFrame{})
			}
			hold = f.WantsStrings()
		case StringFrame:
			p.received <- f.Value
			out = append(out, SackFrame{NewSACK(p.acked)})
			p.acked++
			echoes = append(echoes, StringFrame{"echo " + f.Value})
		case ResetFrame:
			p.resets <- f.Reason
		}
	}
	if len(echoes) > 0 && hold {
		out = append(out, SeqNumFrame{p.sent})
		out = append(out, echoes...)
		p.sent += len(echoes)
		hold = false
	}
	p.mx.Unlock()

	b := EncodeFrames(out, NewlineFraming)
	w.Header().Set("Content-Type", "text/plain")
	w.Write(b)
	pool.Put(b)
	if hold {
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}
}

func TestStreamOverHTTP(t *testing.T) {
	defer leaktest.Check(t)()
	peer := &httpPeer{t: t, received: make(chan string, 10), resets: make(chan string, 1)}
	srv := httptest.NewServer(peer)
	defer srv.Close()

	loop := NewLoop()
	defer loop.Close()
	h := newChanHandler()
	var stream *Stream
	loop.Call(func() {
		stream = NewStream(NewHTTPDialer(srv.URL, testHTTPClient()), h, loop, nil)
		assert.NoError(t, stream.SendStrings([]string{"one", "two"}, true))
		assert.NoError(t, stream.Start())
	})
	assert.Equal(t, "echo one", h.next(t))
	assert.Equal(t, "echo two", h.next(t))

	loop.Call(func() {
		assert.NoError(t, stream.SendStrings([]string{"three"}, true))
	})
	assert.Equal(t, "one", <-peer.received)
	assert.Equal(t, "two", <-peer.received)
	select {
	case s := <-peer.received:
		assert.Equal(t, "three", s)
	case <-time.After(waitTimeout):
		t.Fatal("string never reached the peer")
	}
	assert.Eventually(t, func() bool {
		queued := -1
		loop.Call(func() { queued = stream.QueuedCount() })
		return queued == 0
	}, waitTimeout, 10*time.Millisecond)

	loop.Call(func() {
		assert.NoError(t, stream.Reset("bye"))
	})
	h.waitDisconnected(t)
	assert.Equal(t, "bye", <-peer.resets)
	loop.Call(func() {
		assert.Equal(t, Disconnected, stream.State())
	})
	assert.Empty(t, h.resets)
}

func TestHTTPDialerLabel(t *testing.T) {
	d := NewHTTPDialer("http://example.com/minerva", nil)
	assert.Equal(t, http.DefaultClient, d.Client)
	assert.True(t, strings.HasSuffix(d.Label(), "example.com/minerva"))
}
