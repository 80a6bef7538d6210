// Command minerva-client opens a Minerva stream, sends every line read from
// stdin as a string and prints the strings it receives.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/getlantern/golog"

	"github.com/getlantern/minerva"
)

var log = golog.LoggerFor("minerva-client")

const resetTimeout = 10 * time.Second

type printer struct {
	done     chan struct{}
	received int
	bytes    uint64
}

func (p *printer) StringReceived(s string) {
	p.received++
	p.bytes += uint64(len(s))
	fmt.Println(s)
}

func (p *printer) StreamReset(reason string, applicationLevel bool) {
	log.Debugf("Stream reset by peer (application level: %v): %v", applicationLevel, reason)
}

func (p *printer) Disconnected() {
	log.Debugf("Disconnected after receiving %d strings (%v)", p.received, humanize.Bytes(p.bytes))
	close(p.done)
}

func main() {
	configFile := flag.String("config", "", "YAML config file")
	url := flag.String("url", "", "HTTP endpoint")
	socket := flag.String("socket", "", "TCP address")
	ws := flag.String("ws", "", "WebSocket URL")
	flag.Parse()

	cfg := minerva.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = minerva.LoadConfig(*configFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	var dialer minerva.Dialer
	switch {
	case *url != "":
		dialer = minerva.NewHTTPDialer(*url, nil)
	case *socket != "":
		dialer = minerva.NewSocketDialer(*socket)
	case *ws != "":
		dialer = minerva.NewWebSocketDialer(*ws)
	default:
		fmt.Fprintln(os.Stderr, "one of -url, -socket or -ws is required")
		os.Exit(2)
	}

	loop := minerva.NewLoop()
	defer loop.Close()
	p := &printer{done: make(chan struct{})}
	var stream *minerva.Stream
	loop.Call(func() {
		stream = minerva.NewStream(dialer, p, loop, cfg)
		if err := stream.Start(); err != nil {
			log.Error(err)
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				loop.Call(func() {
					if err := stream.Reset("client done"); err != nil {
						log.Debugf("Unable to reset: %v", err)
					}
				})
				select {
				case <-p.done:
				case <-time.After(resetTimeout):
					log.Debugf("Gave up waiting for the reset to go out")
				}
				return
			}
			loop.Call(func() {
				if err := stream.SendStrings([]string{line}, true); err != nil {
					log.Errorf("Unable to send %q: %v", line, err)
				}
			})
		case <-p.done:
			return
		}
	}
}
