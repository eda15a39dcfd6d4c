// Package gatewaytest runs an in-process fake gateway for tests. It speaks
// just enough of the wire protocol to exercise the client: it answers
// heartbeat pings, records every command frame it receives, and replies
// through per-verb scripted handlers.
package gatewaytest

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	json "github.com/goccy/go-json"

	"github.com/RoninSTi/vibelink/internal/protocol"
)

// Handler reacts to one command frame, typically by sending frames back.
type Handler func(c *Conn, f protocol.Frame)

// Server is the fake gateway. All methods are safe for concurrent use.
type Server struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	conns    []*Conn
	counts   map[string]int
	pong     bool

	frames  chan protocol.Frame
	connsCh chan *Conn
}

// New starts a fake gateway and registers its teardown with t.Cleanup.
// Heartbeat pings are answered until DisablePong.
func New(t *testing.T) *Server {
	s := &Server{
		t:        t,
		handlers: make(map[string]Handler),
		counts:   make(map[string]int),
		pong:     true,
		frames:   make(chan protocol.Frame, 64),
		connsCh:  make(chan *Conn, 8),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.upgrade))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address clients should dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Handle scripts the response to one verb.
func (s *Server) Handle(verb string, h Handler) {
	s.mu.Lock()
	s.handlers[verb] = h
	s.mu.Unlock()
}

// Reply scripts the common case: answer verb with one frame of the given
// type, echoing the command's correlation id.
func (s *Server) Reply(verb, typ string, data any) {
	s.Handle(verb, func(c *Conn, f protocol.Frame) {
		c.SendFrame(typ, f.CorrelationId, data)
	})
}

// DisablePong makes the gateway go silent on heartbeats.
func (s *Server) DisablePong() {
	s.mu.Lock()
	s.pong = false
	s.mu.Unlock()
}

// WaitFrame blocks until a command with the given verb arrives. Frames with
// other verbs received in the meantime are discarded.
func (s *Server) WaitFrame(verb string, timeout time.Duration) protocol.Frame {
	s.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f := <-s.frames:
			if f.Type == verb {
				return f
			}
		case <-deadline:
			s.t.Fatalf("no %s frame within %v", verb, timeout)
			return protocol.Frame{}
		}
	}
}

// WaitConn blocks until a client connects.
func (s *Server) WaitConn(timeout time.Duration) *Conn {
	s.t.Helper()
	select {
	case c := <-s.connsCh:
		return c
	case <-time.After(timeout):
		s.t.Fatalf("no connection within %v", timeout)
		return nil
	}
}

// ConnCount reports how many connections the gateway has accepted so far.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Received reports how many commands with the given verb have arrived.
func (s *Server) Received(verb string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[verb]
}

// Close drops every accepted connection and stops the listener.
func (s *Server) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.raw.Close()
	}
	s.srv.Close()
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	c := &Conn{raw: conn}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	select {
	case s.connsCh <- c:
	default:
	}
	go s.serve(c)
}

func (s *Server) serve(c *Conn) {
	for {
		msg, op, err := wsutil.ReadClientData(c.raw)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}

		if typ, ok := protocol.ControlType(msg); ok {
			if typ == "ping" {
				s.mu.Lock()
				pong := s.pong
				s.mu.Unlock()
				if pong {
					c.Write(protocol.Pong())
				}
			}
			continue
		}

		frame, err := protocol.DecodeFrame(msg)
		if err != nil {
			continue
		}
		select {
		case s.frames <- *frame:
		default:
		}

		s.mu.Lock()
		s.counts[frame.Type]++
		h := s.handlers[frame.Type]
		s.mu.Unlock()
		if h != nil {
			h(c, *frame)
		}
	}
}

// Conn is one accepted client connection.
type Conn struct {
	raw     net.Conn
	writeMu sync.Mutex
}

// Write sends one raw text frame.
func (c *Conn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.raw, ws.OpText, data)
}

// SendFrame sends a protocol frame from the gateway side. Inbound frames
// address the client through Target, not To.
func (c *Conn) SendFrame(typ, correlationID string, data any) {
	f := protocol.Frame{
		Type:          typ,
		From:          protocol.IdentityServer,
		Target:        protocol.IdentityClient,
		CorrelationId: correlationID,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			panic(err)
		}
		f.Data = raw
	}
	payload, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	c.Write(payload)
}

// CloseWith performs a server-initiated close handshake with the given
// status code, then drops the TCP connection.
func (c *Conn) CloseWith(code ws.StatusCode, reason string) {
	c.writeMu.Lock()
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
	ws.WriteFrame(c.raw, frame)
	c.writeMu.Unlock()

	// The close frame sits ahead of the FIN in the TCP stream, so the
	// client still reads the status code.
	time.Sleep(20 * time.Millisecond)
	c.raw.Close()
}

// Drop severs the TCP connection with no close handshake.
func (c *Conn) Drop() {
	c.raw.Close()
}
