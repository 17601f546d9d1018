// Package proxytest provides an in-process secure tunneling endpoint that
// plays the service side of a source-mode proxy connection.
package proxytest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kfsoftware/ldk/pkg/messages"
	"github.com/pkg/errors"
)

const subprotocol = "aws.iot.securetunneling-3.0"

type Server struct {
	*httptest.Server
	AccessToken string

	upgrader websocket.Upgrader
	frames   chan *messages.Frame

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	connects int
	headers  []http.Header
	pings    int
}

// NewServer starts an endpoint that accepts source connections presenting accessToken.
func NewServer(accessToken string) *Server {
	s := &Server{
		AccessToken: accessToken,
		frames:      make(chan *messages.Frame, 1024),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{subprotocol},
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Endpoint is the websocket url to hand to the proxy.
func (s *Server) Endpoint() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/tunnel"
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("local-proxy-mode") != "source" {
		http.Error(w, "unsupported proxy mode", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	token := s.AccessToken
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()
	if r.Header.Get("access-token") != token {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetPingHandler(func(data string) error {
		s.mu.Lock()
		s.pings++
		s.mu.Unlock()
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	s.mu.Lock()
	s.conn = conn
	s.connects++
	s.mu.Unlock()

	var dec messages.Decoder
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frames, err := dec.Feed(data)
		for _, f := range frames {
			s.frames <- f
		}
		if err != nil {
			return
		}
	}
}

// Send writes frames to the connected proxy in a single websocket message.
func (s *Server) Send(frames ...*messages.Frame) error {
	var data []byte
	for _, f := range frames {
		b, err := messages.Encode(f)
		if err != nil {
			return err
		}
		data = append(data, b...)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("no proxy connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// Next waits for the next frame sent by the proxy.
func (s *Server) Next(timeout time.Duration) (*messages.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for frame")
	}
}

// NextOfType skips frames until one of type t arrives.
func (s *Server) NextOfType(t messages.Type, timeout time.Duration) (*messages.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := s.Next(time.Until(deadline))
		if err != nil {
			return nil, errors.Wrapf(err, "waiting for %s", t)
		}
		if f.Type == t {
			return f, nil
		}
	}
}

// Drop closes the current websocket without a close handshake.
func (s *Server) Drop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.UnderlyingConn().Close()
	}
}

// WaitConnects blocks until at least n websocket connections were accepted.
func (s *Server) WaitConnects(n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Connects() >= n {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return errors.Errorf("expected %d connects, got %d", n, s.Connects())
}

func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *Server) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

func (s *Server) SetAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AccessToken = token
}
