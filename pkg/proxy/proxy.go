package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kfsoftware/ldk/pkg/messages"
	"github.com/kfsoftware/ldk/pkg/registry"
	"github.com/kfsoftware/ldk/pkg/retry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	Subprotocol = "aws.iot.securetunneling-3.0"

	DefaultPingInterval         = 30 * time.Second
	DefaultReconnectInterval    = time.Second
	DefaultMaxReconnectAttempts = 5
	ReconnectMultiplier         = 1.5

	endpointFormat = "wss://data.tunneling.iot.%s.amazonaws.com:443/tunnel"
	writeWait      = 10 * time.Second
	dialTimeout    = 30 * time.Second
)

var (
	ErrStopped             = errors.New("local proxy stopped")
	ErrNotConnected        = errors.New("tunnel websocket not connected")
	ErrReconnectsExhausted = errors.New("gave up reconnecting to the tunnel")
)

type Config struct {
	Region string
	// Endpoint overrides the regional tunneling endpoint.
	Endpoint    string
	AccessToken string
	// ClientToken identifies this proxy to the tunneling service across reconnects.
	ClientToken          string
	ListenAddr           string
	PingInterval         time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	Dialer               *websocket.Dialer
}

func (c Config) endpointURL() (string, error) {
	base := c.Endpoint
	if base == "" {
		if c.Region == "" {
			return "", errors.New("region or endpoint is required")
		}
		base = fmt.Sprintf(endpointFormat, c.Region)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "invalid tunnel endpoint %q", base)
	}
	q := u.Query()
	q.Set("local-proxy-mode", "source")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:0"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return c
}

type Stats struct {
	Port              int    `json:"port"`
	Connected         bool   `json:"connected"`
	StreamID          int32  `json:"streamId"`
	ServiceID         string `json:"serviceId"`
	Connections       int    `json:"connections"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

// LocalProxy exposes a local TCP port whose connections are multiplexed onto
// a secure tunnel websocket in source mode.
type LocalProxy struct {
	cfg   Config
	log   zerolog.Logger
	conns *registry.ConnectionRegistry

	mu                sync.Mutex
	listener          net.Listener
	ws                *websocket.Conn
	streamID          int32
	streamStarted     bool
	nextConnectionID  uint32
	serviceID         string
	started           bool
	disposed          bool
	reconnectAttempts int
	reconnectTimer    *time.Timer
	err               error
	done              chan struct{}

	writeMu sync.Mutex
}

func New(cfg Config, logger zerolog.Logger) *LocalProxy {
	return &LocalProxy{
		cfg:      cfg.withDefaults(),
		log:      logger.With().Str("component", "proxy").Logger(),
		conns:    registry.NewConnectionRegistry(),
		streamID: 1,
		done:     make(chan struct{}),
	}
}

// Start binds the local listener and connects the tunnel websocket. It
// returns the local port debuggers should attach to.
func (p *LocalProxy) Start(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return 0, ErrStopped
	}
	if p.started {
		port := listenerPort(p.listener)
		p.mu.Unlock()
		return port, nil
	}
	p.mu.Unlock()

	ln, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to listen on %s", p.cfg.ListenAddr)
	}
	ws, err := p.dial(ctx)
	if err != nil {
		ln.Close()
		return 0, err
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		ln.Close()
		ws.Close()
		return 0, ErrStopped
	}
	p.listener = ln
	p.ws = ws
	p.started = true
	p.mu.Unlock()

	port := listenerPort(ln)
	p.log.Info().Msgf("Local proxy listening on %s", ln.Addr().String())
	go p.acceptLoop(ln)
	p.serve(ws)
	return port, nil
}

// Stop tears everything down. It is safe to call more than once.
func (p *LocalProxy) Stop() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
	ws, ln := p.ws, p.listener
	p.ws, p.listener = nil, nil
	removed := p.conns.Reset()
	p.streamID = 1
	p.streamStarted = false
	p.nextConnectionID = 0
	p.serviceID = ""
	p.reconnectAttempts = 0
	p.mu.Unlock()

	if ws != nil {
		p.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		p.writeMu.Unlock()
		if err := ws.Close(); err != nil {
			p.log.Debug().Msgf("Error closing websocket: %v", err)
		}
	}
	if ln != nil {
		if err := ln.Close(); err != nil {
			p.log.Debug().Msgf("Error closing listener: %v", err)
		}
	}
	registry.CloseAll(removed)
	close(p.done)
	p.log.Info().Msgf("Local proxy stopped")
}

// Done is closed once the proxy has stopped, either through Stop or after
// exhausting its reconnect attempts.
func (p *LocalProxy) Done() <-chan struct{} {
	return p.done
}

// Err reports why the proxy stopped on its own, if it did.
func (p *LocalProxy) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// SetAccessToken replaces the token used by later reconnects.
func (p *LocalProxy) SetAccessToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.AccessToken = token
}

func (p *LocalProxy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Port:              listenerPort(p.listener),
		Connected:         p.ws != nil,
		StreamID:          p.streamID,
		ServiceID:         p.serviceID,
		Connections:       p.conns.Len(),
		ReconnectAttempts: p.reconnectAttempts,
	}
}

func (p *LocalProxy) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := p.cfg.endpointURL()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	header := http.Header{}
	header.Set("access-token", p.cfg.AccessToken)
	if p.cfg.ClientToken != "" {
		header.Set("client-token", p.cfg.ClientToken)
	}
	p.mu.Unlock()

	dialer := websocket.DefaultDialer
	if p.cfg.Dialer != nil {
		dialer = p.cfg.Dialer
	}
	d := *dialer
	d.Subprotocols = []string{Subprotocol}
	ws, resp, err := d.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "failed to connect to tunnel endpoint (status %d)", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "failed to connect to tunnel endpoint")
	}
	p.log.Debug().Msgf("Connected to tunnel endpoint %s", ws.RemoteAddr())
	return ws, nil
}

func (p *LocalProxy) serve(ws *websocket.Conn) {
	pongWait := 3 * p.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	stop := make(chan struct{})
	go p.pingLoop(ws, stop)
	go p.readLoop(ws, stop, pongWait)
}

func (p *LocalProxy) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(p.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			p.writeMu.Unlock()
			if err != nil {
				p.log.Debug().Msgf("Ping failed: %v", err)
				return
			}
		case <-stop:
			return
		}
	}
}

func (p *LocalProxy) readLoop(ws *websocket.Conn, stop chan struct{}, pongWait time.Duration) {
	defer close(stop)
	var dec messages.Decoder
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			p.handleDisconnect(ws, err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.BinaryMessage {
			continue
		}
		frames, err := dec.Feed(data)
		for _, f := range frames {
			p.handleFrame(f)
		}
		if err != nil {
			p.log.Warn().Msgf("Dropping undecodable tunnel data: %v", err)
		}
	}
}

func (p *LocalProxy) handleFrame(f *messages.Frame) {
	p.log.Trace().Msgf("Received %s", f)
	switch f.Type {
	case messages.TypeData:
		c, ok := p.conns.Get(f.StreamID, f.ConnectionID)
		if !ok {
			p.log.Debug().Msgf("No connection for stream=%d conn=%d, dropping %d bytes", f.StreamID, f.ConnectionID, len(f.Payload))
			return
		}
		if _, err := c.Conn.Write(f.Payload); err != nil {
			p.log.Debug().Msgf("Write to local connection %d failed: %v", c.ConnectionID, err)
			p.closeConnection(c)
		}
	case messages.TypeStreamReset:
		p.mu.Lock()
		removed := p.conns.RemoveStream(f.StreamID)
		if f.StreamID == p.streamID {
			p.streamID++
			p.streamStarted = false
		}
		p.mu.Unlock()
		p.log.Debug().Msgf("Stream %d reset, closing %d connections", f.StreamID, len(removed))
		registry.CloseAll(removed)
	case messages.TypeConnectionReset:
		if c, ok := p.conns.Remove(f.StreamID, f.ConnectionID); ok {
			p.log.Debug().Msgf("Connection %d reset by peer", f.ConnectionID)
			c.Conn.Close()
		}
	case messages.TypeSessionReset:
		p.mu.Lock()
		removed := p.conns.Reset()
		p.streamID++
		p.streamStarted = false
		p.mu.Unlock()
		p.log.Info().Msgf("Tunnel session reset, closed %d connections", len(removed))
		registry.CloseAll(removed)
	case messages.TypeServiceIDs:
		if len(f.AvailableServiceIDs) > 0 {
			p.mu.Lock()
			p.serviceID = f.AvailableServiceIDs[0]
			p.mu.Unlock()
			p.log.Debug().Msgf("Using service id %s", f.AvailableServiceIDs[0])
		}
	default:
		p.log.Debug().Msgf("Ignoring %s frame", f.Type)
	}
}

func (p *LocalProxy) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			p.mu.Lock()
			disposed := p.disposed
			p.mu.Unlock()
			if !disposed {
				p.log.Warn().Msgf("Failed to accept connections: %v", err)
			}
			return
		}
		p.handleConnection(conn)
	}
}

func (p *LocalProxy) handleConnection(conn net.Conn) {
	p.mu.Lock()
	if p.disposed || p.ws == nil {
		p.mu.Unlock()
		p.log.Warn().Msgf("Rejecting %s, tunnel not connected", conn.RemoteAddr())
		conn.Close()
		return
	}
	p.nextConnectionID++
	c := &registry.Connection{
		Conn:         conn,
		StreamID:     p.streamID,
		ConnectionID: p.nextConnectionID,
	}
	typ := messages.TypeConnectionStart
	if !p.streamStarted {
		typ = messages.TypeStreamStart
		p.streamStarted = true
	}
	serviceID := p.serviceID
	p.mu.Unlock()

	p.conns.Store(c)
	err := p.send(&messages.Frame{
		Type:         typ,
		StreamID:     c.StreamID,
		ConnectionID: c.ConnectionID,
		ServiceID:    serviceID,
	})
	if err != nil {
		p.log.Warn().Msgf("Failed to announce connection %d: %v", c.ConnectionID, err)
		if _, ok := p.conns.Remove(c.StreamID, c.ConnectionID); ok {
			conn.Close()
		}
		return
	}
	p.log.Debug().Msgf("client %s connected as stream=%d conn=%d", conn.RemoteAddr(), c.StreamID, c.ConnectionID)
	go p.pipeConnection(c)
}

func (p *LocalProxy) pipeConnection(c *registry.Connection) {
	buf := make([]byte, messages.MaxPayloadSize)
	for {
		n, err := c.Conn.Read(buf)
		if n > 0 {
			if sendErr := p.sendData(c, buf[:n]); sendErr != nil {
				p.log.Debug().Msgf("Failed to forward data of connection %d: %v", c.ConnectionID, sendErr)
				break
			}
		}
		if err != nil {
			break
		}
	}
	p.closeConnection(c)
}

func (p *LocalProxy) sendData(c *registry.Connection, data []byte) error {
	p.mu.Lock()
	serviceID := p.serviceID
	p.mu.Unlock()
	for _, f := range messages.DataFrames(c.StreamID, c.ConnectionID, serviceID, data) {
		if err := p.send(f); err != nil {
			return err
		}
	}
	return nil
}

// closeConnection closes a socket still owned by the registry and tells the
// peer about it. Sockets already reset by the peer are left alone.
func (p *LocalProxy) closeConnection(c *registry.Connection) {
	if _, ok := p.conns.Remove(c.StreamID, c.ConnectionID); !ok {
		return
	}
	c.Conn.Close()
	p.mu.Lock()
	serviceID := p.serviceID
	p.mu.Unlock()
	err := p.send(&messages.Frame{
		Type:         messages.TypeConnectionReset,
		StreamID:     c.StreamID,
		ConnectionID: c.ConnectionID,
		ServiceID:    serviceID,
	})
	if err != nil {
		p.log.Debug().Msgf("Failed to send reset for connection %d: %v", c.ConnectionID, err)
	}
	p.log.Debug().Msgf("Connection %d finished", c.ConnectionID)
}

func (p *LocalProxy) send(f *messages.Frame) error {
	p.mu.Lock()
	ws := p.ws
	p.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	data, err := messages.Encode(f)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.BinaryMessage, data)
}

func (p *LocalProxy) handleDisconnect(ws *websocket.Conn, cause error) {
	p.mu.Lock()
	if p.disposed || p.ws != ws {
		p.mu.Unlock()
		return
	}
	p.ws = nil
	removed := p.conns.Reset()
	p.streamID++
	p.streamStarted = false
	p.mu.Unlock()

	ws.Close()
	registry.CloseAll(removed)
	p.log.Warn().Msgf("Tunnel websocket closed unexpectedly: %v", cause)
	p.scheduleReconnect()
}

// ReconnectDelay is base * 1.5^attempt.
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	return retry.Delay(retry.Config{InitialDelay: base, Multiplier: ReconnectMultiplier}, attempt+1)
}

func (p *LocalProxy) scheduleReconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	if p.reconnectAttempts >= p.cfg.MaxReconnectAttempts {
		p.err = errors.Wrapf(ErrReconnectsExhausted, "after %d attempts", p.reconnectAttempts)
		p.log.Error().Msgf("Giving up on the tunnel after %d reconnect attempts", p.reconnectAttempts)
		go p.Stop()
		return
	}
	delay := ReconnectDelay(p.cfg.ReconnectInterval, p.reconnectAttempts)
	p.reconnectAttempts++
	p.log.Info().Msgf("Reconnecting in %s (attempt %d/%d)", delay, p.reconnectAttempts, p.cfg.MaxReconnectAttempts)
	p.reconnectTimer = time.AfterFunc(delay, p.reconnect)
}

func (p *LocalProxy) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	ws, err := p.dial(ctx)
	if err != nil {
		p.log.Warn().Msgf("Reconnect failed: %v", err)
		p.scheduleReconnect()
		return
	}
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		ws.Close()
		return
	}
	p.ws = ws
	p.reconnectAttempts = 0
	p.reconnectTimer = nil
	p.mu.Unlock()
	p.log.Info().Msgf("Reconnected to the tunnel")
	p.serve(ws)
}

func listenerPort(ln net.Listener) int {
	if ln == nil {
		return 0
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
