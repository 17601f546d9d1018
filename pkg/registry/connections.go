package registry

import (
	"net"
	"sort"
	"sync"
)

// Connection is a local TCP socket bridged onto one tunnel connection id.
type Connection struct {
	Conn         net.Conn
	StreamID     int32
	ConnectionID uint32
}

type connectionKey struct {
	streamID     int32
	connectionID uint32
}

// ConnectionRegistry is the proxy's table of live sockets. It owns every
// socket stored in it; the remove methods hand ownership back to the caller.
type ConnectionRegistry struct {
	mu    sync.Mutex
	conns map[connectionKey]*Connection
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: map[connectionKey]*Connection{},
	}
}

func (r *ConnectionRegistry) Store(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connectionKey{c.StreamID, c.ConnectionID}] = c
}

func (r *ConnectionRegistry) Get(streamID int32, connectionID uint32) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connectionKey{streamID, connectionID}]
	return c, ok
}

func (r *ConnectionRegistry) Remove(streamID int32, connectionID uint32) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := connectionKey{streamID, connectionID}
	c, ok := r.conns[key]
	if ok {
		delete(r.conns, key)
	}
	return c, ok
}

func (r *ConnectionRegistry) RemoveStream(streamID int32) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*Connection
	for key, c := range r.conns {
		if key.streamID == streamID {
			removed = append(removed, c)
			delete(r.conns, key)
		}
	}
	sortConnections(removed)
	return removed
}

func (r *ConnectionRegistry) Reset() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		removed = append(removed, c)
	}
	r.conns = map[connectionKey]*Connection{}
	sortConnections(removed)
	return removed
}

func (r *ConnectionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *ConnectionRegistry) List() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		list = append(list, c)
	}
	sortConnections(list)
	return list
}

// CloseAll closes the sockets and ignores close errors.
func CloseAll(conns []*Connection) {
	for _, c := range conns {
		if c.Conn != nil {
			_ = c.Conn.Close()
		}
	}
}

func sortConnections(conns []*Connection) {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].StreamID != conns[j].StreamID {
			return conns[i].StreamID < conns[j].StreamID
		}
		return conns[i].ConnectionID < conns[j].ConnectionID
	})
}
